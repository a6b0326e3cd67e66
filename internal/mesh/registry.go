package mesh

import (
	"slices"
	"sync"

	"github.com/BioHazard786/Huddle/internal/peer"
)

// peerEntry is a connection plus what we know about the participant at the
// other end.
type peerEntry struct {
	id   string
	conn *peer.Peer

	mu        sync.Mutex
	username  string
	announced bool
	speaking  bool
	sharing   bool
}

func (e *peerEntry) name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.username
}

// announce records the name the peer gave itself. Only the first announce
// counts; it reports whether the name changed.
func (e *peerEntry) announce(username string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.announced || username == "" {
		return false
	}
	e.announced = true
	changed := e.username != username
	e.username = username
	return changed
}

func (e *peerEntry) setSpeaking(v bool) {
	e.mu.Lock()
	e.speaking = v
	e.mu.Unlock()
}

func (e *peerEntry) setSharing(v bool) {
	e.mu.Lock()
	e.sharing = v
	e.mu.Unlock()
}

func (e *peerEntry) flags() (speaking, sharing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking, e.sharing
}

// registry maps participant ids to their single live connection. Every
// mutation is one critical section, so no id ever maps to two objects.
type registry struct {
	mu    sync.Mutex
	peers map[string]*peerEntry
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*peerEntry)}
}

func (r *registry) get(id string) *peerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[id]
}

// insert adds e unless a connection that has not closed already holds id,
// in which case that one is returned and e is not stored.
func (r *registry) insert(e *peerEntry) *peerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[e.id]; ok && cur.conn.State() != peer.StateClosed {
		return cur
	}
	r.peers[e.id] = e
	return nil
}

// replace stores e and returns whatever held the id before.
func (r *registry) replace(e *peerEntry) *peerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.peers[e.id]
	r.peers[e.id] = e
	return old
}

// remove deletes e only if it still holds its id.
func (r *registry) remove(e *peerEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[e.id] != e {
		return false
	}
	delete(r.peers, e.id)
	return true
}

func (r *registry) removeID(id string) *peerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.peers[id]
	delete(r.peers, id)
	return e
}

func (r *registry) drain() []*peerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e)
	}
	clear(r.peers)
	return out
}

func (r *registry) all() []*peerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *peerEntry) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

func (r *registry) openIDs() []string {
	var ids []string
	for _, e := range r.all() {
		if e.conn.State() == peer.StateOpen {
			ids = append(ids, e.id)
		}
	}
	return ids
}
