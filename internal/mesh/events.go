package mesh

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/BioHazard786/Huddle/internal/latency"
	"github.com/BioHazard786/Huddle/internal/protocol"
)

type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventPeerFailed
	EventPeerUpdated
	EventMessage
	EventRoomClosed
	EventSessionLost
	EventReconnecting
	EventReconnected
	EventFailed
	EventQualityChanged
	EventLeft
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventPeerFailed:
		return "peer-failed"
	case EventPeerUpdated:
		return "peer-updated"
	case EventMessage:
		return "message"
	case EventRoomClosed:
		return "room-closed"
	case EventSessionLost:
		return "session-lost"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventFailed:
		return "failed"
	case EventQualityChanged:
		return "quality-changed"
	case EventLeft:
		return "left"
	}
	return "unknown"
}

// Event is one notification from a live session. Which fields are set
// depends on Kind.
type Event struct {
	Kind     EventKind
	PeerID   string
	Username string
	Payload  protocol.Payload
	Reason   string
	Err      error

	Attempt     int
	MaxAttempts int
	Delay       time.Duration

	Quality latency.Quality
}

// eventQueue is an unbounded FIFO in front of the events channel, so
// callbacks on pion and signaling goroutines never block on a slow reader.
type eventQueue struct {
	mu     sync.Mutex
	buf    deque.Deque[Event]
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	q.buf.PushBack(e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if q.buf.Len() == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		e := q.buf.PopFront()
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}
