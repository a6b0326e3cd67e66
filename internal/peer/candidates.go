package peer

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"
)

// candidateQueue holds remote candidates until both session descriptions are
// in place, then hands them to apply in arrival order. Once both are set,
// later candidates bypass the queue.
type candidateQueue struct {
	mu        sync.Mutex
	pending   deque.Deque[webrtc.ICECandidateInit]
	localSet  bool
	remoteSet bool
	apply     func(webrtc.ICECandidateInit) error
}

func newCandidateQueue(apply func(webrtc.ICECandidateInit) error) *candidateQueue {
	return &candidateQueue{apply: apply}
}

func (q *candidateQueue) Add(c webrtc.ICECandidateInit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.localSet || !q.remoteSet {
		q.pending.PushBack(c)
		return nil
	}
	return q.apply(c)
}

func (q *candidateQueue) LocalSet() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.localSet = true
	return q.flush()
}

func (q *candidateQueue) RemoteSet() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remoteSet = true
	return q.flush()
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// flush must be called with q.mu held. A candidate that fails to apply is
// dropped; the rest are still tried.
func (q *candidateQueue) flush() error {
	if !q.localSet || !q.remoteSet {
		return nil
	}
	var firstErr error
	for q.pending.Len() > 0 {
		if err := q.apply(q.pending.PopFront()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
