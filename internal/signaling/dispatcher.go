package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/logging"
)

// Handler receives every message that is not the reply to a pending request.
// It runs on the dispatcher goroutine, one message at a time, in arrival
// order.
type Handler func(*Message)

type reply struct {
	msg *Message
	err error
}

type pendingRequest struct {
	id    string
	op    string
	reply string
	ch    chan reply
}

// Dispatcher routes a Client's inbound messages. Replies to Request calls
// are matched against a table of pending requests keyed by the reply type
// they expect; everything else goes to the handler.
type Dispatcher struct {
	client  *Client
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	pending []*pendingRequest
	stopped bool

	done chan struct{}
}

func NewDispatcher(client *Client, handler Handler, logger *slog.Logger) *Dispatcher {
	if handler == nil {
		handler = func(*Message) {}
	}
	return &Dispatcher{
		client:  client,
		handler: handler,
		logger:  logging.OrDefault(logger).With("component", "dispatcher"),
		done:    make(chan struct{}),
	}
}

// Run consumes the client's inbound stream until it closes. Pending requests
// are then failed with the reason the connection ended.
func (d *Dispatcher) Run() {
	defer close(d.done)

	for msg := range d.client.Incoming() {
		if d.deliver(msg) {
			continue
		}
		d.handler(msg)
	}

	cause := d.client.Err()
	if cause == nil {
		cause = apperr.ErrClosed
	}
	d.mu.Lock()
	d.stopped = true
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range pending {
		p.ch <- reply{err: apperr.Wrap(p.op, apperr.ErrSignalingUnavailable, cause.Error())}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Request sends msg and waits for a message of type replyType. A rendezvous
// error received while the request is the oldest one pending fails it.
func (d *Dispatcher) Request(ctx context.Context, msg *Message, replyType string) (*Message, error) {
	op := msg.Type
	p := &pendingRequest{
		id:    uuid.NewString(),
		op:    op,
		reply: replyType,
		ch:    make(chan reply, 1),
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, apperr.New(op, apperr.ErrSignalingUnavailable)
	}
	d.pending = append(d.pending, p)
	d.mu.Unlock()

	d.logger.Debug("request", "type", msg.Type, "await", replyType, "id", p.id)
	d.client.Send(msg)

	select {
	case r := <-p.ch:
		return r.msg, r.err
	case <-ctx.Done():
		d.remove(p.id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.New(op, apperr.ErrSignalingTimeout)
		}
		return nil, apperr.Wrap(op, apperr.ErrClosed, ctx.Err().Error())
	}
}

// pendingCount reports how many requests are waiting for a reply.
func (d *Dispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// deliver completes a pending request with msg. It reports false when msg
// is not a reply anyone is waiting for.
func (d *Dispatcher) deliver(msg *Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return false
	}

	if msg.Type == TypeError {
		p := d.pending[0]
		d.pending = d.pending[1:]
		p.ch <- reply{err: apperr.FromRendezvous(p.op, msg.Error, msg.Message)}
		return true
	}

	for i, p := range d.pending {
		if p.reply == msg.Type {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			p.ch <- reply{msg: msg}
			return true
		}
	}
	return false
}

func (d *Dispatcher) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.pending {
		if p.id == id {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}
