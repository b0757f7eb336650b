package bridge

import (
	"context"
	"errors"
	"sync/atomic"

	"pstnbridge/signalling"
)

// ErrOutboxClosed is returned when publishing to a closed Outbox.
var ErrOutboxClosed = errors.New("outbox closed")

// Message is one item of chat side output: a call event, a notice or a text
// from a phone number.
type Message struct {
	Event  *signalling.Outbound
	Notice *Notice
	Text   *Text
}

// Notice is a human readable message for a conversation scope.
type Notice struct {
	Scope string
	Text  string
}

// Text is a message from a phone number, posted as that number's puppet.
type Text struct {
	Scope string
	From  string
	Body  string
}

// Outbox queues chat side output so no session lock is held across chat I/O.
type Outbox struct {
	queue  chan Message
	done   chan struct{}
	closed atomic.Bool
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 100
	}
	return &Outbox{
		queue: make(chan Message, size),
		done:  make(chan struct{}),
	}
}

func (o *Outbox) Publish(ctx context.Context, msg Message) error {
	if o.closed.Load() {
		return ErrOutboxClosed
	}
	select {
	case o.queue <- msg:
		return nil
	case <-o.done:
		return ErrOutboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the next message. Messages queued before Close are still
// handed out; false means the outbox is closed and drained or ctx is done.
func (o *Outbox) Consume(ctx context.Context) (Message, bool) {
	select {
	case msg := <-o.queue:
		return msg, true
	default:
	}
	select {
	case msg := <-o.queue:
		return msg, true
	case <-o.done:
		select {
		case msg := <-o.queue:
			return msg, true
		default:
			return Message{}, false
		}
	case <-ctx.Done():
		return Message{}, false
	}
}

func (o *Outbox) Close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.done)
	}
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	return len(o.queue)
}
