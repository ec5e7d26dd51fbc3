package sync

import (
	gosync "sync"

	"github.com/google/uuid"
)

// sendBufferSize bounds the per-viewer outbound queue. A viewer that cannot
// drain its buffer loses frames instead of stalling the room.
const sendBufferSize = 64

// Session is one viewer connection attached to the event channel. Delivery
// is fire-and-forget: Enqueue never blocks, and a stalled viewer delays only
// itself.
type Session struct {
	ID string

	send chan Envelope
	done chan struct{}
	once gosync.Once
}

// NewSession returns a session with a fresh connection id.
func NewSession() *Session {
	return &Session{
		ID:   uuid.NewString(),
		send: make(chan Envelope, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Enqueue queues an envelope for delivery, reporting false if the session is
// closed or its buffer is full (the frame is dropped).
func (s *Session) Enqueue(env Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Outbox returns the channel the transport drains to the viewer.
func (s *Session) Outbox() <-chan Envelope { return s.send }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}
