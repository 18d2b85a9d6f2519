// Package logbuf holds log events until the socket is joined, replays them in
// order exactly once, and then forwards later events straight through.
//
// A Buffer moves through four states:
//
//	Buffering ──Flush──▶ Draining ──▶ PassThrough
//	    │
//	    └──Disable──▶ Disabled
//
// PassThrough and Disabled are terminal. A connection failure while still
// buffering discards everything recorded so far; memory stays bounded during
// a storm of failed connection attempts.
package logbuf

import (
	"sync"

	"github.com/livepush/agent/internal/protocol"
)

// State is the buffer's lifecycle state.
type State int

const (
	Buffering State = iota
	Draining
	PassThrough
	Disabled
)

func (s State) String() string {
	switch s {
	case Buffering:
		return "buffering"
	case Draining:
		return "draining"
	case PassThrough:
		return "pass_through"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Sender delivers one message over the socket. Implementations must not log
// through a handler that feeds back into the same buffer.
type Sender interface {
	Send(t protocol.MessageType, payload any) error
}

// Buffer queues log events for one channel instance.
type Buffer struct {
	mu      sync.Mutex
	state   State
	events  []any
	sender  Sender
	dropped int
}

// New returns a Buffer in the Buffering state.
func New() *Buffer {
	return &Buffer{state: Buffering}
}

// State returns the current state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns how many events failed to send or were discarded.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Record queues, forwards or drops ev depending on the state.
func (b *Buffer) Record(ev any) {
	b.mu.Lock()
	switch b.state {
	case Buffering:
		b.events = append(b.events, ev)
		b.mu.Unlock()
	case PassThrough:
		s := b.sender
		b.mu.Unlock()
		if err := s.Send(protocol.MsgLog, ev); err != nil {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	default:
		b.dropped++
		b.mu.Unlock()
	}
}

// Flush replays every queued event over s in FIFO order and switches to
// PassThrough. It is a no-op unless the buffer is still Buffering. Records
// issued while the replay runs wait for it to finish, so ordering holds.
func (b *Buffer) Flush(s Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Buffering {
		return
	}
	b.state = Draining
	for _, ev := range b.events {
		if err := s.Send(protocol.MsgLog, ev); err != nil {
			b.dropped++
		}
	}
	b.events = nil
	b.sender = s
	b.state = PassThrough
}

// Disable discards queued events and stops buffering for good. A buffer that
// already reached PassThrough keeps forwarding.
func (b *Buffer) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Buffering {
		return
	}
	b.dropped += len(b.events)
	b.events = nil
	b.state = Disabled
}
