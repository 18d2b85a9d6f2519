package logbuf

import "sync/atomic"

// Sink is the process-wide entry point for log events. It always points at
// the buffer of the live channel; a new channel gets a new buffer.
type Sink struct {
	cur atomic.Pointer[Buffer]
}

// NewSink returns a Sink whose first buffer is already collecting, so events
// emitted before the first connection are not lost.
func NewSink() *Sink {
	s := &Sink{}
	s.cur.Store(New())
	return s
}

// Record hands ev to the current buffer.
func (s *Sink) Record(ev any) {
	s.cur.Load().Record(ev)
}

// Current returns the buffer events are recorded into.
func (s *Sink) Current() *Buffer {
	return s.cur.Load()
}

// Renew returns a buffer for a new channel. A buffer that never left
// Buffering is reused so its backlog reaches the next join; otherwise a
// fresh one replaces it.
func (s *Sink) Renew() *Buffer {
	for {
		old := s.cur.Load()
		if old.State() == Buffering {
			return old
		}
		b := New()
		if s.cur.CompareAndSwap(old, b) {
			return b
		}
	}
}

// Retire swaps b for a fresh collecting buffer once its channel is gone, so
// events emitted before the next join are queued instead of sent to a dead
// socket. It does nothing if b is still buffering or no longer current.
func (s *Sink) Retire(b *Buffer) {
	if b == nil || b.State() == Buffering {
		return
	}
	s.cur.CompareAndSwap(b, New())
}
