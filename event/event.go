// Package event defines the notifications a connection pushes to the outside
// world and the sinks that deliver them. A Sink is the only capability the
// connection core needs from its caller.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-tcpclient/logger"
)

// Kind distinguishes state-change notifications from inbound data.
type Kind int

const (
	StateChange Kind = iota // connection became connected or disconnected
	Data                    // bytes were read from the peer
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case StateChange:
		return "connectionStateChange"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Event is a single notification about one connection.
type Event struct {
	Kind         Kind
	ConnectionID uint32
	Connected    bool      // state of the connection when the event was raised
	Message      string    // human-readable description
	Payload      []byte    // received bytes, Data events only
	Address      string    // remote "host:port"
	Generation   string    // socket generation the event belongs to, if any
	ErrorClass   string    // classified cause, when an error triggered the event
	Timestamp    time.Time // when the event was raised
}

// Text returns the payload decoded as a string.
func (e Event) Text() string {
	return string(e.Payload)
}

// Sink receives events. Connections call Emit synchronously from their own
// goroutines, so implementations must be safe for concurrent use and should
// return quickly; a slow sink delays that connection's loops.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multiSink []Sink

// Multi returns a Sink that forwards each event to every non-nil sink in
// order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}

	return out
}

func (m multiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// ChanSink buffers events on a channel for a consumer goroutine. When the
// buffer is full new events are dropped and counted rather than blocking
// the connection loops.
type ChanSink struct {
	ch      chan Event
	dropped atomic.Uint64
	mu      sync.RWMutex
	closed  bool
}

// NewChanSink creates a ChanSink with the given buffer size.
//
// Parameters:
//   - size: Channel capacity; values below 1 are raised to 1
//
// Returns:
//   - A new *ChanSink; call Close when no more events will be emitted
func NewChanSink(size int) *ChanSink {
	if size < 1 {
		size = 1
	}

	return &ChanSink{ch: make(chan Event, size)}
}

// Emit implements Sink.
func (s *ChanSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer. It is closed by Close.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the buffer was
// full or the sink was closed.
func (s *ChanSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the event channel. Later Emit calls are counted as dropped.
// Safe to call multiple times.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LogSink writes one structured log entry per event. Data payloads are
// logged by size only.
func LogSink(l logger.Logger) Sink {
	return SinkFunc(func(e Event) {
		fields := []logger.Field{
			logger.F("event", e.Kind.String()),
			logger.F("connection_id", e.ConnectionID),
			logger.F("address", e.Address),
		}
		if e.Generation != "" {
			fields = append(fields, logger.F("generation", e.Generation))
		}

		switch e.Kind {
		case Data:
			fields = append(fields, logger.F("bytes", len(e.Payload)))
			l.Debug("data received", fields...)
		default:
			fields = append(fields, logger.F("connected", e.Connected))
			if e.ErrorClass != "" {
				fields = append(fields, logger.F("error_class", e.ErrorClass))
			}
			l.Info(e.Message, fields...)
		}
	})
}
