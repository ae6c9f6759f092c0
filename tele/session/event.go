package session

import (
	"fmt"
	"net"
	"sync"
)

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventResolved
	EventConnected
	EventReceived
	EventPoll
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventResolved:
		return "resolved"
	case EventConnected:
		return "connected"
	case EventReceived:
		return "received"
	case EventPoll:
		return "poll"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one completion delivered to a session.
// - Resolved: Addr or Err
// - Connected: Err=nil on success
// - Received: Data=nil means peer closed the stream
// - Error: transport already invalidated the connection
type Event struct {
	Kind EventKind
	Addr net.IP
	Data []byte
	Err  error
}

func (e Event) String() string {
	switch e.Kind {
	case EventResolved:
		return fmt.Sprintf("resolved addr=%s err=%v", e.Addr, e.Err)
	case EventReceived:
		if e.Data == nil {
			return "received closed"
		}
		return fmt.Sprintf("received len=%d", len(e.Data))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s err=%v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// Sink accepts events for a session.
// Returns false when session is over and event was dropped.
// Safe to call from any goroutine.
type Sink func(Event) bool

// Transport allocates connection objects.
type Transport interface {
	// Open creates connection object bound to host:port.
	// Every later completion of the returned handle is delivered to sink.
	Open(host string, port int, sink Sink) (Handle, error)
}

// Handle is one secure connection, owned by exactly one session.
// Methods are called only from session goroutine and never after Close/Abort
// or after the handle delivered EventError.
type Handle interface {
	// Connect starts connecting, result is delivered as EventConnected.
	Connect(addr net.IP) error
	// Write issues single non-blocking write of b. Failure after return
	// is delivered as EventError.
	Write(b []byte) error
	// Recved acknowledges n received bytes.
	Recved(n int)
	// Detach stops event delivery.
	Detach()
	// Close is orderly shutdown.
	Close() error
	// Abort is forced teardown, used when Close failed.
	Abort()
}

// slot holds owned handle. Empty slot is never acted upon.
type slot struct {
	h    Handle
	live bool
}

func (sl *slot) set(h Handle)        { sl.h, sl.live = h, true }
func (sl *slot) get() (Handle, bool) { return sl.h, sl.live }
func (sl *slot) drop()               { sl.h, sl.live = nil, false }
func (sl *slot) empty() bool         { return !sl.live }

// inbox is session event queue. After shutdown every post is dropped
// without blocking, so transport goroutines can not leak on a finished session.
type inbox struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func newInbox(size int) *inbox {
	return &inbox{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

func (x *inbox) post(e Event) bool {
	select {
	case <-x.done:
		return false
	default:
	}
	select {
	case x.ch <- e:
		return true
	case <-x.done:
		return false
	}
}

func (x *inbox) shutdown() { x.once.Do(func() { close(x.done) }) }
