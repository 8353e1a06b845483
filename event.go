package quic

import "github.com/goburrow/quicframe/transport"

// EventType identifies what an Event reports to the application. It
// extends transport.EventType (stream-level only) with two
// connection-lifecycle events: connected and shutdown-complete. The root
// package, not transport, owns connection lifecycle because only it (via
// Worker/Binding) knows when a handle's refcount has actually reached
// zero.
type EventType int

const (
	// EventConnAccept fires once, the first drain after a connection
	// becomes established.
	EventConnAccept EventType = iota
	// EventConnClose fires once, when shutdown-complete is signaled and
	// the application's handle is the last thing keeping the connection
	// alive.
	EventConnClose
	EventStreamRecv
	EventStreamReset
	EventStreamStop
	EventStreamComplete
)

func (t EventType) String() string {
	switch t {
	case EventConnAccept:
		return "conn_accept"
	case EventConnClose:
		return "conn_close"
	case EventStreamRecv:
		return "stream_recv"
	case EventStreamReset:
		return "stream_reset"
	case EventStreamStop:
		return "stream_stop"
	case EventStreamComplete:
		return "stream_complete"
	default:
		return "unknown"
	}
}

// Event is the application-facing notification type: transport.Event
// widened with the two connection-lifecycle kinds above.
type Event struct {
	Type     EventType
	StreamID uint64
	Error    uint64
}

func fromTransportEvent(e transport.Event) Event {
	switch e.Type {
	case transport.EventStreamReset:
		return Event{Type: EventStreamReset, StreamID: e.StreamID, Error: e.Error}
	case transport.EventStreamStop:
		return Event{Type: EventStreamStop, StreamID: e.StreamID, Error: e.Error}
	case transport.EventStreamComplete:
		return Event{Type: EventStreamComplete, StreamID: e.StreamID}
	default:
		return Event{Type: EventStreamRecv, StreamID: e.StreamID}
	}
}
