package transport

// EventType identifies the kind of Event a Conn surfaces to the
// application through Events().
type EventType uint8

const (
	// EventStreamRecv indicates a stream has newly readable data or has
	// reached its FIN, mirroring RFC 9000 Section 2.2's notion of a
	// stream becoming "readable".
	EventStreamRecv EventType = iota
	// EventStreamReset indicates the peer sent RESET_STREAM; Error carries
	// the application error code it supplied.
	EventStreamReset
	// EventStreamStop indicates the peer sent STOP_SENDING, asking the
	// local send side to abort; Error carries its application error code.
	EventStreamStop
	// EventStreamComplete indicates all bytes sent on a stream have been
	// acknowledged by the peer; the stream itself is removed only once
	// both directions are terminal.
	EventStreamComplete
	// EventDatagram indicates a DATAGRAM frame (RFC 9221) arrived; Data
	// carries its payload.
	EventDatagram
)

func (t EventType) String() string {
	switch t {
	case EventStreamRecv:
		return "stream_recv"
	case EventStreamReset:
		return "stream_reset"
	case EventStreamStop:
		return "stream_stop"
	case EventStreamComplete:
		return "stream_complete"
	case EventDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Event is a notification surfaced to the application by Conn.Events.
// Stream events and EventDatagram are raised; Type distinguishes why
// StreamID (or, for EventDatagram, Data) is being reported.
type Event struct {
	Type     EventType
	StreamID uint64
	Error    uint64 // application error code, set for Reset/Stop
	Data     []byte // datagram payload, set for EventDatagram
}

func newStreamRecvEvent(id uint64) Event {
	return Event{Type: EventStreamRecv, StreamID: id}
}

func newStreamResetEvent(id, errorCode uint64) Event {
	return Event{Type: EventStreamReset, StreamID: id, Error: errorCode}
}

func newStreamStopEvent(id, errorCode uint64) Event {
	return Event{Type: EventStreamStop, StreamID: id, Error: errorCode}
}

func newStreamCompleteEvent(id uint64) Event {
	return Event{Type: EventStreamComplete, StreamID: id}
}

func newDatagramEvent(data []byte) Event {
	return Event{Type: EventDatagram, Data: data}
}

func (e Event) String() string {
	switch e.Type {
	case EventStreamReset, EventStreamStop:
		return sprint(e.Type, " id=", e.StreamID, " error=", e.Error)
	default:
		return sprint(e.Type, " id=", e.StreamID)
	}
}
