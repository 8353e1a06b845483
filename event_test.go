package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goburrow/quicframe/transport"
)

func TestFromTransportEvent(t *testing.T) {
	e := fromTransportEvent(transport.Event{Type: transport.EventStreamReset, StreamID: 4, Error: 9})
	assert.Equal(t, EventStreamReset, e.Type)
	assert.Equal(t, uint64(4), e.StreamID)
	assert.Equal(t, uint64(9), e.Error)

	e = fromTransportEvent(transport.Event{Type: transport.EventStreamStop, StreamID: 8, Error: 2})
	assert.Equal(t, EventStreamStop, e.Type)

	e = fromTransportEvent(transport.Event{Type: transport.EventStreamComplete, StreamID: 12})
	assert.Equal(t, EventStreamComplete, e.Type)
	assert.Zero(t, e.Error)

	e = fromTransportEvent(transport.Event{Type: transport.EventStreamRecv, StreamID: 0})
	assert.Equal(t, EventStreamRecv, e.Type)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "conn_accept", EventConnAccept.String())
	assert.Equal(t, "conn_close", EventConnClose.String())
	assert.Equal(t, "stream_recv", EventStreamRecv.String())
	assert.Equal(t, "unknown", EventType(99).String())
}
