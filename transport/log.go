package transport

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Event names from the qlog QUIC vocabulary this package emits.
// https://quiclog.github.io/internet-drafts/draft-marx-qlog-event-definitions-quic-h3.html
const (
	logEventPacketReceived  = "packet_received"
	logEventPacketSent      = "packet_sent"
	logEventPacketDropped   = "packet_dropped"
	logEventFramesProcessed = "frames_processed"
)

// LogEvent is a single qlog-shaped record describing a packet or frame
// crossing the wire. Conn emits these through OnLogEvent; package
// qlog renders them through logrus.
type LogEvent struct {
	Time   time.Time
	Type   string
	Fields []LogField
}

func newLogEvent(tm time.Time, tp string) LogEvent {
	return LogEvent{
		Time:   tm,
		Type:   tp,
		Fields: make([]LogField, 0, 8),
	}
}

func (e *LogEvent) set(k string, v interface{}) {
	e.Fields = append(e.Fields, newLogField(k, v))
}

func (e LogEvent) String() string {
	var buf bytes.Buffer
	buf.WriteString(e.Time.Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(e.Type)
	for _, f := range e.Fields {
		buf.WriteByte(' ')
		buf.WriteString(f.String())
	}
	return buf.String()
}

// LogField is one key/value pair within a LogEvent: either a string or
// an unsigned number, never both.
type LogField struct {
	Key string
	Str string
	Num uint64
}

func newLogField(key string, val interface{}) LogField {
	f := LogField{Key: key}
	switch val := val.(type) {
	case int:
		f.Num = uint64(val)
	case int8:
		f.Num = uint64(val)
	case int16:
		f.Num = uint64(val)
	case int32:
		f.Num = uint64(val)
	case int64:
		f.Num = uint64(val)
	case uint:
		f.Num = uint64(val)
	case uint8:
		f.Num = uint64(val)
	case uint16:
		f.Num = uint64(val)
	case uint32:
		f.Num = uint64(val)
	case uint64:
		f.Num = val
	case bool:
		f.Str = strconv.FormatBool(val)
	case string:
		f.Str = val
	case []byte:
		f.Str = hex.EncodeToString(val)
	case []uint32:
		f.Str = formatUint32Slice(val)
	default:
		panic("transport: unsupported log field type")
	}
	return f
}

func formatUint32Slice(vs []uint32) string {
	b := make([]byte, 0, 4*len(vs)+2)
	b = append(b, '[')
	for i, v := range vs {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendUint(b, uint64(v), 10)
	}
	b = append(b, ']')
	return string(b)
}

func (f LogField) String() string {
	if f.Str == "" {
		return fmt.Sprintf("%s=%d", f.Key, f.Num)
	}
	return fmt.Sprintf("%s=%s", f.Key, f.Str)
}

func newLogEventPacket(tm time.Time, tp string, p *packet) LogEvent {
	e := newLogEvent(tm, tp)
	e.set("packet_type", p.typ.String())
	if p.header.version > 0 {
		e.set("version", p.header.version)
	}
	if len(p.header.dcid) > 0 {
		e.set("dcid", p.header.dcid)
	}
	if len(p.header.scid) > 0 {
		e.set("scid", p.header.scid)
	}
	if p.packetNumber > 0 {
		e.set("packet_number", p.packetNumber)
	}
	if p.payloadLen > 0 {
		e.set("payload_length", p.payloadLen)
	}
	if len(p.supportedVersions) > 0 {
		e.set("supported_versions", p.supportedVersions)
	}
	if len(p.token) > 0 {
		e.set("stateless_reset_token", p.token)
	}
	return e
}

// frameLogger is implemented by frame types that want their fields
// represented in qlog output beyond the generic frame_type tag.
type frameLogger interface {
	logFields(e *LogEvent)
}

func newLogEventFrame(tm time.Time, tp string, f frame) LogEvent {
	e := newLogEvent(tm, tp)
	e.set("frame_type", frameLogName(f))
	if lf, ok := f.(frameLogger); ok {
		lf.logFields(&e)
	}
	return e
}

func frameLogName(f frame) string {
	switch f.(type) {
	case *paddingFrame:
		return "padding"
	case *pingFrame:
		return "ping"
	case *ackFrame:
		return "ack"
	case *resetStreamFrame:
		return "reset_stream"
	case *stopSendingFrame:
		return "stop_sending"
	case *cryptoFrame:
		return "crypto"
	case *newTokenFrame:
		return "new_token"
	case *streamFrame:
		return "stream"
	case *maxDataFrame:
		return "max_data"
	case *maxStreamDataFrame:
		return "max_stream_data"
	case *maxStreamsFrame:
		return "max_streams"
	case *dataBlockedFrame:
		return "data_blocked"
	case *streamDataBlockedFrame:
		return "stream_data_blocked"
	case *streamsBlockedFrame:
		return "streams_blocked"
	case *connectionCloseFrame:
		return "connection_close"
	case *handshakeDoneFrame:
		return "handshake_done"
	case *newConnectionIDFrame:
		return "new_connection_id"
	case *retireConnectionIDFrame:
		return "retire_connection_id"
	case *pathChallengeFrame:
		return "path_challenge"
	case *pathResponseFrame:
		return "path_response"
	case *ackFrequencyFrame:
		return "ack_frequency"
	case *immediateAckFrame:
		return "immediate_ack"
	case *datagramFrame:
		return "datagram"
	default:
		return "unknown"
	}
}

func (s *ackFrame) logFields(e *LogEvent) {
	e.set("ack_delay", s.ackDelay)
}

func (s *resetStreamFrame) logFields(e *LogEvent) {
	e.set("stream_id", s.streamID)
	e.set("error_code", s.errorCode)
	e.set("final_size", s.finalSize)
}

func (s *stopSendingFrame) logFields(e *LogEvent) {
	e.set("stream_id", s.streamID)
	e.set("error_code", s.errorCode)
}

func (s *cryptoFrame) logFields(e *LogEvent) {
	e.set("offset", s.offset)
	e.set("length", len(s.data))
}

func (s *newTokenFrame) logFields(e *LogEvent) {
	e.set("token", s.token)
}

func (s *streamFrame) logFields(e *LogEvent) {
	e.set("stream_id", s.streamID)
	e.set("offset", s.offset)
	e.set("length", len(s.data))
	e.set("fin", s.fin)
}

func (s *maxDataFrame) logFields(e *LogEvent) {
	e.set("maximum", s.maximumData)
}

func (s *maxStreamDataFrame) logFields(e *LogEvent) {
	e.set("stream_id", s.streamID)
	e.set("maximum", s.maximumData)
}

func (s *maxStreamsFrame) logFields(e *LogEvent) {
	e.set("stream_type", streamTypeLogName(s.bidi))
	e.set("maximum", s.maximumStreams)
}

func (s *dataBlockedFrame) logFields(e *LogEvent) {
	e.set("limit", s.dataLimit)
}

func (s *streamDataBlockedFrame) logFields(e *LogEvent) {
	e.set("stream_id", s.streamID)
	e.set("limit", s.dataLimit)
}

func (s *streamsBlockedFrame) logFields(e *LogEvent) {
	e.set("stream_type", streamTypeLogName(s.bidi))
	e.set("limit", s.streamLimit)
}

func (s *connectionCloseFrame) logFields(e *LogEvent) {
	if s.application {
		e.set("error_space", "application")
	} else {
		e.set("error_space", "transport")
	}
	e.set("error_code", errorCodeString(s.errorCode))
	e.set("raw_error_code", s.errorCode)
	e.set("reason", string(s.reasonPhrase))
	if s.frameType > 0 {
		e.set("trigger_frame_type", s.frameType)
	}
}

func (s *newConnectionIDFrame) logFields(e *LogEvent) {
	e.set("sequence_number", s.sequenceNumber)
	e.set("retire_prior_to", s.retirePriorTo)
	e.set("connection_id", s.cid)
}

func (s *retireConnectionIDFrame) logFields(e *LogEvent) {
	e.set("sequence_number", s.sequenceNumber)
}

func (s *ackFrequencyFrame) logFields(e *LogEvent) {
	e.set("sequence_number", s.sequenceNumber)
	e.set("ack_eliciting_threshold", s.ackElicitingThreshold)
	e.set("requested_max_ack_delay", s.requestedMaxAckDelay)
}

func (s *datagramFrame) logFields(e *LogEvent) {
	e.set("length", len(s.data))
}

func streamTypeLogName(bidi bool) string {
	if bidi {
		return "bidirectional"
	}
	return "unidirectional"
}

func logUnknownFrame(e *LogEvent, frameType uint64, b []byte) {
	e.set("frame_type", "unknown")
	e.set("raw_frame_type", frameType)
	e.set("raw", b)
}
