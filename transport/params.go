package transport

import "time"

// Transport parameter identifiers, RFC 9000 Section 18.2, plus the
// RFC 9221 datagram extension.
const (
	paramOriginalDestinationCID     = 0x00
	paramMaxIdleTimeout             = 0x01
	paramStatelessResetToken        = 0x02
	paramMaxUDPPayloadSize          = 0x03
	paramInitialMaxData             = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni    = 0x07
	paramInitialMaxStreamsBidi      = 0x08
	paramInitialMaxStreamsUni       = 0x09
	paramAckDelayExponent           = 0x0a
	paramMaxAckDelay                = 0x0b
	paramDisableActiveMigration     = 0x0c
	paramActiveConnectionIDLimit    = 0x0e
	paramInitialSourceCID           = 0x0f
	paramRetrySourceCID             = 0x10
	paramMaxDatagramFrameSize       = 0x20
	paramMinAckDelay                = 0xff04de1a // draft-ietf-quic-ack-frequency
	paramReliableStreamReset        = 0x17f7586d2cb571 // draft-ietf-quic-reliable-stream-reset
)

// Defaults, RFC 9000 Section 18.2.
const (
	defaultMaxUDPPayloadSize       = 65527
	defaultAckDelayExponent        = 3
	defaultMaxAckDelay             = 25 * time.Millisecond
	defaultActiveConnectionIDLimit = 2
)

// Parameters holds one endpoint's QUIC transport parameters, exchanged
// during the handshake via TLS extensions (RFC 9001 Section 8.2).
type Parameters struct {
	OriginalDestinationCID []byte
	MaxIdleTimeout         time.Duration
	StatelessResetToken    []byte
	MaxUDPPayloadSize      uint64
	InitialMaxData         uint64

	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64

	InitialSourceCID []byte
	RetrySourceCID   []byte

	// MaxDatagramFrameSize enables RFC 9221 DATAGRAM frames when
	// non-zero, advertising the largest size this endpoint accepts.
	MaxDatagramFrameSize uint64

	// MinAckDelay is the ACK_FREQUENCY extension's minimum ack_delay,
	// in microseconds; non-zero enables the extension.
	MinAckDelay uint64

	// ReliableStreamReset advertises support for RESET_STREAM_AT
	// (draft-ietf-quic-reliable-stream-reset).
	ReliableStreamReset bool
}

// DefaultParameters returns the transport parameters an endpoint should
// advertise absent application overrides.
func DefaultParameters() Parameters {
	return Parameters{
		MaxUDPPayloadSize:       defaultMaxUDPPayloadSize,
		AckDelayExponent:        defaultAckDelayExponent,
		MaxAckDelay:             defaultMaxAckDelay,
		ActiveConnectionIDLimit: defaultActiveConnectionIDLimit,
	}
}

func putParamBytes(b []byte, id uint64, v []byte) []byte {
	b = putVarint(b, id)
	b = putVarint(b, uint64(len(v)))
	return append(b, v...)
}

func putParamVarint(b []byte, id, v uint64) []byte {
	b = putVarint(b, id)
	b = putVarint(b, uint64(varintLen(v)))
	return putVarint(b, v)
}

func putParamFlag(b []byte, id uint64) []byte {
	b = putVarint(b, id)
	return putVarint(b, 0)
}

// marshal encodes p in the TLS transport_parameters extension wire
// format (RFC 9000 Section 18.1): a sequence of (id, length, value)
// tuples.
func (p *Parameters) marshal() []byte {
	b := make([]byte, 0, 256)
	if len(p.OriginalDestinationCID) > 0 {
		b = putParamBytes(b, paramOriginalDestinationCID, p.OriginalDestinationCID)
	}
	if p.MaxIdleTimeout > 0 {
		b = putParamVarint(b, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	}
	if len(p.StatelessResetToken) > 0 {
		b = putParamBytes(b, paramStatelessResetToken, p.StatelessResetToken)
	}
	if p.MaxUDPPayloadSize > 0 {
		b = putParamVarint(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	}
	b = putParamVarint(b, paramInitialMaxData, p.InitialMaxData)
	b = putParamVarint(b, paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	b = putParamVarint(b, paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	b = putParamVarint(b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	b = putParamVarint(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	b = putParamVarint(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	if p.AckDelayExponent != defaultAckDelayExponent {
		b = putParamVarint(b, paramAckDelayExponent, p.AckDelayExponent)
	}
	if p.MaxAckDelay != defaultMaxAckDelay {
		b = putParamVarint(b, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	}
	if p.DisableActiveMigration {
		b = putParamFlag(b, paramDisableActiveMigration)
	}
	if p.ActiveConnectionIDLimit != defaultActiveConnectionIDLimit {
		b = putParamVarint(b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	}
	if p.InitialSourceCID != nil {
		b = putParamBytes(b, paramInitialSourceCID, p.InitialSourceCID)
	}
	if len(p.RetrySourceCID) > 0 {
		b = putParamBytes(b, paramRetrySourceCID, p.RetrySourceCID)
	}
	if p.MaxDatagramFrameSize > 0 {
		b = putParamVarint(b, paramMaxDatagramFrameSize, p.MaxDatagramFrameSize)
	}
	if p.MinAckDelay > 0 {
		b = putParamVarint(b, paramMinAckDelay, p.MinAckDelay)
	}
	if p.ReliableStreamReset {
		b = putParamFlag(b, paramReliableStreamReset)
	}
	return b
}

// unmarshalParameters decodes a peer's transport_parameters extension.
func unmarshalParameters(b []byte) (*Parameters, error) {
	p := &Parameters{
		MaxUDPPayloadSize:       defaultMaxUDPPayloadSize,
		AckDelayExponent:        defaultAckDelayExponent,
		MaxAckDelay:             defaultMaxAckDelay,
		ActiveConnectionIDLimit: defaultActiveConnectionIDLimit,
	}
	for len(b) > 0 {
		var id, length uint64
		n := getVarint(b, &id)
		if n == 0 {
			return nil, newError(TransportParameterError, "truncated parameter id")
		}
		b = b[n:]
		n = getVarint(b, &length)
		if n == 0 {
			return nil, newError(TransportParameterError, "truncated parameter length")
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return nil, newError(TransportParameterError, "parameter value truncated")
		}
		v := b[:length]
		b = b[length:]
		var asVarint uint64
		if length > 0 {
			if n := getVarint(v, &asVarint); n != len(v) {
				asVarint = 0
			}
		}
		switch id {
		case paramOriginalDestinationCID:
			p.OriginalDestinationCID = append([]byte(nil), v...)
		case paramMaxIdleTimeout:
			p.MaxIdleTimeout = time.Duration(asVarint) * time.Millisecond
		case paramStatelessResetToken:
			p.StatelessResetToken = append([]byte(nil), v...)
		case paramMaxUDPPayloadSize:
			p.MaxUDPPayloadSize = asVarint
		case paramInitialMaxData:
			p.InitialMaxData = asVarint
		case paramInitialMaxStreamDataBidiLocal:
			p.InitialMaxStreamDataBidiLocal = asVarint
		case paramInitialMaxStreamDataBidiRemote:
			p.InitialMaxStreamDataBidiRemote = asVarint
		case paramInitialMaxStreamDataUni:
			p.InitialMaxStreamDataUni = asVarint
		case paramInitialMaxStreamsBidi:
			p.InitialMaxStreamsBidi = asVarint
		case paramInitialMaxStreamsUni:
			p.InitialMaxStreamsUni = asVarint
		case paramAckDelayExponent:
			p.AckDelayExponent = asVarint
		case paramMaxAckDelay:
			p.MaxAckDelay = time.Duration(asVarint) * time.Millisecond
		case paramDisableActiveMigration:
			p.DisableActiveMigration = true
		case paramActiveConnectionIDLimit:
			p.ActiveConnectionIDLimit = asVarint
		case paramInitialSourceCID:
			p.InitialSourceCID = append([]byte(nil), v...)
		case paramRetrySourceCID:
			p.RetrySourceCID = append([]byte(nil), v...)
		case paramMaxDatagramFrameSize:
			p.MaxDatagramFrameSize = asVarint
		case paramMinAckDelay:
			p.MinAckDelay = asVarint
		case paramReliableStreamReset:
			p.ReliableStreamReset = true
		default:
			// Unknown parameter, ignore per RFC 9000 Section 18.1.
		}
	}
	return p, nil
}
