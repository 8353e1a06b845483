package transport

import "fmt"

// ErrorCode is a QUIC transport or application error code.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#error-codes
type ErrorCode uint64

// Transport error codes defined by RFC 9000.
const (
	NoError                  ErrorCode = 0x0
	InternalError            ErrorCode = 0x1
	ConnectionRefused        ErrorCode = 0x2
	FlowControlError         ErrorCode = 0x3
	StreamLimitError         ErrorCode = 0x4
	StreamStateError         ErrorCode = 0x5
	FinalSizeError           ErrorCode = 0x6
	FrameEncodingError       ErrorCode = 0x7
	TransportParameterError  ErrorCode = 0x8
	ConnectionIDLimitError   ErrorCode = 0x9
	ProtocolViolation        ErrorCode = 0xa
	InvalidToken             ErrorCode = 0xb
	ApplicationError         ErrorCode = 0xc
	CryptoBufferExceeded     ErrorCode = 0xd
	KeyUpdateError           ErrorCode = 0xe
	AEADLimitReached         ErrorCode = 0xf
	NoViablePath             ErrorCode = 0x10
	VersionNegotiationError  ErrorCode = 0x11
	cryptoErrorBase          ErrorCode = 0x100
)

// Local, non-wire errors returned from the public API.
const (
	OutOfMemory       ErrorCode = 1<<62 + iota
	InvalidParameter
	InvalidState
	Aborted
	Unreachable
	ConnectionTimeout
	ConnectionIdle
)

// CryptoError builds the transport error code carrying a TLS alert,
// per RFC 9001 Section 4.8: CRYPTO_ERROR (0x1XX) where XX is the alert.
func CryptoError(alert uint8) ErrorCode {
	return cryptoErrorBase + ErrorCode(alert)
}

func (e ErrorCode) String() string {
	return errorCodeString(uint64(e))
}

func errorCodeString(code uint64) string {
	switch ErrorCode(code) {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	case KeyUpdateError:
		return "key_update_error"
	case AEADLimitReached:
		return "aead_limit_reached"
	case NoViablePath:
		return "no_viable_path"
	case VersionNegotiationError:
		return "version_negotiation_error"
	}
	if code >= uint64(cryptoErrorBase) && code < uint64(cryptoErrorBase)+0x100 {
		return fmt.Sprintf("crypto_error_%d", code-uint64(cryptoErrorBase))
	}
	return fmt.Sprintf("error_0x%x", code)
}

// Error is a QUIC connection-level error: a transport or application
// error code plus an optional human-readable reason. It is the error
// carried in a CONNECTION_CLOSE frame and the error type returned by
// connection-facing APIs that fail with a code the peer should learn.
type Error struct {
	Code      ErrorCode
	Message   string
	Transport bool // false => application-space error (opaque app code)
}

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg, Transport: true}
}

func newAppError(code uint64, msg string) *Error {
	return &Error{Code: ErrorCode(code), Message: msg, Transport: false}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
