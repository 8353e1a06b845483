package transport

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	errShortBuffer  = errors.New("quic: short buffer")
	errInvalidToken = errors.New("quic: invalid retry token")
	errFlowControl  = newError(FlowControlError, "flow control violation")
	errStreamClosed = errors.New("quic: stream closed")
)

// debugLogger receives low-level trace output. It is one package-wide
// logger, replaced only through SetDebugLogger (nothing in this module
// calls it), and defaults to a disabled logger so the transport package
// has no hard dependency on any particular sink at import time.
var debugLogger = logrus.New()

func init() {
	debugLogger.SetLevel(logrus.PanicLevel) // silent unless raised by SetDebugLogger
}

// SetDebugLogger redirects the package's low-level trace output (frame
// and packet processing detail, below the qlog event stream) to l.
func SetDebugLogger(l *logrus.Logger) {
	if l != nil {
		debugLogger = l
	}
}

func debug(format string, values ...interface{}) {
	if !debugLogger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	debugLogger.Tracef(format, values...)
}

// sprint is a thin fmt.Sprint wrapper kept for call-site symmetry with
// newError(Code, sprint(...)).
func sprint(values ...interface{}) string {
	return fmt.Sprint(values...)
}
