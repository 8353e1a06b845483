// Package qlog adapts transport.LogEvent's qlog-shaped vocabulary
// (packet_received, packet_sent, packet_dropped, frames_processed) onto
// logrus instead of a bespoke io.Writer sink.
//
// It keeps a per-connection prefix (addr, cid) and a one-line-per-event
// text rendering for interop with existing qlog tooling, but fields
// become logrus.Fields so they can be queried/filtered by any
// logrus-aware aggregator, and the text rendering is a logrus.Hook
// rather than a direct Write call.
package qlog

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/goburrow/quicframe/transport"
)

// Fields converts a transport.LogEvent's qlog fields into logrus.Fields,
// preserving the numeric-vs-string distinction (LogField.Num vs
// LogField.Str).
func Fields(e transport.LogEvent) logrus.Fields {
	f := make(logrus.Fields, len(e.Fields)+1)
	f["qlog_event"] = e.Type
	for _, lf := range e.Fields {
		if lf.Str != "" {
			f[lf.Key] = lf.Str
		} else {
			f[lf.Key] = lf.Num
		}
	}
	return f
}

// Entry logs one transport.LogEvent through l at the given level, tagged
// with the fields above plus whatever caller-supplied context (cid,
// remote address) is passed in extra.
func Entry(l logrus.FieldLogger, level logrus.Level, e transport.LogEvent, extra logrus.Fields) {
	fields := Fields(e)
	for k, v := range extra {
		fields[k] = v
	}
	entry := l.WithFields(fields).WithTime(e.Time)
	switch level {
	case logrus.TraceLevel:
		entry.Trace(e.Type)
	case logrus.DebugLevel:
		entry.Debug(e.Type)
	default:
		entry.Info(e.Type)
	}
}

// TextHook is a logrus.Hook that renders qlog-tagged entries as a single
// line per event (timestamp, event type, prefix, space-separated
// key=value fields), so existing line-oriented qlog tooling keeps
// working unmodified.
type TextHook struct {
	Writer      io.Writer
	EnabledAt   []logrus.Level
}

// NewTextHook returns a TextHook writing to w at the Error, Warn, Info,
// Debug and Trace levels, which covers the levels transport/debug.go and
// internal/qlog.Entry use for qlog-tagged events.
func NewTextHook(w io.Writer) *TextHook {
	return &TextHook{
		Writer:    w,
		EnabledAt: []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel},
	}
}

func (h *TextHook) Levels() []logrus.Level { return h.EnabledAt }

func (h *TextHook) Fire(entry *logrus.Entry) error {
	if h.Writer == nil {
		return nil
	}
	line := fmt.Sprintf("%s %s", entry.Time.Format("2006-01-02T15:04:05.000Z07:00"), entry.Message)
	if cid, ok := entry.Data["cid"]; ok {
		line += fmt.Sprintf(" cid=%v", cid)
	}
	if addr, ok := entry.Data["addr"]; ok {
		line += fmt.Sprintf(" addr=%v", addr)
	}
	for k, v := range entry.Data {
		if k == "cid" || k == "addr" || k == "qlog_event" {
			continue
		}
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	line += "\n"
	_, err := io.WriteString(h.Writer, line)
	return err
}
