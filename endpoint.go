// Package quic is the shared, process-wide layer: Binding, Lookup,
// Worker, TimerWheel, and the public Client/Server facade over
// transport.Conn (the per-connection core in package transport).
package quic

import (
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/goburrow/quicframe/internal/metrics"
	"github.com/goburrow/quicframe/internal/qlog"
	"github.com/goburrow/quicframe/transport"
)

// Conn is the application-facing handle to one QUIC connection. It is
// implemented by *remoteConn; application code never constructs one
// directly, only receives it via Handler.Serve.
type Conn interface {
	RemoteAddr() net.Addr
	Stream(id uint64) (*transport.Stream, error)
	Close(appErr bool, errCode uint64, reason string)
	IsEstablished() bool
	IsClosed() bool
}

// Handler receives connection and stream events, batched per drain
// (Serve(c, events)).
type Handler interface {
	Serve(c Conn, events []Event)
}

// Endpoint is the shared state a Client or Server wraps: one Binding,
// one Lookup table, a pool of Workers, and the handler/config/telemetry
// every connection it owns is built from.  "Shared
// components (process-wide)" table is exactly this type's field list.
type Endpoint struct {
	config  *transport.Config
	handler Handler
	logger  *logrus.Logger
	metrics *metrics.Registry

	binding *Binding
	lookup  *lookupTable
	workers []*Worker

	mu    sync.Mutex
	conns map[string]*remoteConn // handle-owner references, keyed by primary SCID
}

func newEndpoint(config *transport.Config, workerCount int) *Endpoint {
	if workerCount < 1 {
		workerCount = 1
	}
	ep := &Endpoint{
		config: config,
		logger: logrus.New(),
		lookup: newLookupTable(),
		conns:  make(map[string]*remoteConn),
	}
	ep.logger.SetOutput(io.Discard)
	ep.workers = make([]*Worker, workerCount)
	for i := range ep.workers {
		ep.workers[i] = newWorker(i, ep)
	}
	return ep
}

// pickWorker assigns partition affinity by dcid-hash: the connection's
// partition is an integer index into the process-wide Worker pool,
// chosen once at creation time; connections never move to another
// Worker.
func (ep *Endpoint) pickWorker(cid []byte) *Worker {
	if len(ep.workers) == 1 {
		return ep.workers[0]
	}
	var h uint32 = 2166136261
	for _, b := range cid {
		h ^= uint32(b)
		h *= 16777619
	}
	return ep.workers[int(h)%len(ep.workers)]
}

// SetHandler installs the application's event callback.
func (ep *Endpoint) SetHandler(h Handler) { ep.handler = h }

// SetLogger redirects the qlog text stream to w at the given verbosity
// (0=off 1=error 2=info 3=debug 4=trace). Internally this installs an
// internal/qlog.TextHook on the endpoint's logrus.Logger.
func (ep *Endpoint) SetLogger(level int, w io.Writer) {
	lv := map[int]logrus.Level{
		0: logrus.PanicLevel,
		1: logrus.ErrorLevel,
		2: logrus.InfoLevel,
		3: logrus.DebugLevel,
		4: logrus.TraceLevel,
	}[level]
	ep.logger.SetLevel(lv)
	ep.logger.SetOutput(io.Discard) // the default formatter is silenced; the hook below renders lines
	ep.logger.ReplaceHooks(make(logrus.LevelHooks))
	if w != nil {
		ep.logger.AddHook(qlog.NewTextHook(w))
	}
}

// SetMetrics attaches a Prometheus registry; cmd/quince's serve
// subcommand wires this to the HTTP /metrics handler.
func (ep *Endpoint) SetMetrics(m *metrics.Registry) { ep.metrics = m }

func (ep *Endpoint) registerConn(rc *remoteConn) {
	ep.mu.Lock()
	ep.conns[string(rc.scid)] = rc
	ep.mu.Unlock()
	ep.lookup.Install(rc.scid, rc)
	rc.worker = ep.pickWorker(rc.scid)
	if ep.metrics != nil {
		ep.metrics.ActiveConnections.WithLabelValues(workerLabel(rc.worker.id)).Inc()
	}
}

func (ep *Endpoint) deliverEvents(rc *remoteConn, events []Event) {
	if ep.handler == nil {
		return
	}
	ep.handler.Serve(rc, events)
}

// Close shuts down every connection the Endpoint owns and stops its
// Workers and Binding.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	conns := make([]*remoteConn, 0, len(ep.conns))
	for _, c := range ep.conns {
		conns = append(conns, c)
	}
	ep.mu.Unlock()
	for _, c := range conns {
		c.Close(false, uint64(transport.NoError), "endpoint closing")
	}
	for _, w := range ep.workers {
		w.Close()
	}
	if ep.binding != nil {
		return ep.binding.Close()
	}
	return nil
}
