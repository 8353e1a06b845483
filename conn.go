package quic

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/goburrow/quicframe/internal/qlog"
	"github.com/goburrow/quicframe/transport"
)

// remoteAddrInfo is the per-datagram metadata the core consumes from
// the datapath: local and remote address, ECN codepoint, TOS byte, and
// arrival time.
type remoteAddrInfo struct {
	local     net.Addr
	remote    net.Addr
	ecn       uint8
	tos       uint8
	arrivedAt time.Time
}

// remoteConn is the root package's Connection: the thing a Binding
// looks up by CID and a Worker drains. It embeds transport.Conn (the
// single-threaded, per-connection core) and adds exactly the
// shared-component bookkeeping this layer owns: refcount, CID
// registration, the operation/recv queues, and worker/partition
// affinity.
type remoteConn struct {
	conn *transport.Conn

	endpoint *Endpoint
	worker   *Worker
	partition int

	addr remoteAddrInfo
	scid []byte // primary source CID, used as the map key for logging

	refs refcount

	// recvQueue is the MPSC queue for received datagrams: producer is
	// any datapath worker, consumer is the owning worker. It is separate
	// from ops because a whole coalesced datagram chain is enqueued at
	// once, not one operation per packet.
	recvMu    sync.Mutex
	recvQueue [][]byte

	opsMu sync.Mutex
	ops   opQueue

	// runnable is non-zero while this connection has a pending wakeup
	// already queued on its Worker, so repeated enqueue calls (new
	// datagram arrives while still queued) don't double-schedule it.
	runnable int32

	timers      [timerCount]time.Time
	armedTimer  time.Time

	accepted bool // EventConnAccept has fired
	closed   bool

	// aliases are additional CIDs routed to this connection in the
	// Lookup table (the client's original DCID on the server side),
	// removed together with the primary SCID on free.
	aliases [][]byte

	pendingEvents []Event

	log     *logrus.Entry
	traceID string // qlog group_id, one per connection for the life of the trace

	stats connStats
}

// connStats tracks packets sent/received/lost and bytes sent/received,
// mirroring msquic's QUIC_CONNECTION perf counters, and is re-exposed
// through internal/metrics.
type connStats struct {
	packetsSent, packetsReceived, packetsLost uint64
	bytesSent, bytesReceived                  uint64
}

func newRemoteConn(ep *Endpoint, c *transport.Conn, scid []byte, addr remoteAddrInfo) *remoteConn {
	rc := &remoteConn{
		conn:     c,
		endpoint: ep,
		scid:     append([]byte(nil), scid...),
		addr:     addr,
	}
	rc.refs.add(refLookupTable)
	rc.traceID = uuid.NewString()
	if ep.logger != nil {
		rc.log = ep.logger.WithFields(logrus.Fields{
			"cid":       hexCID(scid),
			"addr":      addr.remote,
			"group_id":  rc.traceID,
		})
		c.OnLogEvent(func(e transport.LogEvent) {
			qlog.Entry(rc.log, logrus.TraceLevel, e, nil)
		})
	}
	return rc
}

func hexCID(cid []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(cid)*2)
	for i, b := range cid {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0xf]
	}
	return string(out)
}

// enqueueChain implements the Binding-side handoff: it only enqueues and
// wakes the owning Worker, never touches transport.Conn state directly.
// addr is attached to the operation so drain can feed it back into the
// path layer (e.g. to notice a migrated remote address).
func (rc *remoteConn) enqueueChain(datagrams [][]byte, addr remoteAddrInfo) {
	rc.recvMu.Lock()
	rc.recvQueue = append(rc.recvQueue, datagrams...)
	rc.recvMu.Unlock()
	rc.pushOp(&operation{kind: opRecvChain, addr: addr, arrival: addr.arrivedAt})
}

func (rc *remoteConn) pushOp(op *operation) {
	rc.opsMu.Lock()
	rc.ops.push(op)
	rc.opsMu.Unlock()
	rc.markRunnable()
}

// markRunnable enqueues rc onto its Worker's run queue exactly once per
// "became runnable" edge.
func (rc *remoteConn) markRunnable() {
	if rc.worker != nil {
		rc.worker.enqueue(rc)
	}
}

// addAlias routes an additional CID to this connection in the Lookup
// table; the alias is removed alongside the primary SCID on free.
func (rc *remoteConn) addAlias(cid []byte) {
	alias := append([]byte(nil), cid...)
	rc.aliases = append(rc.aliases, alias)
	rc.endpoint.lookup.Install(alias, rc)
}

// RemoteAddr implements Conn.
func (rc *remoteConn) RemoteAddr() net.Addr { return rc.addr.remote }

// Stream implements Conn.
func (rc *remoteConn) Stream(id uint64) (*transport.Stream, error) {
	return rc.conn.Stream(id)
}

// Close implements Conn: queues an API-call operation rather than
// touching transport.Conn state directly, preserving the
// single-writer-per-connection invariant even when called from an
// application goroutine that isn't the owning Worker.
func (rc *remoteConn) Close(appErr bool, errCode uint64, reason string) {
	rc.pushOp(&operation{kind: opShutdown, call: apiCall{
		kind: apiConnClose, appClose: appErr, errCode: errCode, reason: reason,
	}})
}

func (rc *remoteConn) IsEstablished() bool { return rc.conn.IsEstablished() }
func (rc *remoteConn) IsClosed() bool      { return rc.conn.IsClosed() }

// ref/unref implement typed reference counting. A release that reaches
// zero from the lookup-result kind never frees inline; it hands the
// work back to the owning Worker as a priority operation so freeing
// never races a concurrent Lookup.Get.
func (rc *remoteConn) ref(kind refKind) { rc.refs.add(kind) }

func (rc *remoteConn) unref(kind refKind) {
	if rc.refs.release(kind) {
		// A refcount reaching zero from a lookup-result reference must
		// not free directly (freeing may trigger further lookups);
		// enqueue a free operation on the connection's worker instead,
		// and let it run with priority.
		rc.pushOp(&operation{kind: opFree})
	}
}
