package quic

import (
	"crypto/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/quicframe/internal/metrics"
	"github.com/goburrow/quicframe/transport"
)

// drainBudget bounds how many operations one drain call processes before
// yielding, a bounded count for fairness across connections sharing a
// Worker.
const drainBudget = 16

// Worker runs an operation queue draining a set of connections. Exactly
// one goroutine calls drain for any given remoteConn at a time (enforced
// by the runnable CAS in enqueue), which is what gives the core its
// single-writer guarantee without per-connection locks inside drain.
type Worker struct {
	id       int
	ep       *Endpoint
	wheel    *TimerWheel
	runQ     chan *remoteConn
	wg       sync.WaitGroup
	stop     chan struct{}
	sendBuf  []byte
}

func newWorker(id int, ep *Endpoint) *Worker {
	w := &Worker{
		id:    id,
		ep:    ep,
		wheel: newTimerWheel(),
		// Buffered well beyond any realistic number of simultaneously
		// runnable connections on one worker; enqueue never blocks
		// because of the runnable dedup below, so this only needs to
		// cover the rare burst where many distinct connections wake at
		// once.
		runQ:    make(chan *remoteConn, 4096),
		stop:    make(chan struct{}),
		sendBuf: make([]byte, transport.MaxPacketSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// enqueue marks rc runnable, scheduling it onto runQ exactly once per
// "became runnable" edge. A connection already queued is not queued
// twice.
func (w *Worker) enqueue(rc *remoteConn) {
	if !atomic.CompareAndSwapInt32(&rc.runnable, 0, 1) {
		return
	}
	select {
	case w.runQ <- rc:
	default:
		// runQ is sized far beyond steady-state load; if it's full the
		// worker is badly backed up. Drop the dedup flag so a later
		// enqueue can retry rather than silently losing the wakeup.
		atomic.StoreInt32(&rc.runnable, 0)
		w.enqueue(rc)
	}
}

func (w *Worker) Close() {
	close(w.stop)
	w.wheel.Close()
	w.wg.Wait()
}

// run is the Worker's main loop: pop a runnable Connection and drain its
// operation queue.
func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case rc := <-w.runQ:
			w.drain(rc)
		}
	}
}

// drain processes operations FIFO (priority operations already sorted
// to the front by opQueue.push)
// until the queue empties, the fairness budget is hit, or the connection
// needs to yield immediately (closed with all I/O flushed).
func (w *Worker) drain(rc *remoteConn) {
	atomic.StoreInt32(&rc.runnable, 0)

	rc.opsMu.Lock()
	op := rc.ops.popAll()
	rc.opsMu.Unlock()

	processed := 0
	for op != nil && processed < drainBudget {
		next := op.next
		if w.process(rc, op) {
			return // opFree: connection is gone, nothing left to re-evaluate
		}
		op = next
		processed++
	}

	// Leftover operations (budget exhausted) go back to the front of the
	// queue so FIFO order among them is preserved.
	if op != nil {
		rc.opsMu.Lock()
		// Splice the remainder back in front of anything that arrived
		// while we were draining.
		tail := op
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = rc.ops.head
		rc.ops.head = op
		if rc.ops.tail == nil {
			rc.ops.tail = tail
		}
		rc.opsMu.Unlock()
	}

	w.reevaluate(rc)
}

// reevaluate runs after every drain: re-enqueue if work remains, or
// re-arm the idle timer if the connection has gone quiet.
func (w *Worker) reevaluate(rc *remoteConn) {
	rc.opsMu.Lock()
	hasWork := !rc.ops.empty()
	rc.opsMu.Unlock()
	rc.recvMu.Lock()
	hasWork = hasWork || len(rc.recvQueue) > 0
	rc.recvMu.Unlock()

	if hasWork {
		w.enqueue(rc)
		return
	}
	if d := rc.conn.Timeout(); d > 0 {
		w.wheel.Arm(rc, time.Now().Add(d))
	}
}

// process executes one operation and reports whether rc was just freed
// (in which case drain must stop touching it immediately).
func (w *Worker) process(rc *remoteConn, op *operation) (freed bool) {
	switch op.kind {
	case opFree:
		w.free(rc)
		return true
	case opShutdown:
		rc.conn.Close(op.call.appClose, op.call.errCode, op.call.reason)
		w.flushSend(rc)
	case opRecvChain:
		w.processRecvChain(rc)
	case opAPICall:
		w.processAPICall(rc, &op.call)
	case opTimerExpired:
		w.processTimer(rc)
	case opFlushSend:
		w.flushSend(rc)
	case opRouteResolved:
		// Route-resolution notifications feed the active Path once
		// address-resolution support lands; no-op today beyond
		// re-arming, which reevaluate already does.
	}
	w.deliverEvents(rc)
	return false
}

// processRecvChain drives the per-coalesced-packet receive pipeline.
// transport.Conn.Write already loops over every coalesced packet in one
// datagram (RFC 9000 Section 12.2), so one call per queued datagram is
// sufficient; this method's job is only to drain the queue and turn
// decode errors into metrics/log events rather than propagating them —
// a wire-parse failure inside a packet drops that packet and increments
// a counter, it is never fatal to the connection.
func (w *Worker) processRecvChain(rc *remoteConn) {
	rc.recvMu.Lock()
	datagrams := rc.recvQueue
	rc.recvQueue = nil
	rc.recvMu.Unlock()

	for _, dg := range datagrams {
		n, err := rc.conn.Write(dg)
		rc.stats.bytesReceived += uint64(n)
		rc.stats.packetsReceived++
		if w.ep.metrics != nil {
			w.ep.metrics.PacketsReceived.WithLabelValues("unknown").Inc()
		}
		if err != nil {
			if rc.log != nil {
				rc.log.WithError(err).Debug("packet_dropped")
			}
			if w.ep.metrics != nil {
				w.ep.metrics.PacketsDropped.WithLabelValues("decode_error").Inc()
			}
		}
	}
	if rc.conn.IsEstablished() && !rc.accepted {
		rc.accepted = true
		rc.pushEvent(EventConnAccept, 0, 0)
		w.issueAddressToken(rc)
	}
	w.flushSend(rc)
}

// issueAddressToken hands a freshly-established server connection a
// NEW_TOKEN the client can replay on a future Initial to skip address
// validation, sealed with the same secret the Binding's Retry path uses.
func (w *Worker) issueAddressToken(rc *remoteConn) {
	b := rc.endpoint.binding
	if b == nil || !b.isServer {
		return
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return
	}
	token := transport.SealAddressToken(b.retrySecret, addrBytes(rc.addr.remote), time.Now(), nonce)
	_ = rc.conn.SendAddressToken(token)
}

// flushSend is the packet-builder loop entry point: drain
// transport.Conn.Read (the engine's "what would go into the next
// packet" producer) until it has nothing left, handing each datagram to
// the Binding.
func (w *Worker) flushSend(rc *remoteConn) {
	for {
		n, err := rc.conn.Read(w.sendBuf)
		if n == 0 || err != nil {
			break
		}
		rc.stats.bytesSent += uint64(n)
		rc.stats.packetsSent++
		if w.ep.metrics != nil {
			w.ep.metrics.PacketsSent.WithLabelValues("unknown").Inc()
			// transport.lossRecovery's in-flight accounting is
			// unexported; bytesSent-bytesReceived is the closest proxy
			// available at this layer until it grows an exported getter.
			w.ep.metrics.BytesInFlight.WithLabelValues(metrics.CIDPrefix(rc.scid)).Set(float64(rc.stats.bytesSent - rc.stats.bytesReceived))
		}
		if rc.endpoint.binding != nil {
			_ = rc.endpoint.binding.send(append([]byte(nil), w.sendBuf[:n]...), rc.addr)
		}
	}
	if rc.conn.IsClosed() && rc.accepted && !rc.closed {
		rc.closed = true
		rc.pushEvent(EventConnClose, 0, 0)
	}
}

func (w *Worker) processAPICall(rc *remoteConn, call *apiCall) {
	var err error
	switch call.kind {
	case apiStreamWrite:
		st, serr := rc.conn.Stream(call.streamID)
		if serr == nil {
			_, err = st.Write(call.data)
		} else {
			err = serr
		}
	case apiStreamClose:
		st, serr := rc.conn.Stream(call.streamID)
		if serr == nil {
			err = st.Close()
		} else {
			err = serr
		}
	case apiStreamReset:
		if st, serr := rc.conn.Stream(call.streamID); serr == nil {
			st.Reset(call.errCode)
		}
	case apiStreamStopSending:
		if st, serr := rc.conn.Stream(call.streamID); serr == nil {
			st.StopSending(call.errCode)
		}
	case apiConnClose:
		rc.conn.Close(call.appClose, call.errCode, call.reason)
	case apiOpenStream, apiSetParam:
		// Stream creation is implicit on first Write/Stream() per
		// transport.Conn.getOrCreateStream; set-param support is limited
		// to the values transport.Config exposes at connection creation.
	}
	if call.done != nil {
		call.done <- err
	}
	w.flushSend(rc)
}

func (w *Worker) processTimer(rc *remoteConn) {
	// The connection re-derives which of its deadlines (idle, draining,
	// loss detection, key discard) actually elapsed; the wheel only ever
	// delivers a single expired operation.
	rc.conn.OnTimeout()
	w.flushSend(rc)
	if rc.conn.IsClosed() {
		rc.unref(refWorker)
	}
}

// free tears down a connection whose refcount reached zero: deregister
// every CID it owns from the Binding's lookup table and drop the
// TimerWheel entry. Go's GC reclaims the memory once nothing else
// references rc; there is no manual free step beyond deregistration.
func (w *Worker) free(rc *remoteConn) {
	w.wheel.Disarm(rc)
	if rc.endpoint.lookup != nil {
		rc.endpoint.lookup.Remove(rc.scid)
		for _, alias := range rc.aliases {
			rc.endpoint.lookup.Remove(alias)
		}
	}
	if w.ep.metrics != nil {
		w.ep.metrics.ActiveConnections.WithLabelValues(workerLabel(w.id)).Dec()
	}
}

func (rc *remoteConn) pushEvent(t EventType, streamID, errCode uint64) {
	rc.pendingEvents = append(rc.pendingEvents, Event{Type: t, StreamID: streamID, Error: errCode})
}

// deliverEvents drains transport.Conn's stream-event buffer, widens each
// to quic.Event, and hands the whole batch accumulated since the last
// call (stream events plus any EventConnAccept/EventConnClose queued by
// this operation) to the Endpoint's handler in one Serve call.
func (w *Worker) deliverEvents(rc *remoteConn) {
	for _, e := range rc.conn.Events(nil) {
		rc.pendingEvents = append(rc.pendingEvents, fromTransportEvent(e))
	}
	if len(rc.pendingEvents) == 0 {
		return
	}
	events := rc.pendingEvents
	rc.pendingEvents = nil
	rc.endpoint.deliverEvents(rc, events)
}

func workerLabel(id int) string {
	return "w" + strconv.Itoa(id)
}
