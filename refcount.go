package quic

import "sync/atomic"

// refKind names one of the typed references a Connection holds:
// handle-owner, lookup-table, lookup-result, worker, timer-wheel,
// route, stream. The type exists purely for readability at call sites
// (ref(refStream) vs ref(7)); the count itself is a single atomic
// int32.
type refKind uint8

const (
	refHandleOwner refKind = iota
	refLookupTable
	refLookupResult
	refWorker
	refTimerWheel
	refRoute
	refStream
)

// refcount is a Connection's typed reference count: incremented by
// ref(kind), decremented by unref(kind). Reaching zero from a
// lookup-result reference must not free synchronously, because
// freeing may itself need to walk the Lookup table; instead the last
// unref enqueues a free operation on the connection's own Worker.
type refcount struct {
	n int32
}

func (r *refcount) add(refKind) {
	atomic.AddInt32(&r.n, 1)
}

// release decrements the count and reports whether it reached zero.
func (r *refcount) release(refKind) bool {
	return atomic.AddInt32(&r.n, -1) == 0
}

func (r *refcount) count() int32 {
	return atomic.LoadInt32(&r.n)
}
