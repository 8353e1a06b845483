package quic

import "sync/atomic"

// lookupTable is the process-wide CID -> Connection hash map with
// lock-free reads. Reads (the hot path, once per received datagram)
// never take a lock: Get loads an atomic snapshot of an immutable map.
// Writes (install/remove, rare relative to reads) copy-on-write a new
// map and swap the pointer, the same epoch-protected, RCU-like shape
// without pulling in an external RCU library.
type lookupTable struct {
	snapshot atomic.Pointer[map[string]*remoteConn]
	writeMu  chan struct{} // 1-buffered, used as a cheap mutex for the rare write path
}

func newLookupTable() *lookupTable {
	l := &lookupTable{writeMu: make(chan struct{}, 1)}
	l.writeMu <- struct{}{}
	empty := make(map[string]*remoteConn)
	l.snapshot.Store(&empty)
	return l
}

// Get resolves a destination CID to its owning connection, taking a
// lookup-result reference on success (released by the caller once the
// datagram chain has been handed off or dropped).
func (l *lookupTable) Get(cid []byte) (*remoteConn, bool) {
	m := l.snapshot.Load()
	c, ok := (*m)[string(cid)]
	if ok {
		c.ref(refLookupResult)
	}
	return c, ok
}

func (l *lookupTable) lock()   { <-l.writeMu }
func (l *lookupTable) unlock() { l.writeMu <- struct{}{} }

// Install publishes a new CID → connection mapping, used both for the
// connection's initial SCID set and for NEW_CONNECTION_ID issuance.
func (l *lookupTable) Install(cid []byte, c *remoteConn) {
	l.lock()
	defer l.unlock()
	old := *l.snapshot.Load()
	next := make(map[string]*remoteConn, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[string(cid)] = c
	l.snapshot.Store(&next)
}

// Remove retires a CID → connection mapping, called before a CID is
// retired on the wire and, for every remaining SCID, when the
// connection is freed.
func (l *lookupTable) Remove(cid []byte) {
	l.lock()
	defer l.unlock()
	old := *l.snapshot.Load()
	if _, ok := old[string(cid)]; !ok {
		return
	}
	next := make(map[string]*remoteConn, len(old))
	for k, v := range old {
		if k != string(cid) {
			next[k] = v
		}
	}
	l.snapshot.Store(&next)
}

func (l *lookupTable) Len() int {
	return len(*l.snapshot.Load())
}
