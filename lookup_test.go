package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupTableInstallGetRemove(t *testing.T) {
	l := newLookupTable()
	rc := &remoteConn{}
	cid := []byte{1, 2, 3, 4}

	_, ok := l.Get(cid)
	assert.False(t, ok)

	l.Install(cid, rc)
	got, ok := l.Get(cid)
	require.True(t, ok)
	assert.Same(t, rc, got)
	assert.Equal(t, 1, l.Len())

	l.Remove(cid)
	_, ok = l.Get(cid)
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len())
}

func TestLookupTableGetTakesReference(t *testing.T) {
	l := newLookupTable()
	rc := &remoteConn{}
	rc.refs.add(refHandleOwner)
	l.Install([]byte{9}, rc)

	before := rc.refs.count()
	_, ok := l.Get([]byte{9})
	require.True(t, ok)
	assert.Equal(t, before+1, rc.refs.count(), "lookup result holds a typed reference")
}

func TestLookupTableRemoveUnknownCIDIsNoop(t *testing.T) {
	l := newLookupTable()
	l.Install([]byte{1}, &remoteConn{})
	l.Remove([]byte{2})
	assert.Equal(t, 1, l.Len())
}

func TestRefcountReleaseReportsZero(t *testing.T) {
	var r refcount
	r.add(refHandleOwner)
	r.add(refWorker)

	assert.False(t, r.release(refWorker))
	assert.True(t, r.release(refHandleOwner), "last release reports zero exactly once")
}
