package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerWheelFiresEarliestDeadline(t *testing.T) {
	w := newTimerWheel()
	defer w.Close()

	rc := &remoteConn{}
	w.Arm(rc, time.Now().Add(10*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for {
		rc.opsMu.Lock()
		op := rc.ops.head
		rc.opsMu.Unlock()
		if op != nil {
			assert.Equal(t, opTimerExpired, op.kind)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timer never fired")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTimerWheelRearmMovesDeadline(t *testing.T) {
	w := newTimerWheel()
	defer w.Close()

	rc := &remoteConn{}
	w.Arm(rc, time.Now().Add(time.Hour))
	w.Arm(rc, time.Now().Add(5*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	rc.opsMu.Lock()
	fired := rc.ops.head != nil
	rc.opsMu.Unlock()
	assert.True(t, fired, "re-arming to an earlier deadline must reschedule the wheel")
}

func TestTimerWheelDisarm(t *testing.T) {
	w := newTimerWheel()
	defer w.Close()

	rc := &remoteConn{}
	w.Arm(rc, time.Now().Add(5*time.Millisecond))
	w.Disarm(rc)

	time.Sleep(50 * time.Millisecond)
	rc.opsMu.Lock()
	fired := rc.ops.head != nil
	rc.opsMu.Unlock()
	require.False(t, fired, "a disarmed connection must not receive a timer operation")
}
