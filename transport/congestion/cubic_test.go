package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCubicSenderGrowsInSlowStart(t *testing.T) {
	c := NewCubicSender(DefaultInitialWindow, false)
	require.True(t, c.InSlowStart())

	start := c.CongestionWindow()
	now := time.Now()
	c.OnPacketSent(now, 1, 1452, true)
	c.OnPacketAcked(1, 1452, start, now.Add(10*time.Millisecond))

	assert.Greater(t, c.CongestionWindow(), start, "an ack while cwnd-limited in slow start must grow the window")
}

func TestCubicSenderShrinksOnLoss(t *testing.T) {
	c := NewCubicSender(DefaultInitialWindow, false)
	c.OnPacketSent(time.Now(), 1, 1452, true)
	before := c.CongestionWindow()

	c.OnPacketLost(1, 1452, before)

	assert.Less(t, c.CongestionWindow(), before)
	assert.GreaterOrEqual(t, c.CongestionWindow(), MinWindow)
	assert.True(t, c.InRecovery())
}

func TestCubicSenderNeverBelowMinWindow(t *testing.T) {
	c := NewCubicSender(MinWindow, false)
	for pn := int64(1); pn <= 5; pn++ {
		c.OnPacketSent(time.Now(), pn, 1452, true)
		c.OnPacketLost(pn, 1452, MinWindow)
	}
	assert.Equal(t, MinWindow, c.CongestionWindow())
}

func TestRenoModeUsesLinearGrowth(t *testing.T) {
	c := NewCubicSender(DefaultInitialWindow, true)
	c.ExitSlowstart()
	require.False(t, c.InSlowStart())

	before := c.CongestionWindow()
	c.OnPacketSent(time.Now(), 1, 1452, true)
	c.OnPacketAcked(1, 1452, before, time.Now())
	assert.Greater(t, c.CongestionWindow(), before)
}
