package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClock(t *testing.T) {
	var c System
	before := time.Now()
	now := c.Now()
	after := time.Now()

	assert.False(t, now.Before(before))
	assert.False(t, now.After(after.Add(time.Second)))
	assert.Greater(t, c.Unix(), int64(0))
}

func TestNTPClockUnreachableServerFallsBackToZeroOffset(t *testing.T) {
	// 203.0.113.0/24 is reserved for documentation (RFC 5737); nothing
	// answers NTP there, so New must not fail but leave offset at zero.
	c := New("203.0.113.1", time.Hour)
	healthy, offset, _, err := c.Health(0)

	assert.False(t, healthy)
	assert.Error(t, err)
	assert.Equal(t, time.Duration(0), offset)
}

func TestNTPClockNowNeverBlocksOnResync(t *testing.T) {
	c := New("203.0.113.1", time.Millisecond)
	start := time.Now()
	_ = c.Now()
	assert.Less(t, time.Since(start), 2*time.Second)
}
