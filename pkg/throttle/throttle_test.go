package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanRefreshNeverRefreshed(t *testing.T) {
	th := New(10 * time.Second)
	assert.True(t, th.CanRefresh("w1"))
	assert.Equal(t, time.Duration(0), th.TimeUntilNext("w1"))
}

func TestRecordBlocksUntilIntervalElapses(t *testing.T) {
	now := time.Now()
	th := New(10 * time.Second)
	th.now = func() time.Time { return now }

	th.Record("w1")
	assert.False(t, th.CanRefresh("w1"))

	// 5 seconds in: still blocked, 5 seconds remain
	now = now.Add(5 * time.Second)
	assert.False(t, th.CanRefresh("w1"))
	assert.Equal(t, 5*time.Second, th.TimeUntilNext("w1"))

	// Interval elapsed: allowed again
	now = now.Add(5 * time.Second)
	assert.True(t, th.CanRefresh("w1"))
	assert.Equal(t, time.Duration(0), th.TimeUntilNext("w1"))
}

func TestThrottleIsPerWorker(t *testing.T) {
	th := New(10 * time.Second)
	th.Record("w1")

	assert.False(t, th.CanRefresh("w1"))
	assert.True(t, th.CanRefresh("w2"))
}

func TestForget(t *testing.T) {
	th := New(10 * time.Second)
	th.Record("w1")
	assert.False(t, th.CanRefresh("w1"))

	th.Forget("w1")
	assert.True(t, th.CanRefresh("w1"))
}

func TestDefaultInterval(t *testing.T) {
	th := New(0)
	assert.Equal(t, DefaultMinInterval, th.minInterval)
}
