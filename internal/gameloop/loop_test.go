package gameloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_TicksIncrementByOne(t *testing.T) {
	l := New(time.Hour)
	var got []int64
	l.SetUpdater(func(v int64) { got = append(got, v) })
	l.Start()
	defer l.Stop()

	stop := l.stop
	for i := 0; i < 3; i++ {
		l.tick(stop)
	}

	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, int64(3), l.Status().GamePlayTimeBase)
}

func TestLoop_NoUpdaterIsNoop(t *testing.T) {
	l := New(time.Hour)
	l.Start()
	defer l.Stop()

	l.tick(l.stop)
	assert.Equal(t, int64(0), l.Status().GamePlayTimeBase)
}

func TestLoop_StaleTickIgnored(t *testing.T) {
	l := New(time.Hour)
	calls := 0
	l.SetUpdater(func(int64) { calls++ })

	l.Start()
	stale := l.stop
	l.Stop()

	l.tick(stale)
	assert.Equal(t, 0, calls)
}

func TestLoop_SyncGamePlayTime(t *testing.T) {
	l := New(time.Hour)
	var last int64
	l.SetUpdater(func(v int64) { last = v })
	l.Start()
	defer l.Stop()

	l.SyncGamePlayTime(100)
	assert.True(t, l.Status().Running)

	l.tick(l.stop)
	assert.Equal(t, int64(101), last)

	l.Stop()
	l.SyncGamePlayTime(5)
	assert.False(t, l.Status().Running)
	assert.Equal(t, int64(5), l.Status().GamePlayTimeBase)
}

func TestLoop_StartStopIdempotent(t *testing.T) {
	l := New(time.Hour)

	l.Stop()
	l.Start()
	first := l.stop
	l.Start()
	assert.Equal(t, first, l.stop, "second Start keeps the running ticker")

	l.Stop()
	l.Stop()
	assert.False(t, l.Status().Running)

	l.Restart()
	assert.True(t, l.Status().Running)
	l.Stop()
}

func TestLoop_SetInterval(t *testing.T) {
	l := New(0)
	assert.Equal(t, DefaultInterval, l.Status().Interval)

	l.SetInterval(time.Minute)
	assert.Equal(t, time.Minute, l.Status().Interval)
	assert.False(t, l.Status().Running)

	l.Start()
	before := l.stop
	l.SetInterval(2 * time.Minute)
	assert.True(t, l.Status().Running)
	assert.NotEqual(t, before, l.stop)
	l.Stop()

	l.SetInterval(-1)
	assert.Equal(t, 2*time.Minute, l.Status().Interval)
}

func TestLoop_RealTicker(t *testing.T) {
	l := New(5 * time.Millisecond)
	var last atomic.Int64
	l.SetUpdater(func(v int64) { last.Store(v) })

	l.Start()
	require.Eventually(t, func() bool { return last.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	l.Stop()

	stopped := l.Status().GamePlayTimeBase
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, l.Status().GamePlayTimeBase, stopped+1)
}
