package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":   30 * time.Second,
		"15m":   15 * time.Minute,
		"4h":    4 * time.Hour,
		"1d":    24 * time.Hour,
		"1w":    7 * 24 * time.Hour,
		"1m30s": 90 * time.Second,
	}
	for in, want := range cases {
		got, ok := ParseIntervalDuration(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "0m", "-1h", "abc", "5x"} {
		_, ok := ParseIntervalDuration(bad)
		assert.False(t, ok, bad)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, Sleep(ctx, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoopStopsWhenTaskAsks(t *testing.T) {
	var runs int32
	l := NewLoop("test")
	l.Run(context.Background(), func(context.Context) (time.Duration, bool) {
		n := atomic.AddInt32(&runs, 1)
		return time.Millisecond, n >= 3
	})
	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
}

func TestLoopCancelInterruptsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runs int32
	go func() {
		NewLoop("test").Run(ctx, func(context.Context) (time.Duration, bool) {
			atomic.AddInt32(&runs, 1)
			return time.Hour, false
		})
		close(done)
	}()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancel")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}
