package scheduler

import (
	"context"
	"time"

	"tradeloop/internal/logger"
)

// Task runs one iteration and returns how long to wait before the next one.
// A non-positive delay re-runs immediately; stop=true ends the loop.
type Task func(ctx context.Context) (next time.Duration, stop bool)

// Loop runs a single task serially with a per-iteration delay chosen by the
// task itself. At most one iteration is ever in flight.
type Loop struct {
	Name string

	nowFn func() time.Time
}

func NewLoop(name string) *Loop {
	return &Loop{Name: name, nowFn: time.Now}
}

// Run blocks until ctx is done or the task asks to stop. Cancelling ctx
// also cancels the pending sleep, so no iteration fires after shutdown.
func (l *Loop) Run(ctx context.Context, task Task) {
	if l == nil {
		return
	}
	prefix := "Loop"
	if l.Name != "" {
		prefix = prefix + "[" + l.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if l.nowFn == nil {
		l.nowFn = time.Now
	}
	startAt := l.nowFn().UTC()
	logger.Infof("%s: started at=%s", prefix, startAt.Format(time.RFC3339))

	for {
		if ctx.Err() != nil {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		next, stop := task(ctx)
		if stop {
			logger.Infof("%s: task requested stop | uptime=%s", prefix, l.nowFn().Sub(startAt).Truncate(time.Second))
			return
		}
		if next > 0 {
			logger.Debugf("%s: 下一轮将在 %s 后执行 (at %s)", prefix, next.Truncate(time.Millisecond),
				l.nowFn().Add(next).UTC().Format(time.RFC3339))
		}
		if !Sleep(ctx, next) {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
	}
}

// Sleep waits for d or until ctx is done. It returns false when ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}
