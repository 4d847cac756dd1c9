package core

import (
	"context"
	"time"
)

// Clock 时间源，测试中可替换
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
