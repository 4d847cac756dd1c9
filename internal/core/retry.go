package core

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

const (
	backoffBase = 1000 * time.Millisecond
	backoffMax  = 8000 * time.Millisecond
)

// newBackOff 指数退避：1s 起步、翻倍、8s 封顶，无抖动，不限总时长
func newBackOff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = backoffBase
	expo.Multiplier = 2
	expo.MaxInterval = backoffMax
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.Reset()
	return expo
}

// retryPolicy bounds the exponential policy to maxRetries and ties it to ctx.
func retryPolicy(ctx context.Context, maxRetries int) backoff.BackOffContext {
	return backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(maxRetries)), ctx)
}

// Backoff is the delay before retry attempt n (n >= 1): min(1000·2^(n-1), 8000) ms.
func Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	expo := newBackOff()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = expo.NextBackOff()
	}
	return d
}

// MaxRetries 简单问题不重试，复杂问题重试一次
func MaxRetries(complex bool) int {
	if complex {
		return 1
	}
	return 0
}

// sleeperTimer adapts a Sleeper to backoff.Timer so retries honour the
// injected sleeper.
type sleeperTimer struct {
	ctx   context.Context
	sleep Sleeper
	clock Clock
	c     chan time.Time
}

func newSleeperTimer(ctx context.Context, sleep Sleeper, clock Clock) *sleeperTimer {
	return &sleeperTimer{ctx: ctx, sleep: sleep, clock: clock}
}

func (t *sleeperTimer) Start(d time.Duration) {
	c := make(chan time.Time, 1)
	t.c = c
	go func() {
		// 出错只可能是 ctx 结束，Retry 会从 ctx.Done 返回
		if err := t.sleep(t.ctx, d); err == nil {
			c <- t.clock.Now()
		}
	}()
}

func (t *sleeperTimer) Stop() {}

func (t *sleeperTimer) C() <-chan time.Time { return t.c }
