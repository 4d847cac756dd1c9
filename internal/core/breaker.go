package core

import (
	"sync"
	"time"
)

// BreakerState 熔断状态
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerOptions 熔断参数
type BreakerOptions struct {
	Threshold int           // 窗口内失败次数
	Window    time.Duration // 失败统计窗口
	Cooldown  time.Duration // 打开后多久进入半开
}

// DefaultBreakerOptions 3 次失败 / 5 分钟，打开 30 秒
var DefaultBreakerOptions = BreakerOptions{
	Threshold: 3,
	Window:    5 * time.Minute,
	Cooldown:  30 * time.Second,
}

// Breaker is a per-transport circuit breaker over a sliding failure window.
type Breaker struct {
	mu       sync.Mutex
	name     string
	clock    Clock
	opts     BreakerOptions
	state    BreakerState
	failures []time.Time
	openedAt time.Time
}

// NewBreaker 创建熔断器
func NewBreaker(name string, clock Clock, opts BreakerOptions) *Breaker {
	if clock == nil {
		clock = SystemClock()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultBreakerOptions.Threshold
	}
	if opts.Window <= 0 {
		opts.Window = DefaultBreakerOptions.Window
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerOptions.Cooldown
	}
	return &Breaker{name: name, clock: clock, opts: opts, state: BreakerClosed}
}

// Name 熔断器名称（通道名）
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving open to half-open after the cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.opts.Cooldown {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may go through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked() != BreakerOpen
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = b.failures[:0]
}

// RecordFailure counts a failure; a half-open breaker reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.stateLocked() {
	case BreakerOpen:
		return
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		return
	}

	cutoff := now.Add(-b.opts.Window)
	valid := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.failures = append(valid, now)

	if len(b.failures) >= b.opts.Threshold {
		b.state = BreakerOpen
		b.openedAt = now
	}
}

// Reset forces the breaker closed and clears its history.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}
