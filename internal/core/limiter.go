package core

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/time/rate"
)

// KeyLimiter 每个上游 key 的出站令牌桶
type KeyLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewKeyLimiter 创建限速器；rpm <= 0 表示不限速
func NewKeyLimiter(rpm int) *KeyLimiter {
	l := &KeyLimiter{limiters: make(map[string]*rate.Limiter)}
	if rpm <= 0 {
		l.limit = rate.Inf
		return l
	}
	l.limit = rate.Limit(float64(rpm) / 60.0)
	l.burst = max(1, rpm/10)
	return l
}

// Unlimited reports whether the limiter never blocks.
func (l *KeyLimiter) Unlimited() bool {
	return l == nil || l.limit == rate.Inf
}

func (l *KeyLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Wait blocks until key has a token or ctx is done.
func (l *KeyLimiter) Wait(ctx context.Context, key string) error {
	if l.Unlimited() {
		return nil
	}
	return l.get(key).Wait(ctx)
}

// Allow takes a token without blocking.
func (l *KeyLimiter) Allow(key string) bool {
	if l.Unlimited() {
		return true
	}
	return l.get(key).Allow()
}

// Retain drops limiters for keys not in keys.
func (l *KeyLimiter) Retain(keys []string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.limiters {
		if !slices.Contains(keys, k) {
			delete(l.limiters, k)
		}
	}
}
