package core

import (
	"math"
	"sync"
	"time"

	"github.com/xiaopang/keyrelay/internal/model"
)

const (
	leastUsedHourlyThreshold = 10
	loadFactorCeiling        = 20.0
	tokenEfficiencyDecades   = 6.0

	scoreWeightSuccess    = 0.5
	scoreWeightEfficiency = 0.3
	scoreWeightLoad       = 0.2
)

// UsageTracker 仅内存的 key 使用统计，用于影响 key 选择
type UsageTracker struct {
	mu           sync.Mutex
	clock        Clock
	usage        map[string]*model.KeyUsage
	windowStart  time.Time
	lastTruncate string
}

// NewUsageTracker 创建使用统计器
func NewUsageTracker(clock Clock) *UsageTracker {
	if clock == nil {
		clock = SystemClock()
	}
	return &UsageTracker{
		clock:       clock,
		usage:       make(map[string]*model.KeyUsage),
		windowStart: clock.Now(),
	}
}

// rollWindow zeroes LastHourRequests for every key once per elapsed hour.
// Caller holds mu.
func (t *UsageTracker) rollWindow(now time.Time) {
	elapsed := now.Sub(t.windowStart)
	if elapsed < time.Hour {
		return
	}
	for _, u := range t.usage {
		u.LastHourRequests = 0
	}
	t.windowStart = t.windowStart.Add(elapsed.Truncate(time.Hour))
}

func (t *UsageTracker) entry(key string) *model.KeyUsage {
	u, ok := t.usage[key]
	if !ok {
		u = &model.KeyUsage{}
		t.usage[key] = u
	}
	return u
}

// TrackTokenUsage 记录一次调用的 token 消耗；空 key 或负数 token 忽略
func (t *UsageTracker) TrackTokenUsage(key string, tokens int) {
	if key == "" || tokens < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.rollWindow(now)

	u := t.entry(key)
	u.TokensUsed += int64(tokens)
	u.RequestCount++
	u.LastHourRequests++
	u.LastUsed = now
}

// TrackResponseQuality 记录响应是否被截断
func (t *UsageTracker) TrackResponseQuality(key string, truncated bool) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindow(t.clock.Now())

	u := t.entry(key)
	if truncated {
		u.TruncationCount++
		t.lastTruncate = key
	} else {
		u.SuccessCount++
	}
	// success + truncation <= requestCount
	if u.Responses() > u.RequestCount {
		u.RequestCount = u.Responses()
	}
}

// LastTruncatedKey returns the most recent key that produced a truncated response.
func (t *UsageTracker) LastTruncatedKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTruncate
}

// LeastUsedKey prefers an untracked key, then the lowest hourly count when
// any candidate is under the hourly threshold, then the lowest lifetime tokens.
func (t *UsageTracker) LeastUsedKey(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindow(t.clock.Now())

	underThreshold := false
	for _, k := range candidates {
		u, ok := t.usage[k]
		if !ok {
			return k
		}
		if u.LastHourRequests < leastUsedHourlyThreshold {
			underThreshold = true
		}
	}

	best := candidates[0]
	bestUsage := t.usage[best]
	for _, k := range candidates[1:] {
		u := t.usage[k]
		if underThreshold {
			if u.LastHourRequests < bestUsage.LastHourRequests {
				best, bestUsage = k, u
			}
		} else if u.TokensUsed < bestUsage.TokensUsed {
			best, bestUsage = k, u
		}
	}
	return best
}

// BestPerformingKey returns the highest-scoring candidate; ties go to the earliest.
func (t *UsageTracker) BestPerformingKey(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindow(t.clock.Now())

	best := ""
	bestScore := math.Inf(-1)
	for _, k := range candidates {
		var u model.KeyUsage
		if p, ok := t.usage[k]; ok {
			u = *p
		}
		if s := Score(u); s > bestScore {
			best, bestScore = k, s
		}
	}
	return best
}

// Score = 0.5·successRate + 0.3·tokenEfficiency + 0.2·loadFactor.
func Score(u model.KeyUsage) float64 {
	successRate := 0.0
	if n := u.Responses(); n > 0 {
		successRate = float64(u.SuccessCount) / float64(n)
	}

	efficiency := 1.0
	if u.TokensUsed > 1 {
		efficiency = 1 - math.Min(1, math.Log10(float64(u.TokensUsed))/tokenEfficiencyDecades)
	}

	load := 1 - math.Min(1, float64(u.LastHourRequests)/loadFactorCeiling)

	return scoreWeightSuccess*successRate + scoreWeightEfficiency*efficiency + scoreWeightLoad*load
}

// Usage returns a copy of one key's usage.
func (t *UsageTracker) Usage(key string) (model.KeyUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindow(t.clock.Now())
	u, ok := t.usage[key]
	if !ok {
		return model.KeyUsage{}, false
	}
	return *u, true
}

// Snapshot returns a deep copy of all tracked usage.
func (t *UsageTracker) Snapshot() map[string]model.KeyUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindow(t.clock.Now())
	out := make(map[string]model.KeyUsage, len(t.usage))
	for k, u := range t.usage {
		out[k] = *u
	}
	return out
}

// Forget drops usage for keys no longer in the pool.
func (t *UsageTracker) Forget(keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.usage, k)
		if t.lastTruncate == k {
			t.lastTruncate = ""
		}
	}
}
