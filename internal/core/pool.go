package core

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolOptions 轮换冷却时间
type PoolOptions struct {
	PlainRotationCooldown time.Duration
	BatchRotationCooldown time.Duration
}

// DefaultPoolOptions 普通调用 30s，分批续写 10s
var DefaultPoolOptions = PoolOptions{
	PlainRotationCooldown: 30 * time.Second,
	BatchRotationCooldown: 10 * time.Second,
}

type batchKey struct {
	conversationID string
	batchNumber    int
}

// KeyPool 管理活动 key、会话/批次亲和与轮询状态。
// Affinity is best-effort: two concurrent calls for the same conversation
// may both miss and record different keys; the later write wins.
type KeyPool struct {
	mu      sync.Mutex
	writeMu sync.Mutex // 串行化 存储写入 + 内存替换
	store   *KeyStore
	usage   *UsageTracker
	clock   Clock
	opts    PoolOptions
	logger  *zap.Logger
	keys    []string
	rrIndex int

	lastRotation  time.Time
	convAffinity  map[string]string
	batchAffinity map[batchKey]string
}

// NewKeyPool 创建 key 池
func NewKeyPool(store *KeyStore, usage *UsageTracker, clock Clock, opts PoolOptions, logger *zap.Logger) *KeyPool {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PlainRotationCooldown <= 0 {
		opts.PlainRotationCooldown = DefaultPoolOptions.PlainRotationCooldown
	}
	if opts.BatchRotationCooldown <= 0 {
		opts.BatchRotationCooldown = DefaultPoolOptions.BatchRotationCooldown
	}
	return &KeyPool{
		store:         store,
		usage:         usage,
		clock:         clock,
		opts:          opts,
		logger:        logger,
		convAffinity:  make(map[string]string),
		batchAffinity: make(map[batchKey]string),
	}
}

// Usage returns the tracker the pool consults.
func (p *KeyPool) Usage() *UsageTracker { return p.usage }

// Format returns the credential format predicate.
func (p *KeyPool) Format() KeyFormat { return p.store.Format() }

// Load 从存储加载 key 池。加载出错且结果为空时保留当前池
func (p *KeyPool) Load(ctx context.Context) LoadResult {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	res := p.store.LoadKeys(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if res.Empty() && res.Err != nil && len(p.keys) > 0 {
		p.logger.Warn("key reload failed, keeping current pool", zap.Error(res.Err))
		return res
	}
	p.replaceLocked(res.Keys)
	p.logger.Info("key pool loaded", zap.Int("count", len(res.Keys)), zap.String("source", string(res.Source)))
	return res
}

// SetKeys 持久化并替换 key 池；无有效 key 时返回 ErrNoValidKeys，原池保留
func (p *KeyPool) SetKeys(ctx context.Context, candidates []string) ([]string, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	saved, err := p.store.SaveKeys(ctx, candidates)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	removed := make([]string, 0)
	for _, k := range p.keys {
		if !slices.Contains(saved, k) {
			removed = append(removed, k)
		}
	}
	p.replaceLocked(saved)
	p.mu.Unlock()

	p.usage.Forget(removed)
	return append([]string(nil), saved...), nil
}

// replaceLocked swaps the live pool and clears all affinity. Caller holds mu.
func (p *KeyPool) replaceLocked(keys []string) {
	p.keys = append([]string(nil), keys...)
	p.rrIndex = 0
	p.lastRotation = p.clock.Now()
	p.resetAffinityLocked()
}

// ResetAffinity 清空会话与批次亲和
func (p *KeyPool) ResetAffinity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetAffinityLocked()
}

func (p *KeyPool) resetAffinityLocked() {
	p.convAffinity = make(map[string]string)
	p.batchAffinity = make(map[batchKey]string)
}

// Keys returns a copy of the live pool.
func (p *KeyPool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Size 活动 key 数量
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// AffinityCounts returns the number of conversation and batch entries.
func (p *KeyPool) AffinityCounts() (conversations, batches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.convAffinity), len(p.batchAffinity)
}

// Store returns the backing key store.
func (p *KeyPool) Store() *KeyStore { return p.store }
