package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProbeResult 可用性探测结果
type ProbeResult struct {
	Available  bool          `json:"available"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	CheckedAt  time.Time     `json:"checked_at"`
	Err        error         `json:"-"`
	Cached     bool          `json:"cached"`
}

// Error returns the probe error message, if any.
func (r ProbeResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Prober checks upstream availability before a full call.
type Prober interface {
	Probe(ctx context.Context, key string) ProbeResult
}

// HealthChecker 上游可用性检查器：按需探测（带缓存）+ 后台定时刷新
type HealthChecker struct {
	baseURL string
	cfg     *config.HealthCheckConfig
	ttl     time.Duration
	clock   Clock
	logger  *zap.Logger
	keys    func() []string

	updateMu sync.Mutex
	clientMu sync.RWMutex
	client   *http.Client

	group   singleflight.Group
	cacheMu sync.RWMutex
	cache   map[string]ProbeResult
	last    ProbeResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker 创建健康检查器；keys 提供后台探测使用的 key
func NewHealthChecker(baseURL string, cfg *config.HealthCheckConfig, ttl time.Duration, keys func() []string, clock Clock, logger *zap.Logger) *HealthChecker {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		ttl:     ttl,
		client:  &http.Client{Timeout: timeout},
		clock:   clock,
		logger:  logger,
		keys:    keys,
		cache:   make(map[string]ProbeResult),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (h *HealthChecker) resetContext() {
	h.ctx, h.cancel = context.WithCancel(context.Background())
}

// Start 启动后台检查
func (h *HealthChecker) Start() {
	if !h.cfg.Enabled {
		return
	}
	if h.ctx == nil || h.ctx.Err() != nil {
		h.resetContext()
	}

	h.wg.Add(1)
	go h.run()
}

// Stop 停止后台检查
func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// UpdateConfig 动态更新健康检查配置
func (h *HealthChecker) UpdateConfig(cfg *config.HealthCheckConfig) {
	if cfg == nil {
		return
	}
	h.updateMu.Lock()
	defer h.updateMu.Unlock()

	needRestart := h.cfg.Enabled != cfg.Enabled || h.cfg.Interval != cfg.Interval
	*h.cfg = *cfg
	if cfg.Timeout > 0 {
		// 探测可能正在使用旧 client，整体替换而非修改字段
		h.clientMu.Lock()
		h.client = &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
		h.clientMu.Unlock()
	}

	if needRestart {
		h.Stop()
		h.resetContext()
		if h.cfg.Enabled {
			h.Start()
		}
	}
}

func (h *HealthChecker) run() {
	defer h.wg.Done()

	// 启动时立即检查一次
	h.refresh()

	interval := time.Duration(h.cfg.Interval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.refresh()
		}
	}
}

// refresh probes with the first pool key, bypassing the cache.
func (h *HealthChecker) refresh() {
	if h.keys == nil {
		return
	}
	keys := h.keys()
	if len(keys) == 0 {
		return
	}
	res := h.probe(h.ctx, keys[0])
	h.store(keys[0], res)
	if !res.Available {
		h.logger.Warn("upstream unavailable", zap.Int("status", res.StatusCode))
	} else if res.Err != nil {
		h.logger.Debug("upstream probe error (fail-open)", zap.Error(res.Err))
	}
}

// Probe returns a cached result younger than the TTL, otherwise probes
// GET {upstream}/v1/models. Concurrent probes for one key share a request.
func (h *HealthChecker) Probe(ctx context.Context, key string) ProbeResult {
	if res, ok := h.cached(key); ok {
		return res
	}

	v, _, _ := h.group.Do(key, func() (any, error) {
		if res, ok := h.cached(key); ok {
			return res, nil
		}
		res := h.probe(ctx, key)
		h.store(key, res)
		return res, nil
	})
	return v.(ProbeResult)
}

func (h *HealthChecker) cached(key string) (ProbeResult, bool) {
	if h.ttl <= 0 {
		return ProbeResult{}, false
	}
	h.cacheMu.RLock()
	defer h.cacheMu.RUnlock()
	res, ok := h.cache[key]
	if !ok || h.clock.Now().Sub(res.CheckedAt) >= h.ttl {
		return ProbeResult{}, false
	}
	res.Cached = true
	return res, true
}

func (h *HealthChecker) store(key string, res ProbeResult) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	h.cache[key] = res
	h.last = res
}

// Last returns the most recent probe result.
func (h *HealthChecker) Last() ProbeResult {
	h.cacheMu.RLock()
	defer h.cacheMu.RUnlock()
	return h.last
}

// Invalidate clears cached results.
func (h *HealthChecker) Invalidate() {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	h.cache = make(map[string]ProbeResult)
}

// probe 只有 5xx 视为不可用；网络错误按可用处理（fail-open）
func (h *HealthChecker) probe(ctx context.Context, key string) ProbeResult {
	start := h.clock.Now()
	res := ProbeResult{Available: true, CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/models", nil)
	if err != nil {
		res.Err = err
		return res
	}
	req.Header.Set("Authorization", "Bearer "+key)

	h.clientMu.RLock()
	client := h.client
	h.clientMu.RUnlock()

	resp, err := client.Do(req)
	res.Latency = h.clock.Now().Sub(start)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		res.Available = false
		res.Err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return res
}
