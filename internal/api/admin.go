package api

import (
	"errors"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
)

// LogStore 请求日志查询
type LogStore interface {
	QueryLogs(query *model.LogQuery) ([]*model.RequestLog, error)
	GetDailyStats(days int) ([]*model.DailyStats, error)
	GetKeyStats(days int) ([]*model.KeyStats, error)
}

// AdminHandler 管理 API 处理器
type AdminHandler struct {
	pool       *core.KeyPool
	dispatcher *core.Dispatcher
	health     *core.HealthChecker
	limiter    *core.KeyLimiter
	logs       LogStore
	metrics    *metrics.Collector
	cfg        *config.Config
	configPath string
	cfgMu      sync.Mutex
}

// AdminDeps 管理处理器依赖；health、limiter、metrics 可为空
type AdminDeps struct {
	Pool       *core.KeyPool
	Dispatcher *core.Dispatcher
	Health     *core.HealthChecker
	Limiter    *core.KeyLimiter
	Logs       LogStore
	Metrics    *metrics.Collector
	Config     *config.Config
	ConfigPath string
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(d AdminDeps) *AdminHandler {
	return &AdminHandler{
		pool:       d.Pool,
		dispatcher: d.Dispatcher,
		health:     d.Health,
		limiter:    d.Limiter,
		logs:       d.Logs,
		metrics:    d.Metrics,
		cfg:        d.Config,
		configPath: d.ConfigPath,
	}
}

func internalError(c *gin.Context, err error) {
	c.JSON(500, model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: err.Error(),
			Type:    "internal_error",
		},
	})
}

// === key 池 ===

// ListKeys 列出 key（仅显示掩码）
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys := h.pool.Keys()
	usage := h.pool.Usage().Snapshot()

	views := make([]model.KeyView, 0, len(keys))
	for _, k := range keys {
		v := model.KeyView{Hint: model.MaskKey(k)}
		if u, ok := usage[k]; ok {
			v.Usage = &u
		}
		views = append(views, v)
	}
	c.JSON(200, gin.H{"data": views, "count": len(views)})
}

// UpdateKeys 替换 key 池；全部无效时返回 400 且原池不变
func (h *AdminHandler) UpdateKeys(c *gin.Context) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidRequest(c, "Invalid request: "+err.Error())
		return
	}

	saved, err := h.pool.SetKeys(c.Request.Context(), body.Keys)
	if err != nil {
		if errors.Is(err, core.ErrNoValidKeys) {
			c.JSON(400, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "No valid API keys provided",
					Type:    "invalid_request_error",
					Param:   "keys",
					Code:    "no_valid_keys",
				},
			})
			return
		}
		internalError(c, err)
		return
	}

	h.limiter.Retain(saved)
	h.metrics.SetPoolKeys(len(saved))
	if h.health != nil {
		h.health.Invalidate()
	}

	hints := make([]string, len(saved))
	for i, k := range saved {
		hints[i] = model.MaskKey(k)
	}
	c.JSON(200, gin.H{
		"count":    len(saved),
		"rejected": len(body.Keys) - len(saved),
		"keys":     hints,
	})
}

// SetAlternateKey 保存或清除备用服务商凭据
func (h *AdminHandler) SetAlternateKey(c *gin.Context) {
	var body struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidRequest(c, "Invalid request: "+err.Error())
		return
	}

	store := h.pool.Store()
	if body.Key == "" {
		if err := store.DeleteAlternateKey(c.Request.Context()); err != nil {
			internalError(c, err)
			return
		}
		c.JSON(200, gin.H{"configured": false})
		return
	}
	if err := store.SaveAlternateKey(c.Request.Context(), body.Key); err != nil {
		if errors.Is(err, core.ErrNoValidKeys) {
			invalidRequest(c, "key must not be blank")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"configured": true})
}

// ResetAffinity 清空会话/批次亲和
func (h *AdminHandler) ResetAffinity(c *gin.Context) {
	h.pool.ResetAffinity()
	c.JSON(200, gin.H{"message": "affinity cleared"})
}

// GetKeyUsage 使用统计
func (h *AdminHandler) GetKeyUsage(c *gin.Context) {
	usage := h.pool.Usage()
	snapshot := usage.Snapshot()

	data := make(map[string]model.KeyUsage, len(snapshot))
	for k, u := range snapshot {
		data[model.MaskKey(k)] = u
	}
	lastTruncated := ""
	if k := usage.LastTruncatedKey(); k != "" {
		lastTruncated = model.MaskKey(k)
	}
	conversations, batches := h.pool.AffinityCounts()

	c.JSON(200, gin.H{
		"data":                  data,
		"last_truncated":        lastTruncated,
		"conversation_affinity": conversations,
		"batch_affinity":        batches,
	})
}

// === 状态 ===

// GetStatus 获取系统状态
func (h *AdminHandler) GetStatus(c *gin.Context) {
	_, hasAlternate := h.pool.Store().LoadAlternateKey(c.Request.Context())
	conversations, batches := h.pool.AffinityCounts()

	c.JSON(200, gin.H{
		"total_keys":            h.pool.Size(),
		"alternate_configured":  hasAlternate,
		"conversation_affinity": conversations,
		"batch_affinity":        batches,
		"breakers":              h.dispatcher.BreakerStates(),
		"proxy_enabled":         h.cfg.Dispatch.ProxyURL != "",
		"light_model":           h.cfg.Dispatch.LightModel,
		"heavy_model":           h.cfg.Dispatch.HeavyModel,
		"rate_limited":          !h.limiter.Unlimited(),
	})
}

// GetHealth 上游可用性；refresh=true 时立即探测
func (h *AdminHandler) GetHealth(c *gin.Context) {
	if h.health == nil {
		c.JSON(200, gin.H{"enabled": false})
		return
	}

	res := h.health.Last()
	if c.Query("refresh") == "true" {
		keys := h.pool.Keys()
		if len(keys) == 0 {
			c.JSON(412, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Set up your API key",
					Type:    "configuration_error",
					Code:    "api_key_required",
				},
			})
			return
		}
		h.health.Invalidate()
		res = h.health.Probe(c.Request.Context(), keys[0])
	}

	c.JSON(200, gin.H{
		"enabled":     true,
		"available":   res.Available,
		"status_code": res.StatusCode,
		"latency_ms":  res.Latency.Milliseconds(),
		"checked_at":  res.CheckedAt,
		"error":       res.Error(),
	})
}

// ResetBreakers 手动关闭所有熔断器
func (h *AdminHandler) ResetBreakers(c *gin.Context) {
	h.dispatcher.ResetBreakers()
	c.JSON(200, gin.H{"breakers": h.dispatcher.BreakerStates()})
}

// === 日志 ===

// GetLogs 获取日志
func (h *AdminHandler) GetLogs(c *gin.Context) {
	var query model.LogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		invalidRequest(c, "Invalid query: "+err.Error())
		return
	}

	logs, err := h.logs.QueryLogs(&query)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(200, gin.H{"data": logs})
}

// GetStats 获取统计
func (h *AdminHandler) GetStats(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 90 {
			invalidRequest(c, "days must be between 1 and 90")
			return
		}
		days = n
	}

	dailyStats, err := h.logs.GetDailyStats(days)
	if err != nil {
		internalError(c, err)
		return
	}

	keyStats, err := h.logs.GetKeyStats(days)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"daily": dailyStats,
		"keys":  keyStats,
	})
}

// === 配置 ===

// GetConfig 获取配置（不含密钥）
func (h *AdminHandler) GetConfig(c *gin.Context) {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	c.JSON(200, gin.H{
		"server": gin.H{
			"host": h.cfg.Server.Host,
			"port": h.cfg.Server.Port,
		},
		"storage":      h.cfg.Storage.Backend,
		"encrypted":    h.cfg.Crypto.Passphrase != "",
		"pool":         h.cfg.Pool,
		"health_check": h.cfg.HealthCheck,
		"logging":      h.cfg.Logging,
	})
}

// UpdateConfig 更新健康检查与日志配置，并写回配置文件
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var update struct {
		HealthCheck *config.HealthCheckConfig `json:"health_check"`
		Logging     *config.LoggingConfig     `json:"logging"`
	}

	if err := c.ShouldBindJSON(&update); err != nil {
		invalidRequest(c, "Invalid request: "+err.Error())
		return
	}

	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	if update.HealthCheck != nil {
		// 先交给检查器比较新旧配置，再写入
		if h.health != nil {
			h.health.UpdateConfig(update.HealthCheck)
		}
		h.cfg.HealthCheck = *update.HealthCheck
	}
	if update.Logging != nil {
		h.cfg.Logging = *update.Logging
		logger.SetLevel(logger.ParseLevel(h.cfg.Logging.Level))
	}

	if h.configPath != "" {
		if err := config.Save(h.configPath, h.cfg); err != nil {
			internalError(c, err)
			return
		}
	}

	c.JSON(200, gin.H{"message": "config updated"})
}
