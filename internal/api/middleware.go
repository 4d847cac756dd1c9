package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
	"go.uber.org/zap"
)

const (
	// RequestIDKey gin context key for the request ID.
	RequestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// AuthMiddleware API Key 认证中间件
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 如果未设置 API Key，跳过认证
		if apiKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Missing Authorization header",
					Type:    "authentication_error",
					Code:    "missing_api_key",
				},
			})
			return
		}

		// 没有 Bearer 前缀时直接当作 key
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != apiKey {
			c.AbortWithStatusJSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Invalid API key",
					Type:    "authentication_error",
					Code:    "invalid_api_key",
				},
			})
			return
		}

		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID, X-Client-Name, "+core.UpstreamKeyHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 为每个请求分配 ID，并把 ID 与调用方写入 request context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(requestIDHeader, id)

		ctx := core.WithRequestID(c.Request.Context(), id)
		ctx = core.WithCaller(ctx, core.DetectCaller(c.Request.Header))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", requestIDFromContext(c)))
				c.AbortWithStatusJSON(500, model.ErrorResponse{
					Error: model.ErrorDetail{
						Message: "Internal server error",
						Type:    "internal_error",
						Code:    "internal_error",
					},
				})
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", requestIDFromContext(c)))
	}
}

// MetricsMiddleware 记录 HTTP 指标；路径使用路由模板避免高基数
func MetricsMiddleware(m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// requestIDFromContext gets request id from gin context (if present).
func requestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Handlers 路由依赖
type Handlers struct {
	Proxy    *ProxyHandler
	Dispatch *DispatchHandler
	Admin    *AdminHandler
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, h Handlers, m *metrics.Collector, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if m != nil {
		r.Use(MetricsMiddleware(m))
	}

	// OpenAI 兼容入口
	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(cfg.Server.APIKey))
	{
		v1.POST("/chat/completions", h.Dispatch.ChatCompletions)
		v1.GET("/models", h.Proxy.ListModels)
	}

	// 服务端代理通道
	proxy := r.Group("/proxy")
	proxy.Use(AuthMiddleware(cfg.Server.APIKey))
	{
		proxy.POST("/chat/completions", h.Proxy.ChatCompletions)
	}

	r.POST("/api/dispatch", AuthMiddleware(cfg.Server.APIKey), h.Dispatch.Dispatch)

	// 管理 API
	api := r.Group("/api")
	api.Use(AuthMiddleware(cfg.Server.AdminAPIKey))
	{
		// key 池
		api.GET("/keys", h.Admin.ListKeys)
		api.PUT("/keys", h.Admin.UpdateKeys)
		api.POST("/keys/alternate", h.Admin.SetAlternateKey)
		api.POST("/keys/reset-affinity", h.Admin.ResetAffinity)
		api.GET("/keys/usage", h.Admin.GetKeyUsage)

		// 状态
		api.GET("/status", h.Admin.GetStatus)
		api.GET("/health", h.Admin.GetHealth)
		api.POST("/breakers/reset", h.Admin.ResetBreakers)

		// 日志
		api.GET("/logs", h.Admin.GetLogs)
		api.GET("/stats", h.Admin.GetStats)

		// 配置
		api.GET("/config", h.Admin.GetConfig)
		api.PUT("/config", h.Admin.UpdateConfig)
	}

	if m != nil && cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))
	}

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
