package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/model"
	"go.uber.org/zap"
)

// ProxyHandler 服务端代理：浏览器把凭据放在 X-Upstream-Key 中，由服务端转发上游
type ProxyHandler struct {
	upstream core.Transport
	format   core.KeyFormat
	cfg      *config.Config
	logger   *zap.Logger
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(upstream core.Transport, format core.KeyFormat, cfg *config.Config, logger *zap.Logger) *ProxyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyHandler{upstream: upstream, format: format, cfg: cfg, logger: logger}
}

// ChatCompletions forwards one chat completion with the caller's credential.
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(core.UpstreamKeyHeader))
	if !h.format.Valid(key) {
		c.JSON(401, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Missing or malformed " + core.UpstreamKeyHeader + " header",
				Type:    "authentication_error",
				Code:    "invalid_upstream_key",
			},
		})
		return
	}

	var req model.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "messages is required",
				Type:    "invalid_request_error",
				Param:   "messages",
			},
		})
		return
	}
	// 不支持流式转发
	req.Stream = false

	start := time.Now()
	resp, err := h.upstream.Send(c.Request.Context(), key, &req)
	if err != nil {
		h.logger.Warn("proxy upstream failed",
			zap.String("request_id", requestIDFromContext(c)),
			zap.String("key", model.MaskKey(key)),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err))

		var ue *core.UpstreamError
		if errors.As(err, &ue) {
			c.JSON(ue.StatusCode, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: ue.Body,
					Type:    "upstream_error",
					Code:    "upstream_status",
				},
			})
			return
		}
		c.JSON(http.StatusBadGateway, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Upstream request failed",
				Type:    "upstream_error",
				Code:    "request_failed",
			},
		})
		return
	}

	h.logger.Debug("proxy upstream ok",
		zap.String("request_id", requestIDFromContext(c)),
		zap.String("key", model.MaskKey(key)),
		zap.Duration("latency", time.Since(start)))
	c.JSON(http.StatusOK, resp)
}

// ListModels 列出可用模型
func (h *ProxyHandler) ListModels(c *gin.Context) {
	now := time.Now().Unix()
	seen := make(map[string]bool)
	var models []model.ModelInfo
	for _, m := range []string{h.cfg.Dispatch.LightModel, h.cfg.Dispatch.HeavyModel} {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, model.ModelInfo{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "xai",
		})
	}

	c.JSON(200, model.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}
