package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/model"
	"go.uber.org/zap"
)

// DispatchHandler 分发入口：原生 /api/dispatch 与 OpenAI 兼容 /v1/chat/completions
type DispatchHandler struct {
	dispatcher *core.Dispatcher
	translator *core.Translator
	logger     *zap.Logger
}

// NewDispatchHandler 创建分发处理器
func NewDispatchHandler(dispatcher *core.Dispatcher, translator *core.Translator, logger *zap.Logger) *DispatchHandler {
	if translator == nil {
		translator = core.NewTranslator(nil, "")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchHandler{dispatcher: dispatcher, translator: translator, logger: logger}
}

func invalidRequest(c *gin.Context, msg string) {
	c.JSON(400, model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: msg,
			Type:    "invalid_request_error",
		},
	})
}

// Dispatch 执行一次逻辑调用，返回内容与分发细节
func (h *DispatchHandler) Dispatch(c *gin.Context) {
	var p core.Prompt
	if err := c.ShouldBindJSON(&p); err != nil {
		invalidRequest(c, "Invalid request: "+err.Error())
		return
	}
	if len(p.Messages) == 0 {
		invalidRequest(c, "messages is required")
		return
	}

	res, err := h.dispatcher.Execute(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(200, res)
}

// ChatCompletions OpenAI 兼容入口
func (h *DispatchHandler) ChatCompletions(c *gin.Context) {
	var req model.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid request: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		invalidRequest(c, "messages is required")
		return
	}
	if req.Stream {
		invalidRequest(c, "stream is not supported")
		return
	}

	res, err := h.dispatcher.Execute(c.Request.Context(), h.translator.TranslateRequest(&req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("X-Key-Hint", res.KeyHint)
	c.Header("X-Transport", res.Transport)
	c.JSON(200, h.translator.TranslateResponse(res))
}

func (h *DispatchHandler) fail(c *gin.Context, err error) {
	status, body := h.translator.TranslateError(err)
	h.logger.Debug("dispatch rejected",
		zap.String("request_id", requestIDFromContext(c)),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, body)
}
