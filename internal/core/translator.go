package core

import (
	"github.com/xiaopang/keyrelay/internal/model"
)

// Translator OpenAI 兼容请求/响应与分发器之间的转换
type Translator struct {
	clock      Clock
	heavyModel string
}

// NewTranslator 创建转换器；heavyModel 为请求中指定时改用重模型的名称
func NewTranslator(clock Clock, heavyModel string) *Translator {
	if clock == nil {
		clock = SystemClock()
	}
	if heavyModel == "" {
		heavyModel = DefaultHeavyModel
	}
	return &Translator{clock: clock, heavyModel: heavyModel}
}

// TranslateRequest maps an OpenAI-style request onto a Prompt. Conversation
// and batch hints come from the metadata block when present.
func (t *Translator) TranslateRequest(req *model.ChatCompletionRequest) Prompt {
	p := Prompt{
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}
	if req.Model == t.heavyModel {
		p.PreferHeavyModel = true
	}
	if md := req.Metadata; md != nil {
		p.ConversationID = md.ConversationID
		if md.IsBatchRequest {
			p.BatchNumber = md.BatchNumber
		}
	}
	return p
}

// TranslateResponse 返回上游响应；缺失字段用分发结果补齐
func (t *Translator) TranslateResponse(res *Result) *model.ChatCompletionResponse {
	if res.Response == nil {
		finish := "stop"
		if res.Truncated {
			finish = "length"
		}
		return &model.ChatCompletionResponse{
			ID:      "chatcmpl-" + res.RequestID,
			Object:  "chat.completion",
			Created: t.clock.Now().Unix(),
			Model:   res.Model,
			Choices: []model.Choice{{
				Message:      &model.Message{Role: "assistant", Content: res.Content},
				FinishReason: finish,
			}},
		}
	}
	out := *res.Response
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	if out.Model == "" {
		out.Model = res.Model
	}
	if out.Created == 0 {
		out.Created = t.clock.Now().Unix()
	}
	return &out
}

// TranslateError maps a dispatch error to a status code and a generic
// message; upstream details stay in the request log.
func (t *Translator) TranslateError(err error) (int, *model.ErrorResponse) {
	switch {
	case IsConfigError(err):
		return 412, &model.ErrorResponse{Error: model.ErrorDetail{
			Message: "Set up your API key",
			Type:    "configuration_error",
			Code:    "api_key_required",
		}}
	default:
		return 502, &model.ErrorResponse{Error: model.ErrorDetail{
			Message: "Request failed, please retry",
			Type:    "upstream_error",
			Code:    "request_failed",
		}}
	}
}
