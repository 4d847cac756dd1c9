package model

// ChatCompletionRequest OpenAI 兼容的聊天补全请求（x.AI 上游格式）
type ChatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Metadata    *RequestMetadata `json:"metadata,omitempty"`
}

// Message 消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestMetadata 请求元数据，随请求发往上游
type RequestMetadata struct {
	ConversationID    string `json:"conversationId,omitempty"`
	IsBatchRequest    bool   `json:"isBatchRequest"`
	BatchNumber       int    `json:"batchNumber,omitempty"`
	IsComplexQuery    bool   `json:"isComplexQuery"`
	OptimizedForSpeed bool   `json:"optimizedForSpeed"`
}

// ChatCompletionResponse OpenAI 兼容的聊天补全响应
type ChatCompletionResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice 选项
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Usage Token 使用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelsResponse 模型列表响应
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo 模型信息
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// FinishReasonLength 上游因 token 上限截断时的 finish_reason
const FinishReasonLength = "length"

// Content 返回第一个 choice 的文本
func (r *ChatCompletionResponse) Content() string {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Truncated 检查响应是否被 token 上限截断
func (r *ChatCompletionResponse) Truncated() bool {
	if r == nil {
		return false
	}
	for _, c := range r.Choices {
		if c.FinishReason == FinishReasonLength {
			return true
		}
	}
	return false
}

// LastUserContent 返回最后一条 user 消息
func (r *ChatCompletionRequest) LastUserContent() string {
	return LastUserContent(r.Messages)
}

// LastUserContent 返回消息列表中最后一条 user 消息的内容
func LastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
