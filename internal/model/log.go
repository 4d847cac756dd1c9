package model

import "time"

// RequestLog 请求日志
type RequestLog struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	BatchNumber    int       `json:"batch_number,omitempty"`
	KeyHint        string    `json:"key_hint"`
	Model          string    `json:"model"`
	Transport      string    `json:"transport"`
	Attempts       int       `json:"attempts"`

	// 请求分类
	IsRetry   bool `json:"is_retry"`
	IsComplex bool `json:"is_complex"`

	// 响应信息
	Success    bool  `json:"success"`
	Truncated  bool  `json:"truncated"`
	StatusCode int   `json:"status_code"`
	LatencyMs  int64 `json:"latency_ms"`

	// Token 统计
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	Error  string `json:"error,omitempty"`
	Caller string `json:"caller,omitempty"`
}

// DailyStats 每日统计汇总
type DailyStats struct {
	Date           string  `json:"date"`
	TotalRequests  int     `json:"total_requests"`
	SuccessRate    float64 `json:"success_rate"`
	TruncationRate float64 `json:"truncation_rate"`
	TotalTokens    int64   `json:"total_tokens"`
	AvgLatency     float64 `json:"avg_latency_ms"`
}

// KeyStats 按 Key 统计
type KeyStats struct {
	KeyHint      string  `json:"key_hint"`
	RequestCount int     `json:"request_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatency   float64 `json:"avg_latency_ms"`
	TotalTokens  int64   `json:"total_tokens"`
}

// LogQuery 日志查询参数
type LogQuery struct {
	ConversationID string    `form:"conversation_id"`
	RequestID      string    `form:"request_id"`
	KeyHint        string    `form:"key_hint"`
	Transport      string    `form:"transport"`
	Success        *bool     `form:"success"`
	StartTime      time.Time `form:"start_time"`
	EndTime        time.Time `form:"end_time"`
	Limit          int       `form:"limit"`
	Offset         int       `form:"offset"`
}
