package model

import "time"

// KeyUsage 单个上游 Key 的使用统计（仅内存，用于选择偏好）
type KeyUsage struct {
	TokensUsed       int64     `json:"tokens_used"`
	LastUsed         time.Time `json:"last_used"`
	TruncationCount  int       `json:"truncation_count"`
	SuccessCount     int       `json:"success_count"`
	RequestCount     int       `json:"request_count"`
	LastHourRequests int       `json:"last_hour_requests"`
}

// Responses 已记录质量的响应数
func (u KeyUsage) Responses() int {
	return u.SuccessCount + u.TruncationCount
}

// KeyView Key 列表响应（隐藏完整 Key）
type KeyView struct {
	Hint  string    `json:"hint"`
	Usage *KeyUsage `json:"usage,omitempty"`
}

// MaskKey 仅保留前缀和末 4 位
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
