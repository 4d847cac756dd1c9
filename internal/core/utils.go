package core

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// GenerateLogID 生成日志 ID
func GenerateLogID() string {
	return "log_" + uuid.NewString()
}

// GenerateRequestID 生成请求 ID
func GenerateRequestID() string {
	return uuid.NewString()
}

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyCaller
)

// WithRequestID 将请求 ID 写入 context
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// WithCaller 将调用方名称写入 context
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, caller)
}

// CallerFromContext returns the caller name, or "".
func CallerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCaller).(string)
	return v
}

func truncateBody(b []byte, max int) string {
	if max <= 0 {
		return ""
	}
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	// 回退到 rune 边界，避免截出非法 UTF-8
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
