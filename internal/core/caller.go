package core

import (
	"net/http"
	"strings"
)

// DetectCaller 从 HTTP 头识别调用方（聊天界面、文档生成器、SDK）
func DetectCaller(headers http.Header) string {
	if v := headers.Get("X-Client-Name"); v != "" {
		return normalizeCallerName(v)
	}

	ua := strings.ToLower(headers.Get("User-Agent"))
	patterns := []struct {
		pattern string
		name    string
	}{
		{"prospectus-chat", "chat-ui"},
		{"prospectus-docgen", "doc-generator"},
		{"openai-python", "openai-sdk"},
		{"openai-node", "openai-sdk"},
		{"curl", "curl"},
		{"mozilla", "browser"},
	}
	for _, p := range patterns {
		if strings.Contains(ua, p.pattern) {
			return p.name
		}
	}
	return "unknown"
}

func normalizeCallerName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
