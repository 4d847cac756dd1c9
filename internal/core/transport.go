package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaopang/keyrelay/internal/model"
)

const (
	TransportProxy  = "proxy"
	TransportDirect = "direct"

	// UpstreamKeyHeader carries the credential on the proxy path.
	UpstreamKeyHeader = "X-Upstream-Key"

	maxErrorBody = 512
)

// Transport 上游调用通道
type Transport interface {
	Name() string
	Send(ctx context.Context, key string, req *model.ChatCompletionRequest) (*model.ChatCompletionResponse, error)
}

// DirectTransport 直接调用上游 API
type DirectTransport struct {
	baseURL string
	client  *http.Client
}

// NewDirectTransport 创建直连通道；client 为 nil 时使用 5 分钟超时
func NewDirectTransport(baseURL string, client *http.Client) *DirectTransport {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &DirectTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *DirectTransport) Name() string { return TransportDirect }

// Send posts to {upstream}/v1/chat/completions with a bearer credential.
func (t *DirectTransport) Send(ctx context.Context, key string, req *model.ChatCompletionRequest) (*model.ChatCompletionResponse, error) {
	return postChat(ctx, t.client, TransportDirect, t.baseURL+"/v1/chat/completions", req, func(h http.Header) {
		h.Set("Authorization", "Bearer "+key)
	})
}

// ProxyTransport 经由服务端代理调用，避免浏览器跨域限制
type ProxyTransport struct {
	baseURL string
	authKey string
	client  *http.Client
}

// NewProxyTransport 创建代理通道；baseURL 为空时返回 nil（禁用）
func NewProxyTransport(baseURL, authKey string, client *http.Client) *ProxyTransport {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &ProxyTransport{baseURL: strings.TrimRight(baseURL, "/"), authKey: authKey, client: client}
}

func (t *ProxyTransport) Name() string { return TransportProxy }

// Send posts to {proxy}/proxy/chat/completions with the credential in X-Upstream-Key.
func (t *ProxyTransport) Send(ctx context.Context, key string, req *model.ChatCompletionRequest) (*model.ChatCompletionResponse, error) {
	return postChat(ctx, t.client, TransportProxy, t.baseURL+"/proxy/chat/completions", req, func(h http.Header) {
		h.Set(UpstreamKeyHeader, key)
		if t.authKey != "" {
			h.Set("Authorization", "Bearer "+t.authKey)
		}
	})
}

func postChat(ctx context.Context, client *http.Client, name, url string, req *model.ChatCompletionRequest, setAuth func(http.Header)) (*model.ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setAuth(httpReq.Header)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Transport: name, StatusCode: resp.StatusCode, Body: truncateBody(respBody, maxErrorBody)}
	}

	var chatResp model.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", name, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyResponse)
	}
	return &chatResp, nil
}
