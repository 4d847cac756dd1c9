package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

type sendResult struct {
	resp *model.ChatCompletionResponse
	err  error
}

// fakeTransport replays scripted results; the last one repeats.
type fakeTransport struct {
	name   string
	mu     sync.Mutex
	script []sendResult
	keys   []string
	reqs   []*model.ChatCompletionRequest
}

func newFakeTransport(name string, script ...sendResult) *fakeTransport {
	return &fakeTransport{name: name, script: script}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(_ context.Context, key string, req *model.ChatCompletionRequest) (*model.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.reqs = append(f.reqs, req)
	i := len(f.keys) - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	return f.script[i].resp, f.script[i].err
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type fixedProber struct {
	res   ProbeResult
	calls int
}

func (p *fixedProber) Probe(context.Context, string) ProbeResult {
	p.calls++
	return p.res
}

type memSink struct {
	mu   sync.Mutex
	logs []*model.RequestLog
}

func (s *memSink) SaveLog(l *model.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	return nil
}

func (s *memSink) Last() *model.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) == 0 {
		return nil
	}
	return s.logs[len(s.logs)-1]
}

func chatResp(content, finish string, total int) *model.ChatCompletionResponse {
	resp := &model.ChatCompletionResponse{
		ID:      "resp",
		Choices: []model.Choice{{Message: &model.Message{Role: "assistant", Content: content}, FinishReason: finish}},
	}
	if total > 0 {
		resp.Usage = &model.Usage{PromptTokens: total / 2, CompletionTokens: total - total/2, TotalTokens: total}
	}
	return resp
}

func okResult(content string) sendResult { return sendResult{resp: chatResp(content, "stop", 42)} }

func fail(status int) sendResult {
	return sendResult{err: &UpstreamError{Transport: TransportDirect, StatusCode: status, Body: "boom"}}
}

type dispatchFixture struct {
	clock   *fakeClock
	pool    *KeyPool
	direct  *fakeTransport
	sleeper *recordingSleeper
	sink    *memSink
	d       *Dispatcher
}

func newDispatchFixture(t *testing.T, keys []string, direct *fakeTransport, opts ...Option) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		clock:   newFakeClock(),
		direct:  direct,
		sleeper: &recordingSleeper{},
		sink:    &memSink{},
	}
	f.pool = newTestPool(f.clock, keys...)
	base := []Option{
		WithClock(f.clock),
		WithSleeper(f.sleeper.Sleep),
		WithLogSink(f.sink),
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())),
	}
	f.d = NewDispatcher(f.pool, direct, append(base, opts...)...)
	return f
}

func TestDispatcher_Success(t *testing.T) {
	f := newDispatchFixture(t, testKeys(2), newFakeTransport(TransportDirect, okResult("answer")))
	ctx := WithCaller(WithRequestID(context.Background(), "req-1"), "chat-ui")

	res, err := f.d.Execute(ctx, Prompt{Messages: userPrompt("hello").Messages, ConversationID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "answer", res.Content)
	assert.Equal(t, TransportDirect, res.Transport)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Truncated)
	assert.Equal(t, 42, res.TotalTokens)
	assert.Equal(t, model.MaskKey(testKey(0)), res.KeyHint)
	assert.Equal(t, DefaultLightModel, res.Model)
	assert.Equal(t, testKey(0), f.direct.keys[0])

	u, ok := f.pool.Usage().Usage(testKey(0))
	require.True(t, ok)
	assert.EqualValues(t, 42, u.TokensUsed)
	assert.Equal(t, 1, u.SuccessCount)

	log := f.sink.Last()
	require.NotNil(t, log)
	assert.True(t, log.Success)
	assert.Equal(t, "req-1", log.RequestID)
	assert.Equal(t, "chat-ui", log.Caller)
	assert.Equal(t, "c1", log.ConversationID)
	assert.Equal(t, 42, log.TotalTokens)
	assert.Empty(t, f.sleeper.delays)
}

func TestDispatcher_TranslatedHeavyModelRequest(t *testing.T) {
	shaper := NewShaper(DefaultPolicyTable(), 0, "light-x", "heavy-x")
	f := newDispatchFixture(t, testKeys(1), newFakeTransport(TransportDirect, okResult("answer")), WithShaper(shaper))
	tr := NewTranslator(f.clock, "heavy-x")

	prompt := tr.TranslateRequest(&model.ChatCompletionRequest{
		Model:    "heavy-x",
		Messages: userPrompt("hello").Messages,
	})
	res, err := f.d.Execute(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, "heavy-x", res.Model)
}

func TestDispatcher_TruncationIsSuccess(t *testing.T) {
	truncated := sendResult{resp: chatResp("partial", model.FinishReasonLength, 100)}
	f := newDispatchFixture(t, testKeys(1), newFakeTransport(TransportDirect, truncated))

	res, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "partial", res.Content)

	u, _ := f.pool.Usage().Usage(testKey(0))
	assert.Equal(t, 1, u.TruncationCount)
	assert.Equal(t, 0, u.SuccessCount)
	assert.Equal(t, testKey(0), f.pool.Usage().LastTruncatedKey())
	assert.True(t, f.sink.Last().Success)
	assert.True(t, f.sink.Last().Truncated)
}

func TestDispatcher_EstimatesTokensWithoutUsage(t *testing.T) {
	noUsage := sendResult{resp: chatResp("twelve chars", "stop", 0)}
	f := newDispatchFixture(t, testKeys(1), newFakeTransport(TransportDirect, noUsage))

	res, err := f.d.Execute(context.Background(), userPrompt("hello there"))
	require.NoError(t, err)
	assert.Positive(t, res.TotalTokens)
}

func TestDispatcher_EmptyPoolIsConfigError(t *testing.T) {
	direct := newFakeTransport(TransportDirect, okResult("x"))
	prober := &fixedProber{res: ProbeResult{Available: true}}
	f := newDispatchFixture(t, nil, direct, WithProber(prober))

	_, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, ErrNoCredential)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindConfiguration, de.Kind)
	assert.Zero(t, direct.Calls())
	assert.Zero(t, prober.calls)
	assert.False(t, f.sink.Last().Success)
}

func TestDispatcher_InvalidCredentialNeverSent(t *testing.T) {
	direct := newFakeTransport(TransportDirect, okResult("x"))
	f := newDispatchFixture(t, testKeys(1), direct)
	f.pool.mu.Lock()
	f.pool.keys = []string{"sk-not-a-grok-key"}
	f.pool.mu.Unlock()

	_, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.ErrorIs(t, err, ErrInvalidCredential)
	assert.True(t, IsConfigError(err))
	assert.Zero(t, direct.Calls())
}

func TestDispatcher_ProbeUnavailable(t *testing.T) {
	direct := newFakeTransport(TransportDirect, okResult("x"))
	prober := &fixedProber{res: ProbeResult{Available: false, StatusCode: http.StatusServiceUnavailable, Err: errors.New("status 503")}}
	f := newDispatchFixture(t, testKeys(1), direct, WithProber(prober))

	_, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.False(t, IsConfigError(err))
	assert.Zero(t, direct.Calls())
	assert.Equal(t, http.StatusServiceUnavailable, f.sink.Last().StatusCode)
}

func TestDispatcher_RetryBudget(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		isComplex := rapid.Bool().Draw(rt, "complex")
		failures := rapid.IntRange(0, 3).Draw(rt, "failures")

		script := make([]sendResult, 0, failures+1)
		for i := 0; i < failures; i++ {
			script = append(script, fail(http.StatusBadGateway))
		}
		script = append(script, okResult("done"))
		f := newDispatchFixture(t, testKeys(2), newFakeTransport(TransportDirect, script...))

		text := "hello"
		if isComplex {
			text = "rights issue timetable"
		}
		res, err := f.d.Execute(context.Background(), userPrompt(text))

		budget := MaxRetries(isComplex) + 1
		wantCalls := min(failures+1, budget)
		if got := f.direct.Calls(); got != wantCalls {
			rt.Fatalf("complex=%v failures=%d: %d calls, want %d", isComplex, failures, got, wantCalls)
		}
		if got := f.direct.Calls(); got > 2 {
			rt.Fatalf("more than 2 transport calls: %d", got)
		}
		if len(f.sleeper.delays) != wantCalls-1 {
			rt.Fatalf("expected %d backoff delays, got %v", wantCalls-1, f.sleeper.delays)
		}
		for i, d := range f.sleeper.delays {
			if d != Backoff(i+1) {
				rt.Fatalf("delay %d = %v, want %v", i+1, d, Backoff(i+1))
			}
		}
		if failures < budget {
			if err != nil {
				rt.Fatalf("expected success, got %v", err)
			}
			if res.Attempts != failures+1 {
				rt.Fatalf("attempts %d, want %d", res.Attempts, failures+1)
			}
		} else if err == nil {
			rt.Fatalf("expected failure after exhausting retries")
		}
	})
}

func TestDispatcher_ProxyFallback(t *testing.T) {
	proxy := newFakeTransport(TransportProxy, sendResult{err: errors.New("proxy refused")})
	direct := newFakeTransport(TransportDirect, okResult("direct answer"))
	f := newDispatchFixture(t, testKeys(1), direct, WithProxy(proxy))

	res, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.NoError(t, err)
	assert.Equal(t, TransportDirect, res.Transport)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, proxy.Calls())
	assert.Equal(t, 1, direct.Calls())
	assert.Empty(t, f.sleeper.delays, "proxy failure does not consume a retry")
}

func TestDispatcher_ProxyPreferred(t *testing.T) {
	proxy := newFakeTransport(TransportProxy, okResult("via proxy"))
	direct := newFakeTransport(TransportDirect, okResult("direct"))
	f := newDispatchFixture(t, testKeys(1), direct, WithProxy(proxy))

	res, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.NoError(t, err)
	assert.Equal(t, TransportProxy, res.Transport)
	assert.Equal(t, "via proxy", res.Content)
	assert.Zero(t, direct.Calls())
	assert.Equal(t, testKey(0), proxy.keys[0])
}

func TestDispatcher_ProxyBreakerSkipsProxy(t *testing.T) {
	proxy := newFakeTransport(TransportProxy, sendResult{err: errors.New("proxy down")})
	direct := newFakeTransport(TransportDirect, okResult("direct"))
	f := newDispatchFixture(t, testKeys(1), direct, WithProxy(proxy))

	for i := 0; i < 5; i++ {
		_, err := f.d.Execute(context.Background(), userPrompt("hello"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, proxy.Calls(), "proxy breaker opens after 3 failures")
	assert.Equal(t, BreakerOpen, f.d.BreakerStates()[TransportProxy])

	// half-open after the cooldown lets one probe through
	f.clock.Advance(30 * time.Second)
	_, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.NoError(t, err)
	assert.Equal(t, 4, proxy.Calls())
}

func TestDispatcher_DirectBreakerOpenFailsFast(t *testing.T) {
	direct := newFakeTransport(TransportDirect, fail(http.StatusInternalServerError))
	f := newDispatchFixture(t, testKeys(1), direct, WithBreakerOptions(BreakerOptions{Threshold: 1}))

	_, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.Error(t, err)
	assert.Equal(t, 1, direct.Calls())

	_, err = f.d.Execute(context.Background(), userPrompt("hello"))
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, direct.Calls())

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTransport, de.Kind)
	assert.Zero(t, de.Attempts)
}

func TestDispatcher_RepeatedComplexFailureResetsBreakers(t *testing.T) {
	direct := newFakeTransport(TransportDirect, fail(http.StatusInternalServerError))
	f := newDispatchFixture(t, testKeys(1), direct, WithBreakerOptions(BreakerOptions{Threshold: 1}))
	p := userPrompt("rights issue timetable for a listed issuer")
	sig := Signature(model.LastUserContent(p.Messages))

	_, err := f.d.Execute(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, 1, f.d.ComplexFailures(sig))
	assert.Equal(t, BreakerOpen, f.d.BreakerStates()[TransportDirect])

	_, err = f.d.Execute(context.Background(), p)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, f.d.ComplexFailures(sig))
	assert.Equal(t, BreakerClosed, f.d.BreakerStates()[TransportDirect])
}

func TestDispatcher_SuccessClearsComplexCounter(t *testing.T) {
	direct := newFakeTransport(TransportDirect,
		fail(http.StatusInternalServerError),
		fail(http.StatusInternalServerError),
		okResult("finally"),
	)
	f := newDispatchFixture(t, testKeys(1), direct)
	p := userPrompt("open offer timetable")
	sig := Signature(model.LastUserContent(p.Messages))

	_, err := f.d.Execute(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, 1, f.d.ComplexFailures(sig))

	_, err = f.d.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Zero(t, f.d.ComplexFailures(sig))
}

func TestDispatcher_NonRetryableStopsEarly(t *testing.T) {
	direct := newFakeTransport(TransportDirect, sendResult{err: context.Canceled})
	f := newDispatchFixture(t, testKeys(1), direct)

	_, err := f.d.Execute(context.Background(), userPrompt("rights issue"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, direct.Calls())
	assert.Empty(t, f.sleeper.delays)
}

func TestDispatcher_ShapesRequest(t *testing.T) {
	direct := newFakeTransport(TransportDirect, okResult("x"))
	f := newDispatchFixture(t, testKeys(1), direct)

	_, err := f.d.Execute(context.Background(), Prompt{
		Messages:       userPrompt("[CONTINUATION PART 2] chapter 18c").Messages,
		ConversationID: "doc-7",
	})
	require.NoError(t, err)

	req := direct.reqs[0]
	assert.Equal(t, DefaultHeavyModel, req.Model)
	assert.Equal(t, 6000, *req.MaxTokens)
	require.NotNil(t, req.Metadata)
	assert.True(t, req.Metadata.IsBatchRequest)
	assert.Equal(t, 2, req.Metadata.BatchNumber)
	assert.Equal(t, "doc-7", req.Metadata.ConversationID)
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	direct := newFakeTransport(TransportDirect, okResult("x"))
	f := newDispatchFixture(t, testKeys(1), direct, WithMetrics(metrics.NewCollectorWithRegistry("kr", reg)))

	_, err := f.d.Execute(context.Background(), userPrompt("hello"))
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "kr_dispatch_total", "kr_key_selections_total", "kr_tokens_used_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
