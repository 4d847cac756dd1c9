package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const complexResetThreshold = 2

// LogSink 请求日志落盘
type LogSink interface {
	SaveLog(log *model.RequestLog) error
}

// Result 一次成功调用的结果（截断也视为成功）
type Result struct {
	RequestID      string                        `json:"request_id"`
	Content        string                        `json:"content"`
	Response       *model.ChatCompletionResponse `json:"response"`
	KeyHint        string                        `json:"key_hint"`
	SelectReason   string                        `json:"select_reason"`
	Transport      string                        `json:"transport"`
	Attempts       int                           `json:"attempts"`
	Truncated      bool                          `json:"truncated"`
	TotalTokens    int                           `json:"total_tokens"`
	Model          string                        `json:"model"`
	MaxTokens      int                           `json:"max_tokens"`
	Temperature    float64                       `json:"temperature"`
	Rule           string                        `json:"rule"`
	Latency        time.Duration                 `json:"latency"`
	Classification Classification                `json:"-"`
}

// Dispatcher executes one logical prompt end to end.
type Dispatcher struct {
	pool       *KeyPool
	classifier *Classifier
	shaper     *Shaper
	prober     Prober
	proxy      Transport
	direct     Transport
	limiter    *KeyLimiter
	tokens     TokenCounter
	clock      Clock
	sleep      Sleeper
	metrics    *metrics.Collector
	sink       LogSink
	logger     *zap.Logger
	tracer     trace.Tracer

	callTimeout time.Duration
	breakerOpts BreakerOptions
	breakers    map[string]*Breaker

	complexMu       sync.Mutex
	complexFailures map[string]int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProxy 设置代理通道（优先尝试）
func WithProxy(t Transport) Option { return func(d *Dispatcher) { d.proxy = t } }

// WithProber 设置可用性探测
func WithProber(p Prober) Option { return func(d *Dispatcher) { d.prober = p } }

// WithLimiter 设置每 key 限速
func WithLimiter(l *KeyLimiter) Option { return func(d *Dispatcher) { d.limiter = l } }

// WithTokenCounter 设置 token 估算器
func WithTokenCounter(c TokenCounter) Option { return func(d *Dispatcher) { d.tokens = c } }

// WithClassifier 设置请求分类器
func WithClassifier(c *Classifier) Option { return func(d *Dispatcher) { d.classifier = c } }

// WithShaper 设置参数策略
func WithShaper(s *Shaper) Option { return func(d *Dispatcher) { d.shaper = s } }

// WithClock 设置时间源
func WithClock(c Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithSleeper 设置退避等待函数
func WithSleeper(s Sleeper) Option { return func(d *Dispatcher) { d.sleep = s } }

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogSink 设置请求日志存储
func WithLogSink(s LogSink) Option { return func(d *Dispatcher) { d.sink = s } }

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithCallTimeout 单次调用的总超时
func WithCallTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.callTimeout = t } }

// WithBreakerOptions 设置熔断参数
func WithBreakerOptions(o BreakerOptions) Option { return func(d *Dispatcher) { d.breakerOpts = o } }

// NewDispatcher 创建分发器
func NewDispatcher(pool *KeyPool, direct Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:            pool,
		direct:          direct,
		clock:           SystemClock(),
		sleep:           ContextSleep,
		tokens:          CharEstimator{},
		logger:          zap.NewNop(),
		breakerOpts:     DefaultBreakerOptions,
		complexFailures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.classifier == nil {
		d.classifier = NewClassifier(nil)
	}
	if d.shaper == nil {
		d.shaper = NewShaper(DefaultPolicyTable(), 0, "", "")
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("keyrelay/core")
	}
	d.breakers = map[string]*Breaker{
		TransportDirect: NewBreaker(TransportDirect, d.clock, d.breakerOpts),
	}
	if d.proxy != nil {
		d.breakers[TransportProxy] = NewBreaker(TransportProxy, d.clock, d.breakerOpts)
	}
	return d
}

// Pool returns the key pool.
func (d *Dispatcher) Pool() *KeyPool { return d.pool }

// Execute classifies the prompt, selects a credential, probes the upstream,
// shapes parameters and sends through proxy then direct with bounded retry.
func (d *Dispatcher) Execute(ctx context.Context, p Prompt) (*Result, error) {
	start := d.clock.Now()
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = GenerateRequestID()
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.execute", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	cls := d.classifier.Classify(p)
	span.SetAttributes(
		attribute.String("conversation.id", p.ConversationID),
		attribute.Int("batch.number", cls.BatchNumber),
		attribute.Bool("query.retry", cls.IsRetry),
		attribute.Bool("query.complex", cls.IsComplex),
	)

	rec := &model.RequestLog{
		ID:             GenerateLogID(),
		RequestID:      requestID,
		Timestamp:      start,
		ConversationID: p.ConversationID,
		BatchNumber:    cls.BatchNumber,
		IsRetry:        cls.IsRetry,
		IsComplex:      cls.IsComplex,
		Caller:         CallerFromContext(ctx),
	}

	res, err := d.execute(ctx, p, cls, rec)

	latency := d.clock.Now().Sub(start)
	rec.LatencyMs = latency.Milliseconds()
	d.record(rec)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := "error"
		if IsConfigError(err) {
			outcome = "config_error"
		}
		d.metrics.RecordDispatch(rec.Transport, outcome, latency)
		d.logger.Warn("dispatch failed",
			zap.String("request_id", requestID),
			zap.String("conversation", p.ConversationID),
			zap.String("transport", rec.Transport),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err))
		return nil, err
	}

	res.RequestID = requestID
	res.Latency = latency
	outcome := "success"
	if res.Truncated {
		outcome = "truncated"
	}
	d.metrics.RecordDispatch(res.Transport, outcome, latency)
	span.SetAttributes(
		attribute.String("dispatch.transport", res.Transport),
		attribute.Int("dispatch.attempts", res.Attempts),
		attribute.Bool("response.truncated", res.Truncated),
	)
	d.logger.Info("dispatch completed",
		zap.String("request_id", requestID),
		zap.String("conversation", p.ConversationID),
		zap.String("key", res.KeyHint),
		zap.String("reason", res.SelectReason),
		zap.String("transport", res.Transport),
		zap.Int("attempts", res.Attempts),
		zap.Bool("truncated", res.Truncated),
		zap.Int("tokens", res.TotalTokens))
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, p Prompt, cls Classification, rec *model.RequestLog) (*Result, error) {
	sel, err := d.pool.Select(SelectRequest{
		ConversationID: p.ConversationID,
		BatchNumber:    cls.BatchNumber,
		IsRetry:        cls.IsRetry,
	})
	if err != nil {
		rec.Error = err.Error()
		return nil, &DispatchError{Kind: KindConfiguration, Err: err}
	}
	d.metrics.RecordSelection(sel.Reason)
	rec.KeyHint = model.MaskKey(sel.Key)

	// 永不向上游发送格式错误的凭据
	if !d.pool.Format().Valid(sel.Key) {
		rec.Error = ErrInvalidCredential.Error()
		return nil, &DispatchError{Kind: KindConfiguration, Err: ErrInvalidCredential}
	}

	if d.prober != nil {
		pr := d.prober.Probe(ctx, sel.Key)
		d.metrics.RecordProbe(pr.Available, pr.Cached)
		if !pr.Available {
			err := fmt.Errorf("%w: %s", ErrUpstreamUnavailable, pr.Error())
			rec.StatusCode = pr.StatusCode
			rec.Error = err.Error()
			d.noteComplexFailure(cls)
			return nil, &DispatchError{Kind: KindTransport, Err: err}
		}
	}

	params := d.shaper.Shape(cls, p)
	req := BuildRequest(p, cls, params)
	rec.Model = params.Model

	resp, transport, attempts, err := d.send(ctx, sel.Key, req, cls)
	rec.Transport = transport
	rec.Attempts = attempts
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			rec.StatusCode = ue.StatusCode
		}
		rec.Error = err.Error()
		d.noteComplexFailure(cls)
		return nil, &DispatchError{Kind: KindTransport, Transport: transport, Attempts: attempts, Err: err}
	}
	d.resetComplex(cls)

	truncated := resp.Truncated()
	tokens := d.countTokens(req, resp)
	usage := d.pool.Usage()
	usage.TrackTokenUsage(sel.Key, tokens)
	usage.TrackResponseQuality(sel.Key, truncated)
	d.metrics.RecordTokens(params.Model, tokens)

	rec.Success = true
	rec.Truncated = truncated
	rec.StatusCode = 200
	rec.TotalTokens = tokens
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
	}

	return &Result{
		Content:        resp.Content(),
		Response:       resp,
		KeyHint:        rec.KeyHint,
		SelectReason:   sel.Reason,
		Transport:      transport,
		Attempts:       attempts,
		Truncated:      truncated,
		TotalTokens:    tokens,
		Model:          params.Model,
		MaxTokens:      params.MaxTokens,
		Temperature:    params.Temperature,
		Rule:           params.Rule,
		Classification: cls,
	}, nil
}

// send tries the proxy once, swallowing its error, then the direct transport
// with retries for complex queries.
func (d *Dispatcher) send(ctx context.Context, key string, req *model.ChatCompletionRequest, cls Classification) (*model.ChatCompletionResponse, string, int, error) {
	attempts := 0
	var out *model.ChatCompletionResponse

	if d.proxy != nil {
		b := d.breakers[TransportProxy]
		if b.Allow() {
			if err := d.limiter.Wait(ctx, key); err != nil {
				return nil, TransportProxy, attempts, err
			}
			attempts++
			resp, err := d.proxy.Send(ctx, key, req)
			d.metrics.RecordAttempt(TransportProxy, err == nil)
			if err == nil {
				b.RecordSuccess()
				d.publishBreaker(b)
				return resp, TransportProxy, attempts, nil
			}
			b.RecordFailure()
			d.publishBreaker(b)
			d.logger.Warn("proxy transport failed, falling back to direct", zap.Error(err))
			if ctx.Err() != nil {
				return nil, TransportProxy, attempts, ctx.Err()
			}
		} else {
			d.logger.Debug("proxy breaker open, skipping proxy")
		}
	}

	b := d.breakers[TransportDirect]
	var lastErr error
	op := func() error {
		if !b.Allow() {
			if lastErr == nil {
				return backoff.Permanent(ErrCircuitOpen)
			}
			return backoff.Permanent(errors.Join(lastErr, ErrCircuitOpen))
		}
		if err := d.limiter.Wait(ctx, key); err != nil {
			return backoff.Permanent(errors.Join(lastErr, err))
		}

		attempts++
		resp, err := d.direct.Send(ctx, key, req)
		d.metrics.RecordAttempt(TransportDirect, err == nil)
		if err != nil {
			b.RecordFailure()
			d.publishBreaker(b)
			lastErr = err
			if !IsRetryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		b.RecordSuccess()
		d.publishBreaker(b)
		out = resp
		return nil
	}
	notify := func(err error, next time.Duration) {
		d.logger.Debug("direct transport failed, retrying", zap.Error(err), zap.Duration("backoff", next))
	}

	policy := retryPolicy(ctx, MaxRetries(cls.IsComplex))
	err := backoff.RetryNotifyWithTimer(op, policy, notify, newSleeperTimer(ctx, d.sleep, d.clock))
	if err == nil {
		return out, TransportDirect, attempts, nil
	}
	if lastErr != nil && !errors.Is(err, lastErr) {
		err = errors.Join(lastErr, err)
	}
	return nil, TransportDirect, attempts, err
}

func (d *Dispatcher) countTokens(req *model.ChatCompletionRequest, resp *model.ChatCompletionResponse) int {
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return resp.Usage.TotalTokens
	}
	return d.tokens.CountMessages(req.Messages) + d.tokens.CountText(resp.Content())
}

// noteComplexFailure resets every breaker once the same complex query has
// failed complexResetThreshold times.
func (d *Dispatcher) noteComplexFailure(cls Classification) {
	if !cls.IsComplex {
		return
	}
	d.complexMu.Lock()
	d.complexFailures[cls.Signature]++
	n := d.complexFailures[cls.Signature]
	if n >= complexResetThreshold {
		delete(d.complexFailures, cls.Signature)
	}
	d.complexMu.Unlock()

	if n >= complexResetThreshold {
		d.logger.Warn("repeated complex query failures, resetting breakers", zap.Int("failures", n))
		d.ResetBreakers()
	}
}

func (d *Dispatcher) resetComplex(cls Classification) {
	d.complexMu.Lock()
	delete(d.complexFailures, cls.Signature)
	d.complexMu.Unlock()
}

// ComplexFailures returns the failure count recorded for a query signature.
func (d *Dispatcher) ComplexFailures(signature string) int {
	d.complexMu.Lock()
	defer d.complexMu.Unlock()
	return d.complexFailures[signature]
}

// ResetBreakers closes every breaker.
func (d *Dispatcher) ResetBreakers() {
	for _, b := range d.breakers {
		b.Reset()
		d.publishBreaker(b)
	}
	if inv, ok := d.prober.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
}

// BreakerStates returns the state per transport.
func (d *Dispatcher) BreakerStates() map[string]BreakerState {
	out := make(map[string]BreakerState, len(d.breakers))
	for name, b := range d.breakers {
		out[name] = b.State()
	}
	return out
}

func (d *Dispatcher) publishBreaker(b *Breaker) {
	var v float64
	switch b.State() {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	d.metrics.SetBreakerState(b.Name(), v)
}

func (d *Dispatcher) record(rec *model.RequestLog) {
	if d.sink == nil {
		return
	}
	if err := d.sink.SaveLog(rec); err != nil {
		d.logger.Warn("save request log failed", zap.Error(err))
	}
}
