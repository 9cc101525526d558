package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/cache"
	"github.com/ppiankov/crisisgraph/internal/clock"
	"github.com/ppiankov/crisisgraph/internal/llm"
	"github.com/ppiankov/crisisgraph/internal/metrics"
	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/worker"
)

// Options configures a Gateway. Provider may be nil, in which case every
// call is answered by the fallback heuristics.
type Options struct {
	Provider    llm.Provider
	Config      model.AgentConfig
	Model       string
	MaxTokens   int
	Temperature float64

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Cache   cache.Cache
	Limiter *worker.Limiter
}

// Gateway is the single entry point for agent calls
type Gateway struct {
	provider llm.Provider
	cfg      model.AgentConfig
	opts     Options
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cache    cache.Cache
	limiter  *worker.Limiter
}

// NewGateway creates a gateway
func NewGateway(opts Options) *Gateway {
	cfg := opts.Config
	defaults := model.DefaultConfig().Agent
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.FallbackPenalty <= 0 || cfg.FallbackPenalty > 1 {
		cfg.FallbackPenalty = defaults.FallbackPenalty
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = worker.NewLimiter(cfg.RatePerSecond, cfg.Burst)
	}
	return &Gateway{
		provider: opts.Provider,
		cfg:      cfg,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
	}
}

// Online reports whether a model backend is configured
func (g *Gateway) Online() bool {
	return g.provider != nil
}

// Backend names the model backend, or "offline"
func (g *Gateway) Backend() string {
	if g.provider == nil {
		return "offline"
	}
	return g.provider.Name()
}

// Invoke runs one agent call. It never returns an error: failures are
// classified, logged and replaced by a fallback output marked Fallback.
func (g *Gateway) Invoke(ctx context.Context, kind Kind, in Input) Output {
	start := g.clock.Now()
	if !kind.Valid() {
		g.logger.Error("unknown agent kind", zap.String("kind", string(kind)))
		return Output{
			AgentName:   "unknown_agent",
			Kind:        kind,
			Fallback:    true,
			Reasoning:   fmt.Sprintf("unknown agent kind %q", kind),
			Limitations: []string{"no agent handles this kind"},
			Timestamp:   start,
		}
	}

	if g.provider == nil {
		out := g.fallback(kind, in, start, "no model backend configured")
		g.observe(kind, "offline", start)
		return out
	}

	key := g.cacheKey(kind, in)
	if key != "" {
		if raw, ok := g.cache.Get(key); ok {
			if out, err := g.decode(kind, in, raw, start); err == nil {
				g.observe(kind, "cached", start)
				return out
			}
			_ = g.cache.Delete(key)
		}
	}

	raw, err := g.call(ctx, kind, in)
	if err != nil {
		g.logger.Warn("agent call failed, using fallback",
			zap.String("agent", kind.AgentName()),
			zap.String("signal_id", in.SignalID),
			zap.String("class", string(err.Kind)),
			zap.Error(err.Err))
		out := g.fallback(kind, in, start, fmt.Sprintf("%s failure: %v", err.Kind, err.Err))
		g.observe(kind, string(err.Kind), start)
		return out
	}

	out, decodeErr := g.decode(kind, in, raw, start)
	if decodeErr != nil {
		ae := malformed(kind, decodeErr)
		g.logger.Warn("agent response rejected, using fallback",
			zap.String("agent", kind.AgentName()),
			zap.String("signal_id", in.SignalID),
			zap.Error(ae))
		out := g.fallback(kind, in, start, fmt.Sprintf("malformed response: %v", decodeErr))
		g.observe(kind, string(ErrMalformed), start)
		return out
	}

	if key != "" {
		if err := g.cache.Set(key, raw, g.cfg.CacheTTL); err != nil {
			g.logger.Debug("agent cache write failed", zap.Error(err))
		}
	}
	g.observe(kind, "ok", start)
	return out
}

// call performs bounded attempts against the backend and returns the extracted
// JSON. The configured timeout covers the whole call, rate limiting and backoff
// included.
func (g *Gateway) call(parent context.Context, kind Kind, in Input) ([]byte, *AgentError) {
	req := llm.CompletionRequest{
		System:      systemPrompts[kind],
		Prompt:      buildPrompt(kind, in),
		JSON:        true,
		Model:       g.opts.Model,
		MaxTokens:   g.opts.MaxTokens,
		Temperature: g.opts.Temperature,
	}

	ctx, cancel := context.WithTimeout(parent, g.cfg.Timeout)
	defer cancel()

	var last *AgentError
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := g.cfg.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, classify(kind, ctx.Err())
			case <-g.clock.After(backoff):
			}
		}

		if err := g.limiter.Wait(ctx, string(kind)); err != nil {
			// the limiter refuses up front when the wait would pass the deadline
			if parent.Err() == nil {
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return nil, classify(kind, err)
		}

		resp, err := g.provider.Complete(ctx, req)
		if err != nil {
			last = classify(kind, err)
			if ctx.Err() != nil || !last.Retryable() {
				return nil, last
			}
			g.logger.Debug("agent attempt failed",
				zap.String("agent", kind.AgentName()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		raw, err := extractJSON(resp.Text)
		if err != nil {
			return nil, malformed(kind, err)
		}
		return raw, nil
	}
	return nil, last
}

type envelope struct {
	Confidence  *float64 `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	Limitations []string `json:"limitations"`
}

// decode turns raw agent JSON into a validated output
func (g *Gateway) decode(kind Kind, in Input, raw []byte, start time.Time) (Output, error) {
	payload, err := newPayload(kind)
	if err != nil {
		return Output{}, err
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return Output{}, fmt.Errorf("decode %s: %w", payload.OutputType(), err)
	}
	if err := payload.validate(); err != nil {
		return Output{}, fmt.Errorf("invalid %s: %w", payload.OutputType(), err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Output{}, fmt.Errorf("decode envelope: %w", err)
	}
	conf := 0.5
	if env.Confidence != nil {
		conf = min(1, max(0, *env.Confidence))
	}

	return Output{
		AgentName:   kind.AgentName(),
		Kind:        kind,
		OutputType:  payload.OutputType(),
		Data:        payload,
		Confidence:  conf,
		SourceRefs:  sourceRefs(in),
		Reasoning:   env.Reasoning,
		Limitations: env.Limitations,
		Timestamp:   start,
	}, nil
}

func (g *Gateway) fallback(kind Kind, in Input, start time.Time, reason string) Output {
	payload, conf, reasoning := fallbackFor(kind, in)
	return Output{
		AgentName:   kind.AgentName(),
		Kind:        kind,
		OutputType:  payload.OutputType(),
		Data:        payload,
		Confidence:  conf * g.cfg.FallbackPenalty,
		SourceRefs:  sourceRefs(in),
		Reasoning:   "fallback: " + reasoning,
		Limitations: []string{reason, "deterministic keyword heuristics, not model output"},
		Fallback:    true,
		Timestamp:   start,
	}
}

func (g *Gateway) cacheKey(kind Kind, in Input) string {
	if g.cache == nil || !kind.Perception() || g.cfg.CacheTTL <= 0 {
		return ""
	}
	parts := []string{in.Content}
	for _, k := range sortedKeys(in.Metadata) {
		parts = append(parts, k+"="+in.Metadata[k])
	}
	return cache.CacheKey(string(kind), parts...)
}

func (g *Gateway) observe(kind Kind, outcome string, start time.Time) {
	g.metrics.AgentCall(kind.AgentName(), outcome, g.clock.Since(start).Seconds())
}

func sourceRefs(in Input) []string {
	var refs []string
	if in.SignalID != "" {
		refs = append(refs, in.SignalID)
	}
	seen := make(map[string]bool)
	for _, c := range in.Claims {
		if c.Source != "" && !seen[c.Source] {
			seen[c.Source] = true
			refs = append(refs, c.Source)
		}
	}
	return refs
}

// Describe summarizes an output for logs and the timeline
func Describe(o Output) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%.2f)", o.AgentName, o.OutputType, o.Confidence)
	if o.Fallback {
		b.WriteString(" fallback")
	}
	return b.String()
}
