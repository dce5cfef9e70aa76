package llm

import (
	"context"
	"strings"
	"time"
)

// ModelConfig selects a provider/model pair plus sampling options.
type ModelConfig struct {
	Provider             string   `json:"provider" yaml:"provider"`
	ModelName            string   `json:"model_name" yaml:"model_name"`
	Temperature          *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens            *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ThinkingModel        bool     `json:"thinking_model,omitempty" yaml:"thinking_model,omitempty"`
	ThinkingBudgetTokens int      `json:"thinking_budget_tokens,omitempty" yaml:"thinking_budget_tokens,omitempty"`
}

func (c ModelConfig) Key() string { return BreakerKey(c.Provider, c.ModelName) }

// Router resolves a provider/model for a task and applies the fallback chain
// with per-provider circuit breaking. It is constructed once and injected into
// each session; there is no package-level singleton.
type Router struct {
	adapters map[string]ProviderAdapter

	// fallbacks holds one config per configured provider, in fallback order.
	fallbacks []ModelConfig

	breakers *BreakerSet
	retry    RetryPolicy
	sleep    SleepFunc

	// onEvent receives structured progress events (fallback attempts, breaker
	// skips). Nil disables event reporting.
	onEvent func(map[string]any)
}

type RouterOption func(*Router)

func WithRetryPolicy(p RetryPolicy) RouterOption { return func(r *Router) { r.retry = p } }
func WithSleep(s SleepFunc) RouterOption         { return func(r *Router) { r.sleep = s } }
func WithEventSink(fn func(map[string]any)) RouterOption {
	return func(r *Router) { r.onEvent = fn }
}
func WithBreakers(b *BreakerSet) RouterOption { return func(r *Router) { r.breakers = b } }

func NewRouter(fallbacks []ModelConfig, opts ...RouterOption) *Router {
	r := &Router{
		adapters:  map[string]ProviderAdapter{},
		fallbacks: append([]ModelConfig{}, fallbacks...),
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = NewBreakerSet(DefaultFailureThreshold, DefaultBreakerTimeout)
	}
	return r
}

func (r *Router) Register(adapter ProviderAdapter) {
	if r.adapters == nil {
		r.adapters = map[string]ProviderAdapter{}
	}
	r.adapters[normalizeProvider(adapter.Name())] = adapter
}

func (r *Router) Breakers() *BreakerSet { return r.breakers }

// Shutdown resets all circuit breaker state.
func (r *Router) Shutdown() { r.breakers.Shutdown() }

// GetConfigs builds the ordered config list for one task: the caller's primary
// config first, then one fallback per configured provider. Entries duplicating
// the primary's (provider, modelName) are skipped, so the result never contains
// two identical pairs.
func (r *Router) GetConfigs(task string, primary ModelConfig) []ModelConfig {
	primary.Provider = normalizeProvider(primary.Provider)
	out := []ModelConfig{primary}
	seen := map[string]bool{primary.Key(): true}
	for _, fb := range r.fallbacks {
		fb.Provider = normalizeProvider(fb.Provider)
		if seen[fb.Key()] {
			continue
		}
		seen[fb.Key()] = true
		out = append(out, fb)
	}
	return out
}

// Invoke iterates configs in order, skipping configs whose circuit is open, and
// returns the first successful response. Fallback attempts are strictly
// sequential — never parallel — to preserve cost ordering and avoid duplicated
// side effects. On success the breaker for that key resets; on failure the
// breaker records it and the next config is tried. When every config is
// skipped or fails, an aggregated error cites the last failure and the task.
func (r *Router) Invoke(ctx context.Context, task string, primary ModelConfig, messages []Message, tools []ToolDefinition) (Response, error) {
	configs := r.GetConfigs(task, primary)

	var lastErr error
	attempted := 0
	skipped := 0
	for _, cfg := range configs {
		key := cfg.Key()
		if !r.breakers.IsCircuitClosed(key) {
			skipped++
			r.emit(map[string]any{
				"event": "model_config_skipped",
				"task":  task,
				"key":   key,
			})
			continue
		}
		adapter, ok := r.adapters[cfg.Provider]
		if !ok {
			lastErr = &ConfigurationError{Message: "unknown provider: " + cfg.Provider}
			r.breakers.RecordFailure(key)
			continue
		}
		attempted++
		req := Request{
			Provider:             cfg.Provider,
			Model:                cfg.ModelName,
			Messages:             visibleMessages(messages),
			Tools:                tools,
			Temperature:          cfg.Temperature,
			MaxTokens:            cfg.MaxTokens,
			ThinkingModel:        cfg.ThinkingModel,
			ThinkingBudgetTokens: cfg.ThinkingBudgetTokens,
		}
		start := time.Now()
		resp, err := Retry(ctx, r.retry, r.sleep, func() (Response, error) {
			return adapter.Complete(ctx, req)
		})
		if err == nil {
			r.breakers.RecordSuccess(key)
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, err
		}
		lastErr = err
		r.breakers.RecordFailure(key)
		r.emit(map[string]any{
			"event":       "model_config_failed",
			"task":        task,
			"key":         key,
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return Response{}, &AllConfigsFailedError{Task: task, Attempted: attempted, Skipped: skipped, Last: lastErr}
}

func (r *Router) emit(ev map[string]any) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// visibleMessages filters messages flagged hidden from model input. Hidden
// messages remain in stored history for auditing.
func visibleMessages(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		if m.Hidden {
			continue
		}
		out = append(out, m)
	}
	return out
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
