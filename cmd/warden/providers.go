package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/ascpixi/ai-warden/internal/config"
	"github.com/ascpixi/ai-warden/internal/game"
	"github.com/ascpixi/ai-warden/internal/health"
	"github.com/ascpixi/ai-warden/internal/observe"
	"github.com/ascpixi/ai-warden/internal/resilience"
	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/provider/llm/anyllm"
	"github.com/ascpixi/ai-warden/pkg/provider/llm/gemini"
	"github.com/ascpixi/ai-warden/pkg/provider/llm/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// closerList collects providers holding client connections.
type closerList []io.Closer

func (c *closerList) add(v any) {
	if cl, ok := v.(io.Closer); ok {
		*c = append(*c, cl)
	}
}

func (c *closerList) closeAll() {
	for _, cl := range *c {
		if err := cl.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}
}

// registerBuiltinProviders wires all built-in LLM factories into reg. The
// returned list receives every provider that must be closed at shutdown.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) *closerList {
	closers := &closerList{}

	// openai also covers every OpenAI-compatible endpoint through base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org, ok := entry.Options["organization"].(string); ok && org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, ok := durationOption(entry.Options, "timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok := entry.Options["max_retries"].(int); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.ResolveAPIKey(), entry.Model, opts...)
	})

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithEndpoint(entry.BaseURL))
		}
		p, err := gemini.New(ctx, entry.ResolveAPIKey(), entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		closers.add(p)
		return p, nil
	})

	for _, name := range anyllm.Backends {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if key := entry.ResolveAPIKey(); key != "" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	return closers
}

func durationOption(opts map[string]any, key string) (time.Duration, bool) {
	s, ok := opts[key].(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "option", key, "value", s)
		return 0, false
	}
	return d, true
}

// buildBackends instantiates every configured entry once, then groups each
// selector's provider with its fallbacks behind separate circuit breakers.
func buildBackends(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (map[string]game.Backend, map[string]health.ProviderGroup, error) {
	selectors := sortedSelectors(cfg.Providers.Entries)

	base := make(map[string]llm.Provider, len(selectors))
	var errs []error
	for _, sel := range selectors {
		p, err := reg.CreateLLM(cfg.Providers.Entries[sel])
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", sel, err))
			continue
		}
		base[sel] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}

	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
		},
		Metrics: metrics,
	}

	backends := make(map[string]game.Backend, len(selectors))
	groups := make(map[string]health.ProviderGroup, len(selectors))
	for _, sel := range selectors {
		entry := cfg.Providers.Entries[sel]
		group := resilience.NewProviderGroup(sel, base[sel], fcfg)
		for _, fb := range entry.Fallbacks {
			group.AddFallback(fb, base[fb])
		}
		backends[sel] = game.Backend{
			Provider:    group,
			Temperature: entry.Temperature,
			MaxTokens:   entry.MaxTokens,
			Candidates:  entry.Candidates,
		}
		groups[sel] = group
		slog.Debug("provider ready", "selector", sel, "group", group.String())
	}
	return backends, groups, nil
}

func sortedSelectors(entries map[string]config.ProviderEntry) []string {
	return slices.Sorted(maps.Keys(entries))
}
