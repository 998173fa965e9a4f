package main

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/provider/llm"
	"github.com/MrWong99/earshot/pkg/provider/llm/anyllm"
	"github.com/MrWong99/earshot/pkg/provider/llm/openai"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/deepgram"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Every other vendor goes through any-llm-go. Local servers are addressed
	// by BaseURL and take no key.
	for _, vendor := range anyllm.Backends() {
		if vendor == "openai" {
			continue
		}
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.Local(vendor) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(vendor, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "write_timeout"); d > 0 {
			opts = append(opts, deepgram.WithWriteTimeout(d))
		}
		if optBool(entry.Options, "smart_format") {
			opts = append(opts, deepgram.WithSmartFormat(true))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "stt", reg.STTNames())
}

// buildProviders instantiates the providers named in cfg. When fallbacks are
// configured the answer LLM is an [resilience.LLMFallback] whose breaker
// transitions are counted in m.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	sttProv, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttProv
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = primary
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	if len(cfg.Providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(primary, entryLabel(cfg.Providers.LLM), resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, to resilience.State) {
					slog.Warn("llm circuit breaker changed state", "provider", name, "state", to)
					m.RecordBreakerTransition(context.Background(), name, to.String())
				},
			},
			Logger: slog.Default().With("chain", "llm"),
		})
		for i, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %d %q: %w", i, entry.Name, err)
			}
			fb.AddFallback(entryLabel(entry), p)
			slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name, "model", entry.Model)
		}
		ps.LLM = fb
	}

	// An unset summary entry defaults to a copy of the answer entry; reuse the
	// answer provider, fallbacks included, in that case.
	if reflect.DeepEqual(cfg.Providers.SummaryLLM, cfg.Providers.LLM) {
		ps.SummaryLLM = ps.LLM
		return ps, nil
	}
	summary, err := reg.CreateLLM(cfg.Providers.SummaryLLM)
	if err != nil {
		return nil, fmt.Errorf("create summary llm provider %q: %w", cfg.Providers.SummaryLLM.Name, err)
	}
	ps.SummaryLLM = summary
	slog.Info("provider created", "kind", "summary_llm", "name", cfg.Providers.SummaryLLM.Name, "model", cfg.Providers.SummaryLLM.Model)
	return ps, nil
}

// entryLabel names a provider entry in breaker status and metrics.
func entryLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optBool reads a YAML boolean from Options. Anything else is false.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optDuration parses a duration string such as "30s" from Options. Malformed
// values are logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
