package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
}

// Environment variables consulted by [ApplyEnv].
const (
	EnvDeepgramKey = "DEEPGRAM_API_KEY"
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvLLMKey      = "EARSHOT_LLM_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty API keys from the environment. The STT key comes from
// DEEPGRAM_API_KEY. LLM keys come from EARSHOT_LLM_API_KEY, or from
// OPENAI_API_KEY for entries named "openai".
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Providers.STT.APIKey == "" && cfg.Providers.STT.Name == "deepgram" {
		cfg.Providers.STT.APIKey = getenv(EnvDeepgramKey)
	}

	llmKey := func(e *ProviderEntry) {
		if e.Name == "" || e.APIKey != "" {
			return
		}
		if v := getenv(EnvLLMKey); v != "" {
			e.APIKey = v
			return
		}
		if e.Name == "openai" {
			e.APIKey = getenv(EnvOpenAIKey)
		}
	}
	llmKey(&cfg.Providers.LLM)
	llmKey(&cfg.Providers.SummaryLLM)
	for i := range cfg.Providers.LLMFallbacks {
		llmKey(&cfg.Providers.LLMFallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.SummaryLLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.STT.Name == "deepgram" && cfg.Providers.STT.APIKey == "" {
		slog.Warn("providers.stt.api_key is empty and " + EnvDeepgramKey + " is not set; recordings will fail to connect")
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", cfg.Capture.Channels))
	}

	// Transcription
	t := cfg.Transcription
	if t.ChunkSize < 0 || t.ChunkSize%2 != 0 {
		errs = append(errs, fmt.Errorf("transcription.chunk_size %d must be a positive multiple of 2", t.ChunkSize))
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"endpointing", t.Endpointing},
		{"open_timeout", t.OpenTimeout},
		{"trailing_wait", t.TrailingWait},
		{"settle_delay", t.SettleDelay},
		{"stop_grace", t.StopGrace},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("transcription.%s must not be negative", f.name))
		}
	}
	for i, kw := range t.Keywords {
		if kw.Keyword == "" {
			errs = append(errs, fmt.Errorf("transcription.keywords[%d].keyword is required", i))
		}
	}

	// Dialogue
	d := cfg.Dialogue
	if d.MaxTurns < 0 || d.SummaryThreshold < 0 || d.KeepTurns < 0 || d.QueueSize < 0 || d.RecentForQuery < 0 {
		errs = append(errs, errors.New("dialogue: counts must not be negative"))
	}
	if d.KeepTurns > d.MaxTurns {
		errs = append(errs, fmt.Errorf("dialogue.keep_turns %d exceeds dialogue.max_turns %d", d.KeepTurns, d.MaxTurns))
	}
	if d.RecentForQuery > d.MaxTurns {
		slog.Warn("dialogue.recent_for_query exceeds dialogue.max_turns; all retained turns will be used",
			"recent_for_query", d.RecentForQuery, "max_turns", d.MaxTurns)
	}
	if d.MinSummaryInterval < 0 {
		errs = append(errs, errors.New("dialogue.min_summary_interval must not be negative"))
	}

	// Solver
	if temp := cfg.Solver.Temperature; temp != nil && (*temp < 0 || *temp > 2) {
		errs = append(errs, fmt.Errorf("solver.temperature %.2f is out of range [0, 2]", *temp))
	}
	if cfg.Solver.MinQuestionLength < 0 {
		errs = append(errs, errors.New("solver.min_question_length must not be negative"))
	}
	if cfg.Solver.MaxTokens < 0 {
		errs = append(errs, errors.New("solver.max_tokens must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
