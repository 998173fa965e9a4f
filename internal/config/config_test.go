package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/pkg/provider/llm"
	llmmock "github.com/MrWong99/earshot/pkg/provider/llm/mock"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  summary_llm:
    name: ollama
    base_url: http://localhost:11434
    model: llama3
  llm_fallbacks:
    - name: anthropic
      api_key: ant-test
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2

capture:
  fallback_monitor: test.monitor

transcription:
  language: ru
  endpointing: 250ms
  keywords:
    - keyword: Kubernetes
      boost: 2
  vocabulary: [PostgreSQL, TypeScript]

dialogue:
  max_turns: 12
  min_summary_interval: 90s

solver:
  temperature: 0
  answer_on_stop: true
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("server.listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Providers.SummaryLLM.Name != "ollama" || cfg.Providers.SummaryLLM.Model != "llama3" {
		t.Errorf("providers.summary_llm: got %+v", cfg.Providers.SummaryLLM)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].APIKey != "ant-test" {
		t.Errorf("providers.llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Transcription.Language != "ru" || cfg.Transcription.Endpointing != 250*time.Millisecond {
		t.Errorf("transcription: got %+v", cfg.Transcription)
	}
	if len(cfg.Transcription.Keywords) != 1 || cfg.Transcription.Keywords[0] != (config.KeywordConfig{Keyword: "Kubernetes", Boost: 2}) {
		t.Errorf("transcription.keywords: got %+v", cfg.Transcription.Keywords)
	}
	if !slices.Equal(cfg.Transcription.Vocabulary, []string{"PostgreSQL", "TypeScript"}) {
		t.Errorf("transcription.vocabulary: got %v", cfg.Transcription.Vocabulary)
	}
	if cfg.Dialogue.MaxTurns != 12 || cfg.Dialogue.MinSummaryInterval != 90*time.Second {
		t.Errorf("dialogue: got %+v", cfg.Dialogue)
	}
	// Unset fields in a partially configured section still get defaults.
	if cfg.Dialogue.KeepTurns != 4 {
		t.Errorf("dialogue.keep_turns: got %d, want 4", cfg.Dialogue.KeepTurns)
	}
	if cfg.Solver.Temperature == nil || *cfg.Solver.Temperature != 0 {
		t.Errorf("solver.temperature: explicit 0 must survive defaults, got %v", cfg.Solver.Temperature)
	}
	if !cfg.Solver.AnswerOnStop {
		t.Error("solver.answer_on_stop: got false")
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
		}
		if cfg.Providers.STT.Name != "deepgram" || cfg.Providers.LLM.Name != "openai" {
			t.Errorf("providers = %+v", cfg.Providers)
		}
		if cfg.Providers.SummaryLLM.Name != "openai" || cfg.Providers.SummaryLLM.Model != "gpt-4o-mini" {
			t.Errorf("summary_llm should mirror llm, got %+v", cfg.Providers.SummaryLLM)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("solver:\n  max_tokenz: 10\n"))
	if err == nil || !strings.Contains(err.Error(), "max_tokenz") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Capture.FallbackMonitor != "test.monitor" {
		t.Errorf("capture.fallback_monitor: got %q", cfg.Capture.FallbackMonitor)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want os.ErrNotExist", err)
	}
}

// ── Defaults and environment ─────────────────────────────────────────────────

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	if cfg.Capture.SampleRate != 16000 || cfg.Capture.Channels != 1 || cfg.Capture.FFmpegPath != "ffmpeg" {
		t.Errorf("capture defaults: %+v", cfg.Capture)
	}
	tr := cfg.Transcription
	if tr.ChunkSize != 4096 || tr.Endpointing != 300*time.Millisecond || tr.OpenTimeout != 3*time.Second {
		t.Errorf("transcription defaults: %+v", tr)
	}
	d := cfg.Dialogue
	if d.MaxTurns != 10 || d.SummaryThreshold != 900 || d.MinSummaryInterval != time.Minute || d.RecentForQuery != 4 {
		t.Errorf("dialogue defaults: %+v", d)
	}
	s := cfg.Solver
	if s.MinQuestionLength != 5 || s.MaxTokens != 1500 || s.Temperature == nil || *s.Temperature != config.DefaultTemperature {
		t.Errorf("solver defaults: %+v", s)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvDeepgramKey: "dg-env",
		config.EnvOpenAIKey:   "sk-env",
	}
	getenv := func(k string) string { return env[k] }

	cfg := &config.Config{}
	cfg.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "openai"}, {Name: "anthropic"}}
	cfg.Providers.SummaryLLM = config.ProviderEntry{Name: "openai", APIKey: "sk-file"}
	config.ApplyDefaults(cfg)
	config.ApplyEnv(cfg, getenv)

	if cfg.Providers.STT.APIKey != "dg-env" {
		t.Errorf("stt key = %q", cfg.Providers.STT.APIKey)
	}
	if cfg.Providers.LLM.APIKey != "sk-env" {
		t.Errorf("llm key = %q", cfg.Providers.LLM.APIKey)
	}
	if cfg.Providers.SummaryLLM.APIKey != "sk-file" {
		t.Errorf("explicit key overwritten: %q", cfg.Providers.SummaryLLM.APIKey)
	}
	if got := cfg.Providers.LLMFallbacks; got[0].APIKey != "sk-env" || got[1].APIKey != "" {
		t.Errorf("fallback keys = %q, %q", got[0].APIKey, got[1].APIKey)
	}

	env[config.EnvLLMKey] = "generic"
	cfg.Providers.LLMFallbacks[1].APIKey = ""
	config.ApplyEnv(cfg, getenv)
	if cfg.Providers.LLMFallbacks[1].APIKey != "generic" {
		t.Errorf("generic key not applied: %q", cfg.Providers.LLMFallbacks[1].APIKey)
	}
}

func TestLoadFromReader_ReadsEnvironment(t *testing.T) {
	t.Setenv(config.EnvDeepgramKey, "dg-from-env")
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.STT.APIKey != "dg-from-env" {
		t.Errorf("stt key = %q", cfg.Providers.STT.APIKey)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: verbose\n",
			want: []string{"log_level"},
		},
		{
			name: "tls needs both files",
			yaml: "server:\n  tls:\n    cert_file: c.pem\n",
			want: []string{"server.tls"},
		},
		{
			name: "fallback without name",
			yaml: "providers:\n  llm_fallbacks:\n    - model: x\n",
			want: []string{"llm_fallbacks[0].name"},
		},
		{
			name: "too many channels",
			yaml: "capture:\n  channels: 6\n",
			want: []string{"capture.channels"},
		},
		{
			name: "odd chunk size",
			yaml: "transcription:\n  chunk_size: 4095\n",
			want: []string{"chunk_size"},
		},
		{
			name: "negative durations",
			yaml: "transcription:\n  settle_delay: -1s\n  stop_grace: -2s\n",
			want: []string{"settle_delay", "stop_grace"},
		},
		{
			name: "empty keyword",
			yaml: "transcription:\n  keywords:\n    - boost: 1\n",
			want: []string{"keywords[0].keyword"},
		},
		{
			name: "keep exceeds max",
			yaml: "dialogue:\n  max_turns: 3\n  keep_turns: 5\n",
			want: []string{"keep_turns 5 exceeds"},
		},
		{
			name: "temperature out of range",
			yaml: "solver:\n  temperature: 2.5\n",
			want: []string{"solver.temperature"},
		},
		{
			name: "several at once",
			yaml: "server:\n  log_level: loud\nsolver:\n  max_tokens: -1\n",
			want: []string{"log_level", "max_tokens"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if !slices.Contains(config.ValidProviderNames["llm"], "openai") {
		t.Error(`ValidProviderNames["llm"] should contain "openai"`)
	}
	if !slices.Contains(config.ValidProviderNames["stt"], "deepgram") {
		t.Error(`ValidProviderNames["stt"] should contain "deepgram"`)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: expected ErrProviderNotRegistered, got: %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantLLM := &llmmock.Provider{}
	wantSTT := &sttmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return wantLLM, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) {
		return wantSTT, nil
	})

	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if got != wantLLM {
		t.Error("returned LLM provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if s, err := reg.CreateSTT(config.ProviderEntry{Name: "stub"}); err != nil || s != wantSTT {
		t.Errorf("CreateSTT() = (%v, %v)", s, err)
	}

	reg.RegisterLLM("another", func(config.ProviderEntry) (llm.Provider, error) { return wantLLM, nil })
	if names := reg.LLMNames(); !slices.Equal(names, []string{"another", "stub"}) {
		t.Errorf("LLMNames() = %q", names)
	}
	if names := reg.STTNames(); !slices.Equal(names, []string{"stub"}) {
		t.Errorf("STTNames() = %q", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}
