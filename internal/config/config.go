// Package config provides the configuration schema, loader, and provider registry
// for the earshot daemon.
package config

import "time"

// LogLevel controls log verbosity for the earshot daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for earshot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Dialogue      DialogueConfig      `yaml:"dialogue"`
	Solver        SolverConfig        `yaml:"solver"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on. Keep it on
	// loopback unless TLS is configured. Default: "127.0.0.1:8765".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation backs each stage.
// Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// LLM answers questions.
	LLM ProviderEntry `yaml:"llm"`

	// SummaryLLM compacts the dialogue. When Name is empty the LLM entry is used.
	SummaryLLM ProviderEntry `yaml:"summary_llm"`

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// STT transcribes captured audio.
	STT ProviderEntry `yaml:"stt"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any. When
	// empty it is taken from the environment, see [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// CaptureConfig configures the ffmpeg capture of the desktop audio monitor.
type CaptureConfig struct {
	// FFmpegPath is the ffmpeg executable. Default: "ffmpeg".
	FFmpegPath string `yaml:"ffmpeg_path"`

	// PactlPath is the pactl executable used for monitor detection. Default: "pactl".
	PactlPath string `yaml:"pactl_path"`

	// FallbackMonitor is used when the default sink cannot be detected.
	FallbackMonitor string `yaml:"fallback_monitor"`

	// InputFormat is the ffmpeg input format. Default: "pulse".
	InputFormat string `yaml:"input_format"`

	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the PCM channel count. Default: 1.
	Channels int `yaml:"channels"`
}

// TranscriptionConfig tunes the streaming transcription session.
type TranscriptionConfig struct {
	// Language is the recognition language. Default: "en".
	Language string `yaml:"language"`

	// Endpointing is the server-side silence that closes an utterance. Default: 300ms.
	Endpointing time.Duration `yaml:"endpointing"`

	// OpenTimeout bounds opening the STT connection. Default: 3s.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// ChunkSize is the number of PCM bytes per audio frame. Default: 4096.
	ChunkSize int `yaml:"chunk_size"`

	// TrailingWait is how long the sender waits for trailing results after
	// end of stream. Default: 500ms.
	TrailingWait time.Duration `yaml:"trailing_wait"`

	// SettleDelay is the pause before the connection is closed on stop. Default: 500ms.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// StopGrace is how long ffmpeg may take to exit before it is killed. Default: 2s.
	StopGrace time.Duration `yaml:"stop_grace"`

	// Keywords boosts uncommon vocabulary.
	Keywords []KeywordConfig `yaml:"keywords"`

	// Vocabulary lists terms that misheard spans of a finished transcript are
	// rewritten to, e.g. "PostgreSQL" for "postgress sequel". Empty disables
	// correction.
	Vocabulary []string `yaml:"vocabulary"`
}

// KeywordConfig is one boosted keyword.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// DialogueConfig tunes the self-summarising dialogue context.
type DialogueConfig struct {
	// MaxTurns bounds the verbatim history. Default: 10.
	MaxTurns int `yaml:"max_turns"`

	// SummaryThreshold is the estimated weight above which a summary is
	// requested. Default: 900.
	SummaryThreshold int `yaml:"summary_threshold"`

	// MinSummaryInterval debounces summaries. Default: 1m.
	MinSummaryInterval time.Duration `yaml:"min_summary_interval"`

	// KeepTurns is how many turns survive a summary. Default: 4.
	KeepTurns int `yaml:"keep_turns"`

	// QueueSize bounds pending summary requests. Default: 4.
	QueueSize int `yaml:"queue_size"`

	// RecentForQuery is how many turns go into each prompt. Default: 4.
	RecentForQuery int `yaml:"recent_for_query"`

	// SummaryTimeout bounds one summarisation call. Default: 30s.
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
}

// SolverConfig tunes question answering. These fields are hot-reloadable.
type SolverConfig struct {
	// SystemPrompt replaces the built-in analyst prompt when set.
	SystemPrompt string `yaml:"system_prompt"`

	// MinQuestionLength is the shortest question, in runes, that is answered.
	// Default: 5.
	MinQuestionLength int `yaml:"min_question_length"`

	// Temperature for answers. Default: 0.3.
	Temperature *float64 `yaml:"temperature"`

	// MaxTokens caps answer length. Default: 1500.
	MaxTokens int `yaml:"max_tokens"`

	// AnswerOnStop answers every non-empty transcript as soon as a recording stops.
	AnswerOnStop bool `yaml:"answer_on_stop"`

	// RequestTimeout bounds one answer. Default: 60s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr      = "127.0.0.1:8765"
	DefaultFallbackMonitor = "alsa_output.pci-0000_00_1f.3.analog-stereo.monitor"
	DefaultTemperature     = 0.3
)

// ApplyDefaults fills every unset field with its documented default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	setDefault(&s.ListenAddr, DefaultListenAddr)
	setDefault(&s.LogLevel, LogInfo)

	c := &cfg.Capture
	setDefault(&c.FFmpegPath, "ffmpeg")
	setDefault(&c.PactlPath, "pactl")
	setDefault(&c.FallbackMonitor, DefaultFallbackMonitor)
	setDefault(&c.InputFormat, "pulse")
	setDefault(&c.SampleRate, 16000)
	setDefault(&c.Channels, 1)

	t := &cfg.Transcription
	setDefault(&t.Language, "en")
	setDefault(&t.Endpointing, 300*time.Millisecond)
	setDefault(&t.OpenTimeout, 3*time.Second)
	setDefault(&t.ChunkSize, 4096)
	setDefault(&t.TrailingWait, 500*time.Millisecond)
	setDefault(&t.SettleDelay, 500*time.Millisecond)
	setDefault(&t.StopGrace, 2*time.Second)

	d := &cfg.Dialogue
	setDefault(&d.MaxTurns, 10)
	setDefault(&d.SummaryThreshold, 900)
	setDefault(&d.MinSummaryInterval, time.Minute)
	setDefault(&d.KeepTurns, 4)
	setDefault(&d.QueueSize, 4)
	setDefault(&d.RecentForQuery, 4)
	setDefault(&d.SummaryTimeout, 30*time.Second)

	v := &cfg.Solver
	setDefault(&v.MinQuestionLength, 5)
	setDefault(&v.MaxTokens, 1500)
	setDefault(&v.RequestTimeout, time.Minute)
	if v.Temperature == nil {
		temp := DefaultTemperature
		v.Temperature = &temp
	}

	p := &cfg.Providers
	if p.STT.Name == "" {
		p.STT.Name = "deepgram"
	}
	if p.LLM.Name == "" {
		p.LLM.Name = "openai"
		setDefault(&p.LLM.Model, "gpt-4o-mini")
	}
	if cfg.Providers.SummaryLLM.Name == "" {
		cfg.Providers.SummaryLLM = cfg.Providers.LLM
	}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
