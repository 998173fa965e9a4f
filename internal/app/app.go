// Package app wires the earshot subsystems into a running daemon.
//
// The App owns the full lifecycle: New builds the recorder, the dialogue
// context and the solver from the config, Run serves the HTTP control API
// until the context is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, inject test doubles through [Providers] and the functional
// options (WithSource, WithMetrics, ...). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/dialogue"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/solver"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/internal/vocab"
	"github.com/MrWong99/earshot/pkg/provider/llm"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry.
type Providers struct {
	// LLM answers questions. Required.
	LLM llm.Provider

	// SummaryLLM compacts the dialogue. Nil means LLM is used.
	SummaryLLM llm.Provider

	// STT transcribes recordings. Required.
	STT stt.Provider
}

// BreakerReporter is implemented by providers that sit behind circuit
// breakers, such as [resilience.LLMFallback].
type BreakerReporter interface {
	Status() []resilience.EntryStatus
}

// readHeaderTimeout bounds request header reads on the control API.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	log       *slog.Logger
	level     *slog.LevelVar
	source    capture.Source

	recorder *transcribe.Recorder
	dialogue *dialogue.Manager
	solver   *solver.Solver
	health   *health.Handler
	handler  http.Handler

	// settings is the live copy of the reloadable solver section.
	settingsMu sync.RWMutex
	settings   config.SolverConfig

	// answers holds the result of the latest background answer.
	answers answerBoard

	// bg tracks background answers. bgCtx is cancelled on Shutdown, after
	// which bgClosed rejects new ones.
	bg       sync.WaitGroup
	bgMu     sync.Mutex
	bgClosed bool
	bgCtx    context.Context
	bgCancel context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSource injects an audio capture source instead of ffmpeg.
func WithSource(s capture.Source) Option {
	return func(a *App) { a.source = s }
}

// WithMetrics sets the metrics instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLevelVar lets config reloads change the log level of the handler
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the recorder, dialogue context, solver and control API together.
// The dialogue worker starts immediately; release it with Shutdown.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.STT == nil {
		return nil, errors.New("app: an STT provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
		settings:  cfg.Solver,
	}
	for _, o := range opts {
		o(a)
	}
	if a.source == nil {
		a.source = newCaptureSource(cfg.Capture, a.log)
	}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	summaryLLM := providers.SummaryLLM
	if summaryLLM == nil {
		summaryLLM = providers.LLM
	}

	a.dialogue = dialogue.NewManager(
		dialogue.NewLLMSummariser(summaryLLM),
		dialogueConfig(cfg.Dialogue),
		dialogue.WithMetrics(a.metrics),
		dialogue.WithLogger(a.log.With("component", "dialogue")),
	)
	a.solver = solver.New(providers.LLM, a.dialogue, solverConfig(cfg),
		solver.WithMetrics(a.metrics),
		solver.WithLogger(a.log.With("component", "solver")),
	)
	a.recorder = transcribe.NewRecorder(a.source, providers.STT, transcribeConfig(cfg),
		transcribe.WithMetrics(a.metrics),
		transcribe.WithLogger(a.log.With("component", "recorder")),
		transcribe.WithVocabulary(vocab.New(cfg.Transcription.Vocabulary)),
	)
	a.health = health.New(a.readinessChecks()...)
	a.handler = a.routes()

	return a, nil
}

// readinessChecks lists what must hold before the daemon can serve a hotkey.
func (a *App) readinessChecks() []health.Checker {
	checks := []health.Checker{
		health.Running("dialogue", a.dialogue.Running),
		health.Running("recorder", func() bool { return a.recorder.State() != transcribe.StateClosed }),
	}
	if a.cfg.Providers.STT.Name == "deepgram" {
		checks = append(checks, health.Configured("stt", "deepgram api key", a.cfg.Providers.STT.APIKey))
	}
	if _, ok := a.source.(*capture.FFmpegSource); ok {
		checks = append(checks, health.Executable("ffmpeg", a.cfg.Capture.FFmpegPath))
	}
	if br, ok := a.providers.LLM.(BreakerReporter); ok {
		checks = append(checks, health.Checker{Name: "llm", Check: func(context.Context) error {
			for _, s := range br.Status() {
				if s.State != resilience.StateOpen.String() {
					return nil
				}
			}
			return errors.New("every llm circuit is open")
		}})
	}
	return checks
}

// Handler returns the HTTP control API.
func (a *App) Handler() http.Handler { return a.handler }

// Recorder returns the recorder, for the one-shot CLI commands.
func (a *App) Recorder() *transcribe.Recorder { return a.recorder }

// Solver returns the solver.
func (a *App) Solver() *solver.Solver { return a.solver }

// Dialogue returns the dialogue context.
func (a *App) Dialogue() *dialogue.Manager { return a.dialogue }

// Health returns the readiness handler.
func (a *App) Health() *health.Handler { return a.health }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API on cfg.Server.ListenAddr until ctx is
// cancelled, then stops accepting requests. It does not call Shutdown.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("control api listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a changed config: the log
// level and the solver settings. Everything else is logged as needing a
// restart.
func (a *App) ApplyConfig(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SolverChanged {
		a.solver.Reconfigure(solverConfig(cur))
		a.settingsMu.Lock()
		a.settings = cur.Solver
		a.settingsMu.Unlock()
		a.log.Info("solver settings reloaded")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// solverSettings returns the current solver section.
func (a *App) solverSettings() config.SolverConfig {
	a.settingsMu.RLock()
	defer a.settingsMu.RUnlock()
	return a.settings
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops a live recording, waits for background answers and stops
// the dialogue worker. It respects the context deadline and is safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		a.recorder.Close(ctx)

		a.bgMu.Lock()
		a.bgClosed = true
		a.bgMu.Unlock()
		a.bgCancel()
		waited := make(chan struct{})
		go func() {
			a.bg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: wait for background answers: %w", ctx.Err()))
		}

		if err := a.dialogue.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newCaptureSource(c config.CaptureConfig, log *slog.Logger) capture.Source {
	return capture.NewFFmpegSource(
		capture.WithFFmpegPath(c.FFmpegPath),
		capture.WithPactlPath(c.PactlPath),
		capture.WithFallbackMonitor(c.FallbackMonitor),
		capture.WithInputFormat(c.InputFormat),
		capture.WithSampleRate(c.SampleRate),
		capture.WithChannels(c.Channels),
		capture.WithLogger(log.With("component", "capture")),
	)
}

func transcribeConfig(cfg *config.Config) transcribe.Config {
	t := cfg.Transcription
	keywords := make([]stt.Keyword, 0, len(t.Keywords))
	for _, k := range t.Keywords {
		keywords = append(keywords, stt.Keyword{Keyword: k.Keyword, Boost: k.Boost})
	}
	return transcribe.Config{
		Language:     t.Language,
		SampleRate:   cfg.Capture.SampleRate,
		Channels:     cfg.Capture.Channels,
		ChunkSize:    t.ChunkSize,
		Endpointing:  t.Endpointing,
		Keywords:     keywords,
		OpenTimeout:  t.OpenTimeout,
		TrailingWait: t.TrailingWait,
		SettleDelay:  t.SettleDelay,
		StopGrace:    t.StopGrace,
	}
}

func dialogueConfig(d config.DialogueConfig) dialogue.Config {
	return dialogue.Config{
		MaxTurns:           d.MaxTurns,
		SummaryThreshold:   d.SummaryThreshold,
		MinSummaryInterval: d.MinSummaryInterval,
		KeepTurns:          d.KeepTurns,
		QueueSize:          d.QueueSize,
		RecentForQuery:     d.RecentForQuery,
		SummaryTimeout:     d.SummaryTimeout,
	}
}

func solverConfig(cfg *config.Config) solver.Config {
	s := cfg.Solver
	sc := solver.DefaultConfig()
	if s.SystemPrompt != "" {
		sc.SystemPrompt = s.SystemPrompt
	}
	if s.MinQuestionLength > 0 {
		sc.MinQuestionLength = s.MinQuestionLength
	}
	if s.Temperature != nil {
		sc.Temperature = *s.Temperature
	}
	if s.MaxTokens > 0 {
		sc.MaxTokens = s.MaxTokens
	}
	sc.ProviderName = cfg.Providers.LLM.Name
	return sc
}
