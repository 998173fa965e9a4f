// Package solver turns a transcribed question into an LLM answer.
//
// The [Solver] embeds the rendered dialogue context in the prompt, streams
// the completion, forwards partial text to an optional [Sink] as it arrives
// and records the finished exchange back into the dialogue.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/earshot/internal/dialogue"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/provider/llm"
)

var (
	// ErrQuestionTooShort is returned for questions below the configured
	// minimum length.
	ErrQuestionTooShort = errors.New("solver: question too short")

	// ErrEmptyAnswer is returned when the model produced no text.
	ErrEmptyAnswer = errors.New("solver: empty answer")

	// ErrUnknownReport is returned by Report for an unsupported kind.
	ErrUnknownReport = errors.New("solver: unknown report")
)

// Dialogue is the part of [dialogue.Manager] the solver depends on.
type Dialogue interface {
	RenderContext(question string) string
	RenderFullContext() string
	AddTurn(question, answer string) dialogue.Turn
}

// Sink receives the answer in parts while it streams.
type Sink interface {
	Deliver(ctx context.Context, part string) error
}

// SinkFunc adapts an ordinary function to [Sink].
type SinkFunc func(ctx context.Context, part string) error

// Deliver calls f(ctx, part).
func (f SinkFunc) Deliver(ctx context.Context, part string) error { return f(ctx, part) }

// Config tunes a Solver.
type Config struct {
	// SystemPrompt frames the model. Empty means DefaultSystemPrompt.
	SystemPrompt string

	// MinQuestionLength is the minimum question length in runes. Default: 5.
	MinQuestionLength int

	// Temperature is passed through unchanged.
	Temperature float64

	// MaxTokens caps the answer. Default: 1500.
	MaxTokens int

	// FlushChars, FlushInterval and the blank-line rule decide when buffered
	// text is handed to the Sink. Defaults: 200 and 1s.
	FlushChars    int
	FlushInterval time.Duration

	// MinRequestInterval spaces consecutive LLM requests. Default: 500ms.
	MinRequestInterval time.Duration

	// ProviderName labels provider metrics.
	ProviderName string
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:       DefaultSystemPrompt,
		MinQuestionLength:  5,
		Temperature:        0.3,
		MaxTokens:          1500,
		FlushChars:         200,
		FlushInterval:      time.Second,
		MinRequestInterval: 500 * time.Millisecond,
		ProviderName:       "llm",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.MinQuestionLength <= 0 {
		c.MinQuestionLength = d.MinQuestionLength
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.FlushChars <= 0 {
		c.FlushChars = d.FlushChars
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MinRequestInterval < 0 {
		c.MinRequestInterval = d.MinRequestInterval
	}
	if c.ProviderName == "" {
		c.ProviderName = d.ProviderName
	}
	return c
}

// Option configures a Solver.
type Option func(*Solver)

// WithMetrics sets the metrics sink. Defaults to no-op instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Solver) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

// Solver answers questions. It is safe for concurrent use.
type Solver struct {
	llm      llm.Provider
	dialogue Dialogue
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	// throttle serializes requests so MinRequestInterval holds between them.
	throttle    sync.Mutex
	lastRequest time.Time
}

// New creates a Solver. dlg may be nil, in which case no context is used
// and no turns are recorded.
func New(provider llm.Provider, dlg Dialogue, cfg Config, opts ...Option) *Solver {
	s := &Solver{
		llm:      provider,
		dialogue: dlg,
		cfg:      cfg.withDefaults(),
		metrics:  observe.NoopMetrics(),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reconfigure replaces the tuning for subsequent requests. Requests already
// streaming keep the settings they started with.
func (s *Solver) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// Config returns the current tuning.
func (s *Solver) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Answer is AnswerStream without a Sink.
func (s *Solver) Answer(ctx context.Context, question string) (string, error) {
	return s.AnswerStream(ctx, question, nil)
}

// AnswerStream answers question, forwarding the text to sink while it
// streams, and records the exchange in the dialogue. sink may be nil.
func (s *Solver) AnswerStream(ctx context.Context, question string, sink Sink) (answer string, err error) {
	question = strings.TrimSpace(question)
	if utf8.RuneCountInString(question) < s.Config().MinQuestionLength {
		return "", ErrQuestionTooShort
	}

	ctx, span := observe.StartSpan(ctx, "solver.answer")
	defer func() { observe.EndSpan(span, err) }()

	var history string
	if s.dialogue != nil {
		history = s.dialogue.RenderContext(question)
	}
	answer, err = s.complete(ctx, buildPrompt(question, history), sink)
	if err != nil {
		return "", err
	}

	if s.dialogue != nil {
		s.dialogue.AddTurn(question, answer)
	}
	s.log.Info("question answered", "model", s.llm.Model(), "question_chars", len(question), "answer_chars", len(answer))
	return answer, nil
}

// Report renders one of the whole-session reports from the full dialogue
// history. Reports are not recorded as turns.
func (s *Solver) Report(ctx context.Context, kind ReportKind, sink Sink) (report string, err error) {
	var history string
	if s.dialogue != nil {
		history = s.dialogue.RenderFullContext()
	}
	prompt, ok := buildReport(kind, history)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownReport, kind)
	}

	ctx, span := observe.StartSpan(ctx, "solver.report")
	defer func() { observe.EndSpan(span, err) }()
	return s.complete(ctx, prompt, sink)
}

// complete streams one completion and returns the trimmed text.
func (s *Solver) complete(ctx context.Context, prompt string, sink Sink) (string, error) {
	cfg := s.Config()
	if err := s.wait(ctx, cfg.MinRequestInterval); err != nil {
		return "", err
	}

	start := time.Now()
	stream, err := s.llm.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: cfg.SystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(prompt)},
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, cfg.ProviderName, "llm", "error")
		s.metrics.RecordProviderError(ctx, cfg.ProviderName, "llm")
		return "", fmt.Errorf("solver: start completion: %w", err)
	}

	var (
		full      strings.Builder
		buf       strings.Builder
		lastFlush time.Time
		streamErr error
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		if sink != nil {
			if err := sink.Deliver(ctx, buf.String()); err != nil {
				s.log.Warn("deliver answer part", "err", err)
			}
		}
		buf.Reset()
		lastFlush = s.now()
	}

	for chunk := range stream {
		if chunk.Failed() {
			streamErr = chunk.Err
			if streamErr == nil {
				streamErr = errors.New("stream failed")
			}
			continue
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		buf.WriteString(chunk.Text)
		if buf.Len() >= cfg.FlushChars ||
			strings.Contains(buf.String(), "\n\n") ||
			s.now().Sub(lastFlush) > cfg.FlushInterval {
			flush()
		}
	}
	flush()

	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if streamErr == nil {
		streamErr = ctx.Err()
	}
	if streamErr != nil {
		s.metrics.RecordProviderRequest(ctx, cfg.ProviderName, "llm", "error")
		s.metrics.RecordProviderError(ctx, cfg.ProviderName, "llm")
		return "", fmt.Errorf("solver: stream completion: %w", streamErr)
	}
	s.metrics.RecordProviderRequest(ctx, cfg.ProviderName, "llm", "ok")

	text := strings.TrimSpace(full.String())
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}

// wait blocks until MinRequestInterval has passed since the previous request.
func (s *Solver) wait(ctx context.Context, interval time.Duration) error {
	s.throttle.Lock()
	defer s.throttle.Unlock()

	if !s.lastRequest.IsZero() {
		if d := interval - s.now().Sub(s.lastRequest); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	s.lastRequest = s.now()
	return nil
}
