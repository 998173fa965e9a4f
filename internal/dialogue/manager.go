// Package dialogue keeps a bounded, self-summarising record of the
// question/answer exchanges of one working session.
//
// A [Manager] retains the most recent turns verbatim and, once their
// estimated weight crosses a threshold, hands a copy to a background worker
// that folds them into a running summary through a [Summariser]. Rendering
// never waits for the worker: readers always see one consistent snapshot,
// either the state before a summary landed or the state after it.
//
// All exported methods are safe for concurrent use.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
)

// ErrClosed is returned by Close when the worker has already been stopped.
var ErrClosed = errors.New("dialogue: manager is closed")

// Turn is one question/answer exchange. Turns are immutable once recorded.
type Turn struct {
	// Seq increases monotonically across the lifetime of a Manager.
	Seq       uint64
	Question  string
	Answer    string
	CreatedAt time.Time
	// Weight is EstimateWeight(Question) + EstimateWeight(Answer).
	Weight int
}

// Config tunes a Manager. Zero fields take the values of [DefaultConfig],
// except MinSummaryInterval where zero disables debouncing.
type Config struct {
	// MaxTurns bounds the verbatim history. The oldest turn is evicted first.
	MaxTurns int

	// SummaryThreshold is the combined turn and summary weight above which
	// a summary is requested.
	SummaryThreshold int

	// MinSummaryInterval is the minimum time between a successful summary and
	// the next request.
	MinSummaryInterval time.Duration

	// KeepTurns is how many of the most recent turns survive a summary.
	KeepTurns int

	// QueueSize bounds pending summary requests. Requests beyond it are dropped.
	QueueSize int

	// RecentForQuery is how many turns RenderContext includes.
	RecentForQuery int

	// IdleTimeout is how often an idle worker reports that it is alive.
	IdleTimeout time.Duration

	// SummaryTimeout bounds a single Summarise call.
	SummaryTimeout time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxTurns:           10,
		SummaryThreshold:   900,
		MinSummaryInterval: time.Minute,
		KeepTurns:          4,
		QueueSize:          4,
		RecentForQuery:     4,
		IdleTimeout:        5 * time.Minute,
		SummaryTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = d.SummaryThreshold
	}
	if c.MinSummaryInterval < 0 {
		c.MinSummaryInterval = d.MinSummaryInterval
	}
	if c.KeepTurns <= 0 {
		c.KeepTurns = d.KeepTurns
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RecentForQuery <= 0 {
		c.RecentForQuery = d.RecentForQuery
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = d.SummaryTimeout
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics sink. Defaults to no-op instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) {
		if m != nil {
			mgr.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(mgr *Manager) {
		if l != nil {
			mgr.log = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) {
		if now != nil {
			mgr.now = now
		}
	}
}

// Snapshot is a copy of the Manager state at one instant.
type Snapshot struct {
	Turns            []Turn
	Summary          string
	TurnWeight       int
	SummaryWeight    int
	LastSummarizedAt time.Time
	// Queued is the number of summary requests waiting for the worker.
	Queued int
}

// Manager is the dialogue context. Create it with [NewManager] and release
// the worker with [Manager.Close].
type Manager struct {
	cfg        Config
	summariser Summariser
	metrics    *observe.Metrics
	log        *slog.Logger
	now        func() time.Time

	mu                sync.Mutex
	turns             []Turn
	summary           string
	turnWeight        int
	summaryWeight     int
	lastSummarizedAt  time.Time
	summarizedThrough uint64
	nextSeq           uint64
	closed            bool

	// queue carries copies of the turns to summarise. A nil batch stops the worker.
	queue     chan []Turn
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a Manager and starts its summary worker.
func NewManager(summariser Summariser, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		summariser: summariser,
		metrics:    observe.NoopMetrics(),
		log:        slog.Default(),
		now:        time.Now,
		queue:      make(chan []Turn, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

// AddTurn records an exchange, evicts the oldest turns beyond MaxTurns and
// requests a summary when the context has grown too heavy. It never blocks
// on the worker.
func (m *Manager) AddTurn(question, answer string) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	t := Turn{
		Seq:       m.nextSeq,
		Question:  question,
		Answer:    answer,
		CreatedAt: m.now(),
		Weight:    EstimateWeight(question) + EstimateWeight(answer),
	}
	m.turns = append(m.turns, t)
	m.turnWeight += t.Weight

	for len(m.turns) > m.cfg.MaxTurns {
		m.turnWeight -= m.turns[0].Weight
		m.turns = m.turns[1:]
	}

	m.maybeRequestSummaryLocked()
	return t
}

// maybeRequestSummaryLocked enqueues a copy of the turns when the weight is
// above threshold and the debounce interval has passed. Must be called with
// m.mu held.
func (m *Manager) maybeRequestSummaryLocked() {
	if m.closed || m.summariser == nil {
		return
	}
	if m.turnWeight+m.summaryWeight <= m.cfg.SummaryThreshold {
		return
	}
	if !m.lastSummarizedAt.IsZero() && m.now().Sub(m.lastSummarizedAt) < m.cfg.MinSummaryInterval {
		return
	}

	batch := make([]Turn, len(m.turns))
	copy(batch, m.turns)
	select {
	case m.queue <- batch:
		m.log.Debug("summary requested", "turns", len(batch), "weight", m.turnWeight+m.summaryWeight)
	default:
		m.log.Debug("summary queue full, request dropped", "turns", len(batch))
		m.metrics.RecordSummary(context.Background(), "dropped", 0)
	}
}

// RenderContext returns the running summary followed by the most recent
// RecentForQuery turns, ready to be embedded in a prompt. It returns "" when
// nothing has been recorded. question does not currently affect the output.
func (m *Manager) RenderContext(question string) string {
	m.mu.Lock()
	summary := m.summary
	recent := m.turns
	if n := len(recent); n > m.cfg.RecentForQuery {
		recent = recent[n-m.cfg.RecentForQuery:]
	}
	recent = append([]Turn(nil), recent...)
	m.mu.Unlock()

	return render(summary, "Summary of the discussion:", recent, "Recent exchanges:")
}

// RenderFullContext returns the summary and every retained turn.
func (m *Manager) RenderFullContext() string {
	m.mu.Lock()
	summary := m.summary
	turns := append([]Turn(nil), m.turns...)
	m.mu.Unlock()

	if out := render(summary, "Session summary:", turns, "Dialogue history:"); out != "" {
		return out
	}
	return "The dialogue history is empty."
}

func render(summary, summaryTitle string, turns []Turn, turnsTitle string) string {
	var parts []string
	if summary != "" {
		parts = append(parts, summaryTitle+"\n"+summary+"\n")
	}
	if len(turns) > 0 {
		parts = append(parts, turnsTitle)
		for _, t := range turns {
			parts = append(parts, "Q: "+t.Question, "A: "+t.Answer)
		}
	}
	return strings.Join(parts, "\n")
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Turns:            append([]Turn(nil), m.turns...),
		Summary:          m.summary,
		TurnWeight:       m.turnWeight,
		SummaryWeight:    m.summaryWeight,
		LastSummarizedAt: m.lastSummarizedAt,
		Queued:           len(m.queue),
	}
}

// Clear drops every turn and the summary. Summaries already in flight still
// complete but only cover turns recorded before Clear, so they are discarded.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
	m.summary = ""
	m.turnWeight = 0
	m.summaryWeight = 0
	m.lastSummarizedAt = time.Time{}
	m.summarizedThrough = m.nextSeq
}

// Close stops the worker after it finishes the requests already queued, or
// when ctx expires. Turns can still be recorded and rendered afterwards but
// no further summaries are requested.
func (m *Manager) Close(ctx context.Context) error {
	err := ErrClosed
	m.closeOnce.Do(func() {
		err = nil
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		select {
		case m.queue <- nil:
		case <-ctx.Done():
			err = fmt.Errorf("dialogue: stop summary worker: %w", ctx.Err())
		}
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}

	select {
	case <-m.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("dialogue: wait for summary worker: %w", ctx.Err())
	}
}

// Running reports whether the summary worker is alive.
func (m *Manager) Running() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// run is the summary worker.
func (m *Manager) run() {
	defer close(m.done)

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case batch := <-m.queue:
			if batch == nil {
				m.log.Debug("summary worker stopped")
				return
			}
			m.summarise(batch)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.cfg.IdleTimeout)
		case <-idle.C:
			m.log.Debug("summary worker idle", "idle_for", m.cfg.IdleTimeout)
			idle.Reset(m.cfg.IdleTimeout)
		}
	}
}

// summarise runs one compaction. On failure or empty output the state is
// left untouched.
func (m *Manager) summarise(batch []Turn) {
	last := batch[len(batch)-1].Seq

	m.mu.Lock()
	// Requests queued while an earlier summary was running are stale once it
	// lands: either they are already covered or the debounce interval applies.
	if last <= m.summarizedThrough ||
		(!m.lastSummarizedAt.IsZero() && m.now().Sub(m.lastSummarizedAt) < m.cfg.MinSummaryInterval) {
		m.mu.Unlock()
		m.log.Debug("stale summary request skipped", "through_seq", last)
		m.metrics.RecordSummary(context.Background(), "stale", 0)
		return
	}
	prompt := BuildSummaryPrompt(m.summary, batch)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SummaryTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "dialogue.summarise")

	start := time.Now()
	summary, err := m.summariser.Summarise(ctx, prompt)
	elapsed := time.Since(start)
	summary = strings.TrimSpace(summary)

	switch {
	case err != nil:
		observe.EndSpan(span, err)
		m.log.Warn("summarisation failed", "err", err, "turns", len(batch))
		m.metrics.RecordSummary(ctx, "failed", elapsed)
		return
	case summary == "":
		observe.EndSpan(span, nil)
		m.log.Warn("summarisation returned no text", "turns", len(batch))
		m.metrics.RecordSummary(ctx, "empty", elapsed)
		return
	}
	observe.EndSpan(span, nil)

	m.mu.Lock()
	if last <= m.summarizedThrough {
		// Clear ran while the summariser was busy.
		m.mu.Unlock()
		m.metrics.RecordSummary(ctx, "stale", elapsed)
		return
	}
	m.summary = summary
	m.summaryWeight = EstimateWeight(summary)
	m.lastSummarizedAt = m.now()
	m.summarizedThrough = last

	cut := len(m.turns) - m.cfg.KeepTurns
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && m.turns[cut-1].Seq > last {
		cut--
	}
	m.turns = append([]Turn(nil), m.turns[cut:]...)
	m.turnWeight = 0
	for _, t := range m.turns {
		m.turnWeight += t.Weight
	}
	kept := len(m.turns)
	m.mu.Unlock()

	m.log.Info("dialogue summarised", "turns_summarised", len(batch), "turns_kept", kept, "duration", elapsed)
	m.metrics.RecordSummary(ctx, "ok", elapsed)
}
