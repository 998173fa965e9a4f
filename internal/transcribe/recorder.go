// Package transcribe runs one live speech-to-text recording at a time.
//
// A [Recorder] wires an audio [capture.Source] to a streaming [stt.Provider].
// Start spawns the capture process and opens the STT session, then runs two
// goroutines: the sender pumps fixed-size PCM chunks from the capture pipe
// into the session, and the receiver folds the ordered transcript events
// into an [Accumulator]. Stop tears both down with bounded waits and returns
// the aggregated transcript.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/vocab"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// ErrClosed is returned by Start after the Recorder has been closed.
var ErrClosed = errors.New("transcribe: recorder is closed")

// State is the lifecycle state of a Recorder.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateDraining
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config tunes a Recorder. Zero fields take the values of [DefaultConfig],
// except TrailingWait and SettleDelay where zero means no wait.
type Config struct {
	// Language is the recognition language passed to the STT service.
	Language string

	// SampleRate and Channels describe the PCM produced by the capture source.
	SampleRate int
	Channels   int

	// ChunkSize is the number of PCM bytes per outbound audio frame.
	ChunkSize int

	// Endpointing is the server-side silence duration that closes an utterance.
	Endpointing time.Duration

	// Keywords boosts uncommon vocabulary.
	Keywords []stt.Keyword

	// OpenTimeout bounds opening the STT connection.
	OpenTimeout time.Duration

	// TrailingWait is how long the sender lingers after end-of-stream so
	// the service can deliver trailing results.
	TrailingWait time.Duration

	// SettleDelay is the pause between joining the sender and closing the
	// STT connection.
	SettleDelay time.Duration

	// StopGrace is how long the capture process may take to exit after
	// SIGTERM before it is killed.
	StopGrace time.Duration

	// SenderJoinTimeout and ReceiverJoinTimeout bound the goroutine joins in Stop.
	SenderJoinTimeout   time.Duration
	ReceiverJoinTimeout time.Duration
}

// DefaultConfig returns the stock tuning: mono 16 kHz PCM in 4096-byte
// chunks, 300 ms endpointing and a 3 s connection timeout.
func DefaultConfig() Config {
	return Config{
		Language:            "en",
		SampleRate:          16000,
		Channels:            1,
		ChunkSize:           4096,
		Endpointing:         300 * time.Millisecond,
		OpenTimeout:         3 * time.Second,
		TrailingWait:        500 * time.Millisecond,
		SettleDelay:         500 * time.Millisecond,
		StopGrace:           2 * time.Second,
		SenderJoinTimeout:   2 * time.Second,
		ReceiverJoinTimeout: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Endpointing <= 0 {
		c.Endpointing = d.Endpointing
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.TrailingWait < 0 {
		c.TrailingWait = d.TrailingWait
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
	if c.SenderJoinTimeout <= 0 {
		c.SenderJoinTimeout = d.SenderJoinTimeout
	}
	if c.ReceiverJoinTimeout <= 0 {
		c.ReceiverJoinTimeout = d.ReceiverJoinTimeout
	}
	return c
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMetrics sets the metrics sink. Defaults to no-op instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithVocabulary corrects every finished transcript against c before Stop
// returns it. The live Snapshot text is left as transcribed.
func WithVocabulary(c *vocab.Corrector) Option {
	return func(r *Recorder) {
		if c != nil && c.Len() > 0 {
			r.vocab = c
		}
	}
}

// Snapshot describes the Recorder at one instant.
type Snapshot struct {
	State     State
	ID        string
	Device    string
	StartedAt time.Time
	// Text is the live transcript so far, including the pending interim.
	Text string
}

// recording is one Start..Stop cycle.
type recording struct {
	id      string
	device  string
	started time.Time
	stream  capture.Stream
	handle  stt.SessionHandle
	acc     *Accumulator
	log     *slog.Logger

	stop         chan struct{}
	senderDone   chan struct{}
	receiverDone chan struct{}
}

// Recorder owns at most one live recording. It is safe for concurrent use.
type Recorder struct {
	source   capture.Source
	provider stt.Provider
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger
	vocab    *vocab.Corrector

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex
	state     atomic.Int32
	current   atomic.Pointer[recording]
}

// NewRecorder creates an idle Recorder.
func NewRecorder(source capture.Source, provider stt.Provider, cfg Config, opts ...Option) *Recorder {
	r := &Recorder{
		source:   source,
		provider: provider,
		cfg:      cfg.withDefaults(),
		metrics:  observe.NoopMetrics(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Snapshot returns the state and live transcript without blocking on an
// in-progress Start or Stop.
func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{State: r.State()}
	if rec := r.current.Load(); rec != nil {
		s.ID = rec.id
		s.Device = rec.device
		s.StartedAt = rec.started
		s.Text = rec.acc.Text()
	}
	return s
}

// Start begins a recording. It is a no-op returning nil unless the Recorder
// is idle. Setup failures leave the Recorder idle and are returned.
func (r *Recorder) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch r.State() {
	case StateIdle:
	case StateClosed:
		return ErrClosed
	default:
		return nil
	}
	r.state.Store(int32(StateStarting))

	id := uuid.NewString()
	log := r.log.With("recording_id", id)

	device := r.source.Detect(ctx)
	stream, err := r.source.Open(device)
	if err != nil {
		r.startFailed(ctx, log, err)
		return fmt.Errorf("transcribe: open audio source %q: %w", device, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.OpenTimeout)
	handle, err := r.provider.StartStream(dialCtx, stt.StreamConfig{
		Encoding:       "linear16",
		SampleRate:     r.cfg.SampleRate,
		Channels:       r.cfg.Channels,
		Language:       r.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		Endpointing:    r.cfg.Endpointing,
		Keywords:       r.cfg.Keywords,
	})
	cancel()
	if err != nil {
		if stopErr := stream.Stop(r.cfg.StopGrace); stopErr != nil {
			log.Warn("stop audio source after failed connect", "err", stopErr)
		}
		r.startFailed(ctx, log, err)
		return fmt.Errorf("transcribe: open stt stream: %w", err)
	}

	rec := &recording{
		id:           id,
		device:       device,
		started:      time.Now(),
		stream:       stream,
		handle:       handle,
		acc:          &Accumulator{},
		log:          log,
		stop:         make(chan struct{}),
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
	}
	go r.send(rec)
	go r.receive(rec)

	r.current.Store(rec)
	r.state.Store(int32(StateActive))
	r.metrics.ActiveRecordings.Add(ctx, 1)
	log.Info("recording started", "device", device)
	return nil
}

func (r *Recorder) startFailed(ctx context.Context, log *slog.Logger, err error) {
	log.Error("recording failed to start", "err", err)
	r.metrics.RecordRecording(ctx, "failed", 0)
	r.state.Store(int32(StateIdle))
}

// Stop ends the active recording and returns its transcript. ok is false
// when no recording was active or nothing was recognised. Every wait inside
// Stop is bounded, so it returns even when the capture process or the STT
// service misbehave.
func (r *Recorder) Stop(ctx context.Context) (text string, ok bool) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.stopLocked(ctx)
}

func (r *Recorder) stopLocked(ctx context.Context) (string, bool) {
	rec := r.current.Load()
	if r.State() != StateActive || rec == nil {
		return "", false
	}
	r.state.Store(int32(StateDraining))

	ctx, span := observe.StartSpan(ctx, "transcribe.stop",
		trace.WithAttributes(observe.RecordingIDKey.String(rec.id)))
	defer span.End()
	log := rec.log

	close(rec.stop)
	if err := rec.stream.Stop(r.cfg.StopGrace); err != nil {
		log.Warn("stop audio source", "err", err)
	}
	if !waitFor(rec.senderDone, r.cfg.SenderJoinTimeout) {
		log.Warn("audio sender did not finish in time", "timeout", r.cfg.SenderJoinTimeout)
	}

	select {
	case <-time.After(r.cfg.SettleDelay):
	case <-ctx.Done():
	}

	go func() {
		if err := rec.handle.Close(); err != nil {
			log.Debug("close stt session", "err", err)
		}
	}()
	if !waitFor(rec.receiverDone, r.cfg.ReceiverJoinTimeout) {
		log.Warn("transcript receiver did not finish in time", "timeout", r.cfg.ReceiverJoinTimeout)
	}

	text := rec.acc.Drain()
	if r.vocab != nil && text != "" {
		var fixes []vocab.Correction
		text, fixes = r.vocab.Correct(text)
		for _, f := range fixes {
			log.Debug("transcript corrected", "from", f.Original, "to", f.Corrected, "confidence", f.Confidence)
		}
	}
	elapsed := time.Since(rec.started)

	r.current.Store(nil)
	r.state.Store(int32(StateIdle))
	r.metrics.ActiveRecordings.Add(ctx, -1)

	status := "ok"
	if text == "" {
		status = "empty"
	}
	r.metrics.RecordRecording(ctx, status, elapsed)
	log.Info("recording stopped", "duration", elapsed, "chars", len(text))
	return text, text != ""
}

// Close stops any active recording and refuses further Starts.
func (r *Recorder) Close(ctx context.Context) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.State() == StateActive {
		r.stopLocked(ctx)
	}
	r.state.Store(int32(StateClosed))
}

// send pumps PCM chunks from the capture stream into the STT session until
// the stream ends, a send fails, or Stop is signalled. It then tells the
// service the audio is complete and lingers for trailing results.
func (r *Recorder) send(rec *recording) {
	defer close(rec.senderDone)

	buf := make([]byte, r.cfg.ChunkSize)
	sent := 0
	for {
		select {
		case <-rec.stop:
			goto finish
		default:
		}

		n, err := io.ReadFull(rec.stream, buf)
		if n > 0 {
			if sendErr := rec.handle.SendAudio(buf[:n]); sendErr != nil {
				rec.log.Warn("send audio failed", "err", sendErr)
				break
			}
			sent += n
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !stopping(rec) {
				rec.log.Warn("audio source read failed", "err", err)
			}
			break
		}
	}

finish:
	if err := rec.handle.Finish(); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		rec.log.Debug("finish stt stream", "err", err)
	}
	rec.log.Debug("audio sender finished", "bytes", sent)
	time.Sleep(r.cfg.TrailingWait)
}

// receive applies every transcript event, in order, until the session's
// result channel closes.
func (r *Recorder) receive(rec *recording) {
	defer close(rec.receiverDone)
	ctx := context.Background()
	for t := range rec.handle.Results() {
		r.metrics.RecordSegment(ctx, t.IsFinal)
		if t.SpeechFinal {
			rec.log.Debug("utterance closed", "end", t.End())
		}
		rec.acc.Apply(t)
	}
}

func stopping(rec *recording) bool {
	select {
	case <-rec.stop:
		return true
	default:
		return false
	}
}

// waitFor reports whether done closed within d.
func waitFor(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
