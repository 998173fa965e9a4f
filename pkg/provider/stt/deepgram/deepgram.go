// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-2"
	defaultLanguage     = "en"
	defaultEncoding     = "linear16"
	defaultSampleRate   = 16000
	defaultWriteTimeout = 5 * time.Second

	// readLimit caps a single inbound frame. Results events are small, but
	// word-level detail on long utterances can exceed the library default.
	readLimit = 1 << 20
)

// closeStreamMessage tells Deepgram that no more audio will follow.
var closeStreamMessage = []byte(`{"type":"CloseStream"}`)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "ru").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint URL. Mostly useful for tests
// and self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithSmartFormat asks Deepgram to format numbers, dates and currency in
// finals. It is off unless set.
func WithSmartFormat(on bool) Option {
	return func(p *Provider) {
		p.smartFormat = on
	}
}

// WithWriteTimeout bounds every outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	sampleRate   int
	smartFormat  bool
	writeTimeout time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     deepgramEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. ctx
// bounds the WebSocket handshake only; the returned session outlives it.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, dialError(resp, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:         conn,
		ctx:          sessCtx,
		cancel:       cancel,
		writeTimeout: p.writeTimeout,
		results:      make(chan stt.Transcript, 64),
		done:         make(chan struct{}),
	}

	go sess.readLoop()

	return sess, nil
}

// dialError explains a failed handshake. Deepgram rejects bad keys and
// parameters before the upgrade and names the reason in the dg-error header.
func dialError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	if reason := resp.Header.Get("dg-error"); reason != "" {
		return fmt.Errorf("deepgram: dial: %s (%s): %w", resp.Status, reason, err)
	}
	return fmt.Errorf("deepgram: dial: %s: %w", resp.Status, err)
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("language", lang)
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	if p.smartFormat {
		q.Set("smart_format", "true")
	}
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(cfg.Endpointing.Milliseconds(), 10))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Kubernetes:2")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type         string  `json:"type"`
	RequestID    string  `json:"request_id"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
	results      chan stt.Transcript

	// done is closed once readLoop has returned and results is closed.
	done chan struct{}

	mu        sync.Mutex
	finished  bool
	closeOnce sync.Once
}

// SendAudio writes one binary frame to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished || s.ctx.Err() != nil {
		return stt.ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// Results returns the ordered channel of interim and final transcripts.
func (s *session) Results() <-chan stt.Transcript { return s.results }

// Finish sends the CloseStream control frame. Subsequent SendAudio calls fail.
func (s *session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	if s.ctx.Err() != nil {
		return stt.ErrSessionClosed
	}
	s.finished = true

	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, closeStreamMessage); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// Close performs the WebSocket close handshake and waits for the read loop.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()

		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		<-s.done
	})
	return nil
}

// readLoop receives JSON messages from Deepgram and forwards recognised
// transcripts, in arrival order, to the results channel.
func (s *session) readLoop() {
	defer close(s.done)
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && s.ctx.Err() == nil {
				slog.Debug("deepgram read loop ended", "err", err, "close_status", int(status))
			}
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			if id := metadataRequestID(msg); id != "" {
				slog.Debug("deepgram stream metadata", "request_id", id)
			}
			continue
		}

		select {
		case s.results <- t:
		case <-s.ctx.Done():
			return
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.Word{
			Text:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:         alt.Transcript,
		IsFinal:      resp.IsFinal,
		SpeechFinal:  resp.SpeechFinal,
		FromFinalize: resp.FromFinalize,
		Confidence:   alt.Confidence,
		Words:        words,
		Start:        seconds(resp.Start),
		Duration:     seconds(resp.Duration),
	}, true
}

// metadataRequestID returns the request ID of a Metadata event, which is
// what Deepgram support asks for when a transcript looks wrong.
func metadataRequestID(data []byte) string {
	var resp deepgramResponse
	if json.Unmarshal(data, &resp) != nil || resp.Type != "Metadata" {
		return ""
	}
	return resp.RequestID
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
