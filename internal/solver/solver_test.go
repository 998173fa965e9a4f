package solver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/dialogue"
	"github.com/MrWong99/earshot/pkg/provider/llm"
	llmmock "github.com/MrWong99/earshot/pkg/provider/llm/mock"
)

// fakeDialogue is a test double for Dialogue.
type fakeDialogue struct {
	mu      sync.Mutex
	context string
	full    string
	turns   [][2]string
}

func (d *fakeDialogue) RenderContext(string) string { return d.context }
func (d *fakeDialogue) RenderFullContext() string   { return d.full }

func (d *fakeDialogue) AddTurn(q, a string) dialogue.Turn {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turns = append(d.turns, [2]string{q, a})
	return dialogue.Turn{Seq: uint64(len(d.turns)), Question: q, Answer: a}
}

func (d *fakeDialogue) recorded() [][2]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][2]string(nil), d.turns...)
}

// collectSink records every delivered part.
type collectSink struct {
	mu    sync.Mutex
	parts []string
}

func (c *collectSink) Deliver(_ context.Context, part string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, part)
	return nil
}

func chunks(texts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(texts)+1)
	for _, t := range texts {
		out = append(out, llm.Chunk{Text: t})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinRequestInterval = 0
	return cfg
}

func TestAnswer_RejectsShortQuestions(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{}
	d := &fakeDialogue{}
	s := New(p, d, testConfig())

	for _, q := range []string{"", "   ", "why", "  hmm?  "} {
		if _, err := s.Answer(context.Background(), q); !errors.Is(err, ErrQuestionTooShort) {
			t.Errorf("Answer(%q) error = %v, want ErrQuestionTooShort", q, err)
		}
	}
	if n := len(p.Streams()); n != 0 {
		t.Errorf("StreamCompletion called %d times, want 0", n)
	}
	// Length counts runes, not bytes.
	if _, err := s.Answer(context.Background(), "чтоэт"); errors.Is(err, ErrQuestionTooShort) {
		t.Error("five-rune question rejected")
	}
}

func TestAnswer_OpeningQuestion(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: chunks("Hello", " world", "\n")}
	d := &fakeDialogue{}
	s := New(p, d, testConfig())

	got, err := s.Answer(context.Background(), "  What should the export contain?  ")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got != "Hello world" {
		t.Errorf("Answer() = %q, want %q", got, "Hello world")
	}

	calls := p.Streams()
	if len(calls) != 1 {
		t.Fatalf("StreamCompletion called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.3 || req.MaxTokens != 1500 {
		t.Errorf("Temperature/MaxTokens = %v/%d", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("Messages = %+v", req.Messages)
	}
	prompt := req.Messages[0].Content
	if !strings.HasPrefix(prompt, "New topic from the product owner:\nWhat should the export contain?\n") {
		t.Errorf("unexpected prompt:\n%s", prompt)
	}

	turns := d.recorded()
	if len(turns) != 1 || turns[0] != [2]string{"What should the export contain?", "Hello world"} {
		t.Errorf("recorded turns = %q", turns)
	}
}

func TestAnswer_FollowUpIncludesContext(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: chunks("ok")}
	d := &fakeDialogue{context: "Recent exchanges:\nQ: db?\nA: PostgreSQL\n"}
	s := New(p, d, testConfig())

	if _, err := s.Answer(context.Background(), "Which version of it?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	prompt := p.Streams()[0].Req.Messages[0].Content
	for _, want := range []string{
		"Current discussion context:\nRecent exchanges:\nQ: db?\nA: PostgreSQL\n\n",
		"New question or information from the product owner:\nWhich version of it?",
		"Needs clarification:",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestAnswer_Failures(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")

	tests := []struct {
		name    string
		p       *llmmock.Provider
		wantErr error
	}{
		{
			name:    "stream does not start",
			p:       &llmmock.Provider{StreamErr: boom},
			wantErr: boom,
		},
		{
			name: "stream breaks midway",
			p: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "partial "},
				{FinishReason: llm.FinishReasonError, Err: boom},
			}},
			wantErr: boom,
		},
		{
			name:    "empty answer",
			p:       &llmmock.Provider{StreamChunks: chunks("  ", "\n")},
			wantErr: ErrEmptyAnswer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &fakeDialogue{}
			s := New(tt.p, d, testConfig())

			got, err := s.Answer(context.Background(), "Who signs off the budget?")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Answer() error = %v, want %v", err, tt.wantErr)
			}
			if got != "" {
				t.Errorf("Answer() = %q, want empty on failure", got)
			}
			if n := len(d.recorded()); n != 0 {
				t.Errorf("recorded %d turns on failure, want 0", n)
			}
		})
	}
}

func TestAnswerStream_FlushPolicy(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("d", 250)
	p := &llmmock.Provider{StreamChunks: chunks("a", "b", "c\n\n", long, "e", "f")}
	s := New(p, nil, testConfig())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	sink := &collectSink{}
	got, err := s.AnswerStream(context.Background(), "Describe the flow", sink)
	if err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}

	want := []string{
		"a",      // first text goes out immediately
		"bc\n\n", // blank line
		long,     // size
		"ef",     // remainder at end of stream
	}
	if len(sink.parts) != len(want) {
		t.Fatalf("parts = %q, want %q", sink.parts, want)
	}
	for i := range want {
		if sink.parts[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, sink.parts[i], want[i])
		}
	}
	if got != strings.Join(want, "") {
		t.Errorf("answer = %q", got)
	}
}

func TestAnswerStream_FlushesAfterInterval(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: chunks("one ", "two ", "three")}
	s := New(p, nil, testConfig())

	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(2 * time.Second)
		return now
	}

	sink := &collectSink{}
	if _, err := s.AnswerStream(context.Background(), "Describe the flow", sink); err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}
	if want := []string{"one ", "two ", "three"}; strings.Join(sink.parts, "|") != strings.Join(want, "|") {
		t.Errorf("parts = %q, want %q", sink.parts, want)
	}
}

func TestAnswerStream_SinkErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: chunks("fine")}
	d := &fakeDialogue{}
	s := New(p, d, testConfig())

	sink := SinkFunc(func(context.Context, string) error { return errors.New("telegram down") })
	got, err := s.AnswerStream(context.Background(), "Is this recorded?", sink)
	if err != nil || got != "fine" {
		t.Fatalf("AnswerStream() = (%q, %v)", got, err)
	}
	if n := len(d.recorded()); n != 1 {
		t.Errorf("recorded %d turns, want 1", n)
	}
}

func TestReport(t *testing.T) {
	t.Parallel()

	t.Run("unknown kind", func(t *testing.T) {
		s := New(&llmmock.Provider{}, &fakeDialogue{}, testConfig())
		if _, err := s.Report(context.Background(), "poem", nil); !errors.Is(err, ErrUnknownReport) {
			t.Errorf("Report() error = %v, want ErrUnknownReport", err)
		}
	})

	for _, kind := range ReportKinds {
		t.Run(string(kind), func(t *testing.T) {
			p := &llmmock.Provider{StreamChunks: chunks("report body")}
			d := &fakeDialogue{full: "Dialogue history:\nQ: q1\nA: a1"}
			s := New(p, d, testConfig())

			got, err := s.Report(context.Background(), kind, nil)
			if err != nil || got != "report body" {
				t.Fatalf("Report() = (%q, %v)", got, err)
			}
			prompt := p.Streams()[0].Req.Messages[0].Content
			if !strings.Contains(prompt, "Q: q1\nA: a1") {
				t.Errorf("report prompt lacks history:\n%s", prompt)
			}
			if n := len(d.recorded()); n != 0 {
				t.Errorf("report recorded %d turns, want 0", n)
			}
		})
	}
}

func TestAnswer_SpacesRequests(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: chunks("ok")}
	cfg := testConfig()
	cfg.MinRequestInterval = 60 * time.Millisecond
	s := New(p, nil, cfg)

	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := s.Answer(context.Background(), "Second question?"); err != nil {
			t.Fatalf("Answer: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("two requests took %v, want at least the request interval", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Answer(ctx, "Third question?"); !errors.Is(err, context.Canceled) {
		t.Errorf("Answer() with cancelled context = %v, want context.Canceled", err)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := Config{}.withDefaults()
	if got.SystemPrompt != DefaultSystemPrompt || got.MinQuestionLength != 5 ||
		got.MaxTokens != 1500 || got.FlushChars != 200 || got.FlushInterval != time.Second {
		t.Errorf("withDefaults() = %+v", got)
	}
	if got.MinRequestInterval != 0 {
		t.Errorf("MinRequestInterval = %v, want 0 kept", got.MinRequestInterval)
	}
	if got.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0 kept", got.Temperature)
	}
}

func TestReconfigure(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: chunks("ok")}
	s := New(p, nil, testConfig())

	cfg := testConfig()
	cfg.SystemPrompt = "Answer in one sentence."
	cfg.MaxTokens = 200
	cfg.MinQuestionLength = 20
	s.Reconfigure(cfg)

	if _, err := s.Answer(context.Background(), "Too short now?"); !errors.Is(err, ErrQuestionTooShort) {
		t.Fatalf("Answer() error = %v, want ErrQuestionTooShort", err)
	}
	if _, err := s.Answer(context.Background(), "Which teams own the billing export?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	req := p.Streams()[0].Req
	if req.SystemPrompt != "Answer in one sentence." || req.MaxTokens != 200 {
		t.Errorf("request = %+v, want reconfigured prompt and tokens", req)
	}
	if got := s.Config().FlushChars; got != 200 {
		t.Errorf("FlushChars = %d, want default 200 after Reconfigure", got)
	}
}
