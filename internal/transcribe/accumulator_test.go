package transcribe

import (
	"sync"
	"testing"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

func TestAccumulator_Apply(t *testing.T) {
	t.Parallel()

	interim := func(s string) stt.Transcript { return stt.Transcript{Text: s} }
	final := func(s string) stt.Transcript { return stt.Transcript{Text: s, IsFinal: true} }

	tests := []struct {
		name   string
		events []stt.Transcript
		want   string
		finals int
	}{
		{
			name: "empty",
			want: "",
		},
		{
			name:   "interim only",
			events: []stt.Transcript{interim("what is"), interim("what is the")},
			want:   "what is the",
		},
		{
			name:   "final replaces interim",
			events: []stt.Transcript{interim("what is"), final("What is the capital?")},
			want:   "What is the capital?",
			finals: 1,
		},
		{
			name: "finals keep arrival order",
			events: []stt.Transcript{
				final("first"), interim("sec"), final("second"), final("third"),
			},
			want:   "first second third",
			finals: 3,
		},
		{
			name:   "pending interim follows finals",
			events: []stt.Transcript{final("hello"), interim("wor")},
			want:   "hello wor",
			finals: 1,
		},
		{
			name:   "empty final clears pending",
			events: []stt.Transcript{final("hello"), interim("noise"), final("  ")},
			want:   "hello",
			finals: 1,
		},
		{
			name:   "text is trimmed",
			events: []stt.Transcript{final("  padded  "), interim(" tail ")},
			want:   "padded tail",
			finals: 1,
		},
		{
			name:   "empty interim clears pending",
			events: []stt.Transcript{interim("maybe"), interim("")},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var a Accumulator
			for _, e := range tt.events {
				a.Apply(e)
			}
			if got := a.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
			if got := a.Segments(); got != tt.finals {
				t.Errorf("Segments() = %d, want %d", got, tt.finals)
			}
		})
	}
}

func TestAccumulator_DrainResets(t *testing.T) {
	t.Parallel()
	var a Accumulator
	a.Apply(stt.Transcript{Text: "one", IsFinal: true})
	a.Apply(stt.Transcript{Text: "two"})

	if got := a.Drain(); got != "one two" {
		t.Fatalf("Drain() = %q, want %q", got, "one two")
	}
	if got := a.Text(); got != "" {
		t.Errorf("Text() after Drain = %q, want empty", got)
	}
	if got := a.Segments(); got != 0 {
		t.Errorf("Segments() after Drain = %d, want 0", got)
	}
}

func TestAccumulator_Reset(t *testing.T) {
	t.Parallel()
	var a Accumulator
	a.Apply(stt.Transcript{Text: "stale", IsFinal: true})
	a.Reset()
	a.Apply(stt.Transcript{Text: "fresh", IsFinal: true})
	if got := a.Text(); got != "fresh" {
		t.Errorf("Text() = %q, want %q", got, "fresh")
	}
}

func TestAccumulator_TextDoesNotAliasFinals(t *testing.T) {
	t.Parallel()
	var a Accumulator
	a.Apply(stt.Transcript{Text: "a", IsFinal: true})
	a.Apply(stt.Transcript{Text: "b", IsFinal: true})
	a.Apply(stt.Transcript{Text: "pending"})
	_ = a.Text()
	a.Apply(stt.Transcript{Text: "c", IsFinal: true})
	if got := a.Text(); got != "a b c" {
		t.Errorf("Text() = %q, want %q", got, "a b c")
	}
}

func TestAccumulator_ConcurrentUse(t *testing.T) {
	t.Parallel()
	var a Accumulator
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Apply(stt.Transcript{Text: "x", IsFinal: j%2 == 0})
				_ = a.Text()
			}
		}()
	}
	wg.Wait()
	if got := a.Segments(); got != 400 {
		t.Errorf("Segments() = %d, want 400", got)
	}
}
