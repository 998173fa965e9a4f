package transcribe

import (
	"strings"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Accumulator folds an ordered stream of interim and final transcripts into
// one text. Finals are kept in arrival order; only the latest interim is
// remembered and it is discarded as soon as a final arrives.
//
// The zero value is ready to use. All methods are safe for concurrent use.
type Accumulator struct {
	mu        sync.Mutex
	finalized []string
	pending   string
}

// Apply records one transcript event.
func (a *Accumulator) Apply(t stt.Transcript) {
	text := strings.TrimSpace(t.Text)

	a.mu.Lock()
	defer a.mu.Unlock()
	if t.IsFinal {
		if text != "" {
			a.finalized = append(a.finalized, text)
		}
		a.pending = ""
		return
	}
	a.pending = text
}

// Text returns the finalized segments followed by the pending interim,
// joined by single spaces.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.textLocked()
}

// Drain returns Text and resets the accumulator in one step.
func (a *Accumulator) Drain() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := a.textLocked()
	a.finalized = nil
	a.pending = ""
	return text
}

// Reset discards everything accumulated so far.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = nil
	a.pending = ""
}

// Segments returns how many finalized segments have been recorded.
func (a *Accumulator) Segments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.finalized)
}

func (a *Accumulator) textLocked() string {
	parts := a.finalized
	if a.pending != "" {
		parts = append(parts[:len(parts):len(parts)], a.pending)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
