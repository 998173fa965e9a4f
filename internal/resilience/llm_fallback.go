package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

// errStreamFailed stands in for an error chunk that carried no error value.
var errStreamFailed = errors.New("resilience: stream failed")

// LLMFallback implements [llm.Provider] on top of a [FallbackGroup] of LLM
// backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after all earlier ones.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Complete returns the response of the first backend that succeeds.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion streams from the first backend that produces output.
//
// A backend counts as failed when the stream cannot be opened or when its
// first chunk is an error. Once any text has arrived the stream is committed
// to that backend and later error chunks are passed through to the caller.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		src, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		first, ok := <-src
		if ok && first.Failed() {
			go drain(src)
			if first.Err != nil {
				return nil, first.Err
			}
			return nil, errStreamFailed
		}
		return relay(ctx, first, ok, src), nil
	})
}

// relay replays the peeked chunk, if any, and forwards the rest of src.
func relay(ctx context.Context, first llm.Chunk, ok bool, src <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 1)
	if !ok {
		close(out)
		return out
	}
	out <- first
	go func() {
		defer close(out)
		for c := range src {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(src)
				return
			}
		}
	}()
	return out
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// Model reports the model of the first backend whose breaker is not open,
// which is the one the next request tries first.
func (f *LLMFallback) Model() string {
	for _, e := range f.group.entries {
		if e.breaker.State() != StateOpen {
			return e.value.Model()
		}
	}
	return f.group.entries[0].value.Model()
}
