// Package mock is a scripted [llm.Provider] for tests of the solver, the
// dialogue summariser and the fallback chain.
//
// Fill in the response fields before the first call. Every request is
// recorded and can be inspected afterwards:
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "42"}}}
//	// ... exercise the code under test ...
//	req := p.Streams()[0].Req
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays canned completions. The zero value streams nothing and
// completes with a nil response.
type Provider struct {
	mu sync.Mutex

	// ModelName is returned by Model. Empty reports "mock".
	ModelName string

	// StreamChunks is replayed by every StreamCompletion call.
	StreamChunks []llm.Chunk

	// StreamErr makes StreamCompletion fail before a stream is opened.
	StreamErr error

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteFunc, when set, answers Complete instead of the fields above.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// StreamCalls and CompleteCalls hold the requests seen so far. Read
	// them through Streams and Completes while calls may still be running.
	StreamCalls   []Call
	CompleteCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// Model implements [llm.Provider].
func (p *Provider) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelName == "" {
		return "mock"
	}
	return p.ModelName
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	err := p.StreamErr
	script := append([]llm.Chunk(nil), p.StreamChunks...)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk, len(script))
	go func() {
		defer close(out)
		for _, c := range script {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Streams returns the StreamCompletion requests recorded so far.
func (p *Provider) Streams() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.StreamCalls...)
}

// Completes returns the Complete requests recorded so far.
func (p *Provider) Completes() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.CompleteCalls...)
}

// Reset forgets the recorded requests. The script is kept.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.StreamCalls, p.CompleteCalls = nil, nil
	p.mu.Unlock()
}
