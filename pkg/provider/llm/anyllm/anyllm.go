// Package anyllm serves every vendor that github.com/mozilla-ai/any-llm-go
// supports through one [llm.Provider]. earshot uses it for all LLM names
// except "openai", which has a native adapter.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

var vendors = map[string]constructor{
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Local reports whether vendor is a self-hosted server addressed by base URL
// rather than an API key.
func Local(vendor string) bool {
	switch vendor {
	case "ollama", "llamacpp", "llamafile":
		return true
	}
	return false
}

// Backends returns the vendor names New accepts, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(vendors))
}

// Provider routes completions to one vendor and model.
type Provider struct {
	backend anyllmlib.Provider
	vendor  string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New builds a Provider for vendor. Without anyllmlib.WithAPIKey the vendor's
// usual environment variable applies, e.g. ANTHROPIC_API_KEY.
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if vendor == "" {
		return nil, errors.New("anyllm: vendor is required")
	}
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	vendor = strings.ToLower(vendor)
	build, ok := vendors[vendor]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported vendor %q, want one of %s", vendor, strings.Join(Backends(), ", "))
	}
	backend, err := build(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", vendor, err)
	}
	return &Provider{backend: backend, vendor: vendor, model: model}, nil
}

// Model implements [llm.Provider].
func (p *Provider) Model() string { return p.model }

// Vendor returns the backend name New was called with.
func (p *Provider) Vendor() string { return p.vendor }

// StreamCompletion implements [llm.Provider]. The library reports stream
// failures on a separate channel once the chunk channel is closed; they are
// folded into a final error Chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		for ev := range chunks {
			if len(ev.Choices) == 0 {
				continue
			}
			c := llm.Chunk{Text: ev.Choices[0].Delta.Content, FinishReason: ev.Choices[0].FinishReason}
			if c.Text == "" && c.FinishReason == "" {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if err := <-errs; err != nil {
			select {
			case out <- llm.Chunk{FinishReason: llm.FinishReasonError, Err: fmt.Errorf("anyllm: %s stream: %w", p.vendor, err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s complete: %w", p.vendor, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: %w", p.vendor, llm.ErrNoChoices)
	}
	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	conv := req.Conversation()
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, len(conv)),
	}
	for i, m := range conv {
		params.Messages[i] = anyllmlib.Message{Role: m.Role, Content: m.Content}
	}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}
