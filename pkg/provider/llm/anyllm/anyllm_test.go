package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

func TestParams(t *testing.T) {
	t.Parallel()
	p := &Provider{vendor: "anthropic", model: "claude-3-5-haiku-latest"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "condense the dialogue",
		Messages:     []llm.Message{llm.UserMessage("Q: what is a mutex?")},
		Temperature:  0.3,
		MaxTokens:    400,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[1].ContentString(); got != "Q: what is a mutex?" {
		t.Errorf("user content = %q", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 400 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestParams_Unset(t *testing.T) {
	t.Parallel()
	p := &Provider{vendor: "ollama", model: "llama3"}
	params := p.params(llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("q")}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("optional fields set: temperature=%v max_tokens=%v", params.Temperature, params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(params.Messages))
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()
	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("Backends() not sorted: %v", got)
	}
	for _, want := range []string{"anthropic", "gemini", "ollama", "openai"} {
		if !slices.Contains(got, want) {
			t.Errorf("Backends() missing %q", want)
		}
	}
	if !Local("ollama") || Local("anthropic") {
		t.Error("Local() misclassifies vendors")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error without a vendor")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error without a model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for an unknown vendor")
	}
}

func TestNew_OpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error without an api key")
	}
}

func TestNew_Vendors(t *testing.T) {
	tests := []struct {
		vendor string
		model  string
		opts   []anyllmlib.Option
	}{
		{"openai", "gpt-4o-mini", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"Anthropic", "claude-3-5-haiku-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "llama3", nil},
		{"llamacpp", "llama3", nil},
		{"llamafile", "llama3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.vendor, func(t *testing.T) {
			p, err := New(tt.vendor, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Model() != tt.model {
				t.Errorf("Model() = %q, want %q", p.Model(), tt.model)
			}
			if p.Vendor() == "" || p.Vendor() != p.vendor {
				t.Errorf("Vendor() = %q", p.Vendor())
			}
		})
	}
}
