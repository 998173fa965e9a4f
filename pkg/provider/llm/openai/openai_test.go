package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

func TestToSDK(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role    string
		wantErr bool
	}{
		{llm.RoleSystem, false},
		{llm.RoleUser, false},
		{llm.RoleAssistant, false},
		{"tool", true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			msg, err := toSDK(llm.Message{Role: tt.role, Content: "hi"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for unsupported role")
				}
				return
			}
			if err != nil {
				t.Fatalf("toSDK: %v", err)
			}
			set := map[string]bool{
				llm.RoleSystem:    msg.OfSystem != nil,
				llm.RoleUser:      msg.OfUser != nil,
				llm.RoleAssistant: msg.OfAssistant != nil,
			}
			if !set[tt.role] {
				t.Errorf("%s message converted to the wrong variant", tt.role)
			}
		})
	}
}

func TestParams(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o-mini"}

	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "answer briefly",
		Messages:     []llm.Message{llm.UserMessage("what is a mutex?")},
		Temperature:  0.3,
		MaxTokens:    1500,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil || params.Messages[1].OfUser == nil {
		t.Fatalf("messages = %+v, want system then user", params.Messages)
	}
	if params.MaxTokens.Value != 1500 {
		t.Errorf("max tokens = %d, want 1500", params.MaxTokens.Value)
	}
	if params.Temperature.Value != 0.3 {
		t.Errorf("temperature = %v, want 0.3", params.Temperature.Value)
	}

	bare, err := p.params(llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("q")}})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(bare.Messages) != 1 {
		t.Errorf("messages = %d, want 1 without a system prompt", len(bare.Messages))
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error without an api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error without a model")
	}
	p, err := New("sk-test", "gpt-4o", WithBaseURL("https://llm.example.com/v1/"), WithOrganization("org-1"), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Model() != "gpt-4o" {
		t.Errorf("Model() = %q", p.Model())
	}
}

// ─── round trips against a fake Chat Completions server ───

func sse(content, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`, content, fr)
}

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestStreamCompletion(t *testing.T) {
	t.Parallel()
	var body map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []string{sse("A mutex ", ""), sse("serialises access.", ""), sse("", "stop")} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("what is a mutex?")}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text strings.Builder
	var finish string
	for c := range ch {
		if c.Failed() {
			t.Fatalf("stream error: %v", c.Err)
		}
		text.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if got := text.String(); got != "A mutex serialises access." {
		t.Errorf("text = %q", got)
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
	if body["model"] != "gpt-4o-mini" || body["stream"] != true {
		t.Errorf("request body = %v", body)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c2","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"They discussed locking."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":40,"completion_tokens":4,"total_tokens":44}}`)
	})

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("summarise")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "They discussed locking." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 44 {
		t.Errorf("total tokens = %d, want 44", resp.Usage.TotalTokens)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c3","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[]}`)
	})
	_, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("x")}})
	if !errors.Is(err, llm.ErrNoChoices) {
		t.Fatalf("err = %v, want ErrNoChoices", err)
	}
}

func TestComplete_Unauthorized(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("x")}}); err == nil {
		t.Fatal("expected error for a 401 response")
	}
}
