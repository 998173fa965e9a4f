package dialogue

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

// summarisationPrompt is the system prompt sent to the LLM when compacting
// the dialogue.
const summarisationPrompt = `You keep the minutes of a working session between a product owner and an analyst.
Summarise the dialogue you are given. If a previous summary is included, merge it in so nothing
it recorded is lost. Structure the result as:

Decisions and agreements
Open questions (who should answer)
Collected requirements (confirmed or tentative)
Next steps

Be concrete and concise.`

const (
	defaultSummaryTemperature = 0.3
	defaultSummaryMaxTokens   = 400
)

// Summariser condenses a rendered dialogue prompt into a summary.
type Summariser interface {
	Summarise(ctx context.Context, prompt string) (string, error)
}

// SummariserFunc adapts an ordinary function to [Summariser].
type SummariserFunc func(ctx context.Context, prompt string) (string, error)

// Summarise calls f(ctx, prompt).
func (f SummariserFunc) Summarise(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// LLMSummariser uses an LLM provider to summarise the dialogue.
type LLMSummariser struct {
	llm          llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
}

// LLMSummariserOption configures an [LLMSummariser].
type LLMSummariserOption func(*LLMSummariser)

// WithSystemPrompt replaces the built-in summarisation instructions.
func WithSystemPrompt(p string) LLMSummariserOption {
	return func(s *LLMSummariser) {
		if p != "" {
			s.systemPrompt = p
		}
	}
}

// WithTemperature sets the sampling temperature. Default: 0.3.
func WithTemperature(t float64) LLMSummariserOption {
	return func(s *LLMSummariser) { s.temperature = t }
}

// WithMaxTokens caps the summary length. Default: 400.
func WithMaxTokens(n int) LLMSummariserOption {
	return func(s *LLMSummariser) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider, opts ...LLMSummariserOption) *LLMSummariser {
	s := &LLMSummariser{
		llm:          provider,
		systemPrompt: summarisationPrompt,
		temperature:  defaultSummaryTemperature,
		maxTokens:    defaultSummaryMaxTokens,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarise sends prompt as a single user message under the summarisation
// system prompt and returns the trimmed reply. An empty prompt yields "".
func (s *LLMSummariser) Summarise(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", nil
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.systemPrompt,
		Messages:     []llm.Message{llm.UserMessage(prompt)},
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("dialogue: summarise: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}

// BuildSummaryPrompt renders the previous summary (if any) and turns into the
// text handed to a [Summariser].
func BuildSummaryPrompt(previous string, turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Dialogue:\n")
	for _, t := range turns {
		fmt.Fprintf(&sb, "Question: %s\nAnswer: %s\n\n", t.Question, t.Answer)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// EstimateWeight approximates the prompt cost of s as its word count plus a
// quarter of its rune count.
func EstimateWeight(s string) int {
	return len(strings.Fields(s)) + utf8.RuneCountInString(s)/4
}
