package llm

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks the Chunk that reports a stream broken mid-way.
const FinishReasonError = "error"

// Message is one entry of the prompt.
type Message struct {
	Role    string
	Content string
}

// UserMessage is shorthand for a RoleUser message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// CompletionRequest is a single prompt. The solver sends one user message
// carrying the question and the rendered dialogue; the summariser sends the
// turns to be compacted.
type CompletionRequest struct {
	// SystemPrompt, when set, is sent ahead of Messages.
	SystemPrompt string

	Messages []Message

	// Temperature is forwarded when non-zero.
	Temperature float64

	// MaxTokens is forwarded when positive.
	MaxTokens int
}

// Conversation returns Messages with the system prompt prepended as a
// RoleSystem message.
func (r CompletionRequest) Conversation() []Message {
	if r.SystemPrompt == "" {
		return r.Messages
	}
	out := make([]Message, 0, len(r.Messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	return append(out, r.Messages...)
}

// Chunk is one piece of a streamed completion.
type Chunk struct {
	Text string

	// FinishReason is empty until the last chunk. Backends report "stop" or
	// "length"; a broken stream reports FinishReasonError.
	FinishReason string

	// Err is set with FinishReasonError.
	Err error
}

// Failed reports whether c ends the stream with an error.
func (c Chunk) Failed() bool { return c.FinishReason == FinishReasonError }

// Usage is the token accounting a backend returned, zero when it sent none.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of [Provider.Complete].
type CompletionResponse struct {
	Content string
	Usage   Usage
}
