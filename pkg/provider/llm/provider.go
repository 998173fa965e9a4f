// Package llm is the seam between earshot and chat-completion backends.
//
// The solver streams answers through [Provider.StreamCompletion] and the
// dialogue summariser makes blocking [Provider.Complete] calls; neither knows
// which vendor SDK sits behind the interface. Adapters live in the openai and
// anyllm subpackages, a scripted double in mock.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrNoChoices is returned by adapters when the backend answered without a
// single completion choice.
var ErrNoChoices = errors.New("llm: response has no choices")

// Provider is a chat model.
type Provider interface {
	// StreamCompletion starts a completion and returns its chunks in order.
	// The channel is closed when generation ends or ctx is cancelled, and the
	// caller must drain it.
	//
	// A non-nil error means no stream was opened. Failures after that point
	// arrive as a final Chunk with FinishReason set to FinishReasonError.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs a completion to the end and returns the whole text.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model names the model requests are sent to, for logs and status output.
	Model() string
}
