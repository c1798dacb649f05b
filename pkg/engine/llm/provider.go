// Package llm implements the LLM variant of the engine facade:
// load/unload of a language model backend plus generate, streaming
// generate, tokenize/detokenize, context clearing, and history retrieval.
//
// The interface shape is generalized from a streaming provider interface
// (StreamCompletion/Complete/CountTokens/Capabilities) onto the
// ModelHandle-based load/unload contract shared by all three engine
// variants.
package llm

import (
	"fmt"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// GenConfig controls one generation call.
type GenConfig struct {
	// Temperature controls output randomness. Zero is not sent to the
	// backend, so the backend's default temperature applies.
	Temperature float64

	// MaxTokens caps the number of tokens generated. Zero uses the
	// backend's default.
	MaxTokens int

	// StopSequences lists stop strings. Neither Native nor Mock applies
	// them; Native does not pass them to the backend.
	StopSequences []string
}

// TokenCallback receives each incrementally generated token's text during a
// streaming generation call.
type TokenCallback func(token string)

// Engine is the LLM variant of [engine.Facade].
type Engine interface {
	engine.Facade

	// Generate runs prompt to completion and returns the full text.
	// Accepts a cancel token; on cancellation returns a Cancelled error.
	Generate(handle engine.Handle, prompt string, cfg GenConfig, cancel *clock.CancelToken) (string, error)

	// GenerateStream runs prompt to completion, invoking cb with each
	// token as it is produced. Polls cancel at every produced token.
	GenerateStream(handle engine.Handle, prompt string, cfg GenConfig, cb TokenCallback, cancel *clock.CancelToken) error

	// Tokenize converts text into the model's native token ids.
	Tokenize(handle engine.Handle, text string) ([]int32, error)

	// Detokenize converts native token ids back into text.
	Detokenize(handle engine.Handle, tokens []int32) (string, error)

	// ClearContext discards any backend-resident conversation state bound
	// to handle (KV cache, rolling context window).
	ClearContext(handle engine.Handle) error

	// History returns the backend's view of the conversation turns fed to
	// it since the last ClearContext, for diagnostics.
	History(handle engine.Handle) ([]model.ConversationTurn, error)
}

// notLoadedError builds the standard InvalidModelHandle error for a handle
// absent from an engine's loaded set.
func notLoadedError(handle engine.Handle) error {
	return model.Wrap(model.KindInvalidInput, model.CodeModelHandle,
		fmt.Sprintf("model handle %d is not loaded", handle), nil)
}
