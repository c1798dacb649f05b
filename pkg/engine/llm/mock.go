package llm

import (
	"sync"
	"time"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// Mock is a test double for Engine with scripted, pre-programmed responses.
type Mock struct {
	mu sync.Mutex

	loaded *engine.LoadedSet[[]model.ConversationTurn]

	// GenerateResult is returned by Generate, and delivered by
	// GenerateStream as a single chunk when StreamTokens is empty.
	GenerateResult string

	// StreamTokens, if non-empty, is fed to the callback one token per
	// element instead of GenerateResult as a single chunk.
	StreamTokens []string

	// GenerateErr, if non-nil, is returned by Generate and GenerateStream.
	GenerateErr error

	// Prompts records every prompt passed to Generate/GenerateStream.
	Prompts []string
}

// NewMock constructs an empty Mock engine.
func NewMock() *Mock {
	return &Mock{loaded: engine.NewLoadedSet[[]model.ConversationTurn]()}
}

func (m *Mock) Load(path string) (engine.Handle, error) {
	h := engine.NextHandle()
	m.loaded.Put(h, nil)
	return h, nil
}

func (m *Mock) Unload(handle engine.Handle) error {
	m.loaded.Delete(handle)
	return nil
}

func (m *Mock) IsLoaded(handle engine.Handle) bool {
	return m.loaded.Contains(handle)
}

func (m *Mock) recordTurn(handle engine.Handle, prompt, response string) {
	hist, _ := m.loaded.Get(handle)
	hist = append(hist,
		model.ConversationTurn{Role: model.RoleUser, Text: prompt, Timestamp: time.Now()},
		model.ConversationTurn{Role: model.RoleAssistant, Text: response, Timestamp: time.Now()},
	)
	m.loaded.Put(handle, hist)
}

func (m *Mock) Generate(handle engine.Handle, prompt string, cfg GenConfig, cancel *clock.CancelToken) (string, error) {
	if !m.loaded.Contains(handle) {
		return "", notLoadedError(handle)
	}
	if cancel != nil && cancel.IsCancelled() {
		return "", model.ErrCancelled
	}
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()
	if m.GenerateErr != nil {
		return "", m.GenerateErr
	}
	m.recordTurn(handle, prompt, m.GenerateResult)
	return m.GenerateResult, nil
}

func (m *Mock) GenerateStream(handle engine.Handle, prompt string, cfg GenConfig, cb TokenCallback, cancel *clock.CancelToken) error {
	if !m.loaded.Contains(handle) {
		return notLoadedError(handle)
	}
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()
	if m.GenerateErr != nil {
		return m.GenerateErr
	}
	var full string
	tokens := m.StreamTokens
	if len(tokens) == 0 && m.GenerateResult != "" {
		tokens = []string{m.GenerateResult}
	}
	for _, tok := range tokens {
		if cancel != nil && cancel.IsCancelled() {
			return model.ErrCancelled
		}
		full += tok
		cb(tok)
	}
	m.recordTurn(handle, prompt, full)
	return nil
}

func (m *Mock) Tokenize(handle engine.Handle, text string) ([]int32, error) {
	if !m.loaded.Contains(handle) {
		return nil, notLoadedError(handle)
	}
	tokens := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int32(text[i])
	}
	return tokens, nil
}

func (m *Mock) Detokenize(handle engine.Handle, tokens []int32) (string, error) {
	if !m.loaded.Contains(handle) {
		return "", notLoadedError(handle)
	}
	buf := make([]byte, len(tokens))
	for i, t := range tokens {
		buf[i] = byte(t)
	}
	return string(buf), nil
}

func (m *Mock) ClearContext(handle engine.Handle) error {
	if !m.loaded.Contains(handle) {
		return notLoadedError(handle)
	}
	m.loaded.Put(handle, nil)
	return nil
}

func (m *Mock) History(handle engine.Handle) ([]model.ConversationTurn, error) {
	hist, ok := m.loaded.Get(handle)
	if !ok {
		return nil, notLoadedError(handle)
	}
	out := make([]model.ConversationTurn, len(hist))
	copy(out, hist)
	return out, nil
}

var _ Engine = (*Mock)(nil)
