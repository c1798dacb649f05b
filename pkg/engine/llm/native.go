package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/internal/observe"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// Compile-time assertion that Native satisfies Engine.
var _ Engine = (*Native)(nil)

// nativeState is the per-handle resident state: the any-llm-go backend
// bound to a local llama.cpp server plus the rolling conversation turns
// fed to it since the last ClearContext.
type nativeState struct {
	mu      sync.Mutex
	backend anyllmlib.Provider
	model   string
	history []model.ConversationTurn
}

// Native implements Engine against a locally-running llama.cpp server,
// reached through github.com/mozilla-ai/any-llm-go's llamacpp backend, a
// multi-provider abstraction here pointed at a process-local endpoint so
// the model is entirely on-device.
type Native struct {
	loaded  *engine.LoadedSet[*nativeState]
	metrics *observe.Metrics
}

// NewNative constructs a Native LLM engine. metrics may be nil to disable
// engine error instrumentation.
func NewNative(metrics *observe.Metrics) *Native {
	return &Native{loaded: engine.NewLoadedSet[*nativeState](), metrics: metrics}
}

func (n *Native) recordError(kind string) {
	if n.metrics != nil {
		n.metrics.RecordEngineError(context.Background(), "llm", kind)
	}
}

// Load starts tracking a llama.cpp-served model identified by path (the
// model name as registered with the local server). It does not itself
// spawn the server process. The backend is built with llamacpp.New() and
// no options, so the backend library's default endpoint applies.
func (n *Native) Load(path string) (engine.Handle, error) {
	if path == "" {
		return 0, model.NewError(model.KindInvalidInput, model.CodeParameterValue, "model path must not be empty")
	}
	backend, err := llamacpp.New()
	if err != nil {
		n.recordError(model.KindIO.String())
		return 0, model.Wrap(model.KindIO, model.CodeNetwork, "connect to local llama.cpp server", err)
	}
	handle := engine.NextHandle()
	n.loaded.Put(handle, &nativeState{backend: backend, model: path})
	return handle, nil
}

func (n *Native) Unload(handle engine.Handle) error {
	n.loaded.Delete(handle)
	return nil
}

func (n *Native) IsLoaded(handle engine.Handle) bool {
	return n.loaded.Contains(handle)
}

func (n *Native) state(handle engine.Handle) (*nativeState, error) {
	st, ok := n.loaded.Get(handle)
	if !ok {
		return nil, notLoadedError(handle)
	}
	return st, nil
}

func (n *Native) Generate(handle engine.Handle, prompt string, cfg GenConfig, cancel *clock.CancelToken) (string, error) {
	st, err := n.state(handle)
	if err != nil {
		return "", err
	}
	if cancel != nil && cancel.IsCancelled() {
		return "", model.ErrCancelled
	}

	ctx, cancelFn := contextFor(cancel)
	defer cancelFn()

	params := st.buildParams(prompt, cfg)
	resp, err := st.backend.Completion(ctx, params)
	if err != nil {
		if cancel != nil && cancel.IsCancelled() {
			return "", model.ErrCancelled
		}
		n.recordError(model.KindIO.String())
		return "", model.Wrap(model.KindIO, model.CodeNetwork, "llm completion", err)
	}
	if len(resp.Choices) == 0 {
		n.recordError(model.KindInternal.String())
		return "", model.NewError(model.KindInternal, model.CodeModel, "empty choices in completion response")
	}
	text := resp.Choices[0].Message.ContentString()

	st.mu.Lock()
	st.history = append(st.history, model.ConversationTurn{Role: model.RoleUser, Text: prompt, Timestamp: time.Now()})
	st.history = append(st.history, model.ConversationTurn{Role: model.RoleAssistant, Text: text, Timestamp: time.Now()})
	st.mu.Unlock()

	return text, nil
}

func (n *Native) GenerateStream(handle engine.Handle, prompt string, cfg GenConfig, cb TokenCallback, cancel *clock.CancelToken) error {
	st, err := n.state(handle)
	if err != nil {
		return err
	}
	if cancel != nil && cancel.IsCancelled() {
		return model.ErrCancelled
	}

	ctx, cancelFn := contextFor(cancel)
	defer cancelFn()

	params := st.buildParams(prompt, cfg)
	chunks, errs := st.backend.CompletionStream(ctx, params)

	var full string
	for chunk := range chunks {
		if cancel != nil && cancel.IsCancelled() {
			return model.ErrCancelled
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		full += text
		cb(text)
	}
	if err := <-errs; err != nil {
		n.recordError(model.KindIO.String())
		return model.Wrap(model.KindIO, model.CodeNetwork, "llm stream completion", err)
	}

	st.mu.Lock()
	st.history = append(st.history, model.ConversationTurn{Role: model.RoleUser, Text: prompt, Timestamp: time.Now()})
	st.history = append(st.history, model.ConversationTurn{Role: model.RoleAssistant, Text: full, Timestamp: time.Now()})
	st.mu.Unlock()

	return nil
}

// Tokenize uses a byte-level encoding (each byte becomes one token id) so
// that Detokenize is an exact inverse without requiring the model's native
// vocabulary, which any-llm-go's uniform completion API does not expose.
func (n *Native) Tokenize(handle engine.Handle, text string) ([]int32, error) {
	if _, err := n.state(handle); err != nil {
		return nil, err
	}
	tokens := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int32(text[i])
	}
	return tokens, nil
}

func (n *Native) Detokenize(handle engine.Handle, tokens []int32) (string, error) {
	if _, err := n.state(handle); err != nil {
		return "", err
	}
	buf := make([]byte, len(tokens))
	for i, t := range tokens {
		if t < 0 || t > 255 {
			return "", model.NewError(model.KindInvalidInput, model.CodeParameterValue, fmt.Sprintf("token %d out of byte range", t))
		}
		buf[i] = byte(t)
	}
	return string(buf), nil
}

func (n *Native) ClearContext(handle engine.Handle) error {
	st, err := n.state(handle)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.history = nil
	st.mu.Unlock()
	return nil
}

func (n *Native) History(handle engine.Handle) ([]model.ConversationTurn, error) {
	st, err := n.state(handle)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]model.ConversationTurn, len(st.history))
	copy(out, st.history)
	return out, nil
}

func (st *nativeState) buildParams(prompt string, cfg GenConfig) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    st.model,
		Messages: []anyllmlib.Message{{Role: anyllmlib.RoleUser, Content: prompt}},
	}
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		params.Temperature = &t
	}
	if cfg.MaxTokens > 0 {
		mt := cfg.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// contextFor derives a context.Context that is cancelled when cancel is
// cancelled, so the any-llm-go backend's own ctx.Done() handling honors
// the shared cancellation contract.
func contextFor(cancel *clock.CancelToken) (context.Context, context.CancelFunc) {
	if cancel == nil {
		return context.WithCancel(context.Background())
	}
	return cancel.WithContext(context.Background())
}
