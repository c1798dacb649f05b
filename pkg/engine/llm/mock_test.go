package llm

import (
	"errors"
	"testing"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

func TestGenerateAccumulatesHistory(t *testing.T) {
	m := NewMock()
	m.GenerateResult = "hi there"
	handle, _ := m.Load("tinyllama.gguf")

	got, err := m.Generate(handle, "hello", GenConfig{}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hi there" {
		t.Fatalf("got %q", got)
	}

	hist, err := m.History(handle)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Role != model.RoleUser || hist[1].Role != model.RoleAssistant {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestGenerateStreamDeliversTokensInOrder(t *testing.T) {
	m := NewMock()
	m.StreamTokens = []string{"the ", "quick ", "fox"}
	handle, _ := m.Load("model.gguf")

	var got []string
	err := m.GenerateStream(handle, "prompt", GenConfig{}, func(tok string) {
		got = append(got, tok)
	}, nil)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if len(got) != 3 || got[0] != "the " || got[2] != "fox" {
		t.Fatalf("unexpected tokens: %+v", got)
	}
}

func TestGenerateStreamHonoursCancellation(t *testing.T) {
	m := NewMock()
	m.StreamTokens = []string{"a", "b", "c"}
	handle, _ := m.Load("model.gguf")

	tok := clock.NewCancelToken()
	tok.Cancel()

	err := m.GenerateStream(handle, "prompt", GenConfig{}, func(string) {}, tok)
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestTokenizeDetokenizeRoundTrips(t *testing.T) {
	m := NewMock()
	handle, _ := m.Load("model.gguf")

	text := "hello, world!"
	tokens, err := m.Tokenize(handle, text)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	back, err := m.Detokenize(handle, tokens)
	if err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	if back != text {
		t.Fatalf("round-trip mismatch: got %q, want %q", back, text)
	}
}

func TestClearContextResetsHistory(t *testing.T) {
	m := NewMock()
	m.GenerateResult = "reply"
	handle, _ := m.Load("model.gguf")
	m.Generate(handle, "hi", GenConfig{}, nil)

	if err := m.ClearContext(handle); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}
	hist, err := m.History(handle)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected empty history after ClearContext, got %d turns", len(hist))
	}
}

func TestGenerateRejectsUnloadedHandle(t *testing.T) {
	m := NewMock()
	_, err := m.Generate(999, "hi", GenConfig{}, nil)
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}
