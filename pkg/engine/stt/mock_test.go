package stt

import (
	"errors"
	"testing"

	"github.com/Akshay-at-360/onplay/pkg/model"
	"github.com/Akshay-at-360/onplay/pkg/vad"
)

func TestMockLoadUnloadLifecycle(t *testing.T) {
	m := NewMock()
	handle, err := m.Load("whisper-base.bin")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.IsLoaded(handle) {
		t.Fatal("expected handle to be loaded")
	}
	if err := m.Unload(handle); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if m.IsLoaded(handle) {
		t.Fatal("expected handle to be unloaded")
	}
	// Idempotent second unload.
	if err := m.Unload(handle); err != nil {
		t.Fatalf("second Unload: %v", err)
	}
}

func TestTranscribeRejectsUnloadedHandle(t *testing.T) {
	m := NewMock()
	_, err := m.Transcribe(42, model.AudioData{SampleRate: 16000, Samples: []float32{0.1}}, Config{}, nil)
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.KindInvalidInput {
		t.Fatalf("expected InvalidInput for unloaded handle, got %v", err)
	}
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	m := NewMock()
	handle, _ := m.Load("model.bin")
	_, err := m.Transcribe(handle, model.AudioData{SampleRate: 16000}, Config{}, nil)
	if !errors.Is(err, model.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestTranscribeReturnsConfiguredResult(t *testing.T) {
	m := NewMock()
	m.TranscribeResult = Transcription{Text: "hello world", Language: "en"}
	handle, _ := m.Load("model.bin")
	got, err := m.Transcribe(handle, model.AudioData{SampleRate: 16000, Samples: []float32{0.1, 0.2}}, Config{}, nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "hello world" {
		t.Fatalf("got text %q", got.Text)
	}
	if len(m.TranscribeCalls) != 1 || m.TranscribeCalls[0] != 2 {
		t.Fatalf("expected one recorded call with 2 samples, got %+v", m.TranscribeCalls)
	}
}

func TestDetectVoiceActivityValidatesThreshold(t *testing.T) {
	m := NewMock()
	handle, _ := m.Load("model.bin")
	_, err := m.DetectVoiceActivity(handle, model.AudioData{SampleRate: 16000, Samples: []float32{0.1}}, 1.5)
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.KindInvalidInput {
		t.Fatalf("expected InvalidInput for out-of-range threshold, got %v", err)
	}
}

func TestDetectVoiceActivityReturnsConfiguredSegments(t *testing.T) {
	m := NewMock()
	m.Segments = []vad.Segment{{Start: 0.1, End: 0.5}}
	handle, _ := m.Load("model.bin")
	segs, err := m.DetectVoiceActivity(handle, model.AudioData{SampleRate: 16000, Samples: []float32{0.1}}, 0.5)
	if err != nil {
		t.Fatalf("DetectVoiceActivity: %v", err)
	}
	if len(segs) != 1 || segs[0].Start != 0.1 {
		t.Fatalf("unexpected segments: %+v", segs)
	}
}
