package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/internal/observe"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
	"github.com/Akshay-at-360/onplay/pkg/vad"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that Native satisfies Engine.
var _ Engine = (*Native)(nil)

// Native implements Engine using the whisper.cpp CGO bindings, eliminating
// HTTP overhead entirely. Each Load call opens its own whisper.cpp model
// instance; distinct handles never share backend state.
type Native struct {
	loaded  *engine.LoadedSet[whisperlib.Model]
	vadEng  vad.Engine
	metrics *observe.Metrics
}

// NewNative constructs a Native STT engine. vadEng is stored on the engine
// (a nil vadEng is replaced by [vad.NewEnergySegmenter]), but
// DetectVoiceActivity does not use it: it always runs [vad.DetectSegments],
// the built-in energy segmenter. metrics may be nil to disable engine error
// instrumentation.
func NewNative(vadEng vad.Engine, metrics *observe.Metrics) *Native {
	if vadEng == nil {
		vadEng = vad.NewEnergySegmenter()
	}
	return &Native{loaded: engine.NewLoadedSet[whisperlib.Model](), vadEng: vadEng, metrics: metrics}
}

func (n *Native) recordError(kind string) {
	if n.metrics != nil {
		n.metrics.RecordEngineError(context.Background(), "stt", kind)
	}
}

func (n *Native) Load(path string) (engine.Handle, error) {
	if path == "" {
		return 0, model.NewError(model.KindInvalidInput, model.CodeParameterValue, "model path must not be empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return 0, model.Wrap(model.KindNotFound, model.CodeFile, fmt.Sprintf("model file %q not found", path), err)
		}
		return 0, model.Wrap(model.KindIO, model.CodeFile, fmt.Sprintf("stat model file %q", path), err)
	}

	wm, err := whisperlib.New(path)
	if err != nil {
		n.recordError(model.KindIntegrity.String())
		return 0, model.Wrap(model.KindIntegrity, model.CodeUnsupportedFmt, fmt.Sprintf("load whisper model %q", path), err)
	}

	handle := engine.NextHandle()
	n.loaded.Put(handle, wm)
	return handle, nil
}

func (n *Native) Unload(handle engine.Handle) error {
	wm, ok := n.loaded.Get(handle)
	if !ok {
		return nil // idempotent after first success
	}
	n.loaded.Delete(handle)
	return wm.Close()
}

func (n *Native) IsLoaded(handle engine.Handle) bool {
	return n.loaded.Contains(handle)
}

func (n *Native) Transcribe(handle engine.Handle, audio model.AudioData, cfg Config, cancel *clock.CancelToken) (Transcription, error) {
	wm, ok := n.loaded.Get(handle)
	if !ok {
		return Transcription{}, notLoadedError(handle)
	}
	if audio.Empty() {
		return Transcription{}, model.ErrEmptyInput
	}
	if cancel != nil && cancel.IsCancelled() {
		return Transcription{}, model.ErrCancelled
	}

	wctx, err := wm.NewContext()
	if err != nil {
		n.recordError(model.KindInternal.String())
		return Transcription{}, model.Wrap(model.KindInternal, model.CodeModel, "create whisper context", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		// Non-fatal: fall back to the backend's own default language.
	}

	if err := wctx.Process(audio.Samples, nil, nil, nil); err != nil {
		n.recordError(model.KindInternal.String())
		return Transcription{}, model.Wrap(model.KindInternal, model.CodeModel, "whisper inference", err)
	}
	if cancel != nil && cancel.IsCancelled() {
		return Transcription{}, model.ErrCancelled
	}

	var parts []string
	var words []WordDetail
	for {
		if cancel != nil && cancel.IsCancelled() {
			return Transcription{}, model.ErrCancelled
		}
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Transcription{}, model.Wrap(model.KindInternal, model.CodeModel, "read whisper segment", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		words = append(words, WordDetail{Word: text, StartS: seg.Start.Seconds(), EndS: seg.End.Seconds()})
	}

	return Transcription{
		Text:     strings.Join(parts, " "),
		Segments: words,
		Language: lang,
	}, nil
}

func (n *Native) DetectVoiceActivity(handle engine.Handle, audio model.AudioData, threshold float64) ([]vad.Segment, error) {
	if !n.loaded.Contains(handle) {
		return nil, notLoadedError(handle)
	}
	return vad.DetectSegments(audio, vad.Config{SpeechThreshold: threshold})
}
