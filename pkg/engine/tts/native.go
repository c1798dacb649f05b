package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/internal/observe"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// Compile-time assertion that Native satisfies Engine.
var _ Engine = (*Native)(nil)

// nativeVoiceModel is the resident state bound to one loaded TTS handle: a
// local Coqui TTS server endpoint plus its cached voice catalogue.
type nativeVoiceModel struct {
	serverURL string
	voices    []VoiceInfo
}

// Native implements Engine against a locally-running Coqui TTS server
// (ghcr.io/coqui-ai/tts-cpu), reached via its standard /api/tts and
// /details REST endpoints, collapsed from a streaming-sentence dispatch
// model onto a single-shot synthesize(handle, text, cfg) contract.
type Native struct {
	mu         sync.RWMutex
	loaded     *engine.LoadedSet[*nativeVoiceModel]
	httpClient *http.Client
	metrics    *observe.Metrics
}

// NewNative constructs a Native TTS engine. Load's path argument is the
// local Coqui server base URL (e.g. "http://127.0.0.1:5002"). metrics may
// be nil to disable engine error instrumentation.
func NewNative(metrics *observe.Metrics) *Native {
	return &Native{
		loaded:     engine.NewLoadedSet[*nativeVoiceModel](),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		metrics:    metrics,
	}
}

func (n *Native) recordError(kind string) {
	if n.metrics != nil {
		n.metrics.RecordEngineError(context.Background(), "tts", kind)
	}
}

func (n *Native) Load(path string) (engine.Handle, error) {
	if path == "" {
		return 0, model.NewError(model.KindInvalidInput, model.CodeParameterValue, "server URL must not be empty")
	}
	voices, err := n.fetchVoices(path)
	if err != nil {
		return 0, err
	}
	handle := engine.NextHandle()
	n.loaded.Put(handle, &nativeVoiceModel{serverURL: path, voices: voices})
	return handle, nil
}

func (n *Native) Unload(handle engine.Handle) error {
	n.loaded.Delete(handle)
	return nil
}

func (n *Native) IsLoaded(handle engine.Handle) bool {
	return n.loaded.Contains(handle)
}

func (n *Native) fetchVoices(serverURL string) ([]VoiceInfo, error) {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/details", nil)
	if err != nil {
		return nil, model.Wrap(model.KindInvalidInput, model.CodeParameterValue, "build voice catalogue request", err)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.recordError(model.KindIO.String())
		return nil, model.Wrap(model.KindIO, model.CodeNetwork, "fetch voice catalogue", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		n.recordError(model.KindIO.String())
		return nil, model.NewError(model.KindIO, model.CodeNetwork, fmt.Sprintf("voice catalogue request returned %d", resp.StatusCode))
	}
	// The standard Coqui server's /details response schema varies by build;
	// a single default voice is assumed when no structured catalogue is
	// exposed.
	return []VoiceInfo{{ID: "default", Name: "default"}}, nil
}

func (n *Native) Synthesize(handle engine.Handle, text string, cfg Config, cancel *clock.CancelToken) (model.AudioData, error) {
	vm, ok := n.loaded.Get(handle)
	if !ok {
		return model.AudioData{}, notLoadedError(handle)
	}
	if text == "" {
		return model.AudioData{}, model.ErrEmptyInput
	}
	if err := validateConfig(cfg); err != nil {
		return model.AudioData{}, err
	}
	if cancel != nil && cancel.IsCancelled() {
		return model.AudioData{}, model.ErrCancelled
	}

	ctx, cancelFn := contextFor(cancel)
	defer cancelFn()

	q := url.Values{}
	q.Set("text", text)
	if cfg.VoiceID != "" {
		q.Set("speaker_id", cfg.VoiceID)
	}
	reqURL := vm.serverURL + "/api/tts?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.AudioData{}, model.Wrap(model.KindInvalidInput, model.CodeParameterValue, "build synthesis request", err)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		if cancel != nil && cancel.IsCancelled() {
			return model.AudioData{}, model.ErrCancelled
		}
		n.recordError(model.KindIO.String())
		return model.AudioData{}, model.Wrap(model.KindIO, model.CodeNetwork, "tts synthesis request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		n.recordError(model.KindIO.String())
		return model.AudioData{}, model.NewError(model.KindIO, model.CodeNetwork, fmt.Sprintf("tts server returned %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.AudioData{}, model.Wrap(model.KindIO, model.CodeFile, "read synthesis response", err)
	}

	return decodeWAVOrPCM(raw, cfg)
}

func (n *Native) Voices(handle engine.Handle) ([]VoiceInfo, error) {
	vm, ok := n.loaded.Get(handle)
	if !ok {
		return nil, notLoadedError(handle)
	}
	return vm.voices, nil
}

// decodeWAVOrPCM interprets raw as a RIFF/WAVE container when it carries the
// "RIFF" magic, otherwise treats it as raw little-endian int16 PCM at 22050
// Hz (the standard Coqui server's native rate), applying cfg.Speed as a
// simple resample-by-stride approximation.
func decodeWAVOrPCM(raw []byte, cfg Config) (model.AudioData, error) {
	sampleRate := 22050
	pcm := raw
	if len(raw) >= 44 && string(raw[0:4]) == "RIFF" && string(raw[8:12]) == "WAVE" {
		sampleRate = int(binary.LittleEndian.Uint32(raw[24:28]))
		pcm = raw[44:]
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(s) / 32768.0
	}

	speed := cfg.Speed
	if speed == 0 {
		speed = 1.0
	}
	if speed != 1.0 {
		samples = resampleBySpeed(samples, speed)
	}

	return model.AudioData{SampleRate: sampleRate, Samples: samples}, nil
}

// resampleBySpeed approximates a speaking-rate change by nearest-neighbour
// resampling the sample sequence by 1/speed, a stand-in for true pitch-
// preserving time-stretching.
func resampleBySpeed(samples []float32, speed float64) []float32 {
	outLen := int(math.Round(float64(len(samples)) / speed))
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	for i := range out {
		srcIdx := int(math.Round(float64(i) * speed))
		if srcIdx >= len(samples) {
			srcIdx = len(samples) - 1
		}
		out[i] = samples[srcIdx]
	}
	return out
}

func contextFor(cancel *clock.CancelToken) (context.Context, context.CancelFunc) {
	if cancel == nil {
		return context.WithCancel(context.Background())
	}
	return cancel.WithContext(context.Background())
}
