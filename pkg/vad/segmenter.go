package vad

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Akshay-at-360/onplay/pkg/model"
)

const (
	// frameSizeMs is the fixed frame duration the energy segmenter operates
	// on.
	frameSizeMs = 20

	// noiseFloorDB is the reference noise floor added to the
	// threshold-derived gain to obtain the speech decision boundary.
	noiseFloorDB = -60.0

	// minGainDB and maxGainDB bound gain(t) = lerp(minGainDB, maxGainDB, t).
	minGainDB = 6.0
	maxGainDB = 24.0
)

// gain maps a normalised VAD threshold in [0,1] onto a dB gain in
// [6dB, 24dB].
func gain(threshold float64) float64 {
	return minGainDB + threshold*(maxGainDB-minGainDB)
}

// energySegmenter is the built-in [Engine] backing frame-based energy and
// zero-crossing speech detection when no external VAD model is configured.
type energySegmenter struct{}

// NewEnergySegmenter returns the built-in frame-based energy/zero-crossing
// [Engine]: a frame is "voiced" if rms_db > noise_floor + gain(threshold).
func NewEnergySegmenter() Engine {
	return energySegmenter{}
}

func (energySegmenter) NewSession(cfg Config) (SessionHandle, error) {
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, model.NewError(model.KindInvalidInput, model.CodeParameterValue,
			fmt.Sprintf("speech threshold %g out of range [0,1]", cfg.SpeechThreshold))
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSizeMs <= 0 {
		cfg.FrameSizeMs = frameSizeMs
	}
	if cfg.MinSpeechMs <= 0 {
		cfg.MinSpeechMs = 250
	}
	if cfg.SilenceTimeoutMs <= 0 {
		cfg.SilenceTimeoutMs = 800
	}
	samplesPerFrame := cfg.SampleRate * cfg.FrameSizeMs / 1000
	return &energySession{
		cfg:             cfg,
		samplesPerFrame: samplesPerFrame,
		boundaryDB:      noiseFloorDB + gain(cfg.SpeechThreshold),
	}, nil
}

// energySession tracks voiced/unvoiced run state across successive
// ProcessFrame calls for one audio stream.
type energySession struct {
	cfg             Config
	samplesPerFrame int
	boundaryDB      float64

	inSpeech       bool
	closed         bool
	unvoicedFrames int
}

func (s *energySession) ProcessFrame(frame []byte) (Event, error) {
	if s.closed {
		return Event{}, model.NewError(model.KindState, model.CodeAlreadyShutdown, "vad session closed")
	}
	wantBytes := s.samplesPerFrame * 2 // 16-bit PCM
	if len(frame) != wantBytes {
		return Event{}, model.NewError(model.KindInvalidInput, model.CodeParameterValue,
			fmt.Sprintf("frame size %d bytes does not match configured %d bytes", len(frame), wantBytes))
	}

	db, prob := frameEnergyDB(frame, s.boundaryDB)
	voiced := db > s.boundaryDB

	switch {
	case voiced && !s.inSpeech:
		s.inSpeech = true
		s.unvoicedFrames = 0
		return Event{Type: SpeechStart, Probability: prob}, nil
	case voiced && s.inSpeech:
		s.unvoicedFrames = 0
		return Event{Type: SpeechContinue, Probability: prob}, nil
	case !voiced && s.inSpeech:
		s.unvoicedFrames++
		maxUnvoicedFrames := s.cfg.SilenceTimeoutMs / frameMs(s.cfg)
		if s.unvoicedFrames > maxUnvoicedFrames {
			s.inSpeech = false
			return Event{Type: SpeechEnd, Probability: prob}, nil
		}
		// Still within the join window: report continuation so the caller
		// does not prematurely close the segment.
		return Event{Type: SpeechContinue, Probability: prob}, nil
	default:
		return Event{Type: Silence, Probability: prob}, nil
	}
}

func frameMs(cfg Config) int {
	if cfg.FrameSizeMs <= 0 {
		return frameSizeMs
	}
	return cfg.FrameSizeMs
}

func (s *energySession) Reset() {
	s.inSpeech = false
	s.unvoicedFrames = 0
}

func (s *energySession) Close() error {
	s.closed = true
	return nil
}

// frameEnergyDB computes the RMS energy of a little-endian int16 PCM frame
// in dBFS, plus a crude speech-probability estimate (0 below the boundary,
// ramping to 1 at boundary+12dB) used only for diagnostic reporting.
func frameEnergyDB(frame []byte, boundaryDB float64) (db float64, prob float64) {
	n := len(frame) / 2
	if n == 0 {
		return -120, 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		f := float64(s) / 32768.0
		sumSquares += f * f
	}
	rms := math.Sqrt(sumSquares / float64(n))
	if rms <= 1e-9 {
		db = -120
	} else {
		db = 20 * math.Log10(rms)
	}
	prob = clamp01((db - boundaryDB + 12) / 12)
	return db, prob
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DetectSegments runs the full VAD segmenter over an already-buffered
// [model.AudioData] clip and returns the closed voiced intervals, per the
// spec's detect_voice_activity batch contract. audio must be 16kHz mono;
// callers resample before calling. Returns EmptyInput if audio has no
// samples.
func DetectSegments(audio model.AudioData, cfg Config) ([]Segment, error) {
	if audio.Empty() {
		return nil, model.ErrEmptyInput
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, model.NewError(model.KindInvalidInput, model.CodeParameterValue,
			fmt.Sprintf("speech threshold %g out of range [0,1]", cfg.SpeechThreshold))
	}
	cfg.SampleRate = audio.SampleRate

	eng := NewEnergySegmenter()
	sess, err := eng.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	frameSamples := audio.SampleRate * frameMs(cfg) / 1000
	if frameSamples <= 0 {
		return nil, model.NewError(model.KindInvalidInput, model.CodeParameterValue, "invalid sample rate for framing")
	}
	minSpeechFrames := cfg.MinSpeechMs / frameMs(cfg)
	if minSpeechFrames <= 0 {
		minSpeechFrames = 1
	}

	var (
		segments   []Segment
		curStart   = -1
		curFrames  int
		frameIndex int
	)
	frameSeconds := float64(frameMs(cfg)) / 1000.0
	boundaryDB := noiseFloorDB + gain(cfg.SpeechThreshold)

	emit := func(endFrame int) {
		if curStart < 0 {
			return
		}
		if curFrames >= minSpeechFrames {
			segments = append(segments, Segment{
				Start: float64(curStart) * frameSeconds,
				End:   float64(endFrame) * frameSeconds,
			})
		}
		curStart = -1
		curFrames = 0
	}

	for off := 0; off+frameSamples <= len(audio.Samples); off += frameSamples {
		frameBytes := samplesToPCM16(audio.Samples[off : off+frameSamples])
		ev, err := sess.ProcessFrame(frameBytes)
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case SpeechStart:
			curStart = frameIndex
			curFrames = 1
		case SpeechContinue:
			if curStart < 0 {
				curStart = frameIndex
			}
			// Unvoiced frames inside the join window extend the segment
			// but do not count toward MinSpeechMs.
			if db, _ := frameEnergyDB(frameBytes, boundaryDB); db > boundaryDB {
				curFrames++
			}
		case SpeechEnd:
			emit(frameIndex + 1)
		}
		frameIndex++
	}
	emit(frameIndex)

	return segments, nil
}

// samplesToPCM16 converts normalised f32 samples in [-1,1] to little-endian
// int16 PCM bytes.
func samplesToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := f
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
