package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/internal/observe"
	"github.com/Akshay-at-360/onplay/pkg/audio"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/engine/llm"
	"github.com/Akshay-at-360/onplay/pkg/engine/stt"
	"github.com/Akshay-at-360/onplay/pkg/engine/tts"
	"github.com/Akshay-at-360/onplay/pkg/model"
	"github.com/Akshay-at-360/onplay/pkg/vad"
)

// frameMs is the VAD frame duration the pipeline drives its listen loop
// at, matching the energy segmenter's native frame size.
const frameMs = 20

// Pipeline drives one voice conversation: Idle -> Listening ->
// Transcribing -> Thinking -> Speaking -> Listening, with Interrupt and
// Stop as cross-cutting signals. A Pipeline serves one conversation at a
// time; construct a new one to serve another.
type Pipeline struct {
	mu             sync.Mutex
	state          State
	stateEnteredAt time.Time
	configured     bool
	cfg            Config
	history        []model.ConversationTurn

	metrics *observe.Metrics

	sttEng                          stt.Engine
	llmEng                          llm.Engine
	ttsEng                          tts.Engine
	sttHandle, llmHandle, ttsHandle engine.Handle

	vadFactory vad.Engine

	audioInCb    AudioInFunc
	audioOutCb   AudioOutFunc
	transcriptCb TranscriptFunc
	llmTextCb    LLMTextFunc

	stopToken *clock.CancelToken

	// stageToken cancels the in-flight STT/LLM/TTS call; replaced at the
	// start of every Transcribing/Thinking/Speaking phase. Guarded by mu.
	stageToken *clock.CancelToken

	interrupted atomic.Bool

	wg sync.WaitGroup
}

// Option configures optional Pipeline dependencies not carried by Config.
type Option func(*Pipeline)

// WithMetrics attaches an observe.Metrics instance to record STT/LLM/TTS
// and pipeline-state-duration instrumentation. Omitting it leaves the
// pipeline uninstrumented.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs an unconfigured Pipeline in the Idle state. vadFactory
// may be nil to use the built-in energy segmenter.
func New(vadFactory vad.Engine, opts ...Option) *Pipeline {
	if vadFactory == nil {
		vadFactory = vad.NewEnergySegmenter()
	}
	p := &Pipeline{
		vadFactory: vadFactory,
		stopToken:  clock.NewCancelToken(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// State returns the pipeline's current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns a defensive copy of the conversation turn sequence.
func (p *Pipeline) History() []model.ConversationTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ConversationTurn, len(p.history))
	copy(out, p.history)
	return out
}

// ClearHistory truncates the turn sequence. Allowed in any state; does
// not cancel in-flight work.
func (p *Pipeline) ClearHistory() {
	p.mu.Lock()
	p.history = nil
	p.mu.Unlock()
}

// Configure binds the three engine handles and the pipeline configuration.
// Allowed only in Idle.
func (p *Pipeline) Configure(sttEng stt.Engine, sttHandle engine.Handle, llmEng llm.Engine, llmHandle engine.Handle, ttsEng tts.Engine, ttsHandle engine.Handle, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Idle {
		return model.NewError(model.KindState, model.CodeAlreadyActive, "configure is only allowed in Idle")
	}
	if !sttHandle.Valid() || !llmHandle.Valid() || !ttsHandle.Valid() {
		return model.ErrInvalidModelHandle
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	p.sttEng, p.sttHandle = sttEng, sttHandle
	p.llmEng, p.llmHandle = llmEng, llmHandle
	p.ttsEng, p.ttsHandle = ttsEng, ttsHandle
	p.cfg = cfg
	p.configured = true
	return nil
}

// StartConversation requires a prior Configure call and transitions
// Idle -> Listening, spawning the pipeline's worker goroutine.
func (p *Pipeline) StartConversation(audioIn AudioInFunc, audioOut AudioOutFunc, transcriptCb TranscriptFunc, llmTextCb LLMTextFunc) error {
	p.mu.Lock()
	if !p.configured {
		p.mu.Unlock()
		return model.ErrNotConfigured
	}
	if p.state != Idle {
		p.mu.Unlock()
		return model.NewError(model.KindState, model.CodeAlreadyActive, "a conversation is already active")
	}
	if audioIn == nil || audioOut == nil {
		p.mu.Unlock()
		return model.NewError(model.KindInvalidInput, model.CodeNullPointer, "audio_in_cb and audio_out_cb must not be nil")
	}
	p.audioInCb = audioIn
	p.audioOutCb = audioOut
	p.transcriptCb = transcriptCb
	p.llmTextCb = llmTextCb
	p.stopToken = clock.NewCancelToken()
	p.state = Listening
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	p.wg.Add(1)
	go p.runLoop()
	return nil
}

// Interrupt requests a barge-in from the host side: cancels any in-flight
// LLM/TTS work and returns the pipeline to Listening. A no-op outside
// Thinking/Speaking.
func (p *Pipeline) Interrupt() {
	p.mu.Lock()
	active := p.state == Thinking || p.state == Speaking
	tok := p.stageToken
	p.mu.Unlock()
	if !active || tok == nil {
		return
	}
	p.interrupted.Store(true)
	tok.Cancel()
}

// FlushOutputQueue drops any text chunks still pending synthesis or
// playback during the current Thinking/Speaking stage, without marking the
// turn as user-interrupted. A no-op outside those states. Satisfies
// pressure.TTSFlusher.
func (p *Pipeline) FlushOutputQueue() {
	p.mu.Lock()
	active := p.state == Thinking || p.state == Speaking
	tok := p.stageToken
	p.mu.Unlock()
	if active && tok != nil {
		tok.Cancel()
	}
}

// Stop forces a transition to Idle from any state, cancelling all
// in-flight work. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopToken.Cancel()
	tok := p.stageToken
	p.mu.Unlock()
	if tok != nil {
		tok.Cancel()
	}
	p.wg.Wait()
	p.mu.Lock()
	p.state = Idle
	p.mu.Unlock()
}

func (p *Pipeline) setState(s State) {
	now := time.Now()
	p.mu.Lock()
	prev := p.state
	enteredAt := p.stateEnteredAt
	p.state = s
	p.stateEnteredAt = now
	p.mu.Unlock()

	if p.metrics != nil && !enteredAt.IsZero() {
		p.metrics.RecordPipelineStateDuration(context.Background(), prev.String(), now.Sub(enteredAt).Seconds())
	}
}

func (p *Pipeline) stopped() bool {
	return p.stopToken.IsCancelled()
}

// appendHistory records a turn and evicts the oldest turns past
// max_history_turns.
func (p *Pipeline) appendHistory(role model.Role, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	p.history = append(p.history, model.ConversationTurn{Role: role, Text: text})
	max := int(p.cfg.MaxHistoryTurns)
	if max > 0 && len(p.history) > max {
		p.history = p.history[len(p.history)-max:]
	}
	p.mu.Unlock()
}

// runLoop drives the full Listening -> Transcribing -> Thinking ->
// Speaking -> Listening cycle until Stop is called or the audio input
// stream signals end-of-stream.
func (p *Pipeline) runLoop() {
	defer p.wg.Done()
	defer func() {
		if p.metrics != nil {
			p.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}()

	for {
		if p.stopped() {
			p.setState(Idle)
			return
		}

		p.setState(Listening)
		segment, eof, err := p.listenPhase()
		if err != nil {
			if errors.Is(err, model.ErrCancelled) {
				p.setState(Idle)
				return
			}
			slog.Error("pipeline: listen phase error", "err", err)
			continue
		}
		if eof {
			p.setState(Idle)
			return
		}
		if p.stopped() {
			p.setState(Idle)
			return
		}

		p.setState(Transcribing)
		text, err := p.transcribePhase(segment)
		if err != nil {
			slog.Error("pipeline: transcribe phase error", "err", err)
			continue
		}
		if text != "" {
			p.appendHistory(model.RoleUser, text)
			if p.transcriptCb != nil {
				p.transcriptCb(text)
			}
		}
		if p.stopped() {
			p.setState(Idle)
			return
		}

		_, interrupted, stopped := p.thinkAndSpeak(text)
		if stopped {
			p.setState(Idle)
			return
		}
		_ = interrupted
		// thinkAndSpeak already transitioned back to Listening; the next
		// cycle starts there.
	}
}

// listenPhase pulls audio from audio_in_cb, feeds it to a fresh VAD
// session, and returns the first closed, sufficiently-long voiced
// segment. An Empty AudioData from audio_in_cb signals end-of-stream.
func (p *Pipeline) listenPhase() (segment model.AudioData, eof bool, err error) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	sess, err := p.vadFactory.NewSession(vad.Config{
		SampleRate:       internalSampleRate,
		FrameSizeMs:      frameMs,
		SpeechThreshold:  cfg.VADThreshold,
		MinSpeechMs:      cfg.MinSpeechMs,
		SilenceTimeoutMs: cfg.SilenceTimeoutMs,
	})
	if err != nil {
		return model.AudioData{}, false, err
	}
	defer sess.Close()

	frameSamples := internalSampleRate * frameMs / 1000
	minSpeechFrames := cfg.MinSpeechMs / frameMs
	if minSpeechFrames <= 0 {
		minSpeechFrames = 1
	}

	var pending []float32
	var segmentSamples []float32
	var capturing bool
	var capturedFrames int

	for {
		if p.stopped() {
			return model.AudioData{}, false, model.ErrCancelled
		}

		data := p.audioInCb()
		if data.Empty() {
			return model.AudioData{}, true, nil
		}
		samples := data.Samples
		if data.SampleRate > 0 && data.SampleRate != internalSampleRate {
			samples = resampleSamples(samples, data.SampleRate, internalSampleRate)
		}
		pending = append(pending, samples...)

		for len(pending) >= frameSamples {
			frame := pending[:frameSamples]
			pending = pending[frameSamples:]

			ev, evErr := sess.ProcessFrame(audio.PCM16FromFloat32(frame))
			if evErr != nil {
				return model.AudioData{}, false, evErr
			}

			switch ev.Type {
			case vad.SpeechStart:
				capturing = true
				capturedFrames = 1
				segmentSamples = append(segmentSamples[:0], frame...)
			case vad.SpeechContinue:
				if capturing {
					segmentSamples = append(segmentSamples, frame...)
					capturedFrames++
				}
			case vad.SpeechEnd:
				if capturing {
					segmentSamples = append(segmentSamples, frame...)
					capturedFrames++
					capturing = false
					if capturedFrames >= minSpeechFrames {
						return model.AudioData{SampleRate: internalSampleRate, Samples: segmentSamples}, false, nil
					}
					segmentSamples = nil
					capturedFrames = 0
				}
			case vad.Silence:
			}

			if p.stopped() {
				return model.AudioData{}, false, model.ErrCancelled
			}
		}
	}
}

// transcribePhase invokes STT over the closed segment.
func (p *Pipeline) transcribePhase(segment model.AudioData) (string, error) {
	p.mu.Lock()
	tok := p.stopToken.Child()
	p.stageToken = tok
	sttEng, sttHandle := p.sttEng, p.sttHandle
	p.mu.Unlock()

	started := time.Now()
	result, err := sttEng.Transcribe(sttHandle, segment, stt.Config{}, tok)
	if p.metrics != nil {
		p.metrics.RecordSTTDuration(context.Background(), time.Since(started).Seconds())
	}
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// thinkResult is the final outcome of the Thinking stage's LLM generation,
// reported over a channel once the background producer goroutine finishes.
type thinkResult struct {
	text string
	err  error
}

// thinkAndSpeak runs the Thinking and Speaking stages together: LLM
// generation streams tokens and closes sentence chunks, which are
// synthesized and delivered to audio_out_cb as they close, with at most
// one chunk buffered ahead of TTS. Handles barge-in by cancelling both
// stages and recording a synthetic partial Assistant turn.
func (p *Pipeline) thinkAndSpeak(prompt string) (text string, interrupted bool, stopped bool) {
	p.setState(Thinking)

	p.mu.Lock()
	stageTok := p.stopToken.Child()
	p.stageToken = stageTok
	llmEng, llmHandle := p.llmEng, p.llmHandle
	ttsEng, ttsHandle := p.ttsEng, p.ttsHandle
	cfg := p.cfg
	llmTextCb := p.llmTextCb
	audioOutCb := p.audioOutCb
	p.mu.Unlock()
	p.interrupted.Store(false)

	bargeStop := p.startBargeInWatcher(stageTok, cfg)
	defer p.stopBargeInWatcher(bargeStop)

	textCh := make(chan string)
	resultCh := make(chan thinkResult, 1)

	go func() {
		var buf strings.Builder
		var full strings.Builder

		tokenCb := func(tok string) {
			buf.WriteString(tok)
			full.WriteString(tok)
			if llmTextCb != nil {
				llmTextCb(tok)
			}
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					return
				}
				chunk := buf.String()[:idx+1]
				rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
				buf.Reset()
				buf.WriteString(rest)
				select {
				case textCh <- chunk:
				case <-stageTok.Done():
					return
				}
			}
		}

		genCfg := llm.GenConfig{MaxTokens: int(cfg.LLMMaxTokens)}
		genStarted := time.Now()
		err := llmEng.GenerateStream(llmHandle, prompt, genCfg, tokenCb, stageTok)
		if p.metrics != nil {
			p.metrics.RecordLLMDuration(context.Background(), time.Since(genStarted).Seconds())
		}

		if buf.Len() > 0 && !stageTok.IsCancelled() {
			select {
			case textCh <- buf.String():
			case <-stageTok.Done():
			}
		}
		close(textCh)
		resultCh <- thinkResult{text: full.String(), err: err}
	}()

	firstChunk := true
	ttsCfg := tts.Config{VoiceID: cfg.TTSVoiceID, Speed: 1.0}
	for chunk := range textCh {
		if firstChunk {
			p.setState(Speaking)
			firstChunk = false
		}
		if stageTok.IsCancelled() {
			continue
		}
		synthStarted := time.Now()
		audio, err := ttsEng.Synthesize(ttsHandle, chunk, ttsCfg, stageTok)
		if p.metrics != nil {
			p.metrics.RecordTTSDuration(context.Background(), time.Since(synthStarted).Seconds())
		}
		if err != nil {
			if !errors.Is(err, model.ErrCancelled) {
				slog.Error("pipeline: synthesize error", "err", err)
			}
			continue
		}
		if stageTok.IsCancelled() {
			continue
		}
		if audioOutCb != nil {
			audioOutCb(audio)
		}
	}
	res := <-resultCh

	wasInterrupted := p.interrupted.Load()
	wasStopped := p.stopped()

	if wasInterrupted {
		p.appendHistory(model.RoleAssistant, res.text)
		p.setState(Listening)
		return res.text, true, false
	}
	if wasStopped {
		return res.text, false, true
	}

	p.appendHistory(model.RoleAssistant, res.text)
	p.setState(Listening)
	return res.text, false, false
}

// startBargeInWatcher spawns a goroutine that, while barge-in is enabled,
// continuously pulls audio_in_cb and feeds a dedicated VAD session; the
// first SpeechStart cancels stageTok via Interrupt. Returns a stop channel
// the caller closes to release the watcher once the stage ends normally.
func (p *Pipeline) startBargeInWatcher(stageTok *clock.CancelToken, cfg Config) chan struct{} {
	stop := make(chan struct{})
	if !cfg.EnableBargeIn {
		return stop
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		sess, err := p.vadFactory.NewSession(vad.Config{
			SampleRate:       internalSampleRate,
			FrameSizeMs:      frameMs,
			SpeechThreshold:  cfg.VADThreshold,
			MinSpeechMs:      cfg.MinSpeechMs,
			SilenceTimeoutMs: cfg.SilenceTimeoutMs,
		})
		if err != nil {
			return
		}
		defer sess.Close()

		frameSamples := internalSampleRate * frameMs / 1000
		var pending []float32

		for {
			select {
			case <-stop:
				return
			case <-stageTok.Done():
				return
			default:
			}

			data := p.audioInCb()
			if data.Empty() {
				return
			}
			samples := data.Samples
			if data.SampleRate > 0 && data.SampleRate != internalSampleRate {
				samples = resampleSamples(samples, data.SampleRate, internalSampleRate)
			}
			pending = append(pending, samples...)

			for len(pending) >= frameSamples {
				frame := pending[:frameSamples]
				pending = pending[frameSamples:]

				ev, evErr := sess.ProcessFrame(audio.PCM16FromFloat32(frame))
				if evErr != nil {
					return
				}
				if ev.Type == vad.SpeechStart {
					p.Interrupt()
					return
				}
			}

			select {
			case <-stop:
				return
			case <-stageTok.Done():
				return
			default:
			}
		}
	}()

	return stop
}

func (p *Pipeline) stopBargeInWatcher(stop chan struct{}) {
	close(stop)
}

// resampleSamples performs nearest-neighbor stride resampling, matching
// the TTS native engine's resampleBySpeed helper.
func resampleSamples(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	outLen := len(samples) * toRate / fromRate
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		srcIdx := int(float64(i) * ratio)
		if srcIdx >= len(samples) {
			srcIdx = len(samples) - 1
		}
		out[i] = samples[srcIdx]
	}
	return out
}
