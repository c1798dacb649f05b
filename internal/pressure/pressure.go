// Package pressure implements the memory pressure supervisor. It samples
// resident memory, reacts to host memory-warning notifications, and on
// pressure drives LRU eviction of non-pinned resident models through the
// Unload callbacks its ResidentLister supplies, pauses in-flight downloads, and signals the voice
// pipeline to flush queued TTS output.
//
// Uses the same mutex-guarded threshold/state idiom as the circuit
// breaker (closed/open mirrors clear/pressured here) and a periodic
// sampler goroutine for the resident-bytes poll loop.
package pressure

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/internal/observe"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// highWatermark is the fraction of limit at which pressure becomes active.
const highWatermark = 0.85

// lowWatermark is the fraction of limit that eviction reduces resident
// usage to. Pressure itself clears once usage is back at or below
// highWatermark.
const lowWatermark = 0.60

// ResidentModel describes one engine-resident model for LRU eviction
// ranking.
type ResidentModel struct {
	ModelID   string
	SizeBytes uint64
	Pinned    bool
	LastUsed  time.Time
	Unload    func() error
}

// ResidentLister enumerates currently loaded models across all three
// engine variants. The application layer (internal/app.App), which tracks
// model_id -> ModelHandle bindings, implements this; the supervisor never holds those
// bindings itself, breaking the pipeline<->supervisor cyclic reference by
// making the supervisor a pure observer.
type ResidentLister interface {
	ListResident() []ResidentModel
}

// DownloadPauser is the subset of the download engine's interface the
// supervisor needs to pause/resume in-flight transfers under pressure.
type DownloadPauser interface {
	ActiveHandles() []model.DownloadHandle
	PausedHandles() []model.DownloadHandle
	Pause(handle model.DownloadHandle) error
	Resume(handle model.DownloadHandle) error
}

// TTSFlusher flushes a pipeline's queued-but-unplayed TTS audio when
// memory pressure is entered, so buffered audio doesn't hold resident
// memory it no longer needs.
type TTSFlusher interface {
	FlushOutputQueue()
}

// ResidentSampler reports the process's current resident memory in bytes.
type ResidentSampler func() uint64

// Supervisor observes memory pressure and coordinates the pipeline/
// lifecycle/download reactions to it.
type Supervisor struct {
	mu        sync.Mutex
	limit     uint64 // 0 means never pressured
	pressured bool

	sampler   ResidentSampler
	lister    ResidentLister
	downloads DownloadPauser
	tts       TTSFlusher
	clk       clock.Clock
	metrics   *observe.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup

	lastResident atomic.Uint64
}

// Config configures a Supervisor.
type Config struct {
	Sampler        ResidentSampler
	Lister         ResidentLister
	Downloads      DownloadPauser
	TTS            TTSFlusher
	Clock          clock.Clock
	SampleInterval time.Duration

	// Metrics, if non-nil, receives the resident_bytes gauge delta on
	// every sample and the pressure_active gauge on every transition.
	Metrics *observe.Metrics
}

// New constructs a Supervisor. Call Start to begin periodic sampling.
func New(cfg Config) *Supervisor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		sampler:   cfg.Sampler,
		lister:    cfg.Lister,
		downloads: cfg.Downloads,
		tts:       cfg.TTS,
		clk:       clk,
		metrics:   cfg.Metrics,
	}
}

// SetMemoryLimit sets the resident-bytes limit that defines pressure.
// Zero disables pressure detection entirely.
func (s *Supervisor) SetMemoryLimit(bytes uint64) {
	s.mu.Lock()
	s.limit = bytes
	s.mu.Unlock()
}

// NotifyMemoryWarning is the host-provided "memory warning" input; it
// triggers an immediate pressure evaluation regardless of the periodic
// sample cadence.
func (s *Supervisor) NotifyMemoryWarning() {
	s.evaluate(s.currentResident())
}

func (s *Supervisor) currentResident() uint64 {
	if s.sampler == nil {
		return s.lastResident.Load()
	}
	r := s.sampler()
	prev := s.lastResident.Swap(r)
	if s.metrics != nil && r != prev {
		s.metrics.AddResidentBytes(context.Background(), int64(r)-int64(prev))
	}
	return r
}

// Start begins the periodic resident-bytes sampling loop. Stop must be
// called to release the goroutine.
func (s *Supervisor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evaluate(s.currentResident())
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()
}

// IsPressured reports whether pressure is currently active.
func (s *Supervisor) IsPressured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressured
}

// evaluate is the single entry point for both the periodic sampler and
// NotifyMemoryWarning; it is idempotent to call repeatedly with the same
// reading.
func (s *Supervisor) evaluate(resident uint64) {
	s.mu.Lock()
	limit := s.limit
	wasPressured := s.pressured
	s.mu.Unlock()

	if limit == 0 {
		return
	}

	active := float64(resident) > highWatermark*float64(limit)

	if active && !wasPressured {
		s.mu.Lock()
		s.pressured = true
		s.mu.Unlock()
		slog.Warn("pressure: entering pressured state", "resident_bytes", resident, "limit_bytes", limit)
		if s.metrics != nil {
			s.metrics.SetPressureActive(context.Background(), true)
		}
		s.onPressureEntered(limit)
		return
	}

	if !active && wasPressured {
		s.mu.Lock()
		s.pressured = false
		s.mu.Unlock()
		slog.Info("pressure: pressure cleared", "resident_bytes", resident, "limit_bytes", limit)
		if s.metrics != nil {
			s.metrics.SetPressureActive(context.Background(), false)
		}
		s.onPressureCleared()
	}
}

// onPressureEntered runs the three pressure reactions: LRU eviction until
// resident drops to the low watermark, TTS queue flush, and pausing all
// active downloads.
func (s *Supervisor) onPressureEntered(limit uint64) {
	s.evictLRU(limit)

	if s.tts != nil {
		s.tts.FlushOutputQueue()
	}

	if s.downloads != nil {
		for _, h := range s.downloads.ActiveHandles() {
			if err := s.downloads.Pause(h); err != nil {
				slog.Warn("pressure: failed to pause download", "handle", h, "err", err)
			}
		}
	}
}

// onPressureCleared resumes any downloads the supervisor paused.
func (s *Supervisor) onPressureCleared() {
	if s.downloads == nil {
		return
	}
	for _, h := range s.downloads.PausedHandles() {
		if err := s.downloads.Resume(h); err != nil {
			slog.Warn("pressure: failed to resume download", "handle", h, "err", err)
		}
	}
}

// evictLRU unloads non-pinned resident models, least-recently-used first,
// until resident usage would fall to or below 0.60*limit or no eviction
// candidates remain. Resident usage after each unload is estimated by
// subtracting the unloaded model's SizeBytes, since the supervisor has no
// independent resident-memory probe per model.
func (s *Supervisor) evictLRU(limit uint64) {
	if s.lister == nil {
		return
	}
	target := uint64(lowWatermark * float64(limit))
	resident := s.currentResident()

	candidates := make([]ResidentModel, 0)
	for _, m := range s.lister.ListResident() {
		if !m.Pinned {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})

	for _, m := range candidates {
		if resident <= target {
			break
		}
		if m.Unload == nil {
			continue
		}
		if err := m.Unload(); err != nil {
			slog.Warn("pressure: failed to evict model", "model_id", m.ModelID, "err", err)
			continue
		}
		slog.Info("pressure: evicted model", "model_id", m.ModelID, "size_bytes", m.SizeBytes)
		if m.SizeBytes > resident {
			resident = 0
		} else {
			resident -= m.SizeBytes
		}
	}
	s.lastResident.Store(resident)
}
