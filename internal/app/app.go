// Package app wires all onplay subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, and Shutdown tears everything down in reverse-init order.
//
// For testing, inject mock implementations via functional options
// (WithSTTEngine, WithLLMEngine, WithTTSEngine). When an option is not
// provided, New creates real native engines.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Akshay-at-360/onplay/internal/config"
	"github.com/Akshay-at-360/onplay/internal/download"
	"github.com/Akshay-at-360/onplay/internal/health"
	"github.com/Akshay-at-360/onplay/internal/lifecycle"
	"github.com/Akshay-at-360/onplay/internal/observe"
	"github.com/Akshay-at-360/onplay/internal/pressure"
	"github.com/Akshay-at-360/onplay/internal/registry"
	"github.com/Akshay-at-360/onplay/internal/resilience"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/engine/llm"
	"github.com/Akshay-at-360/onplay/pkg/engine/stt"
	"github.com/Akshay-at-360/onplay/pkg/engine/tts"
	"github.com/Akshay-at-360/onplay/pkg/model"

	"github.com/Akshay-at-360/onplay/internal/pipeline"
)

// binding records which engine variant and handle currently hold modelID
// resident, for the lifecycle manager's pre-delete unload step and the
// pressure supervisor's eviction ranking.
type binding struct {
	variant   lifecycle.Unloader
	handle    engine.Handle
	sizeBytes uint64
	pinned    bool
	lastUsed  time.Time
}

// App owns all subsystem lifetimes and orchestrates the on-device runtime.
type App struct {
	cfg *config.Config

	reg        *registry.Registry
	downloads  *download.Engine
	lifecycle  *lifecycle.Manager
	supervisor *pressure.Supervisor
	pipeline   *pipeline.Pipeline
	health     *health.Handler
	metrics    *observe.Metrics

	sttEng stt.Engine
	llmEng llm.Engine
	ttsEng tts.Engine

	loadBreakers map[model.Kind]*resilience.CircuitBreaker

	mu       sync.Mutex
	resident map[string]binding // model_id -> binding
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSTTEngine injects an STT engine instead of creating a native one.
func WithSTTEngine(e stt.Engine) Option {
	return func(a *App) { a.sttEng = e }
}

// WithLLMEngine injects an LLM engine instead of creating a native one.
func WithLLMEngine(e llm.Engine) Option {
	return func(a *App) { a.llmEng = e }
}

// WithTTSEngine injects a TTS engine instead of creating a native one.
func WithTTSEngine(e tts.Engine) Option {
	return func(a *App) { a.ttsEng = e }
}

// New creates an App by wiring registry, download engine, lifecycle
// manager, memory pressure supervisor, and voice pipeline together from
// cfg. Use Option functions to inject test doubles for any engine variant.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:          cfg,
		resident:     make(map[string]binding),
		loadBreakers: make(map[model.Kind]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(a)
	}

	a.metrics = observe.DefaultMetrics()

	if err := a.initRegistry(); err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}
	a.initDownloads()
	a.initLifecycle()
	a.initEngines()
	a.initBreakers()
	a.initPipeline()
	a.initPressure()
	a.initHealth()

	return a, nil
}

// initRegistry opens the on-disk manifest and, when Storage.AuditDSN is
// configured, attaches a Postgres-backed AuditSink that mirrors completed
// download commits for fleet-wide reporting. The local manifest stays the
// source of truth regardless of whether the audit mirror is reachable.
func (a *App) initRegistry() error {
	var opts []registry.Option
	if a.cfg.Storage.AuditDSN != "" {
		pool, err := pgxpool.New(context.Background(), a.cfg.Storage.AuditDSN)
		if err != nil {
			return fmt.Errorf("app: connect audit database: %w", err)
		}
		sink := registry.NewPostgresAuditSink(pool)
		if err := sink.Migrate(context.Background()); err != nil {
			pool.Close()
			return fmt.Errorf("app: migrate audit schema: %w", err)
		}
		opts = append(opts, registry.WithAudit(sink))
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	}

	reg, err := registry.Open(a.cfg.Storage.Dir, opts...)
	if err != nil {
		return err
	}
	a.reg = reg
	return nil
}

func (a *App) initDownloads() {
	a.downloads = download.New(download.Config{
		Concurrency: int64(a.cfg.Models.DownloadConcurrency),
		LogPath:     a.cfg.Storage.Dir + "/downloads.log",
		Metrics:     a.metrics,
	})
}

func (a *App) initLifecycle() {
	a.lifecycle = lifecycle.New(lifecycle.Config{
		Registry:   a.reg,
		Downloads:  a.downloads,
		StorageDir: a.cfg.Storage.Dir,
		Resident:   a.residentLookup,
	})
}

func (a *App) initEngines() {
	if a.sttEng == nil {
		a.sttEng = stt.NewNative(nil, a.metrics)
	}
	if a.llmEng == nil {
		a.llmEng = llm.NewNative(a.metrics)
	}
	if a.ttsEng == nil {
		a.ttsEng = tts.NewNative(a.metrics)
	}
}

// initBreakers creates one circuit breaker per model kind, guarding engine
// Load calls against repeated OutOfMemory failures the way the download
// engine's retry policy guards transient network failures.
func (a *App) initBreakers() {
	for _, kind := range []model.Kind{model.KindLLM, model.KindSTT, model.KindTTS} {
		a.loadBreakers[kind] = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "engine-load:" + kind.String(),
			MaxFailures: 3,
		})
	}
}

func (a *App) initPipeline() {
	a.pipeline = pipeline.New(nil, pipeline.WithMetrics(a.metrics))
}

func (a *App) initPressure() {
	a.supervisor = pressure.New(pressure.Config{
		Sampler:   a.residentBytes,
		Lister:    a,
		Downloads: a.downloads,
		TTS:       a.pipeline,
		Metrics:   a.metrics,
	})
	if a.cfg.Storage.MemoryLimitBytes > 0 {
		a.supervisor.SetMemoryLimit(a.cfg.Storage.MemoryLimitBytes)
	}
	a.supervisor.Start(5 * time.Second)
	a.closers = append(a.closers, func() error {
		a.supervisor.Stop()
		return nil
	})
}

func (a *App) initHealth() {
	a.health = health.New([]health.Checker{
		{
			Name: "registry",
			Check: func(ctx context.Context) error {
				_, err := a.reg.StorageInfo(a.cfg.Storage.Dir)
				return err
			},
		},
	}, health.WithCheckTimeout(10*time.Second))
}

// LoadModel resolves model_id in the registry, dispatches to the matching
// engine variant, and loads it through that variant's circuit breaker. A
// model already resident is a no-op that returns the existing handle.
func (a *App) LoadModel(modelID string) (engine.Handle, error) {
	a.mu.Lock()
	if b, ok := a.resident[modelID]; ok {
		a.mu.Unlock()
		return b.handle, nil
	}
	a.mu.Unlock()

	info, ok := a.reg.Get(modelID)
	if !ok {
		return 0, model.NewError(model.KindNotFound, model.CodeModel, fmt.Sprintf("unknown model %q", modelID))
	}
	path, ok := a.reg.LocalPath(modelID)
	if !ok {
		return 0, model.NewError(model.KindState, model.CodeModel, fmt.Sprintf("model %q is not downloaded", modelID))
	}

	variant, err := a.variantFor(info.Kind)
	if err != nil {
		return 0, err
	}

	breaker := a.loadBreakers[info.Kind]
	var handle engine.Handle
	loadErr := breaker.Execute(func() error {
		h, err := variant.Load(path)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if loadErr != nil {
		return 0, loadErr
	}

	a.mu.Lock()
	a.resident[modelID] = binding{
		variant:   variant,
		handle:    handle,
		sizeBytes: info.SizeBytes,
		pinned:    a.reg.IsPinned(modelID),
		lastUsed:  time.Now(),
	}
	a.mu.Unlock()

	return handle, nil
}

// UnloadModel releases modelID's resident engine state, if any.
func (a *App) UnloadModel(modelID string) error {
	a.mu.Lock()
	b, ok := a.resident[modelID]
	if ok {
		delete(a.resident, modelID)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return b.variant.Unload(b.handle)
}

func (a *App) variantFor(kind model.Kind) (engine.Facade, error) {
	switch kind {
	case model.KindLLM:
		return a.llmEng, nil
	case model.KindSTT:
		return a.sttEng, nil
	case model.KindTTS:
		return a.ttsEng, nil
	default:
		return nil, model.NewError(model.KindInvalidInput, model.CodeParameterValue, "unknown model kind")
	}
}

// ConfigurePipeline loads the three named models (if not already resident)
// and configures the voice pipeline to use them.
func (a *App) ConfigurePipeline(sttModelID, llmModelID, ttsModelID string, cfg pipeline.Config) error {
	sttHandle, err := a.LoadModel(sttModelID)
	if err != nil {
		return fmt.Errorf("app: load stt model %q: %w", sttModelID, err)
	}
	llmHandle, err := a.LoadModel(llmModelID)
	if err != nil {
		return fmt.Errorf("app: load llm model %q: %w", llmModelID, err)
	}
	ttsHandle, err := a.LoadModel(ttsModelID)
	if err != nil {
		return fmt.Errorf("app: load tts model %q: %w", ttsModelID, err)
	}
	return a.pipeline.Configure(a.sttEng, sttHandle, a.llmEng, llmHandle, a.ttsEng, ttsHandle, cfg)
}

// residentBytes sums the resident model sizes as a pressure.ResidentSampler.
func (a *App) residentBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, b := range a.resident {
		total += b.sizeBytes
	}
	return total
}

// ListResident implements pressure.ResidentLister over the binding table.
func (a *App) ListResident() []pressure.ResidentModel {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]pressure.ResidentModel, 0, len(a.resident))
	for modelID, b := range a.resident {
		modelID, b := modelID, b
		out = append(out, pressure.ResidentModel{
			ModelID:   modelID,
			SizeBytes: b.sizeBytes,
			Pinned:    b.pinned,
			LastUsed:  b.lastUsed,
			Unload: func() error {
				return a.UnloadModel(modelID)
			},
		})
	}
	return out
}

// residentLookup implements lifecycle.ResidentLookup over the binding table.
func (a *App) residentLookup(modelID string) (lifecycle.Unloader, engine.Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.resident[modelID]
	if !ok {
		return nil, 0, false
	}
	return b.variant, b.handle, true
}

// Registry exposes the owned registry for read-only query operations.
func (a *App) Registry() *registry.Registry { return a.reg }

// Lifecycle exposes the owned lifecycle manager for download/delete
// operations.
func (a *App) Lifecycle() *lifecycle.Manager { return a.lifecycle }

// Pipeline exposes the owned voice pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Health exposes the HTTP health/readiness handler.
func (a *App) Health() *health.Handler { return a.health }

// Metrics exposes the OpenTelemetry metrics instruments.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Shutdown tears down all subsystems in reverse-init order. It respects
// the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.pipeline.Stop()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}
