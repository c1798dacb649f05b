// Package lifecycle implements the model lifecycle manager: it owns the
// download engine and the model registry, coordinating downloads,
// deletions, and stray-file cleanup across both. Follows the same
// mutex-guarded owner-of-child-subsystems shape used elsewhere in this
// codebase.
package lifecycle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Akshay-at-360/onplay/internal/download"
	"github.com/Akshay-at-360/onplay/internal/integrity"
	"github.com/Akshay-at-360/onplay/internal/registry"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// Unloader is the subset of pkg/engine.Facade the lifecycle manager needs
// to evict engine-resident state before deleting a model's files. Each
// engine variant (llm.Engine, stt.Engine, tts.Engine) satisfies this via
// its embedded engine.Facade.
type Unloader interface {
	Unload(handle engine.Handle) error
	IsLoaded(handle engine.Handle) bool
}

// ResidentLookup resolves a model_id to the engine-variant handle
// currently holding it resident, if any. The pipeline/pressure layer that
// tracks which ModelHandle backs which model_id supplies this; the
// lifecycle manager itself does not track handle-to-model bindings.
type ResidentLookup func(modelID string) (variant Unloader, handle engine.Handle, ok bool)

// Manager owns the download engine and registry and coordinates their
// use across download/delete/cleanup operations.
type Manager struct {
	mu sync.Mutex

	reg        *registry.Registry
	downloads  *download.Engine
	storageDir string
	resident   ResidentLookup

	// pending maps a model_id to its in-flight download handle, so a
	// second download() call for the same model_id observes the existing
	// transfer instead of starting a duplicate.
	pending map[string]model.DownloadHandle
}

// Config configures a Manager.
type Config struct {
	Registry   *registry.Registry
	Downloads  *download.Engine
	StorageDir string

	// Resident resolves engine-resident handles for delete(); nil is
	// treated as "nothing ever resident," i.e. delete always skips the
	// unload step.
	Resident ResidentLookup
}

// New constructs a Manager from its child subsystems.
func New(cfg Config) *Manager {
	return &Manager{
		reg:        cfg.Registry,
		downloads:  cfg.Downloads,
		storageDir: cfg.StorageDir,
		resident:   cfg.Resident,
		pending:    make(map[string]model.DownloadHandle),
	}
}

// Download looks up model_id's ModelInfo, rejects a model that is already
// downloaded, and delegates the transfer (including its free-space check)
// to the download engine. Pins are not consulted. On
// completion the registry is updated via a background watcher goroutine
// that commits the model once the transfer reaches DownloadCompleted.
func (m *Manager) Download(modelID string, progressCb model.ProgressCallback) (model.DownloadHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.pending[modelID]; ok {
		return h, nil
	}

	info, ok := m.reg.Get(modelID)
	if !ok {
		return 0, model.NewError(model.KindNotFound, model.CodeModel, fmt.Sprintf("unknown model %q", modelID))
	}
	if m.reg.IsDownloaded(modelID) {
		return 0, model.NewError(model.KindState, model.CodeAlreadyActive, fmt.Sprintf("model %q already downloaded", modelID))
	}

	target, err := integrity.SafeJoin(m.storageDir, filepath.Join(info.Kind.String(), info.ModelID, info.Version+".bin"))
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, model.Wrap(model.KindIO, model.CodeFile, fmt.Sprintf("create directory for model %q", modelID), err)
	}

	handle, err := m.downloads.Submit(info.URL, target, info.SizeBytes, info.ExpectedSHA256, progressCb)
	if err != nil {
		return 0, err
	}
	m.pending[modelID] = handle

	go m.watchCommit(modelID, target, handle)

	return handle, nil
}

// watchCommit polls the download engine until handle reaches a terminal
// state, then commits the model to the registry on success. Polling (vs.
// a completion channel) matches the download engine's snapshot-based
// observation contract; the interval is generous since commits are not
// latency-sensitive.
func (m *Manager) watchCommit(modelID, target string, handle model.DownloadHandle) {
	const pollInterval = 200 * time.Millisecond
	for {
		snap, err := m.downloads.Snapshot(handle)
		if err != nil {
			slog.Error("lifecycle: lost track of download", "model_id", modelID, "err", err)
			m.clearPending(modelID)
			return
		}
		switch snap.State {
		case model.DownloadCompleted:
			if err := m.reg.MarkDownloaded(modelID, target, snap.ExpectedSize); err != nil {
				slog.Error("lifecycle: commit to registry failed", "model_id", modelID, "err", err)
			} else {
				slog.Info("lifecycle: model downloaded", "model_id", modelID, "path", target)
			}
			m.clearPending(modelID)
			return
		case model.DownloadFailed, model.DownloadCancelled:
			slog.Warn("lifecycle: download did not complete", "model_id", modelID, "state", snap.State, "err", snap.LastError)
			m.clearPending(modelID)
			return
		}
		time.Sleep(pollInterval)
	}
}

func (m *Manager) clearPending(modelID string) {
	m.mu.Lock()
	delete(m.pending, modelID)
	m.mu.Unlock()
}

// Delete unloads any engine-resident handle for model_id, then removes its
// on-disk artifact and registry bookkeeping.
func (m *Manager) Delete(modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.reg.LocalPath(modelID)
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModel, fmt.Sprintf("model %q is not downloaded", modelID))
	}

	if m.resident != nil {
		if variant, handle, ok := m.resident(modelID); ok && variant.IsLoaded(handle) {
			if err := variant.Unload(handle); err != nil {
				return fmt.Errorf("lifecycle: unload resident model %q before delete: %w", modelID, err)
			}
		}
	}

	if err := removeFile(path); err != nil {
		return err
	}
	return m.reg.Remove(modelID)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return model.Wrap(model.KindIO, model.CodeFile, fmt.Sprintf("remove %q", path), err)
	}
	return nil
}

// CleanupIncomplete removes stray .tmp files in the storage directory
// older than 24 hours that are not associated with an active download.
func (m *Manager) CleanupIncomplete() error {
	return m.downloads.CleanupIncomplete(m.storageDir, 24*time.Hour)
}

// Registry exposes the owned registry for read-only query operations
// (list_available, recommend, storage_info, ...) that the lifecycle
// manager itself does not re-expose one-for-one.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}
