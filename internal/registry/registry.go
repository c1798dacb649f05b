// Package registry implements the model registry: an in-memory index
// backed by an on-disk JSON manifest, with pin/unpin, storage accounting,
// and device-filtered recommendation.
//
// The manifest is single-writer, copy-on-write for readers: writers hold
// the registry's mutex for the duration of a mutation and publish a fresh
// immutable snapshot map on every commit, so list_* operations never
// block on a writer.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Akshay-at-360/onplay/internal/integrity"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// entry is the on-disk representation of one published model plus local
// bookkeeping (download/pin state) not carried in model.Info itself.
type entry struct {
	Info       model.Info `json:"info"`
	Downloaded bool       `json:"downloaded"`
	PinnedAt   string     `json:"pinned_version,omitempty"`
	LocalPath  string     `json:"local_path,omitempty"`
	SizeOnDisk uint64     `json:"size_on_disk,omitempty"`
}

// manifest is the JSON document persisted at <storage>/registry.json.
type manifest struct {
	Entries []entry `json:"entries"`
}

// StorageInfo reports aggregate disk usage for downloaded models.
type StorageInfo struct {
	UsedBytes      uint64
	AvailableBytes uint64
	PerModelBytes  map[string]uint64
}

// AuditSink optionally mirrors committed registry changes, e.g. to a
// fleet-wide Postgres store.
type AuditSink interface {
	RecordCommit(info model.Info)
}

// Registry maintains the model index and manifest.
type Registry struct {
	mu       sync.Mutex
	path     string
	snapshot atomic.Pointer[map[string]entry] // keyed by model_id; copy-on-write

	freeBytesFn func(dir string) (uint64, error)
	audit       AuditSink
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithAudit registers an optional commit audit sink.
func WithAudit(sink AuditSink) Option {
	return func(r *Registry) { r.audit = sink }
}

// WithFreeBytesFunc overrides the free-space probe (for storage_info),
// primarily for tests.
func WithFreeBytesFunc(fn func(dir string) (uint64, error)) Option {
	return func(r *Registry) { r.freeBytesFn = fn }
}

// Open loads (or initializes) the manifest at <storageDir>/registry.json.
func Open(storageDir string, opts ...Option) (*Registry, error) {
	r := &Registry{path: filepath.Join(storageDir, "registry.json"), freeBytesFn: integrity.FreeBytes}
	for _, o := range opts {
		o(r)
	}

	m, err := loadManifest(r.path)
	if err != nil {
		return nil, err
	}
	snap := toSnapshot(m)
	r.snapshot.Store(&snap)
	return r, nil
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest{}, nil
		}
		return manifest{}, model.Wrap(model.KindIO, model.CodeFile, "read registry manifest", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, model.Wrap(model.KindIntegrity, model.CodeUnsupportedFmt, "parse registry manifest", err)
	}
	return m, nil
}

func toSnapshot(m manifest) map[string]entry {
	snap := make(map[string]entry, len(m.Entries))
	for _, e := range m.Entries {
		snap[e.Info.ModelID] = e
	}
	return snap
}

// current returns the live copy-on-write snapshot map.
func (r *Registry) current() map[string]entry {
	p := r.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Publish registers (or republishes) a model's static Info in the index
// without marking it downloaded. Used when seeding the catalogue.
func (r *Registry) Publish(info model.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := cloneSnapshot(r.current())
	e := snap[info.ModelID]
	e.Info = info
	snap[info.ModelID] = e
	return r.commit(snap)
}

// MarkDownloaded records that model_id@version has been committed to disk
// at localPath with the given size, after the download engine verifies
// and renames it into place.
func (r *Registry) MarkDownloaded(modelID, localPath string, sizeOnDisk uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := cloneSnapshot(r.current())
	e, ok := snap[modelID]
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModel, fmt.Sprintf("unknown model %q", modelID))
	}
	e.Downloaded = true
	e.LocalPath = localPath
	e.SizeOnDisk = sizeOnDisk
	snap[modelID] = e
	if err := r.commit(snap); err != nil {
		return err
	}
	if r.audit != nil {
		r.audit.RecordCommit(e.Info)
	}
	return nil
}

// Remove deletes modelID's downloaded-state bookkeeping (not the file
// itself; the lifecycle manager owns file deletion).
func (r *Registry) Remove(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := cloneSnapshot(r.current())
	e, ok := snap[modelID]
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModel, fmt.Sprintf("unknown model %q", modelID))
	}
	e.Downloaded = false
	e.LocalPath = ""
	e.SizeOnDisk = 0
	snap[modelID] = e
	return r.commit(snap)
}

// Pin forbids silent replacement of modelID during update checks; version
// must match a known entry's current version, else InvalidParameterValue.
func (r *Registry) Pin(modelID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := cloneSnapshot(r.current())
	e, ok := snap[modelID]
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModel, fmt.Sprintf("unknown model %q", modelID))
	}
	if version != e.Info.Version {
		return model.NewError(model.KindInvalidInput, model.CodeParameterValue,
			fmt.Sprintf("version %q does not match registered version %q of %q", version, e.Info.Version, modelID))
	}
	e.PinnedAt = version
	snap[modelID] = e
	return r.commit(snap)
}

// Unpin clears modelID's pin, if any.
func (r *Registry) Unpin(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := cloneSnapshot(r.current())
	e, ok := snap[modelID]
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModel, fmt.Sprintf("unknown model %q", modelID))
	}
	e.PinnedAt = ""
	snap[modelID] = e
	return r.commit(snap)
}

// IsPinned reports whether modelID currently has a pinned version.
func (r *Registry) IsPinned(modelID string) bool {
	e, ok := r.current()[modelID]
	return ok && e.PinnedAt != ""
}

// PinnedVersion returns modelID's pinned version, or "" if unpinned.
func (r *Registry) PinnedVersion(modelID string) string {
	return r.current()[modelID].PinnedAt
}

// Get returns modelID's published Info, if known.
func (r *Registry) Get(modelID string) (model.Info, bool) {
	e, ok := r.current()[modelID]
	return e.Info, ok
}

// ListAvailable returns all published models, optionally filtered by kind
// and device fit. A zero-value device (RAMBytes==0) skips the fit filter.
func (r *Registry) ListAvailable(kind *model.Kind, device *model.DeviceCapabilities) []model.Info {
	snap := r.current()
	out := make([]model.Info, 0, len(snap))
	for _, e := range snap {
		if kind != nil && e.Info.Kind != *kind {
			continue
		}
		if device != nil && device.RAMBytes > 0 {
			minClass := 0
			if mc, ok := e.Info.Metadata["min_class"]; ok {
				fmt.Sscanf(mc, "%d", &minClass)
			}
			if !device.Fits(e.Info, minClass) {
				continue
			}
		}
		out = append(out, e.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// ListDownloaded returns Info for every model currently committed to disk.
func (r *Registry) ListDownloaded() []model.Info {
	snap := r.current()
	out := make([]model.Info, 0, len(snap))
	for _, e := range snap {
		if e.Downloaded {
			out = append(out, e.Info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Recommend filters ListAvailable(kind, device) results, identical to the
// device-fit filter already applied there; provided as the named spec
// operation for callers that do not need the raw list_available form.
func (r *Registry) Recommend(kind model.Kind, device model.DeviceCapabilities) []model.Info {
	return r.ListAvailable(&kind, &device)
}

// CheckForUpdates compares modelID's registered version against
// currentVersion and returns the newer Info if the registry's version
// differs, unless modelID is pinned.
func (r *Registry) CheckForUpdates(modelID, currentVersion string) (model.Info, bool) {
	if r.IsPinned(modelID) {
		return model.Info{}, false
	}
	e, ok := r.current()[modelID]
	if !ok || e.Info.Version == currentVersion {
		return model.Info{}, false
	}
	return e.Info, true
}

// StorageInfo reports aggregate disk usage of downloaded models plus free
// space on the manifest's filesystem.
func (r *Registry) StorageInfo(freeBytesDir string) (StorageInfo, error) {
	snap := r.current()
	info := StorageInfo{PerModelBytes: make(map[string]uint64, len(snap))}
	for id, e := range snap {
		if !e.Downloaded {
			continue
		}
		info.PerModelBytes[id] = e.SizeOnDisk
		info.UsedBytes += e.SizeOnDisk
	}
	if r.freeBytesFn != nil {
		avail, err := r.freeBytesFn(freeBytesDir)
		if err != nil {
			return StorageInfo{}, err
		}
		info.AvailableBytes = avail
	}
	return info, nil
}

// IsDownloaded reports whether modelID has a committed local file.
func (r *Registry) IsDownloaded(modelID string) bool {
	e, ok := r.current()[modelID]
	return ok && e.Downloaded
}

// LocalPath returns the on-disk path for a downloaded model.
func (r *Registry) LocalPath(modelID string) (string, bool) {
	e, ok := r.current()[modelID]
	if !ok || !e.Downloaded {
		return "", false
	}
	return e.LocalPath, true
}

// commit must be called with r.mu held. It atomically writes the manifest
// (temp file + rename) and publishes the new snapshot.
func (r *Registry) commit(snap map[string]entry) error {
	entries := make([]entry, 0, len(snap))
	for _, e := range snap {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Info.ModelID < entries[j].Info.ModelID })

	data, err := json.MarshalIndent(manifest{Entries: entries}, "", "  ")
	if err != nil {
		return model.Wrap(model.KindInternal, model.CodeModel, "marshal registry manifest", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return model.Wrap(model.KindIO, model.CodeFile, "create registry directory", err)
	}
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return model.Wrap(model.KindIO, model.CodeFile, "write registry manifest temp file", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return model.Wrap(model.KindIO, model.CodeFile, "commit registry manifest", err)
	}

	r.snapshot.Store(&snap)
	return nil
}

func cloneSnapshot(src map[string]entry) map[string]entry {
	dst := make(map[string]entry, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
