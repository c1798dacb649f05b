package lifecycle

import (
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Akshay-at-360/onplay/internal/download"
	"github.com/Akshay-at-360/onplay/internal/registry"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

type fakeVariant struct {
	unloaded bool
	loaded   bool
}

func (f *fakeVariant) Unload(engine.Handle) error {
	f.unloaded = true
	f.loaded = false
	return nil
}

func (f *fakeVariant) IsLoaded(engine.Handle) bool { return f.loaded }

func waitDownloaded(t *testing.T, m *Manager, modelID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Registry().IsDownloaded(modelID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q to be marked downloaded", modelID)
}

func TestDownloadCommitsToRegistryOnCompletion(t *testing.T) {
	content := []byte("fake model weights, repeated padding for size realism")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	reg, err := registry.Open(dir)
	if err != nil {
		t.Fatalf("Open registry: %v", err)
	}
	sum := sha256.Sum256(content)
	if err := reg.Publish(model.Info{
		ModelID:        "tiny-llm",
		Version:        "1.0.0",
		Kind:           model.KindLLM,
		SizeBytes:      uint64(len(content)),
		URL:            srv.URL,
		ExpectedSHA256: sum,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	dl := download.New(download.Config{})
	mgr := New(Config{Registry: reg, Downloads: dl, StorageDir: dir})

	if _, err := mgr.Download("tiny-llm", nil); err != nil {
		t.Fatalf("Download: %v", err)
	}

	waitDownloaded(t, mgr, "tiny-llm", 5*time.Second)
}

func TestDownloadRejectsUnknownModel(t *testing.T) {
	dir := t.TempDir()
	reg, _ := registry.Open(dir)
	dl := download.New(download.Config{})
	mgr := New(Config{Registry: reg, Downloads: dl, StorageDir: dir})

	if _, err := mgr.Download("nonexistent", nil); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestDeleteUnloadsResidentHandleBeforeRemoving(t *testing.T) {
	content := []byte("weights")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	reg, _ := registry.Open(dir)
	sum := sha256.Sum256(content)
	if err := reg.Publish(model.Info{
		ModelID: "m", Version: "1.0.0", Kind: model.KindSTT,
		SizeBytes: uint64(len(content)), URL: srv.URL, ExpectedSHA256: sum,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	dl := download.New(download.Config{})
	variant := &fakeVariant{loaded: true}
	mgr := New(Config{
		Registry: reg, Downloads: dl, StorageDir: dir,
		Resident: func(modelID string) (Unloader, engine.Handle, bool) {
			if modelID == "m" {
				return variant, engine.Handle(1), true
			}
			return nil, 0, false
		},
	})

	if _, err := mgr.Download("m", nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	waitDownloaded(t, mgr, "m", 5*time.Second)

	if err := mgr.Delete("m"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !variant.unloaded {
		t.Fatal("expected resident handle to be unloaded before delete")
	}
	if reg.IsDownloaded("m") {
		t.Fatal("expected model to no longer be marked downloaded")
	}
}

func TestDeleteUnknownModelReturnsError(t *testing.T) {
	dir := t.TempDir()
	reg, _ := registry.Open(dir)
	dl := download.New(download.Config{})
	mgr := New(Config{Registry: reg, Downloads: dl, StorageDir: dir})

	if err := mgr.Delete("nonexistent"); err == nil {
		t.Fatal("expected error deleting an unknown model")
	}
}
