package registry

import (
	"path/filepath"
	"testing"

	"github.com/Akshay-at-360/onplay/pkg/model"
)

func sampleInfo(id, version string, size uint64) model.Info {
	return model.Info{
		ModelID:   id,
		Version:   version,
		Kind:      model.KindLLM,
		SizeBytes: size,
		URL:       "https://example.invalid/" + id,
	}
}

func TestPublishAndGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	info := sampleInfo("whisper-small", "1.0.0", 100<<20)
	if err := r.Publish(info); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, ok := r.Get("whisper-small")
	if !ok {
		t.Fatal("expected model to be found")
	}
	if got.Version != "1.0.0" {
		t.Fatalf("got version %q", got.Version)
	}
}

func TestManifestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Publish(sampleInfo("llama-tiny", "2.1.0", 500<<20)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := r.MarkDownloaded("llama-tiny", filepath.Join(dir, "llama-tiny.bin"), 500<<20); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	r2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !r2.IsDownloaded("llama-tiny") {
		t.Fatal("expected llama-tiny to be downloaded after reopen")
	}
	info, ok := r2.Get("llama-tiny")
	if !ok || info.Version != "2.1.0" {
		t.Fatalf("expected republished info, got %+v ok=%v", info, ok)
	}
}

func TestPinForbidsUpdateDetection(t *testing.T) {
	dir := t.TempDir()
	r, _ := Open(dir)
	if err := r.Publish(sampleInfo("coqui-vits", "1.0.0", 50<<20)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if update, ok := r.CheckForUpdates("coqui-vits", "0.9.0"); !ok || update.Version != "1.0.0" {
		t.Fatalf("expected update detected before pin, got %+v ok=%v", update, ok)
	}

	if err := r.Pin("coqui-vits", "1.0.0"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if !r.IsPinned("coqui-vits") {
		t.Fatal("expected model pinned")
	}
	if _, ok := r.CheckForUpdates("coqui-vits", "0.9.0"); ok {
		t.Fatal("expected pin to suppress update detection")
	}

	if err := r.Unpin("coqui-vits"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if _, ok := r.CheckForUpdates("coqui-vits", "0.9.0"); !ok {
		t.Fatal("expected update detection to resume after unpin")
	}
}

func TestListAvailableFiltersByKindAndDeviceFit(t *testing.T) {
	dir := t.TempDir()
	r, _ := Open(dir)
	big := sampleInfo("llm-big", "1.0.0", 4<<30)
	small := sampleInfo("llm-small", "1.0.0", 200<<20)
	small.Metadata = map[string]string{"min_class": "1"}
	stt := sampleInfo("stt-model", "1.0.0", 100<<20)
	stt.Kind = model.KindSTT

	for _, info := range []model.Info{big, small, stt} {
		if err := r.Publish(info); err != nil {
			t.Fatalf("Publish %q: %v", info.ModelID, err)
		}
	}

	device := model.DeviceCapabilities{RAMBytes: 2 << 30, ComputeClass: 2}
	llmKind := model.KindLLM
	got := r.ListAvailable(&llmKind, &device)

	if len(got) != 1 || got[0].ModelID != "llm-small" {
		t.Fatalf("expected only llm-small to fit device, got %+v", got)
	}
}

func TestListDownloadedOnlyReturnsCommittedModels(t *testing.T) {
	dir := t.TempDir()
	r, _ := Open(dir)
	if err := r.Publish(sampleInfo("a", "1.0.0", 10)); err != nil {
		t.Fatalf("Publish a: %v", err)
	}
	if err := r.Publish(sampleInfo("b", "1.0.0", 10)); err != nil {
		t.Fatalf("Publish b: %v", err)
	}
	if err := r.MarkDownloaded("a", filepath.Join(dir, "a.bin"), 10); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	got := r.ListDownloaded()
	if len(got) != 1 || got[0].ModelID != "a" {
		t.Fatalf("expected only %q downloaded, got %+v", "a", got)
	}
}

func TestStorageInfoAggregatesPerModelBytes(t *testing.T) {
	dir := t.TempDir()
	r, _ := Open(dir, WithFreeBytesFunc(func(string) (uint64, error) { return 1 << 30, nil }))
	if err := r.Publish(sampleInfo("a", "1.0.0", 100)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := r.MarkDownloaded("a", filepath.Join(dir, "a.bin"), 100); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	info, err := r.StorageInfo(dir)
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if info.UsedBytes != 100 || info.PerModelBytes["a"] != 100 {
		t.Fatalf("unexpected storage info: %+v", info)
	}
	if info.AvailableBytes != 1<<30 {
		t.Fatalf("expected free-bytes override to be used, got %d", info.AvailableBytes)
	}
}

func TestRemoveUnknownModelReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	r, _ := Open(dir)
	err := r.Remove("nonexistent")
	e, ok := err.(*model.Error)
	if !ok || e.Kind != model.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

type recordingAuditSink struct {
	recorded []model.Info
}

func (s *recordingAuditSink) RecordCommit(info model.Info) {
	s.recorded = append(s.recorded, info)
}

func TestMarkDownloadedNotifiesAuditSink(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingAuditSink{}
	r, err := Open(dir, WithAudit(sink))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Publish(sampleInfo("coqui-vits", "1.0.0", 50<<20)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := r.MarkDownloaded("coqui-vits", filepath.Join(dir, "coqui-vits.bin"), 50<<20); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	if len(sink.recorded) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(sink.recorded))
	}
	if sink.recorded[0].ModelID != "coqui-vits" {
		t.Errorf("recorded model_id = %q, want coqui-vits", sink.recorded[0].ModelID)
	}
}

func TestPublishDoesNotNotifyAuditSink(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingAuditSink{}
	r, _ := Open(dir, WithAudit(sink))

	if err := r.Publish(sampleInfo("llama-tiny", "1.0.0", 10<<20)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(sink.recorded) != 0 {
		t.Fatalf("expected no audit records from Publish alone, got %d", len(sink.recorded))
	}
}
