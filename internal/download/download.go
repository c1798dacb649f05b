// Package download implements resumable, verified, range-requested model
// downloads with exponential backoff retry and a bounded worker pool.
//
// State machine:
//
//	Pending → Active → Verifying → Completed
//	              ↘ Paused ↗
//	              ↘ Failed (retryable n<3 → Active; else terminal)
//	              ↘ Cancelled (terminal)
//
// Uses the same mutex-guarded state-transition idiom and log/slog usage
// as the circuit breaker, and an append-only JSON-lines pattern for the
// downloads audit log.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/internal/integrity"
	"github.com/Akshay-at-360/onplay/internal/observe"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

const (
	minFreeHeadroomBytes = 1 << 20 // 1 MiB
	fsyncBoundaryBytes   = 4 << 20 // 4 MiB
	progressIntervalMin  = 100 * time.Millisecond
	maxAttempts          = 3
	backoffBase          = 500 * time.Millisecond
	backoffCap           = 8 * time.Second
	backoffFactor        = 2
	backoffJitter        = 0.25

	defaultConcurrency = 2
)

// ResumePolicy controls what happens to a partial temp file when a download
// terminates via Cancel or permanent failure.
type ResumePolicy int

const (
	// DiscardPartial deletes the temp file on Cancelled/Failed.
	DiscardPartial ResumePolicy = iota
	// KeepPartial retains the temp file as a resume prefix for a future
	// Submit call against the same target path.
	KeepPartial
)

// record is the engine's internal mutable state for one submitted download.
// Export via Snapshot as an immutable model.DownloadRecord copy.
type record struct {
	mu sync.Mutex

	handle       model.DownloadHandle
	url          string
	targetPath   string
	tmpPath      string
	expectedSize uint64
	expectedSHA  [32]byte
	progressCb   model.ProgressCallback
	policy       ResumePolicy

	bytesDone    uint64
	state        model.DownloadState
	attempts     int
	lastErr      error
	lastProgress time.Time
	cancel       *clock.CancelToken
	pauseCh      chan struct{} // closed to release a paused download

	// modelID labels metric attributes; derived from target's parent
	// directory name, since Submit's callers lay out
	// <storageDir>/<kind>/<modelID>/<version>.bin.
	modelID   string
	startedAt time.Time
}

func (r *record) snapshot() model.DownloadRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.DownloadRecord{
		Handle:       r.handle,
		URL:          r.url,
		TargetPath:   r.targetPath,
		TmpPath:      r.tmpPath,
		ExpectedSize: r.expectedSize,
		BytesDone:    r.bytesDone,
		State:        r.state,
		Attempts:     r.attempts,
		LastError:    r.lastErr,
	}
}

// AuditSink receives a record of every completed, terminally failed, or
// cancelled download, e.g. for an optional Postgres-backed fleet-wide mirror.
type AuditSink interface {
	RecordDownload(rec model.DownloadRecord)
}

// Engine submits and supervises model downloads.
type Engine struct {
	mu      sync.Mutex
	records map[model.DownloadHandle]*record

	client *http.Client
	clock  clock.Clock
	sem    *semaphore.Weighted

	logPath string
	logMu   sync.Mutex

	audit   AuditSink
	metrics *observe.Metrics
}

// Config configures a new Engine.
type Config struct {
	// Concurrency bounds the number of downloads performing network I/O
	// at once. Zero defaults to 2.
	Concurrency int64

	// Client is the HTTP client used for range-request GETs. Nil uses
	// http.DefaultClient.
	Client *http.Client

	// Clock is the time source for backoff and timestamps. Nil uses the
	// real clock.
	Clock clock.Clock

	// LogPath, if non-empty, is an append-only JSON-lines audit log of
	// every completed, terminally failed, or cancelled download.
	LogPath string

	// Audit, if non-nil, additionally receives every completed, terminally
	// failed, or cancelled download (e.g. a Postgres-backed fleet mirror).
	Audit AuditSink

	// Metrics, if non-nil, receives download duration, byte throughput,
	// and retry counts. Nil disables instrumentation.
	Metrics *observe.Metrics
}

// New constructs a download Engine.
func New(cfg Config) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.New()
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		records: make(map[model.DownloadHandle]*record),
		client:  client,
		clock:   cl,
		sem:     semaphore.NewWeighted(concurrency),
		logPath: cfg.LogPath,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
	}
}

var handleCounter uint64

func nextHandle() model.DownloadHandle {
	handleCounter++
	return model.DownloadHandle(handleCounter)
}

// Submit begins a new download and returns its handle immediately; the
// transfer runs on a background goroutine gated by the engine's bounded
// worker pool.
func (e *Engine) Submit(url, target string, expectedSize uint64, expectedSHA256 [32]byte, progressCb model.ProgressCallback) (model.DownloadHandle, error) {
	if url == "" || target == "" {
		return 0, model.NewError(model.KindInvalidInput, model.CodeParameterValue, "url and target must not be empty")
	}

	e.mu.Lock()
	handle := nextHandle()
	rec := &record{
		handle:       handle,
		url:          url,
		targetPath:   target,
		tmpPath:      target + ".tmp",
		expectedSize: expectedSize,
		expectedSHA:  expectedSHA256,
		progressCb:   progressCb,
		state:        model.DownloadPending,
		cancel:       clock.NewCancelToken(),
		modelID:      filepath.Base(filepath.Dir(target)),
		startedAt:    e.clock.Now(),
	}
	e.records[handle] = rec
	e.mu.Unlock()

	go e.run(rec)

	return handle, nil
}

// Cancel requests cancellation of handle. Returns immediately without
// blocking, per the cooperative-cancellation contract.
func (e *Engine) Cancel(handle model.DownloadHandle) error {
	e.mu.Lock()
	rec, ok := e.records[handle]
	e.mu.Unlock()
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModelHandle, fmt.Sprintf("no download with handle %d", handle))
	}
	rec.cancel.Cancel()
	rec.mu.Lock()
	if rec.pauseCh != nil {
		close(rec.pauseCh)
		rec.pauseCh = nil
	}
	rec.mu.Unlock()
	return nil
}

// Snapshot returns a copy of handle's current observable state.
func (e *Engine) Snapshot(handle model.DownloadHandle) (model.DownloadRecord, error) {
	e.mu.Lock()
	rec, ok := e.records[handle]
	e.mu.Unlock()
	if !ok {
		return model.DownloadRecord{}, model.NewError(model.KindNotFound, model.CodeModelHandle, fmt.Sprintf("no download with handle %d", handle))
	}
	return rec.snapshot(), nil
}

// ActiveHandles returns the handles of every download currently in the
// Active state, for the pressure supervisor's pause-all-on-pressure step.
func (e *Engine) ActiveHandles() []model.DownloadHandle {
	e.mu.Lock()
	recs := make([]*record, 0, len(e.records))
	for _, rec := range e.records {
		recs = append(recs, rec)
	}
	e.mu.Unlock()

	out := make([]model.DownloadHandle, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.state == model.DownloadActive {
			out = append(out, rec.handle)
		}
		rec.mu.Unlock()
	}
	return out
}

// PausedHandles returns the handles of every download currently Paused,
// for the pressure supervisor's resume-all-on-clear step.
func (e *Engine) PausedHandles() []model.DownloadHandle {
	e.mu.Lock()
	recs := make([]*record, 0, len(e.records))
	for _, rec := range e.records {
		recs = append(recs, rec)
	}
	e.mu.Unlock()

	out := make([]model.DownloadHandle, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.state == model.DownloadPaused {
			out = append(out, rec.handle)
		}
		rec.mu.Unlock()
	}
	return out
}

// Pause transitions an Active download to Paused. Used by the pressure
// supervisor; resumes automatically are driven by Resume.
func (e *Engine) Pause(handle model.DownloadHandle) error {
	e.mu.Lock()
	rec, ok := e.records[handle]
	e.mu.Unlock()
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModelHandle, fmt.Sprintf("no download with handle %d", handle))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != model.DownloadActive {
		return nil
	}
	rec.state = model.DownloadPaused
	rec.pauseCh = make(chan struct{})
	return nil
}

// Resume releases a Paused download back to Active.
func (e *Engine) Resume(handle model.DownloadHandle) error {
	e.mu.Lock()
	rec, ok := e.records[handle]
	e.mu.Unlock()
	if !ok {
		return model.NewError(model.KindNotFound, model.CodeModelHandle, fmt.Sprintf("no download with handle %d", handle))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != model.DownloadPaused {
		return nil
	}
	rec.state = model.DownloadActive
	if rec.pauseCh != nil {
		close(rec.pauseCh)
		rec.pauseCh = nil
	}
	return nil
}

// run drives rec through the full state machine. Invoked once per Submit
// on its own goroutine.
func (e *Engine) run(rec *record) {
	if err := e.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	for {
		err := e.attempt(rec)
		if err == nil {
			return
		}
		if errors.Is(err, model.ErrCancelled) {
			e.finishTerminal(rec, model.DownloadCancelled, err)
			return
		}

		var merr *model.Error
		retryable := errors.As(err, &merr) && merr.Kind == model.KindIO
		rec.mu.Lock()
		rec.attempts++
		attempts := rec.attempts
		rec.lastErr = err
		modelID := rec.modelID
		rec.mu.Unlock()

		if !retryable || attempts >= maxAttempts {
			e.finishTerminal(rec, model.DownloadFailed, err)
			return
		}

		if e.metrics != nil {
			reason := "io"
			if merr != nil {
				reason = merr.Code
			}
			e.metrics.RecordDownloadRetry(context.Background(), modelID, reason)
		}

		rec.mu.Lock()
		rec.state = model.DownloadActive
		rec.mu.Unlock()

		if rec.cancel.IsCancelled() {
			e.finishTerminal(rec, model.DownloadCancelled, model.ErrCancelled)
			return
		}
		e.clock.Sleep(backoffDelay(attempts))
	}
}

// backoffDelay computes the exponential-backoff-with-jitter sleep duration
// for the given (1-indexed) attempt number.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d > backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	scaled := time.Duration(float64(d) * jitter)
	if scaled > backoffCap {
		scaled = backoffCap
	}
	return scaled
}

// attempt runs one full pass of the download protocol: resume detection,
// free-space check, streamed transfer, and verification. Returns nil only
// on full success (state left as Completed).
func (e *Engine) attempt(rec *record) error {
	rec.mu.Lock()
	rec.state = model.DownloadActive
	tmpPath := rec.tmpPath
	targetPath := rec.targetPath
	expectedSize := rec.expectedSize
	rec.mu.Unlock()

	if rec.cancel.IsCancelled() {
		return model.ErrCancelled
	}

	startOffset, err := resumeOffset(tmpPath, expectedSize)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.bytesDone = startOffset
	rec.mu.Unlock()

	switch {
	case expectedSize == 0:
		// Nothing to fetch over the network, but a zero-byte download
		// still owes the guaranteed 0.0 progress call before falling
		// through to Verifying/hash/rename below.
		e.reportProgress(rec, true, false)
		f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return model.Wrap(model.KindIO, model.CodeFile, "create empty temp file", err)
		}
		if err := f.Close(); err != nil {
			return model.Wrap(model.KindIO, model.CodeFile, "create empty temp file", err)
		}
	case startOffset < expectedSize:
		if err := e.checkFreeSpace(tmpPath, expectedSize, startOffset); err != nil {
			return err
		}
		if err := e.stream(rec, startOffset); err != nil {
			return err
		}
	}

	rec.mu.Lock()
	rec.state = model.DownloadVerifying
	rec.mu.Unlock()

	if rec.cancel.IsCancelled() {
		return model.ErrCancelled
	}

	sum, err := integrity.HashFile(tmpPath)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	expected := rec.expectedSHA
	rec.mu.Unlock()
	if sum != expected {
		os.Remove(tmpPath)
		return model.ErrChecksumMismatch
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		return model.Wrap(model.KindIO, model.CodeFile, "commit downloaded artifact", err)
	}

	rec.mu.Lock()
	rec.state = model.DownloadCompleted
	rec.bytesDone = expectedSize
	modelID := rec.modelID
	elapsed := e.clock.Since(rec.startedAt)
	rec.mu.Unlock()
	e.reportProgress(rec, true, true)
	e.audit1(rec)
	if e.metrics != nil {
		e.metrics.RecordDownloadDuration(context.Background(), modelID, elapsed.Seconds())
	}
	return nil
}

// resumeOffset stats tmpPath to decide the resume point: resume if smaller,
// skip straight to Verifying if equal size (by returning expectedSize),
// truncate and restart if larger.
func resumeOffset(tmpPath string, expectedSize uint64) (uint64, error) {
	fi, err := os.Stat(tmpPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, model.Wrap(model.KindIO, model.CodeFile, "stat temp file", err)
	}
	size := uint64(fi.Size())
	switch {
	case size < expectedSize:
		return size, nil
	case size == expectedSize:
		return size, nil
	default:
		if err := os.Truncate(tmpPath, 0); err != nil {
			return 0, model.Wrap(model.KindIO, model.CodeFile, "truncate oversized temp file", err)
		}
		return 0, nil
	}
}

func (e *Engine) checkFreeSpace(tmpPath string, expectedSize, bytesDone uint64) error {
	dir := filepath.Dir(tmpPath)
	free, err := integrity.FreeBytes(dir)
	if err != nil {
		return err
	}
	need := (expectedSize - bytesDone) + minFreeHeadroomBytes
	if free < need {
		return model.ErrInsufficientSpace
	}
	return nil
}

// stream performs the ranged HTTP GET and writes the response body to
// tmpPath starting at startOffset, fsyncing on >=4MiB boundaries and
// reporting progress at most every 100ms.
func (e *Engine) stream(rec *record, startOffset uint64) error {
	ctx, stopCtx := rec.cancel.WithContext(context.Background())
	defer stopCtx()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.url, nil)
	if err != nil {
		return model.Wrap(model.KindInvalidInput, model.CodeParameterValue, "build download request", err)
	}
	if startOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if rec.cancel.IsCancelled() {
			return model.ErrCancelled
		}
		return model.Wrap(model.KindIO, model.CodeNetwork, "download request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		kind := model.KindIO
		if resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			kind = model.KindInvalidInput // permanent 4xx (except 408/429): non-retryable
		}
		return model.NewError(kind, model.CodeNetwork, fmt.Sprintf("download returned status %d", resp.StatusCode))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startOffset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		startOffset = 0
	}

	f, err := os.OpenFile(rec.tmpPath, flags, 0o644)
	if err != nil {
		return model.Wrap(model.KindIO, model.CodeFile, "open temp file for writing", err)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	var sinceSync uint64
	done := startOffset

	e.reportProgress(rec, true, false)

	for {
		if rec.cancel.IsCancelled() {
			return model.ErrCancelled
		}
		e.waitIfPaused(rec)

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return model.Wrap(model.KindIO, model.CodeFile, "write temp file", werr)
			}
			done += uint64(n)
			sinceSync += uint64(n)
			rec.mu.Lock()
			rec.bytesDone = done
			modelID := rec.modelID
			rec.mu.Unlock()
			if e.metrics != nil {
				e.metrics.RecordDownloadBytes(context.Background(), modelID, int64(n))
			}

			if sinceSync >= fsyncBoundaryBytes {
				f.Sync()
				sinceSync = 0
			}
			e.reportProgress(rec, false, false)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if rec.cancel.IsCancelled() {
				return model.ErrCancelled
			}
			return model.Wrap(model.KindIO, model.CodeNetwork, "read download response body", rerr)
		}
	}

	return f.Sync()
}

func (e *Engine) waitIfPaused(rec *record) {
	for {
		rec.mu.Lock()
		ch := rec.pauseCh
		rec.mu.Unlock()
		if ch == nil {
			return
		}
		select {
		case <-ch:
		case <-rec.cancel.Done():
			return
		}
	}
}

// reportProgress invokes rec.progressCb at most once per 100ms, unless
// force is set, which bypasses the throttle unconditionally (used for the
// guaranteed first call at the start of a download and the guaranteed
// final call on completion). final additionally forces the reported
// fraction to 1.0, since a zero-byte download has no bytesDone/expectedSize
// ratio to compute it from.
func (e *Engine) reportProgress(rec *record, force, final bool) {
	rec.mu.Lock()
	cb := rec.progressCb
	if cb == nil {
		rec.mu.Unlock()
		return
	}
	now := e.clock.Now()
	if !force && !final && now.Sub(rec.lastProgress) < progressIntervalMin {
		rec.mu.Unlock()
		return
	}
	rec.lastProgress = now
	fraction := 0.0
	if rec.expectedSize > 0 {
		fraction = float64(rec.bytesDone) / float64(rec.expectedSize)
	}
	if final {
		fraction = 1.0
	}
	rec.mu.Unlock()
	cb(fraction)
}

func (e *Engine) finishTerminal(rec *record, state model.DownloadState, cause error) {
	rec.mu.Lock()
	rec.state = state
	rec.lastErr = cause
	policy := rec.policy
	tmpPath := rec.tmpPath
	bytesDone := rec.bytesDone
	rec.mu.Unlock()

	if policy != KeepPartial || bytesDone == 0 {
		os.Remove(tmpPath)
	}
	e.audit1(rec)
}

func (e *Engine) audit1(rec *record) {
	snap := rec.snapshot()
	if e.audit != nil {
		e.audit.RecordDownload(snap)
	}
	if e.logPath == "" {
		return
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()

	entry := struct {
		Handle    model.DownloadHandle `json:"handle"`
		URL       string               `json:"url"`
		State     string               `json:"state"`
		BytesDone uint64               `json:"bytes_done"`
		Attempts  int                  `json:"attempts"`
		Timestamp time.Time            `json:"timestamp"`
	}{snap.Handle, snap.URL, snap.State.String(), snap.BytesDone, snap.Attempts, e.clock.Now().UTC()}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("download audit log marshal failed", "error", err)
		return
	}
	data = append(data, '\n')

	f, err := os.OpenFile(e.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("download audit log open failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		slog.Error("download audit log write failed", "error", err)
	}
}

// CleanupIncomplete removes stray .tmp files anywhere under dir (including
// subdirectories) older than maxAge
// that do not correspond to any currently-tracked download, per the
// lifecycle manager's cleanup_incomplete operation.
func (e *Engine) CleanupIncomplete(dir string, maxAge time.Duration) error {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return model.Wrap(model.KindIO, model.CodeFile, "read download directory", err)
	}

	e.mu.Lock()
	active := make(map[string]bool, len(e.records))
	for _, rec := range e.records {
		rec.mu.Lock()
		active[rec.tmpPath] = true
		rec.mu.Unlock()
	}
	e.mu.Unlock()

	now := e.clock.Now()
	return filepath.WalkDir(dir, func(path string, ent fs.DirEntry, err error) error {
		if err != nil || ent.IsDir() || filepath.Ext(ent.Name()) != ".tmp" || active[path] {
			return nil
		}
		info, err := ent.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) >= maxAge {
			os.Remove(path)
		}
		return nil
	})
}
