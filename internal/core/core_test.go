package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/auth"
	"github.com/cleverdata/cmsync/internal/config"
	"github.com/cleverdata/cmsync/internal/ledger"
	"github.com/cleverdata/cmsync/internal/router"
	"github.com/cleverdata/cmsync/internal/stats"
)

// scriptedUploader returns the scripted kinds in order, then Success.
type scriptedUploader struct {
	mu     sync.Mutex
	script []api.Kind
	calls  int
	block  chan struct{} // when set, every call waits on it
}

func (u *scriptedUploader) Upload(ctx context.Context, path, itemType string, metadata map[string]any) api.Outcome {
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return api.Outcome{Kind: api.TransientFailure, Err: ctx.Err()}
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	kind := api.Success
	if len(u.script) > 0 {
		kind = u.script[0]
		u.script = u.script[1:]
	}
	o := api.Outcome{Kind: kind, TokenGeneration: uint64(u.calls)}
	if kind == api.Success {
		o.DocID = "doc-" + filepath.Base(path)
	} else {
		o.Err = errors.New(kind.String())
	}
	return o
}

func (u *scriptedUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type fakeRefresher struct {
	mu   sync.Mutex
	gens []uint64
	err  error
}

func (r *fakeRefresher) Refresh(ctx context.Context, gen uint64) (auth.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens = append(r.gens, gen)
	if r.err != nil {
		return auth.Token{}, r.err
	}
	return auth.Token{Value: "t", Generation: gen + 1}, nil
}

type harness struct {
	root    string
	src     string
	done    string
	archive string
	stats   *stats.Collector
	claims  *Claims
	gate    *Gate
	pool    *Pool
	up      *scriptedUploader
	tokens  *fakeRefresher
	history History
}

func newHarness(t *testing.T, up *scriptedUploader, stop, work context.Context) *harness {
	return newSizedHarness(t, up, stop, work, 2)
}

func newSizedHarness(t *testing.T, up *scriptedUploader, stop, work context.Context, size int) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:    root,
		src:     filepath.Join(root, "source"),
		done:    filepath.Join(root, "done"),
		archive: filepath.Join(root, "failed"),
		stats:   stats.New(),
		claims:  NewClaims(),
		gate:    NewGate(nil),
		up:      up,
		tokens:  &fakeRefresher{},
	}
	if err := os.MkdirAll(h.src, 0o755); err != nil {
		t.Fatal(err)
	}
	h.pool = h.newPool(stop, work, size)
	return h
}

// withHistory swaps in a pool and scanners that record to a real ledger.
func (h *harness) withHistory(t *testing.T, stop, work context.Context, size int) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(h.root, "state.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	h.history = l
	h.pool = h.newPool(stop, work, size)
	return l
}

func (h *harness) newPool(stop, work context.Context, size int) *Pool {
	return NewPool(stop, work, PoolOptions{
		Size:       size,
		Uploader:   h.up,
		Tokens:     h.tokens,
		Router:     router.New(h.archive, nil),
		History:    h.history,
		Stats:      h.stats,
		Gate:       h.gate,
		Claims:     h.claims,
		RetryDelay: -1,
	})
}

func (h *harness) write(t *testing.T, rel string) string {
	t.Helper()
	p := filepath.Join(h.src, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("content of "+rel), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (h *harness) scanner(dir config.ScanDirectoryConfig) *Scanner {
	dir.Path = h.src
	if dir.TargetItemType == "" {
		dir.TargetItemType = "Invoice"
	}
	return NewScanner(dir, ScannerDeps{
		Pool:    h.pool,
		Claims:  h.claims,
		History: h.history,
		Stats:   h.stats,
		Gate:    h.gate,
	})
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestOneShotDeleteAfterUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedUploader{}, ctx, ctx)
	p := h.write(t, "a.pdf")

	s := h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete})
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.pool.Wait()

	if exists(p) {
		t.Fatal("source still exists")
	}
	snap := h.stats.Snapshot()
	if snap.UploadsSucceeded != 1 || snap.FilesScanned != 1 {
		t.Fatalf("unexpected stats %+v", snap)
	}
	if h.claims.Len() != 0 {
		t.Fatal("claim not released")
	}
}

func TestPermanentFailureIsArchivedWithoutRetry(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{script: []api.Kind{api.PermanentFailure}}
	h := newHarness(t, up, ctx, ctx)
	h.write(t, "bad.pdf")

	h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete}).Cycle(ctx)
	h.pool.Wait()

	if !exists(filepath.Join(h.archive, router.UploadFailureDir, "bad.pdf")) {
		t.Fatal("file not in upload_failure archive")
	}
	snap := h.stats.Snapshot()
	if snap.UploadsFailed != 1 || snap.UploadsRetried != 0 || up.Calls() != 1 {
		t.Fatalf("unexpected stats %+v calls=%d", snap, up.Calls())
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{script: []api.Kind{api.TransientFailure, api.TransientFailure}}
	h := newHarness(t, up, ctx, ctx)
	p := h.write(t, "c.pdf")

	h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionMove, MoveTargetDirectory: h.done}).Cycle(ctx)
	h.pool.Wait()

	snap := h.stats.Snapshot()
	if snap.UploadsRetried != 2 || snap.UploadsSucceeded != 1 || snap.UploadsFailed != 0 {
		t.Fatalf("unexpected stats %+v", snap)
	}
	if exists(p) || !exists(filepath.Join(h.done, "c.pdf")) {
		t.Fatal("file not moved after success")
	}
}

func TestTransientRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	script := make([]api.Kind, maxUploadRetries+1)
	for i := range script {
		script[i] = api.TransientFailure
	}
	up := &scriptedUploader{script: script}
	h := newHarness(t, up, ctx, ctx)
	h.write(t, "d.pdf")

	h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete}).Cycle(ctx)
	h.pool.Wait()

	snap := h.stats.Snapshot()
	if up.Calls() != maxUploadRetries+1 || snap.UploadsRetried != maxUploadRetries || snap.UploadsFailed != 1 {
		t.Fatalf("unexpected stats %+v calls=%d", snap, up.Calls())
	}
	if !exists(filepath.Join(h.archive, router.UploadFailureDir, "d.pdf")) {
		t.Fatal("file not archived after exhausting retries")
	}
}

func TestRecursiveMovePreservesSubdirectory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedUploader{}, ctx, ctx)
	h.write(t, filepath.Join("sub", "a.pdf"))

	s := h.scanner(config.ScanDirectoryConfig{
		RecursiveScan:       true,
		ActionAfterUpload:   config.ActionMove,
		MoveTargetDirectory: h.done,
	})
	if n := s.Cycle(ctx); n != 1 {
		t.Fatalf("submitted %d files, want 1", n)
	}
	h.pool.Wait()

	if !exists(filepath.Join(h.done, "sub", "a.pdf")) {
		t.Fatal("file not at move target with its subdirectory")
	}
}

func TestInFlightFileIsNotResubmitted(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{block: make(chan struct{})}
	h := newHarness(t, up, ctx, ctx)
	h.write(t, "slow.pdf")

	s := h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete})
	first := s.Cycle(ctx)
	second := s.Cycle(ctx)
	close(up.block)
	h.pool.Wait()

	if first != 1 || second != 0 {
		t.Fatalf("submitted %d then %d, want 1 then 0", first, second)
	}
	if up.Calls() != 1 {
		t.Fatalf("uploaded %d times", up.Calls())
	}
}

func TestScanFilters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedUploader{block: make(chan struct{})}, ctx, ctx)
	h.write(t, "keep.pdf")
	h.write(t, "skip.txt")
	h.write(t, ".hidden.pdf")
	h.write(t, filepath.Join("nested", "deep.pdf"))
	fresh := h.write(t, "fresh.pdf")

	s := h.scanner(config.ScanDirectoryConfig{
		FilePattern:       "*.pdf",
		SettleSeconds:     60,
		ActionAfterUpload: config.ActionDelete,
	})
	old := time.Now().Add(-time.Hour)
	for _, name := range []string{"keep.pdf", "skip.txt", ".hidden.pdf"} {
		if err := os.Chtimes(filepath.Join(h.src, name), old, old); err != nil {
			t.Fatal(err)
		}
	}

	n := s.Cycle(ctx)
	if n != 1 {
		t.Fatalf("submitted %d files, want 1", n)
	}
	if !h.claims.Held(filepath.Join(h.src, "keep.pdf")) || h.claims.Held(fresh) {
		t.Fatal("wrong file claimed")
	}
	close(h.up.block)
	h.pool.Wait()
}

func TestAuthRejectedRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{script: []api.Kind{api.AuthRejected, api.AuthRejected}}
	h := newHarness(t, up, ctx, ctx)
	h.write(t, "e.pdf")

	h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete}).Cycle(ctx)
	h.pool.Wait()

	if len(h.tokens.gens) != 1 || h.tokens.gens[0] != 1 {
		t.Fatalf("refresh calls %v, want one for generation 1", h.tokens.gens)
	}
	snap := h.stats.Snapshot()
	if up.Calls() != 2 || snap.UploadsFailed != 1 || snap.UploadsRetried != 1 {
		t.Fatalf("unexpected stats %+v calls=%d", snap, up.Calls())
	}
}

func TestRenewalFailurePausesWithoutConsumingRetries(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{script: []api.Kind{api.AuthRenewalFailed}}
	h := newHarness(t, up, ctx, ctx)
	p := h.write(t, "f.pdf")

	h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete}).Cycle(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !h.gate.Paused() {
		if time.Now().After(deadline) {
			t.Fatal("gate never tripped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete}).Cycle(ctx); n != 0 {
		t.Fatalf("scan ran while paused, submitted %d", n)
	}
	h.gate.Open()
	h.pool.Wait()

	snap := h.stats.Snapshot()
	if snap.UploadsSucceeded != 1 || snap.UploadsRetried != 0 || h.gate.Trips() != 1 {
		t.Fatalf("unexpected stats %+v trips=%d", snap, h.gate.Trips())
	}
	if exists(p) {
		t.Fatal("file not deleted after success")
	}
}

func TestShutdownAbandonsQueuedTasks(t *testing.T) {
	stop, cancelStop := context.WithCancel(context.Background())
	work, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	up := &scriptedUploader{block: make(chan struct{})}
	h := newSizedHarness(t, up, stop, work, 1)

	var paths []string
	for _, name := range []string{"1.pdf", "2.pdf", "3.pdf"} {
		paths = append(paths, h.write(t, name))
	}
	h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete}).Cycle(stop)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, running := h.pool.Pending(); running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no task started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelStop()
	// Let the abandoned goroutines observe stop before the running upload ends.
	deadline = time.Now().Add(5 * time.Second)
	for {
		if queued, _ := h.pool.Pending(); queued == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued tasks not abandoned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(up.block)
	h.pool.Wait()

	if up.Calls() != 1 {
		t.Fatalf("uploaded %d files, want only the running one", up.Calls())
	}
	remaining := 0
	for _, p := range paths {
		if exists(p) {
			remaining++
		}
	}
	if remaining != 2 || h.claims.Len() != 0 {
		t.Fatalf("remaining=%d claims=%d", remaining, h.claims.Len())
	}
}

func TestPriorUploadSkipsUpload(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{}
	h := newHarness(t, up, ctx, ctx)
	p := h.write(t, "again.pdf")
	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if !h.claims.TryClaim(p) {
		t.Fatal("claim failed")
	}

	task := newTask(config.ScanDirectoryConfig{Path: h.src, ActionAfterUpload: config.ActionDelete}, p, "again.pdf", info.Size(), info.ModTime(), time.Now())
	task.PriorDocID = "doc-1"
	h.pool.Submit(task)
	h.pool.Wait()

	if up.Calls() != 0 || exists(p) {
		t.Fatalf("calls=%d exists=%v", up.Calls(), exists(p))
	}
	if snap := h.stats.Snapshot(); snap.UploadsSucceeded != 0 {
		t.Fatalf("prior upload counted again: %+v", snap)
	}
}

func TestGateProbeReopens(t *testing.T) {
	g := NewGate(nil)
	g.Trip(errors.New("cm down"))
	if !g.Paused() || g.Trips() != 1 {
		t.Fatalf("gate not tripped: paused=%v trips=%d", g.Paused(), g.Trips())
	}
	g.Trip(errors.New("again"))
	if g.Trips() != 1 {
		t.Fatalf("tripping a closed gate counted twice")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var probes atomic.Int32
	go g.Probe(ctx, 5*time.Millisecond, func(context.Context) error {
		if probes.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	})

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := g.Wait(wctx); err != nil {
		t.Fatalf("gate did not reopen: %v", err)
	}
	if g.Paused() {
		t.Fatal("gate still paused after reopening")
	}
	if n := probes.Load(); n < 3 {
		t.Fatalf("expected at least 3 probes, got %d", n)
	}
}

func TestRedroppedFileIsUploadedAgain(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{}
	h := newHarness(t, up, ctx, ctx)
	l := h.withHistory(t, ctx, ctx, 2)
	s := h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete})
	mod := time.Now().Add(-time.Hour).Truncate(time.Second)

	for round := 1; round <= 2; round++ {
		p := h.write(t, "same.pdf")
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatal(err)
		}
		s.Cycle(ctx)
		h.pool.Wait()

		if exists(p) {
			t.Fatalf("round %d: source still exists", round)
		}
		if up.Calls() != round {
			t.Fatalf("round %d: expected %d uploads, got %d", round, round, up.Calls())
		}
		e, ok, err := l.Lookup(ctx, p)
		if err != nil || !ok || e.Status != ledger.StatusDisposed {
			t.Fatalf("round %d: unexpected ledger row %+v ok=%v err=%v", round, e, ok, err)
		}
	}
	if snap := h.stats.Snapshot(); snap.UploadsSucceeded != 2 {
		t.Fatalf("expected 2 successful uploads, got %+v", snap)
	}
}

func TestStuckSourceIsNotUploadedTwice(t *testing.T) {
	ctx := context.Background()
	up := &scriptedUploader{}
	h := newHarness(t, up, ctx, ctx)
	l := h.withHistory(t, ctx, ctx, 1)

	// Regular files where the move target and archive directories should be.
	for _, blocker := range []string{h.done, h.archive} {
		if err := os.WriteFile(blocker, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	p := h.write(t, "stuck.pdf")
	s := h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionMove, MoveTargetDirectory: h.done})
	s.Cycle(ctx)
	h.pool.Wait()

	if !exists(p) || up.Calls() != 1 {
		t.Fatalf("exists=%v calls=%d", exists(p), up.Calls())
	}
	if e, _, _ := l.Lookup(ctx, p); e.Status != ledger.StatusUploaded {
		t.Fatalf("stuck source recorded as %q", e.Status)
	}

	for _, blocker := range []string{h.done, h.archive} {
		if err := os.Remove(blocker); err != nil {
			t.Fatal(err)
		}
	}
	s.Cycle(ctx)
	h.pool.Wait()

	if up.Calls() != 1 {
		t.Fatalf("stuck source uploaded again: calls=%d", up.Calls())
	}
	if !exists(filepath.Join(h.done, "stuck.pdf")) || exists(p) {
		t.Fatal("stuck source not moved on the next cycle")
	}
	if e, _, _ := l.Lookup(ctx, p); e.Status != ledger.StatusDisposed || e.DocID != "doc-stuck.pdf" {
		t.Fatalf("unexpected ledger row %+v", e)
	}
}

// peakUploader records the highest number of concurrent Upload calls.
type peakUploader struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (u *peakUploader) Upload(ctx context.Context, path, itemType string, metadata map[string]any) api.Outcome {
	n := u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	for {
		p := u.peak.Load()
		if n <= p || u.peak.CompareAndSwap(p, n) {
			break
		}
	}
	u.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return api.Outcome{Kind: api.Success, DocID: "doc-" + filepath.Base(path)}
}

func TestPoolRunsAtMostSizeUploads(t *testing.T) {
	ctx := context.Background()
	h := newSizedHarness(t, &scriptedUploader{}, ctx, ctx, 3)
	up := &peakUploader{}
	h.pool = NewPool(ctx, ctx, PoolOptions{
		Size:       3,
		Uploader:   up,
		Tokens:     h.tokens,
		Router:     router.New(h.archive, nil),
		Stats:      h.stats,
		Gate:       h.gate,
		Claims:     h.claims,
		RetryDelay: -1,
	})
	for i := 0; i < 12; i++ {
		h.write(t, filepath.Join("batch", "f"+string(rune('a'+i))+".pdf"))
	}

	s := h.scanner(config.ScanDirectoryConfig{ActionAfterUpload: config.ActionDelete, RecursiveScan: true})
	if n := s.Cycle(ctx); n != 12 {
		t.Fatalf("submitted %d files, want 12", n)
	}
	h.pool.Wait()

	if got := up.calls.Load(); got != 12 {
		t.Fatalf("uploads = %d, want 12", got)
	}
	if got := up.peak.Load(); got != 3 {
		t.Fatalf("peak concurrent uploads = %d, want 3", got)
	}
}
