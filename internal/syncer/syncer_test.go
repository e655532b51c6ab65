package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// scriptedRunner records rclone invocations and plays back scripted
// results in order.
type scriptedRunner struct {
	calls   [][]string
	results []error
}

func (r *scriptedRunner) run(_ context.Context, args ...string) error {
	r.calls = append(r.calls, args)
	if len(r.results) == 0 {
		return nil
	}
	err := r.results[0]
	r.results = r.results[1:]
	return err
}

func (r *scriptedRunner) argsOf(i int) string {
	if i >= len(r.calls) {
		return ""
	}
	return strings.Join(r.calls[i], " ")
}

type fakeTracker struct {
	dirty   bool
	cleaned int
}

func (f *fakeTracker) Dirty() bool { return f.dirty }
func (f *fakeTracker) MarkClean()  { f.cleaned++ }

func newTestSyncer(t *testing.T, opts Options) (*Syncer, *scriptedRunner) {
	t.Helper()
	if opts.Remote == "" {
		opts.Remote = "store:ws-alice"
	}
	if opts.Workspace == "" {
		opts.Workspace = t.TempDir()
	}
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	s := New(opts)
	r := &scriptedRunner{}
	s.run = r.run
	s.processAlive = func() bool { return false }
	return s, r
}

func TestRestoreUsesCopy(t *testing.T) {
	s, r := newTestSyncer(t, Options{})

	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(r.calls))
	}
	args := r.argsOf(0)
	if !strings.HasPrefix(args, "copy store:ws-alice ") {
		t.Errorf("restore must copy remote to local: %q", args)
	}
	if strings.Contains(args, "--resync") {
		t.Errorf("restore is one-way, not a bisync: %q", args)
	}
}

func TestBaselineForcesResync(t *testing.T) {
	s, r := newTestSyncer(t, Options{})

	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	args := r.argsOf(0)
	if !strings.Contains(args, "bisync") || !strings.Contains(args, "--resync") {
		t.Errorf("baseline must be a forced resync: %q", args)
	}
	if !s.BaselineEstablished() {
		t.Error("baseline flag must be set on success")
	}
}

func TestBaselineFailureLeavesFlagUnset(t *testing.T) {
	s, r := newTestSyncer(t, Options{})
	r.results = []error{errors.New("remote unreachable")}

	if err := s.EstablishBaseline(context.Background()); err == nil {
		t.Fatal("expected baseline error")
	}
	if s.BaselineEstablished() {
		t.Error("failed baseline must not be trusted")
	}
}

func TestCycleConflictResolveNewer(t *testing.T) {
	s, r := newTestSyncer(t, Options{})
	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.runCycle(context.Background())
	args := r.argsOf(1)
	if !strings.Contains(args, "--conflict-resolve newer") {
		t.Errorf("concurrent edits resolve to newest mtime: %q", args)
	}
	if strings.Contains(args, "--resync") {
		t.Errorf("routine cycle must not resync: %q", args)
	}
	if s.Status().Status != StatusSuccess {
		t.Errorf("expected success record, got %+v", s.Status())
	}
}

func TestCycleRetriesOnceWithResync(t *testing.T) {
	s, r := newTestSyncer(t, Options{})
	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.results = []error{errors.New("listing mismatch")}
	s.runCycle(context.Background())

	// Call 0 is the baseline, 1 the failed cycle, 2 the resync retry.
	if len(r.calls) != 3 {
		t.Fatalf("expected failed cycle + one retry, got %d calls", len(r.calls))
	}
	if !strings.Contains(r.argsOf(2), "--resync") {
		t.Errorf("retry must force resync: %q", r.argsOf(2))
	}
	if s.Status().Status != StatusSuccess {
		t.Errorf("retry succeeded, record should say so: %+v", s.Status())
	}
}

func TestCycleFailsAfterRetry(t *testing.T) {
	s, r := newTestSyncer(t, Options{})
	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.results = []error{errors.New("first"), errors.New("second")}
	s.runCycle(context.Background())

	rec := s.Status()
	if rec.Status != StatusFailed {
		t.Errorf("expected failed record, got %+v", rec)
	}
	if rec.Error == "" {
		t.Error("failed record must carry the error")
	}
}

func TestCleanCycleSkipped(t *testing.T) {
	tracker := &fakeTracker{dirty: false}
	s, r := newTestSyncer(t, Options{Tracker: tracker})
	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.runCycle(context.Background())
	if len(r.calls) != 1 { // baseline only
		t.Errorf("clean workspace cycle must not invoke the sync tool, got %d calls", len(r.calls))
	}
	if s.Status().Status != StatusSkipped {
		t.Errorf("expected skipped record, got %+v", s.Status())
	}

	// A dirty workspace syncs and is marked clean afterwards.
	tracker.dirty = true
	s.runCycle(context.Background())
	if len(r.calls) != 2 {
		t.Errorf("dirty cycle must sync, got %d calls", len(r.calls))
	}
	if tracker.cleaned != 1 {
		t.Errorf("successful cycle must mark the workspace clean, got %d", tracker.cleaned)
	}
}

func TestFailedCycleSyncsEvenWhenClean(t *testing.T) {
	// After a failure the next cycle must run even with no new local
	// changes: the remote side is behind.
	tracker := &fakeTracker{dirty: true}
	s, r := newTestSyncer(t, Options{Tracker: tracker})
	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.results = []error{errors.New("flake"), errors.New("flake")}
	s.runCycle(context.Background())
	if s.Status().Status != StatusFailed {
		t.Fatal("setup: cycle should have failed")
	}

	tracker.dirty = false
	calls := len(r.calls)
	s.runCycle(context.Background())
	if len(r.calls) == calls {
		t.Error("cycle after a failure must not be skipped")
	}
}

func TestStaleLockCleared(t *testing.T) {
	s, r := newTestSyncer(t, Options{})
	lock := filepath.Join(s.opts.CacheDir, "session.lck")
	if err := os.WriteFile(lock, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatalf("stale lock must be cleared, got %v", err)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Error("lock file should be removed")
	}
	if len(r.calls) != 1 {
		t.Errorf("baseline should have run, got %d calls", len(r.calls))
	}
}

func TestLiveLockBlocksCycle(t *testing.T) {
	s, _ := newTestSyncer(t, Options{})
	s.processAlive = func() bool { return true }

	lock := filepath.Join(s.opts.CacheDir, "session.lck")
	if err := os.WriteFile(lock, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.EstablishBaseline(context.Background()); err == nil {
		t.Fatal("a held lock with a live sync process must not be cleared")
	}
	if _, err := os.Stat(lock); err != nil {
		t.Error("lock file must survive while the process is alive")
	}
}

func TestFinalRequiresBaseline(t *testing.T) {
	s, r := newTestSyncer(t, Options{})

	if err := s.Final(context.Background()); err != nil {
		t.Fatalf("final without baseline is a no-op, got %v", err)
	}
	if len(r.calls) != 0 {
		t.Error("no baseline, no final sync")
	}

	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Final(context.Background()); err != nil {
		t.Fatalf("final: %v", err)
	}
	if len(r.calls) != 2 {
		t.Errorf("final should run one bisync, got %d calls", len(r.calls))
	}
}

func TestMetadataModeScopesSync(t *testing.T) {
	s, r := newTestSyncer(t, Options{SyncMode: ModeMetadata})
	if err := s.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.argsOf(0), ".shellpod/**") {
		t.Errorf("metadata mode must restrict the sync scope: %q", r.argsOf(0))
	}
}

func TestStatusRecordWrittenToDisk(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status", "sync.json")
	s, _ := newTestSyncer(t, Options{StatusPath: statusPath})

	if err := s.EstablishBaseline(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.setRecord(StatusSuccess, "")

	rec, err := ReadRecordFile(statusPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.Status != StatusSuccess {
		t.Errorf("expected success on disk, got %+v", rec)
	}
	if !rec.BaselineEstablished {
		t.Error("record must carry the baseline flag")
	}
}

func TestModeNoneSkipsWorkspaceSync(t *testing.T) {
	s, r := newTestSyncer(t, Options{SyncMode: ModeNone})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for s.Status().Status != StatusSkipped {
		select {
		case <-deadline:
			t.Fatal("mode none should settle on a skipped record")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	for _, call := range r.calls {
		if call[0] == "bisync" {
			t.Errorf("mode none must never run bidirectional sync: %v", call)
		}
	}
	if s.BaselineEstablished() {
		t.Error("mode none never establishes a baseline")
	}
}
