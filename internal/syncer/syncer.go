// Package syncer keeps the instance's persistent workspace consistent with
// the session's object-store bucket. Three phases: a one-way restore, a
// bidirectional baseline, then a periodic reconcile loop. Every phase is
// bounded by a hard timeout so a network partition degrades boot instead
// of hanging it.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sync statuses written to the local record and relayed by /health.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Sync modes; mirror the control plane's values.
const (
	ModeNone     = "none"
	ModeMetadata = "metadata"
	ModeFull     = "full"
)

// metadataPrefix is the only workspace subtree synchronized in metadata
// mode: session configuration and credentials, not user files.
const metadataPrefix = ".shellpod"

// Record is the local status record consumed by the health endpoint. The
// control plane reads it verbatim and never inspects sync internals.
type Record struct {
	Status              string `json:"status"`
	Error               string `json:"error,omitempty"`
	UserPath            string `json:"user_path"`
	BaselineEstablished bool   `json:"baseline_established"`
}

// DirtyTracker reports whether the workspace changed since the last clean
// cycle. The fsnotify watcher implements it; nil disables skip detection.
type DirtyTracker interface {
	Dirty() bool
	MarkClean()
}

type Options struct {
	Remote     string // rclone remote spec, e.g. "store:ws-alice"
	Workspace  string // local workspace root
	CacheDir   string // rclone bisync working directory
	StatusPath string // where the status record is written
	SyncMode   string

	Interval        time.Duration
	RestoreTimeout  time.Duration
	BaselineTimeout time.Duration

	RcloneBinary string
	Tracker      DirtyTracker
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.RestoreTimeout <= 0 {
		o.RestoreTimeout = 120 * time.Second
	}
	if o.BaselineTimeout <= 0 {
		o.BaselineTimeout = 180 * time.Second
	}
	if o.RcloneBinary == "" {
		o.RcloneBinary = "rclone"
	}
	if o.SyncMode == "" {
		o.SyncMode = ModeFull
	}
}

// Syncer is a single-threaded daemon loop, independent of the request
// path. Lock staleness is resolved by external process-liveness checks:
// the sync tool is a separate process, not something an in-process mutex
// can cover.
type Syncer struct {
	opts Options

	mu       sync.Mutex
	record   Record
	baseline bool
	lastOK   bool

	// run executes one rclone invocation; injectable for tests.
	run func(ctx context.Context, args ...string) error

	// processAlive reports whether any sync-tool process is running.
	processAlive func() bool
}

func New(opts Options) *Syncer {
	opts.applyDefaults()
	s := &Syncer{
		opts:         opts,
		processAlive: rcloneAlive,
	}
	s.run = s.runRclone
	s.setRecord(StatusPending, "")
	return s
}

// Run executes the full protocol: restore, baseline, periodic loop. It
// returns when ctx is cancelled; the final shutdown sync is the caller's
// responsibility (see Final).
func (s *Syncer) Run(ctx context.Context) {
	if s.opts.SyncMode == ModeNone {
		// Credentials and configuration still come down; the user
		// workspace itself is out of sync scope.
		s.restoreMetadata(ctx)
		s.setRecord(StatusSkipped, "")
		log.Printf("sync: mode none, periodic sync disabled")
		<-ctx.Done()
		return
	}

	if err := s.Restore(ctx); err != nil {
		// Non-fatal: proceed with whatever local state exists.
		log.Printf("sync: restore: %v", err)
	}

	if err := s.EstablishBaseline(ctx); err != nil {
		// Bidirectional sync without a baseline is unsafe; periodic sync
		// stays off for the remainder of this instance's life.
		log.Printf("sync: baseline: %v; periodic sync disabled", err)
		s.setRecord(StatusFailed, fmt.Sprintf("baseline: %v", err))
		<-ctx.Done()
		return
	}
	s.setRecord(StatusSuccess, "")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// Restore pulls existing state one way, remote to local, before anything
// else starts. Timeout is non-fatal.
func (s *Syncer) Restore(ctx context.Context) error {
	s.setRecord(StatusSyncing, "")

	rctx, cancel := context.WithTimeout(ctx, s.opts.RestoreTimeout)
	defer cancel()

	args := []string{"copy", s.opts.Remote, s.opts.Workspace}
	args = append(args, s.filterArgs()...)
	if s.opts.SyncMode == ModeMetadata {
		args = append(args, "--include", metadataPrefix+"/**")
	}

	if err := s.run(rctx, args...); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

func (s *Syncer) restoreMetadata(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, s.opts.RestoreTimeout)
	defer cancel()
	args := []string{"copy", s.opts.Remote, s.opts.Workspace, "--include", metadataPrefix + "/**"}
	if err := s.run(rctx, args...); err != nil {
		log.Printf("sync: metadata restore: %v", err)
	}
}

// EstablishBaseline reconciles any divergence into a trusted baseline with
// a forced resync. Only on success does the periodic daemon start.
func (s *Syncer) EstablishBaseline(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, s.opts.BaselineTimeout)
	defer cancel()

	if err := s.clearStaleLock(); err != nil {
		return fmt.Errorf("clear stale lock: %w", err)
	}
	if err := s.run(bctx, s.bisyncArgs(true)...); err != nil {
		return err
	}

	s.mu.Lock()
	s.baseline = true
	s.lastOK = true
	s.mu.Unlock()
	return nil
}

// runCycle performs one periodic reconciliation. A failed cycle retries
// once immediately with a forced resync before giving up until the next
// interval.
func (s *Syncer) runCycle(ctx context.Context) {
	if s.opts.Tracker != nil {
		s.mu.Lock()
		lastOK := s.lastOK
		s.mu.Unlock()
		if lastOK && !s.opts.Tracker.Dirty() {
			s.setRecord(StatusSkipped, "")
			return
		}
	}

	if err := s.clearStaleLock(); err != nil {
		s.setRecord(StatusFailed, fmt.Sprintf("lock: %v", err))
		return
	}

	s.setRecord(StatusSyncing, "")
	err := s.run(ctx, s.bisyncArgs(false)...)
	if err != nil {
		log.Printf("sync: cycle failed (%v), retrying with resync", err)
		err = s.run(ctx, s.bisyncArgs(true)...)
	}

	s.mu.Lock()
	s.lastOK = err == nil
	s.mu.Unlock()

	if err != nil {
		s.setRecord(StatusFailed, err.Error())
		return
	}
	if s.opts.Tracker != nil {
		s.opts.Tracker.MarkClean()
	}
	s.setRecord(StatusSuccess, "")
}

// Final runs one synchronous bidirectional sync on graceful shutdown, but
// only if a baseline was ever established.
func (s *Syncer) Final(ctx context.Context) error {
	s.mu.Lock()
	baseline := s.baseline
	s.mu.Unlock()
	if !baseline {
		log.Printf("sync: no baseline, skipping final sync")
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.opts.BaselineTimeout)
	defer cancel()

	if err := s.clearStaleLock(); err != nil {
		return fmt.Errorf("final sync: %w", err)
	}
	if err := s.run(fctx, s.bisyncArgs(false)...); err != nil {
		return fmt.Errorf("final sync: %w", err)
	}
	return nil
}

// BaselineEstablished reports whether bidirectional sync is trusted.
func (s *Syncer) BaselineEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

func (s *Syncer) bisyncArgs(resync bool) []string {
	args := []string{
		"bisync", s.opts.Workspace, s.opts.Remote,
		"--conflict-resolve", "newer", // newest modification time wins
		"--workdir", s.opts.CacheDir,
	}
	args = append(args, s.filterArgs()...)
	if s.opts.SyncMode == ModeMetadata {
		args = append(args, "--include", metadataPrefix+"/**")
	}
	if resync {
		args = append(args, "--resync")
	}
	return args
}

// filterArgs yields the fixed local exclusions: shell startup files, the
// sync tool's own config and cache, dependency caches. These apply in
// every mode; sync-mode only scopes the user workspace.
func (s *Syncer) filterArgs() []string {
	excludes := []string{
		".bashrc", ".bash_profile", ".bash_history", ".profile", ".zshrc",
		".config/rclone/**", ".cache/**",
		"node_modules/**", ".git/**", "__pycache__/**", ".venv/**", "vendor/**",
	}
	args := make([]string, 0, len(excludes)*2)
	for _, e := range excludes {
		args = append(args, "--exclude", e)
	}
	return args
}

// clearStaleLock removes leftover bisync lock files, but only when no sync
// process is actually alive: file presence alone is not proof of a
// running sync, and a crashed cycle must not block all future ones.
func (s *Syncer) clearStaleLock() error {
	locks, err := filepath.Glob(filepath.Join(s.opts.CacheDir, "*.lck"))
	if err != nil || len(locks) == 0 {
		return err
	}

	if s.processAlive() {
		return fmt.Errorf("sync process still running, lock %s held", locks[0])
	}

	for _, lock := range locks {
		log.Printf("sync: clearing stale lock %s", lock)
		if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// rcloneAlive scans the process table for a live rclone process.
func rcloneAlive() bool {
	matches, err := filepath.Glob("/proc/[0-9]*/comm")
	if err != nil {
		return false
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "rclone" {
			return true
		}
	}
	return false
}

func (s *Syncer) setRecord(status, errMsg string) {
	s.mu.Lock()
	s.record = Record{
		Status:              status,
		Error:               errMsg,
		UserPath:            s.opts.Workspace,
		BaselineEstablished: s.baseline,
	}
	rec := s.record
	s.mu.Unlock()

	if s.opts.StatusPath != "" {
		if err := writeRecordFile(s.opts.StatusPath, rec); err != nil {
			log.Printf("sync: write status record: %v", err)
		}
	}
}

// Status returns the current record.
func (s *Syncer) Status() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}
