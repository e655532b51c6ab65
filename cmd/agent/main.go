// The agent runs inside each sandbox instance. It serves the health and
// binding endpoints the control plane probes, hosts the per-tab terminal
// PTYs, and drives workspace synchronization against the session's
// bucket.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/shellpod/shellpod/internal/agentapi"
	"github.com/shellpod/shellpod/internal/syncer"
	"github.com/shellpod/shellpod/internal/watcher"
)

type agentConfig struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":3000"`
	WorkDir      string `envconfig:"WORKDIR" default:"/workspace"`
	StateDir     string `envconfig:"STATE_DIR" default:"/var/lib/shellpod"`
	RemotePrefix string `envconfig:"REMOTE_PREFIX" default:"store:"`
	SyncInterval string `envconfig:"SYNC_INTERVAL" default:"60s"`
}

func main() {
	var cfg agentConfig
	if err := envconfig.Process("SHELLPOD_AGENT", &cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	interval, err := time.ParseDuration(cfg.SyncInterval)
	if err != nil {
		interval = 60 * time.Second
	}

	// The syncer is wired after the binding arrives, so the server starts
	// with a pending record behind a late-bound pointer.
	var sn atomic.Pointer[syncer.Syncer]
	status := statusFn(func() syncer.Record {
		if s := sn.Load(); s != nil {
			return s.Status()
		}
		return syncer.Record{Status: syncer.StatusPending, UserPath: cfg.WorkDir}
	})

	srv, err := agentapi.NewServer(agentapi.Options{
		BindingPath: filepath.Join(cfg.StateDir, "binding.yaml"),
		WorkDir:     cfg.WorkDir,
		Sync:        status,
	})
	if err != nil {
		log.Fatalf("Agent init: %v", err)
	}

	httpSrv := srv.HTTPServer(cfg.ListenAddr)
	go func() {
		log.Printf("Agent listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Agent server error: %v", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The sync pipeline waits for the control plane's binding push; until
	// then the health endpoint reports pending and the instance is not
	// considered ready.
	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		select {
		case <-sigCtx.Done():
			return
		case <-srv.Bound():
		}
		b := srv.Binding()
		log.Printf("Agent bound: bucket=%s session=%s mode=%s", b.Bucket, b.SessionID, b.SyncMode)

		w, err := watcher.New(cfg.WorkDir)
		if err != nil {
			log.Printf("Workspace watcher unavailable: %v", err)
		} else {
			defer w.Close()
		}

		var tracker syncer.DirtyTracker
		if w != nil {
			tracker = w
		}
		s := syncer.New(syncer.Options{
			Remote:     cfg.RemotePrefix + b.Bucket,
			Workspace:  cfg.WorkDir,
			CacheDir:   filepath.Join(cfg.StateDir, "sync-cache"),
			StatusPath: filepath.Join(cfg.StateDir, "sync-status.json"),
			SyncMode:   b.SyncMode,
			Interval:   interval,
			Tracker:    tracker,
		})
		sn.Store(s)
		s.Run(syncCtx)
	}()

	<-sigCtx.Done()
	log.Println("Agent shutting down...")

	srv.Terminals().Close()
	syncCancel()
	<-syncDone

	// Push unsynced changes before the instance disappears. Skipped
	// automatically when no baseline was ever established.
	if s := sn.Load(); s != nil {
		finalCtx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		if err := s.Final(finalCtx); err != nil {
			log.Printf("Final sync: %v", err)
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Agent shutdown: %v", err)
	}
	log.Println("Agent stopped")
}

// statusFn adapts a closure to the server's sync status dependency.
type statusFn func() syncer.Record

func (f statusFn) Status() syncer.Record { return f() }
