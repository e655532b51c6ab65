package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shellpod/shellpod/internal/activity"
	"github.com/shellpod/shellpod/internal/breaker"
	"github.com/shellpod/shellpod/internal/config"
	"github.com/shellpod/shellpod/internal/handlers"
	"github.com/shellpod/shellpod/internal/instance"
	"github.com/shellpod/shellpod/internal/objectstore"
	"github.com/shellpod/shellpod/internal/registry"
	"github.com/shellpod/shellpod/internal/session"
)

func main() {
	config.Load()

	if err := registry.Init(); err != nil {
		log.Fatalf("Registry init: %v", err)
	}
	defer registry.Close()

	ctx := context.Background()
	if err := instance.InitOrchestrator(ctx); err != nil {
		log.Printf("WARNING: %v", err)
	}

	tracker := activity.NewTracker(registryCounter{})
	handlers.ActivityTracker = tracker

	store := objectstore.NewClient(config.Cfg.StoreEndpoint, config.Cfg.StoreAccount, config.Cfg.StoreToken)
	breakers := breaker.NewRegistry()

	ctrl := session.NewController(store, breakers, tracker)
	if d, err := time.ParseDuration(config.Cfg.BindSettleDelay); err == nil {
		ctrl.SettleDelay = d
	}
	if d, err := time.ParseDuration(config.Cfg.BootTimeout); err == nil {
		ctrl.BootTimeout = d
	}
	handlers.Lifecycle = ctrl

	sweeper := ctrl.StartEvictionSweeper()
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)

		r.Post("/sessions/{id}/start", handlers.StartSession)
		r.Post("/sessions/{id}/stop", handlers.StopSession)
		r.Get("/sessions/{id}/status", handlers.SessionStatus)
		r.Get("/sessions/{id}/activity", handlers.ActivityInfo)

		r.Put("/sessions/{id}/tabs", handlers.UpdateTabs)
		r.Put("/sessions/{id}/tabs/reorder", handlers.ReorderTabs)

		r.Get("/sessions/{id}/terminal/{tabId}", handlers.TerminalProxy)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Control plane starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// registryCounter feeds the activity tracker the number of sessions that
// currently hold compute.
type registryCounter struct{}

func (registryCounter) CountRunning() (int, error) {
	return registry.CountRunning()
}
