// Package instance manages the one compute instance bound to each session:
// runtime backends (docker, kubernetes) and the breaker-wrapped client for
// the instance's internal control API.
package instance

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/shellpod/shellpod/internal/config"
	"github.com/shellpod/shellpod/internal/registry"
)

// Reported instance states, from the non-waking inspect path.
const (
	StateUnknown  = "unknown"
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateHealthy  = "healthy"
	StateError    = "error"
)

// Orchestrator is the thin runtime abstraction. It manages exactly one
// instance per session running a fixed sandbox image; it is not a general
// container orchestrator.
type Orchestrator interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	CreateInstance(ctx context.Context, params CreateParams) error
	StartInstance(ctx context.Context, name string) error
	StopInstance(ctx context.Context, name string) error
	// DeleteInstance tears the instance down unconditionally. Absent is
	// success; callers never probe state first.
	DeleteInstance(ctx context.Context, name string) error
	// InstanceStatus inspects without waking a hibernated instance.
	InstanceStatus(ctx context.Context, name string) (string, error)
	// InstanceEndpoint resolves the host:port of the in-instance agent API.
	InstanceEndpoint(ctx context.Context, name string) (string, error)
}

type CreateParams struct {
	Name        string
	Image       string
	Bucket      string
	SessionID   string
	MemoryLimit string
	CPULimit    string
	EnvVars     map[string]string
}

// Binding is the configuration pushed into the instance at bind time.
type Binding struct {
	Bucket      string               `json:"bucket"`
	SessionID   string               `json:"session_id"`
	Credentials map[string]string    `json:"credentials"`
	Tabs        []registry.TabConfig `json:"tabs"`
	SyncMode    string               `json:"sync_mode"`
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]`)

// Name derives the deterministic instance name for a session. The same
// (bucket, sessionID) pair always resolves to the same instance.
func Name(bucket, sessionID string) string {
	name := strings.ToLower(fmt.Sprintf("sbx-%s-%s", bucket, sessionID))
	name = nameSanitizer.ReplaceAllString(name, "")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

var (
	current Orchestrator
	mu      sync.RWMutex
)

func InitOrchestrator(ctx context.Context) error {
	backend := config.Cfg.OrchestratorBackend

	if backend == "auto" || backend == "kubernetes" {
		k8s := &KubernetesOrchestrator{}
		if err := k8s.Initialize(ctx); err == nil && k8s.IsAvailable(ctx) {
			mu.Lock()
			current = k8s
			mu.Unlock()
			log.Println("Orchestrator: using Kubernetes backend")
			return nil
		} else if err != nil {
			log.Printf("Kubernetes backend unavailable: %v", err)
		}
	}

	if backend == "auto" || backend == "docker" {
		docker := &DockerOrchestrator{}
		if err := docker.Initialize(ctx); err == nil && docker.IsAvailable(ctx) {
			mu.Lock()
			current = docker
			mu.Unlock()
			log.Println("Orchestrator: using Docker backend")
			return nil
		} else if err != nil {
			log.Printf("Docker backend unavailable: %v", err)
		}
	}

	log.Println("WARNING: No orchestrator backend available")
	return fmt.Errorf("no orchestrator backend available (tried: %s)", backend)
}

func Get() Orchestrator {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set replaces the active orchestrator. Used by main and by tests.
func Set(o Orchestrator) {
	mu.Lock()
	defer mu.Unlock()
	current = o
}
