// Package session implements the control-plane lifecycle for compute
// sandboxes: bucket provisioning, instance binding, start/stop/destroy,
// status resolution and idle eviction.
package session

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shellpod/shellpod/internal/activity"
	"github.com/shellpod/shellpod/internal/breaker"
	"github.com/shellpod/shellpod/internal/crypto"
	"github.com/shellpod/shellpod/internal/errdefs"
	"github.com/shellpod/shellpod/internal/instance"
	"github.com/shellpod/shellpod/internal/objectstore"
	"github.com/shellpod/shellpod/internal/registry"
)

// StartResult reports what Start actually did.
type StartResult string

const (
	ResultAlreadyRunning StartResult = "already_running"
	ResultStarting       StartResult = "starting"
)

var sessionIDPattern = regexp.MustCompile(`^[a-z0-9]{6,32}$`)

// Seeder uploads starter content into a freshly created bucket. Optional;
// implemented by the object store client.
type Seeder interface {
	SeedStarter(ctx context.Context, bucket string) error
}

// Controller orchestrates the per-session compute instance. It is
// request-driven and holds no broad locks over session state; the registry
// is the source of truth and each mutation is small and idempotent.
type Controller struct {
	Store    objectstore.AdminAPI
	Breakers *breaker.Registry
	Activity *activity.Tracker

	SettleDelay time.Duration
	BootTimeout time.Duration

	mu     sync.Mutex
	starts map[string]*startHandle
}

// startHandle tracks one in-flight boot so stop/destroy can cancel it.
type startHandle struct {
	cancel context.CancelFunc
}

func NewController(store objectstore.AdminAPI, breakers *breaker.Registry, tracker *activity.Tracker) *Controller {
	return &Controller{
		Store:       store,
		Breakers:    breakers,
		Activity:    tracker,
		SettleDelay: 2 * time.Second,
		BootTimeout: 90 * time.Second,
		starts:      make(map[string]*startHandle),
	}
}

// ValidateSessionID rejects malformed identifiers before they reach any
// downstream system.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return &errdefs.ValidationError{Field: "session_id", Reason: "must be 6-32 lowercase alphanumeric characters"}
	}
	return nil
}

// Start brings the session's instance up. Idempotent: an instance that is
// already running against the correct bucket short-circuits to
// already_running without touching it. A running instance bound to a
// different bucket is destroyed first; rebinding always forces a cold
// restart. Boot is triggered in the background; callers poll Status.
func (c *Controller) Start(ctx context.Context, sessionID string) (StartResult, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}

	sess, err := registry.GetSession(sessionID)
	if err != nil {
		return "", &errdefs.NotFoundError{Kind: "session", ID: sessionID}
	}

	// Bucket provisioning is idempotent; starter content is seeded exactly
	// once, only when this call created the bucket.
	var seed func(context.Context) error
	if s, ok := c.Store.(Seeder); ok {
		bucket := sess.Bucket
		seed = func(ctx context.Context) error { return s.SeedStarter(ctx, bucket) }
	}
	if err := objectstore.EnsureBucket(ctx, c.Store, sess.Bucket, seed); err != nil {
		return "", fmt.Errorf("ensure bucket %s: %w", sess.Bucket, err)
	}

	orch := instance.Get()
	if orch == nil {
		return "", &errdefs.ContainerError{Op: "start", Detail: fmt.Errorf("no orchestrator available")}
	}

	name := instance.Name(sess.Bucket, sessionID)

	state, _, err := instance.SafeStatus(ctx, orch, c.Breakers, name)
	if err != nil {
		log.Printf("session %s: status check: %v", sessionID, err)
		state = instance.StateUnknown
	}

	if state == instance.StateRunning || state == instance.StateHealthy {
		bound, err := c.reportedBucket(ctx, orch, name)
		if err == nil && bound == sess.Bucket {
			// Correctly bound and alive. Nothing to do.
			return ResultAlreadyRunning, nil
		}
		// Running against the wrong bucket (or unreadable binding): never
		// continue with a stale binding; destroy and start cold.
		log.Printf("session %s: instance bound to %q, expected %q; forcing cold restart", sessionID, bound, sess.Bucket)
		if err := c.Destroy(ctx, sessionID); err != nil {
			return "", err
		}
		state = instance.StateStopped
	}

	if err := c.provision(ctx, orch, sess, name, state); err != nil {
		return "", err
	}

	if err := c.pushBinding(ctx, orch, sess, name); err != nil {
		// Binding-push failure is fatal to this start: roll back so status
		// polling reflects reality.
		registry.SetSessionStatus(sessionID, registry.StatusStopped)
		return "", err
	}

	if err := registry.SetSessionStatus(sessionID, registry.StatusStarting); err != nil {
		return "", fmt.Errorf("update session status: %w", err)
	}

	// Give the agent a moment to persist the binding before boot.
	select {
	case <-time.After(c.SettleDelay):
	case <-ctx.Done():
		registry.SetSessionStatus(sessionID, registry.StatusStopped)
		return "", ctx.Err()
	}

	c.launchBoot(orch, sessionID, name)
	return ResultStarting, nil
}

func (c *Controller) reportedBucket(ctx context.Context, orch instance.Orchestrator, name string) (string, error) {
	endpoint, err := orch.InstanceEndpoint(ctx, name)
	if err != nil {
		return "", err
	}
	return instance.NewClient(name, endpoint, c.Breakers).GetBucketName(ctx)
}

// provision ensures the instance exists and its process is up so the
// binding push has somewhere to land.
func (c *Controller) provision(ctx context.Context, orch instance.Orchestrator, sess *registry.Session, name, state string) error {
	if state == instance.StateStopped || state == instance.StateUnknown {
		image, err := registry.GetSetting("default_instance_image")
		if err != nil || image == "" {
			return &errdefs.ContainerError{Op: "provision", Detail: fmt.Errorf("no instance image configured")}
		}
		err = orch.CreateInstance(ctx, instance.CreateParams{
			Name:      name,
			Image:     image,
			Bucket:    sess.Bucket,
			SessionID: sess.SessionID,
		})
		if err != nil {
			// Create races restart: the instance may already exist. Starting
			// it below settles either way.
			log.Printf("session %s: create instance: %v", sess.SessionID, err)
		}
		if err := orch.StartInstance(ctx, name); err != nil {
			return &errdefs.ContainerError{Op: "provision", Detail: err}
		}
	}
	return nil
}

func (c *Controller) pushBinding(ctx context.Context, orch instance.Orchestrator, sess *registry.Session, name string) error {
	endpoint, err := c.waitForEndpoint(ctx, orch, name)
	if err != nil {
		return &errdefs.ContainerError{Op: "bind", Detail: err}
	}

	tabs, err := sess.Tabs()
	if err != nil {
		return &errdefs.ContainerError{Op: "bind", Detail: err}
	}

	creds, err := c.decryptCredentials(sess)
	if err != nil {
		return &errdefs.ContainerError{Op: "bind", Detail: err}
	}

	client := instance.NewClient(name, endpoint, c.Breakers)
	err = client.SetBinding(ctx, instance.Binding{
		Bucket:      sess.Bucket,
		SessionID:   sess.SessionID,
		Credentials: creds,
		Tabs:        tabs,
		SyncMode:    sess.SyncMode,
	})
	if err != nil {
		return &errdefs.ContainerError{Op: "bind", Detail: err}
	}
	return nil
}

// waitForEndpoint polls for the instance address; a freshly created
// instance can take a few seconds to join the network.
func (c *Controller) waitForEndpoint(ctx context.Context, orch instance.Orchestrator, name string) (string, error) {
	deadline := time.Now().Add(30 * time.Second)
	for {
		endpoint, err := orch.InstanceEndpoint(ctx, name)
		if err == nil {
			return endpoint, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("instance endpoint: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Controller) decryptCredentials(sess *registry.Session) (map[string]string, error) {
	var rows []registry.SessionCredential
	if err := registry.DB.Where("session_ref = ?", sess.ID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	creds := make(map[string]string, len(rows))
	for _, row := range rows {
		plain, err := crypto.Decrypt(row.ValueEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential %s: %w", row.Name, err)
		}
		creds[row.Name] = plain
	}
	return creds, nil
}

// launchBoot fires the boot sequence in the background and registers its
// cancel func so a later stop/destroy can nullify it. Start never awaits
// boot inline.
func (c *Controller) launchBoot(orch instance.Orchestrator, sessionID, name string) {
	bootCtx, cancel := context.WithCancel(context.Background())
	handle := &startHandle{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.starts[sessionID]; ok {
		prev.cancel()
	}
	c.starts[sessionID] = handle
	c.mu.Unlock()

	runID := uuid.NewString()[:8]
	go func() {
		defer func() {
			c.mu.Lock()
			if c.starts[sessionID] == handle {
				delete(c.starts, sessionID)
			}
			c.mu.Unlock()
			cancel()
		}()

		if err := orch.StartInstance(bootCtx, name); err != nil {
			log.Printf("session %s boot %s: start instance: %v", sessionID, runID, err)
			registry.SetSessionStatus(sessionID, registry.StatusStopped)
			return
		}

		if c.waitHealthy(bootCtx, orch, name) {
			if bootCtx.Err() != nil {
				// A stop/destroy raced us; it owns the status now.
				return
			}
			registry.SetSessionStatus(sessionID, registry.StatusRunning)
			log.Printf("session %s boot %s: instance healthy", sessionID, runID)
			return
		}

		if bootCtx.Err() != nil {
			return
		}
		// Boot failure rolls the session back to stopped so status polling
		// reflects reality rather than a stuck "starting".
		log.Printf("session %s boot %s: instance did not become healthy", sessionID, runID)
		registry.SetSessionStatus(sessionID, registry.StatusStopped)
	}()
}

func (c *Controller) waitHealthy(ctx context.Context, orch instance.Orchestrator, name string) bool {
	deadline := time.Now().Add(c.BootTimeout)
	for time.Now().Before(deadline) {
		state, _, err := instance.SafeStatus(ctx, orch, c.Breakers, name)
		if err == nil && state == instance.StateHealthy {
			return true
		}
		if err == nil && state == instance.StateError {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(3 * time.Second):
		}
	}
	return false
}

// cancelStart nullifies any in-flight start sequence for the session.
func (c *Controller) cancelStart(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle, ok := c.starts[sessionID]; ok {
		handle.cancel()
		delete(c.starts, sessionID)
	}
}

// Destroy tears the binding down unconditionally. It never probes state
// first: probing a hibernated instance wakes it, wasting resources and
// producing misleading status. Already absent is success. Destroy does not
// rewrite session status (the caller owns that), so repeated calls stay
// idempotent.
func (c *Controller) Destroy(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	c.cancelStart(sessionID)

	sess, err := registry.GetSession(sessionID)
	if err != nil {
		return &errdefs.NotFoundError{Kind: "session", ID: sessionID}
	}

	orch := instance.Get()
	if orch == nil {
		return &errdefs.ContainerError{Op: "destroy", Detail: fmt.Errorf("no orchestrator available")}
	}

	name := instance.Name(sess.Bucket, sessionID)
	if err := orch.DeleteInstance(ctx, name); err != nil {
		return &errdefs.ContainerError{Op: "destroy", Detail: err}
	}

	if c.Activity != nil {
		c.Activity.Forget(sessionID)
	}
	return nil
}

// Stop gracefully stops the session: cancels any in-flight start, gives the
// agent its shutdown sync pass via a graceful instance stop, destroys the
// instance and marks the session stopped.
func (c *Controller) Stop(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	sess, err := registry.GetSession(sessionID)
	if err != nil {
		return &errdefs.NotFoundError{Kind: "session", ID: sessionID}
	}

	c.cancelStart(sessionID)
	registry.SetSessionStatus(sessionID, registry.StatusStopping)

	orch := instance.Get()
	if orch != nil {
		name := instance.Name(sess.Bucket, sessionID)
		// Graceful stop delivers SIGTERM; the agent runs its final sync
		// before the process exits.
		if err := orch.StopInstance(ctx, name); err != nil {
			log.Printf("session %s: stop instance: %v", sessionID, err)
		}
		if err := orch.DeleteInstance(ctx, name); err != nil {
			log.Printf("session %s: delete instance: %v", sessionID, err)
		}
	}

	if c.Activity != nil {
		c.Activity.Forget(sessionID)
	}
	return registry.SetSessionStatus(sessionID, registry.StatusStopped)
}

// StatusInfo is the poll surface for clients.
type StatusInfo struct {
	SessionID     string                 `json:"session_id"`
	Status        string                 `json:"status"`
	InstanceState string                 `json:"instance_state"`
	Ready         bool                   `json:"ready"`
	Sync          *instance.HealthStatus `json:"sync,omitempty"`
}

// Status resolves the session's current state using the two-phase safe
// probe; routine polling never wakes a hibernated instance.
func (c *Controller) Status(ctx context.Context, sessionID string) (*StatusInfo, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	sess, err := registry.GetSession(sessionID)
	if err != nil {
		return nil, &errdefs.NotFoundError{Kind: "session", ID: sessionID}
	}

	info := &StatusInfo{SessionID: sessionID, Status: sess.Status, InstanceState: instance.StateUnknown}

	orch := instance.Get()
	if orch == nil {
		return info, nil
	}

	name := instance.Name(sess.Bucket, sessionID)
	state, hs, err := instance.SafeStatus(ctx, orch, c.Breakers, name)
	if err != nil {
		return info, nil
	}
	info.InstanceState = state
	info.Sync = hs
	info.Ready = state == instance.StateHealthy && sess.Status == registry.StatusRunning
	return info, nil
}
