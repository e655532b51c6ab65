package instance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shellpod/shellpod/internal/breaker"
)

func TestNameDeterministic(t *testing.T) {
	a := Name("ws-alice", "abc123def")
	b := Name("ws-alice", "abc123def")
	if a != b {
		t.Errorf("name must be deterministic: %q vs %q", a, b)
	}
	if a != "sbx-ws-alice-abc123def" {
		t.Errorf("unexpected name %q", a)
	}
}

func TestNameSanitizesAndTruncates(t *testing.T) {
	got := Name("WS_Alice!", "abc123")
	if strings.ContainsAny(got, "_!ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		t.Errorf("name not sanitized: %q", got)
	}

	long := Name(strings.Repeat("a", 80), "abc123")
	if len(long) > 63 {
		t.Errorf("name exceeds 63 chars: %d", len(long))
	}
	if strings.HasSuffix(long, "-") {
		t.Errorf("name must not end with a dash: %q", long)
	}
}

// fakeOrchestrator implements just enough for status-path tests.
type fakeOrchestrator struct {
	state    string
	stateErr error
	endpoint string
}

func (f *fakeOrchestrator) Initialize(_ context.Context) error                 { return nil }
func (f *fakeOrchestrator) IsAvailable(_ context.Context) bool                 { return true }
func (f *fakeOrchestrator) BackendName() string                                { return "fake" }
func (f *fakeOrchestrator) CreateInstance(_ context.Context, _ CreateParams) error { return nil }
func (f *fakeOrchestrator) StartInstance(_ context.Context, _ string) error    { return nil }
func (f *fakeOrchestrator) StopInstance(_ context.Context, _ string) error     { return nil }
func (f *fakeOrchestrator) DeleteInstance(_ context.Context, _ string) error   { return nil }
func (f *fakeOrchestrator) InstanceStatus(_ context.Context, _ string) (string, error) {
	return f.state, f.stateErr
}
func (f *fakeOrchestrator) InstanceEndpoint(_ context.Context, _ string) (string, error) {
	return f.endpoint, nil
}

// agentStub serves the agent's health endpoint and counts probes.
func agentStub(t *testing.T, status string) (*httptest.Server, *int) {
	t.Helper()
	probes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		probes++
		json.NewEncoder(w).Encode(map[string]string{
			"status":    status,
			"user_path": "/workspace",
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &probes
}

func TestSafeStatusStoppedSkipsProbe(t *testing.T) {
	srv, probes := agentStub(t, "success")
	orch := &fakeOrchestrator{state: StateStopped, endpoint: srv.Listener.Addr().String()}

	state, hs, err := SafeStatus(context.Background(), orch, breaker.NewRegistry(), "sbx-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateStopped {
		t.Errorf("expected stopped, got %q", state)
	}
	if hs != nil {
		t.Error("no health record expected for a stopped instance")
	}
	if *probes != 0 {
		t.Errorf("stopped instance must not be probed, got %d probes", *probes)
	}
}

func TestSafeStatusRunningProbes(t *testing.T) {
	srv, probes := agentStub(t, "success")
	orch := &fakeOrchestrator{state: StateRunning, endpoint: srv.Listener.Addr().String()}

	state, hs, err := SafeStatus(context.Background(), orch, breaker.NewRegistry(), "sbx-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateHealthy {
		t.Errorf("expected healthy, got %q", state)
	}
	if hs == nil || hs.Status != "success" {
		t.Errorf("expected relayed sync record, got %+v", hs)
	}
	if *probes != 1 {
		t.Errorf("expected exactly one probe, got %d", *probes)
	}
}

func TestSafeStatusSyncPendingIsNotHealthy(t *testing.T) {
	srv, _ := agentStub(t, "syncing")
	orch := &fakeOrchestrator{state: StateRunning, endpoint: srv.Listener.Addr().String()}

	state, hs, err := SafeStatus(context.Background(), orch, breaker.NewRegistry(), "sbx-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateRunning {
		t.Errorf("expected running while sync is in flight, got %q", state)
	}
	if hs == nil || hs.Status != "syncing" {
		t.Errorf("expected syncing record, got %+v", hs)
	}
}

func TestSafeStatusSkippedSyncIsHealthy(t *testing.T) {
	srv, _ := agentStub(t, "skipped")
	orch := &fakeOrchestrator{state: StateRunning, endpoint: srv.Listener.Addr().String()}

	state, _, err := SafeStatus(context.Background(), orch, breaker.NewRegistry(), "sbx-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateHealthy {
		t.Errorf("sync mode none reports skipped and counts as ready, got %q", state)
	}
}

func TestSafeStatusUnreachableAgentKeepsInspectState(t *testing.T) {
	// Endpoint nobody listens on.
	orch := &fakeOrchestrator{state: StateRunning, endpoint: "127.0.0.1:1"}

	state, hs, err := SafeStatus(context.Background(), orch, breaker.NewRegistry(), "sbx-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateRunning {
		t.Errorf("expected inspect state on probe failure, got %q", state)
	}
	if hs != nil {
		t.Error("no record expected when the probe fails")
	}
}

func TestClientBindingRoundTrip(t *testing.T) {
	var got Binding
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/_internal/setBucketName":
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusOK)
		case "/_internal/getBucketName":
			json.NewEncoder(w).Encode(map[string]string{"bucket": got.Bucket})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient("sbx-x", srv.Listener.Addr().String(), breaker.NewRegistry())
	err := c.SetBinding(context.Background(), Binding{
		Bucket:    "ws-alice",
		SessionID: "abc123def",
		SyncMode:  "full",
	})
	if err != nil {
		t.Fatalf("set binding: %v", err)
	}
	if got.Bucket != "ws-alice" || got.SessionID != "abc123def" {
		t.Errorf("binding not transmitted: %+v", got)
	}

	bucket, err := c.GetBucketName(context.Background())
	if err != nil {
		t.Fatalf("get bucket: %v", err)
	}
	if bucket != "ws-alice" {
		t.Errorf("expected ws-alice, got %q", bucket)
	}
}
