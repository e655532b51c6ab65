// Package agentapi is the in-instance control surface: the health
// endpoint the control plane probes, the internal binding endpoints it
// pushes configuration through, and the per-tab terminal websockets.
package agentapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/shellpod/shellpod/internal/syncer"
)

var (
	errBucketMismatch = errors.New("instance already bound to a different bucket")
	errNotBound       = errors.New("instance not bound yet")
)

// SyncStatus reports the current sync record; the syncer implements it.
type SyncStatus interface {
	Status() syncer.Record
}

type Server struct {
	binding   *bindingStore
	terminals *TerminalManager
	sync      SyncStatus
}

type Options struct {
	BindingPath string
	WorkDir     string
	Sync        SyncStatus
}

func NewServer(opts Options) (*Server, error) {
	store, err := newBindingStore(opts.BindingPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		binding:   store,
		terminals: NewTerminalManager(opts.WorkDir),
		sync:      opts.Sync,
	}, nil
}

// Binding returns the active binding, nil before the first push.
func (s *Server) Binding() *Binding { return s.binding.Get() }

// Bound is closed when a binding becomes available.
func (s *Server) Bound() <-chan struct{} { return s.binding.Bound() }

// Terminals exposes the tab manager for shutdown cleanup.
func (s *Server) Terminals() *TerminalManager { return s.terminals }

// HTTPServer builds the agent's listener with all routes wired up.
func (s *Server) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/_internal/getBucketName", s.handleGetBucket)
	mux.HandleFunc("/_internal/setBucketName", s.handleSetBinding)
	mux.HandleFunc("/_internal/setSessionId", s.handleSetSessionID)
	mux.HandleFunc("/terminal/", s.handleTerminal)

	return &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: terminal websockets are long-lived.
		IdleTimeout: 120 * time.Second,
	}
}

// handleHealth relays the sync status record verbatim. The control plane
// treats a non-success status as "instance up but not ready".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rec := syncer.Record{Status: syncer.StatusPending}
	if s.sync != nil {
		rec = s.sync.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    rec.Status,
		"error":     rec.Error,
		"user_path": rec.UserPath,
	})
}

func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	b := s.binding.Get()
	if b == nil {
		http.Error(w, "Not bound", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"bucket": b.Bucket})
}

func (s *Server) handleSetBinding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var b Binding
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "Invalid binding payload", http.StatusBadRequest)
		return
	}
	if b.Bucket == "" {
		http.Error(w, "Bucket required", http.StatusBadRequest)
		return
	}

	if err := s.binding.Set(b); err != nil {
		if errors.Is(err, errBucketMismatch) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Printf("agent: persist binding: %v", err)
		http.Error(w, "Failed to persist binding", http.StatusInternalServerError)
		return
	}
	log.Printf("agent: bound to bucket %s session %s", b.Bucket, b.SessionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetSessionID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	if err := s.binding.SetSessionID(body.SessionID); err != nil {
		if errors.Is(err, errNotBound) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "Failed to persist session id", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleTerminal upgrades /terminal/{tabID} to a websocket attachment.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	tabID := strings.TrimPrefix(r.URL.Path, "/terminal/")
	if tabID == "" || strings.Contains(tabID, "/") {
		http.Error(w, "Tab ID required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("agent: accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	command := s.tabCommand(tabID)
	manual := r.URL.Query().Get("manual") != ""
	s.terminals.HandleTerminal(r.Context(), conn, tabID, command, manual)
}

// tabCommand looks up the configured command for a tab; unknown tabs get
// the default shell.
func (s *Server) tabCommand(tabID string) string {
	b := s.binding.Get()
	if b == nil {
		return ""
	}
	for _, tab := range b.Tabs {
		if tab.ID == tabID {
			return tab.Command
		}
	}
	return ""
}
