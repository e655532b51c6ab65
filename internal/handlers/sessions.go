package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shellpod/shellpod/internal/activity"
	"github.com/shellpod/shellpod/internal/crypto"
	"github.com/shellpod/shellpod/internal/registry"
	"github.com/shellpod/shellpod/internal/session"
	"github.com/shellpod/shellpod/internal/termclient"
)

// Package-level collaborators, set from main.go during init.
var (
	Lifecycle       *session.Controller
	ActivityTracker *activity.Tracker
)

type sessionCreateRequest struct {
	SessionID string               `json:"session_id"`
	Owner     string               `json:"owner"`
	Profile   string               `json:"profile"`
	SyncMode  string               `json:"sync_mode"`
	Tabs      []registry.TabConfig `json:"tabs"`
	// Bucket credentials, stored encrypted and pushed at bind time.
	Credentials map[string]string `json:"credentials"`
}

type sessionResponse struct {
	SessionID     string               `json:"session_id"`
	Owner         string               `json:"owner"`
	Profile       string               `json:"profile"`
	Bucket        string               `json:"bucket"`
	SyncMode      string               `json:"sync_mode"`
	Status        string               `json:"status"`
	Tabs          []registry.TabConfig `json:"tabs"`
	SortOrder     int                  `json:"sort_order"`
	LastStartedAt string               `json:"last_started_at"`
	LastActiveAt  string               `json:"last_active_at"`
	CreatedAt     string               `json:"created_at"`
}

var bucketSanitizer = regexp.MustCompile(`[^a-z0-9-]`)

// ownerBucket derives the owner's workspace bucket name.
func ownerBucket(owner string) string {
	b := strings.ToLower(owner)
	b = bucketSanitizer.ReplaceAllString(b, "-")
	b = strings.Trim(b, "-")
	if len(b) > 40 {
		b = b[:40]
	}
	return "ws-" + b
}

func generateSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func sessionToResponse(sess *registry.Session) sessionResponse {
	tabs, _ := sess.Tabs()
	if tabs == nil {
		tabs = []registry.TabConfig{}
	}
	return sessionResponse{
		SessionID:     sess.SessionID,
		Owner:         sess.Owner,
		Profile:       sess.Profile,
		Bucket:        sess.Bucket,
		SyncMode:      sess.SyncMode,
		Status:        sess.Status,
		Tabs:          tabs,
		SortOrder:     sess.SortOrder,
		LastStartedAt: formatTimestamp(sess.LastStartedAt),
		LastActiveAt:  formatTimestamp(sess.LastActiveAt),
		CreatedAt:     formatTimestamp(sess.CreatedAt),
	}
}

// validateTabConfig enforces the tab invariants: tab "1" present and first,
// ordinal string ids, no duplicates, at most termclient.MaxTabs entries.
func validateTabConfig(tabs []registry.TabConfig) error {
	if len(tabs) == 0 {
		return fmt.Errorf("tab configuration must include tab \"1\"")
	}
	if len(tabs) > termclient.MaxTabs {
		return fmt.Errorf("at most %d tabs allowed", termclient.MaxTabs)
	}
	if tabs[0].ID != "1" {
		return fmt.Errorf("tab \"1\" must be first")
	}
	seen := make(map[string]bool, len(tabs))
	for _, tab := range tabs {
		if tab.ID == "" {
			return fmt.Errorf("tab id must not be empty")
		}
		if seen[tab.ID] {
			return fmt.Errorf("duplicate tab id %q", tab.ID)
		}
		seen[tab.ID] = true
	}
	return nil
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if body.SessionID == "" {
		body.SessionID = generateSessionID()
	}
	if err := session.ValidateSessionID(body.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.SyncMode == "" {
		body.SyncMode = registry.SyncModeFull
	}
	switch body.SyncMode {
	case registry.SyncModeNone, registry.SyncModeMetadata, registry.SyncModeFull:
	default:
		writeError(w, http.StatusBadRequest, "sync_mode must be none, metadata or full")
		return
	}

	if len(body.Tabs) == 0 {
		body.Tabs = []registry.TabConfig{{ID: "1", Label: "shell"}}
	}
	if err := validateTabConfig(body.Tabs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var count int64
	registry.DB.Model(&registry.Session{}).Where("session_id = ?", body.SessionID).Count(&count)
	if count > 0 {
		writeError(w, http.StatusConflict, fmt.Sprintf("Session %q already exists", body.SessionID))
		return
	}

	tabsJSON, _ := json.Marshal(body.Tabs)

	var maxSortOrder int
	registry.DB.Model(&registry.Session{}).Select("COALESCE(MAX(sort_order), 0)").Scan(&maxSortOrder)

	sess := registry.Session{
		SessionID: body.SessionID,
		Owner:     body.Owner,
		Profile:   body.Profile,
		Bucket:    ownerBucket(body.Owner),
		TabsJSON:  string(tabsJSON),
		SyncMode:  body.SyncMode,
		Status:    registry.StatusStopped,
		SortOrder: maxSortOrder + 1,
	}
	if err := registry.CreateSession(&sess); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	for name, value := range body.Credentials {
		if value == "" {
			continue
		}
		enc, err := crypto.Encrypt(value)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt credential")
			return
		}
		registry.DB.Create(&registry.SessionCredential{SessionRef: sess.ID, Name: name, ValueEnc: enc})
	}

	writeJSON(w, http.StatusCreated, sessionToResponse(&sess))
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	sessions, err := registry.ListSessions(owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	responses := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		responses = append(responses, sessionToResponse(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, responses)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := registry.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

// DeleteSession destroys the instance and removes the session record.
// Destroy never probes first and treats an absent instance as success.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	if _, err := registry.GetSession(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	if err := Lifecycle.Destroy(r.Context(), sessionID); err != nil {
		writeDomainError(w, "delete session", err)
		return
	}

	if err := registry.DeleteSession(sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func StartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	result, err := Lifecycle.Start(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}

func StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := Lifecycle.Stop(r.Context(), sessionID); err != nil {
		writeDomainError(w, "stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": registry.StatusStopped})
}

func SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	info, err := Lifecycle.Status(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, "session status", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type tabsUpdateRequest struct {
	Tabs []registry.TabConfig `json:"tabs"`
}

// UpdateTabs replaces the session's tab configuration (labels, startup
// commands, additions and removals), holding the tab invariants.
func UpdateTabs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := registry.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var body tabsUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateTabConfig(body.Tabs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.SetTabs(body.Tabs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update tabs")
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

// ReorderTabs applies a strict permutation of the existing tab set: tab "1"
// must stay first and the id set must match exactly: no additions,
// omissions or duplicates.
func ReorderTabs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := registry.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var body reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	existing, err := sess.Tabs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read tabs")
		return
	}

	reordered, err := reorderTabs(existing, body.IDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.SetTabs(reordered); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reorder tabs")
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func reorderTabs(existing []registry.TabConfig, ids []string) ([]registry.TabConfig, error) {
	if len(ids) == 0 || ids[0] != "1" {
		return nil, fmt.Errorf("tab \"1\" must be first")
	}
	if len(ids) != len(existing) {
		return nil, fmt.Errorf("reorder must include every tab exactly once")
	}

	byID := make(map[string]registry.TabConfig, len(existing))
	for _, tab := range existing {
		byID[tab.ID] = tab
	}

	seen := make(map[string]bool, len(ids))
	reordered := make([]registry.TabConfig, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("duplicate tab id %q", id)
		}
		seen[id] = true
		tab, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown tab id %q", id)
		}
		reordered = append(reordered, tab)
	}
	return reordered, nil
}

// ActivityInfo reports connected clients and idle duration for a session,
// plus the count of active sessions overall.
func ActivityInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if ActivityTracker == nil {
		writeJSON(w, http.StatusOK, activity.Info{})
		return
	}
	writeJSON(w, http.StatusOK, ActivityTracker.Snapshot(sessionID))
}
