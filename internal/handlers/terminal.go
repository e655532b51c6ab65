package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/shellpod/shellpod/internal/instance"
	"github.com/shellpod/shellpod/internal/registry"
)

// TerminalProxy bridges a client terminal websocket to the instance's
// per-session-per-tab endpoint. Each (session, tab) pair is one
// independent duplex byte stream; the proxy only pumps bytes and feeds the
// activity tracker.
func TerminalProxy(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	tabID := chi.URLParam(r, "tabId")

	sess, err := registry.GetSession(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("terminal: accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx := r.Context()

	orch := instance.Get()
	if orch == nil {
		clientConn.Close(4500, "No orchestrator available")
		return
	}

	name := instance.Name(sess.Bucket, sessionID)
	endpoint, err := orch.InstanceEndpoint(ctx, name)
	if err != nil {
		clientConn.Close(4003, "Instance not running")
		return
	}

	// The manual flag distinguishes explicit user reconnects from
	// boot-time auto-connects; the agent uses it for scrollback replay.
	manual := r.URL.Query().Get("manual")
	instURL := fmt.Sprintf("ws://%s/terminal/%s", endpoint, tabID)
	if manual != "" {
		instURL += "?manual=" + manual
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	instConn, _, err := websocket.Dial(dialCtx, instURL, nil)
	if err != nil {
		log.Printf("terminal: dial %s: %v", instURL, err)
		clientConn.Close(4502, "Cannot connect to instance terminal")
		return
	}
	defer instConn.CloseNow()

	clientConn.SetReadLimit(4 * 1024 * 1024)
	instConn.SetReadLimit(4 * 1024 * 1024)

	if ActivityTracker != nil {
		ActivityTracker.Connect(sessionID)
		defer ActivityTracker.Disconnect(sessionID)
	}
	registry.TouchSessionActivity(sessionID)

	// Pump both directions; first failure tears the pair down. Output
	// ordering within the tab is preserved by the transport.
	pumpCtx, pumpCancel := context.WithCancel(ctx)
	defer pumpCancel()

	errCh := make(chan error, 2)
	go pump(pumpCtx, clientConn, instConn, errCh)
	go pump(pumpCtx, instConn, clientConn, errCh)

	err = <-errCh
	pumpCancel()
	if err != nil && websocket.CloseStatus(err) == -1 {
		log.Printf("terminal %s/%s: %v", sessionID, tabID, err)
	}
}

func pump(ctx context.Context, src, dst *websocket.Conn, errCh chan<- error) {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			errCh <- err
			return
		}
	}
}
