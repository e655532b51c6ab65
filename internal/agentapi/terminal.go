package agentapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/creack/pty"
)

// Input rate limiting per terminal connection. Bursts cover paste
// operations; sustained floods get dropped, not buffered.
const (
	terminalRateLimit = 200
	terminalRateBurst = 200
)

const (
	maxInputMessageSize = 64 * 1024
	scrollbackCapacity  = 256 * 1024
	maxResizeCols       = 1000
	maxResizeRows       = 500
)

// termControlMsg is the JSON control envelope exchanged as text frames.
// Binary frames carry raw PTY bytes.
type termControlMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Data string `json:"data,omitempty"`
	Name string `json:"name,omitempty"`
}

// TabSession is one PTY-backed terminal tab. The shell process and its
// scrollback outlive any individual websocket attachment.
type TabSession struct {
	ID      string
	Command string

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	attached *websocket.Conn
	attCtx   context.Context
	done     chan struct{}

	scrollback *byteRing
}

// TerminalManager owns all tab sessions for this instance.
type TerminalManager struct {
	mu      sync.Mutex
	tabs    map[string]*TabSession
	workDir string
	shell   string
}

func NewTerminalManager(workDir string) *TerminalManager {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return &TerminalManager{
		tabs:    make(map[string]*TabSession),
		workDir: workDir,
		shell:   shell,
	}
}

// session returns the live tab session, starting one if needed. command
// overrides the default shell for tabs configured with their own command.
func (m *TerminalManager) session(tabID, command string) (*TabSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.tabs[tabID]; ok {
		select {
		case <-ts.done:
			// Process exited; fall through and start a fresh one.
			delete(m.tabs, tabID)
		default:
			return ts, nil
		}
	}

	ts, err := m.start(tabID, command)
	if err != nil {
		return nil, err
	}
	m.tabs[tabID] = ts
	return ts, nil
}

func (m *TerminalManager) start(tabID, command string) (*TabSession, error) {
	var cmd *exec.Cmd
	if command != "" {
		cmd = exec.Command(m.shell, "-c", command)
	} else {
		cmd = exec.Command(m.shell, "-l")
	}
	cmd.Dir = m.workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	pty.Setsize(ptmx, &pty.Winsize{Cols: 80, Rows: 24})

	ts := &TabSession{
		ID:         tabID,
		Command:    command,
		cmd:        cmd,
		ptmx:       ptmx,
		done:       make(chan struct{}),
		scrollback: newByteRing(scrollbackCapacity),
	}

	go ts.pumpOutput()
	go func() {
		cmd.Wait()
		ptmx.Close()
		close(ts.done)
		log.Printf("terminal %s: process exited", tabID)
	}()

	log.Printf("terminal %s: started (%s)", tabID, cmd.Path)
	return ts, nil
}

// pumpOutput drains the PTY for the tab's whole lifetime. Output goes
// into the scrollback always, and to the attached client when there is
// one. Ordering within the tab is the PTY's ordering.
func (ts *TabSession) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := ts.ptmx.Read(buf)
		if n > 0 {
			ts.scrollback.Write(buf[:n])

			ts.mu.Lock()
			conn, ctx := ts.attached, ts.attCtx
			ts.mu.Unlock()
			if conn != nil {
				if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
					ts.detach(conn)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// attach makes conn the sole receiver of new output, displacing any
// previous attachment.
func (ts *TabSession) attach(ctx context.Context, conn *websocket.Conn) {
	ts.mu.Lock()
	prev := ts.attached
	ts.attached = conn
	ts.attCtx = ctx
	ts.mu.Unlock()
	if prev != nil && prev != conn {
		prev.Close(4409, "Replaced by newer connection")
	}
}

func (ts *TabSession) detach(conn *websocket.Conn) {
	ts.mu.Lock()
	if ts.attached == conn {
		ts.attached = nil
		ts.attCtx = nil
	}
	ts.mu.Unlock()
}

func (ts *TabSession) resize(cols, rows uint16) {
	if cols > maxResizeCols {
		cols = maxResizeCols
	}
	if rows > maxResizeRows {
		rows = maxResizeRows
	}
	pty.Setsize(ts.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// processName reports what is running in the tab, for client tab labels.
func (ts *TabSession) processName() string {
	if ts.Command != "" {
		return ts.Command
	}
	return ts.cmd.Path
}

// Close terminates every tab process. Used on agent shutdown.
func (m *TerminalManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range m.tabs {
		if ts.cmd.Process != nil {
			ts.cmd.Process.Kill()
		}
		delete(m.tabs, id)
	}
}

// HandleTerminal serves one websocket attachment to a tab. A manual
// reconnect gets the scrollback replayed as a restore envelope so the
// client sees missed output; boot-time auto-connects skip the replay.
func (m *TerminalManager) HandleTerminal(ctx context.Context, conn *websocket.Conn, tabID, command string, manual bool) {
	ts, err := m.session(tabID, command)
	if err != nil {
		log.Printf("terminal %s: start: %v", tabID, err)
		conn.Close(4500, "Failed to start shell")
		return
	}

	conn.SetReadLimit(1024 * 1024)

	nameMsg, _ := json.Marshal(termControlMsg{Type: "process-name", Name: ts.processName()})
	if err := conn.Write(ctx, websocket.MessageText, nameMsg); err != nil {
		return
	}

	if manual {
		// Scrollback is raw PTY output and not necessarily valid UTF-8;
		// base64 keeps the JSON envelope intact.
		if history := ts.scrollback.Bytes(); len(history) > 0 {
			restore, _ := json.Marshal(termControlMsg{Type: "restore", Data: base64.StdEncoding.EncodeToString(history)})
			if err := conn.Write(ctx, websocket.MessageText, restore); err != nil {
				return
			}
		}
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	ts.attach(relayCtx, conn)
	defer ts.detach(conn)

	go func() {
		select {
		case <-ts.done:
			relayCancel()
		case <-relayCtx.Done():
		}
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		msgType, data, err := conn.Read(relayCtx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				log.Printf("terminal %s: input message too large: %d", tabID, len(data))
				continue
			}
			if _, err := ts.ptmx.Write(data); err != nil {
				return
			}
			continue
		}

		var msg termControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			ts.resize(msg.Cols, msg.Rows)
		}
	}
}

// tokenBucket is a per-connection input rate limiter.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// byteRing is a fixed-capacity scrollback buffer of raw PTY output.
type byteRing struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

func newByteRing(capacity int) *byteRing {
	return &byteRing{buf: make([]byte, capacity)}
}

func (r *byteRing) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the last capacity bytes matter.
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.pos = 0
		r.full = true
		return
	}
	if r.pos+len(p) >= len(r.buf) {
		r.full = true
	}
	n := copy(r.buf[r.pos:], p)
	copy(r.buf, p[n:])
	r.pos = (r.pos + len(p)) % len(r.buf)
}

// Bytes returns the buffered output in chronological order.
func (r *byteRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf[r.pos:])
	copy(out[len(r.buf)-r.pos:], r.buf[:r.pos])
	return out
}
