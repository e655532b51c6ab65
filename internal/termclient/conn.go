package termclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Reconnect budget: after a drop, a tab retries this many times at this
// interval before giving up for good.
const (
	reconnectAttempts = 5
	reconnectDelay    = 2 * time.Second
)

// ErrNeverConnected means the first dial never succeeded: the instance is
// likely not up at all, which the caller reports differently from a lost
// session.
var ErrNeverConnected = errors.New("terminal: could not connect")

// ErrConnectionLost means an established connection dropped and the
// reconnect budget is exhausted.
var ErrConnectionLost = errors.New("terminal: connection lost")

// controlPrefix marks text frames carrying a JSON control envelope;
// everything else is raw terminal output.
var controlPrefix = []byte(`{"type":"`)

type controlEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Name string `json:"name,omitempty"`
}

// Events receives a tab connection's lifecycle and data callbacks. All
// callbacks fire from the connection's read loop; implementations must
// not block.
type Events struct {
	OnOutput      func(data []byte)
	OnRestore     func(scrollback []byte)
	OnProcessName func(name string)
	OnConnect     func()
	OnDisconnect  func(err error)
}

// TabConn maintains one tab's websocket to the control plane, redialing
// through drops until the reconnect budget runs out.
type TabConn struct {
	URL    string // full ws URL for this tab, see TerminalURL
	Events Events

	// MaxAttempts and RetryDelay override the reconnect budget; zero
	// values use the defaults.
	MaxAttempts int
	RetryDelay  time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	cols   uint16
	rows   uint16
}

func (c *TabConn) budget() (int, time.Duration) {
	attempts, delay := reconnectAttempts, reconnectDelay
	if c.MaxAttempts > 0 {
		attempts = c.MaxAttempts
	}
	if c.RetryDelay > 0 {
		delay = c.RetryDelay
	}
	return attempts, delay
}

// Run dials and pumps until ctx is cancelled or the reconnect budget is
// exhausted. The first dial cycle distinguishes never-connected from
// lost: manual=true is sent on every dial after the first success so the
// agent replays scrollback. A new Run supersedes any earlier one for this
// tab: the previous retry loop is cancelled so a tab never holds two
// competing connections.
func (c *TabConn) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	maxAttempts, delay := c.budget()
	everConnected := false
	failures := 0

	for {
		conn, err := c.dial(runCtx, everConnected)
		if err != nil {
			failures++
			log.Printf("terminal: dial attempt %d/%d: %v", failures, maxAttempts, err)
			if failures >= maxAttempts {
				if !everConnected {
					return ErrNeverConnected
				}
				return ErrConnectionLost
			}
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-time.After(delay):
			}
			continue
		}

		// A working connection restores the full budget for the next drop.
		everConnected = true
		failures = 0

		err = c.pump(runCtx, conn)
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		if c.Events.OnDisconnect != nil {
			c.Events.OnDisconnect(err)
		}

		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-time.After(delay):
		}
	}
}

// Stop cancels the connection and any in-flight reconnect wait.
func (c *TabConn) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *TabConn) dial(ctx context.Context, manual bool) (*websocket.Conn, error) {
	url := c.URL
	if manual {
		url += "?manual=1"
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	c.mu.Lock()
	c.conn = conn
	cols, rows := c.cols, c.rows
	c.mu.Unlock()

	// Push current geometry so the remote PTY matches before any output.
	if cols > 0 && rows > 0 {
		msg, _ := json.Marshal(map[string]interface{}{"type": "resize", "cols": cols, "rows": rows})
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			conn.CloseNow()
			return nil, err
		}
	}

	if c.Events.OnConnect != nil {
		c.Events.OnConnect()
	}
	return conn, nil
}

func (c *TabConn) pump(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.CloseNow()
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType == websocket.MessageText && bytes.HasPrefix(data, controlPrefix) {
			c.handleControl(data)
			continue
		}
		if c.Events.OnOutput != nil {
			c.Events.OnOutput(data)
		}
	}
}

func (c *TabConn) handleControl(data []byte) {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Not a control envelope after all; treat as output.
		if c.Events.OnOutput != nil {
			c.Events.OnOutput(data)
		}
		return
	}
	switch env.Type {
	case "restore":
		if c.Events.OnRestore == nil {
			return
		}
		scrollback, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			log.Printf("terminal: bad restore payload: %v", err)
			return
		}
		c.Events.OnRestore(scrollback)
	case "process-name":
		if c.Events.OnProcessName != nil {
			c.Events.OnProcessName(env.Name)
		}
	}
}

// SendInput forwards keystrokes. Input while disconnected is dropped;
// the shell never sees half a reconnect's worth of buffered typing.
func (c *TabConn) SendInput(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

// Resize records the geometry and pushes it if connected. The recorded
// value is replayed on every future dial.
func (c *TabConn) Resize(ctx context.Context, cols, rows uint16) error {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg, err := json.Marshal(map[string]interface{}{"type": "resize", "cols": cols, "rows": rows})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}

// TerminalURL builds the control-plane websocket URL for one tab.
func TerminalURL(baseURL, sessionID, tabID string) string {
	return fmt.Sprintf("%s/api/v1/sessions/%s/terminal/%s", baseURL, sessionID, tabID)
}
