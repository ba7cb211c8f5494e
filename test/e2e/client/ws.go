package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionFrame is one JSON frame streamed over a deliberation session.
type SessionFrame struct {
	Type    string          `json:"type"`
	Stage   string          `json:"stage,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Result decodes the frame payload of a result frame.
func (f *SessionFrame) Result() (*DeliberationResult, error) {
	if f.Type != "result" {
		return nil, fmt.Errorf("frame type %q carries no result", f.Type)
	}
	var result DeliberationResult
	if err := json.Unmarshal(f.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result payload: %w", err)
	}
	return &result, nil
}

// SessionClient drives one WebSocket deliberation session.
type SessionClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// DialSession opens a session against the council server's /ws endpoint.
// apiURL is the http(s) base URL; the scheme is rewritten for the dial.
func DialSession(ctx context.Context, apiURL string) (*SessionClient, error) {
	wsURL := strings.TrimSuffix(apiURL, "/") + "/ws"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	return &SessionClient{conn: conn}, nil
}

// SendQuery submits a query frame.
func (c *SessionClient) SendQuery(query string) error {
	return c.conn.WriteJSON(map[string]string{"query": query})
}

// SendRaw submits an arbitrary text frame, for exercising the server's
// handling of malformed input.
func (c *SessionClient) SendRaw(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads the next frame, failing after timeout.
func (c *SessionClient) ReadFrame(timeout time.Duration) (*SessionFrame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	var frame SessionFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// CollectDeliberation reads frames until a terminal result or error frame
// arrives. frameTimeout bounds the wait for each individual frame.
func (c *SessionClient) CollectDeliberation(frameTimeout time.Duration) ([]SessionFrame, error) {
	var frames []SessionFrame
	for {
		frame, err := c.ReadFrame(frameTimeout)
		if err != nil {
			return frames, fmt.Errorf("after %d frames: %w", len(frames), err)
		}
		frames = append(frames, *frame)
		if frame.Type == "result" || frame.Type == "error" {
			return frames, nil
		}
	}
}

// ExpectClose reads until the server closes the connection, failing if a
// data frame arrives first or the timeout passes.
func (c *SessionClient) ExpectClose(timeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		return fmt.Errorf("expected close, got frame: %s", data)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("expected normal closure, got: %w", err)
}

// Close tears the session down. Safe to call more than once.
func (c *SessionClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
