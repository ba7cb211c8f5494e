package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSClient provides NATS operations for e2e tests. It subscribes to the
// council server's mirrored session subjects.
type NATSClient struct {
	nc     *nats.Conn
	closed bool
	mu     sync.Mutex
}

// NewNATSClient connects to the NATS server used by the council mirror.
func NewNATSClient(natsURL string) (*NATSClient, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("council-e2e"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSClient{nc: nc}, nil
}

// Close closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.nc.Close()
}

// IsConnected returns true if the client is connected to NATS.
func (c *NATSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.nc.IsConnected()
}

// SessionEvent is the mirrored session notification published by the
// council server.
type SessionEvent struct {
	SessionID string              `json:"session_id"`
	Query     string              `json:"query,omitempty"`
	Stage     string              `json:"stage,omitempty"`
	Message   string              `json:"message,omitempty"`
	Error     string              `json:"error,omitempty"`
	Result    *DeliberationResult `json:"result,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// CapturedEvent pairs a decoded session event with the subject it arrived on.
type CapturedEvent struct {
	Subject string
	Event   SessionEvent
}

// EventCapture collects mirrored session events from a subject for
// validation.
type EventCapture struct {
	sub    *nats.Subscription
	events []CapturedEvent
	mu     sync.Mutex
}

// CaptureEvents starts capturing session events from a subject pattern.
// The caller MUST call Stop() when done to prevent goroutine leaks.
func (c *NATSClient) CaptureEvents(subject string) (*EventCapture, error) {
	capture := &EventCapture{
		events: make([]CapturedEvent, 0),
	}

	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event SessionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			// Undecodable payloads still count as captured traffic.
			event = SessionEvent{Error: fmt.Sprintf("undecodable payload: %v", err)}
		}
		capture.mu.Lock()
		defer capture.mu.Unlock()
		capture.events = append(capture.events, CapturedEvent{
			Subject: msg.Subject,
			Event:   event,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	capture.sub = sub
	return capture, nil
}

// Events returns a copy of all captured events.
func (ec *EventCapture) Events() []CapturedEvent {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	result := make([]CapturedEvent, len(ec.events))
	copy(result, ec.events)
	return result
}

// Count returns the number of captured events.
func (ec *EventCapture) Count() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.events)
}

// WaitForCount waits until the specified number of events are captured.
func (ec *EventCapture) WaitForCount(ctx context.Context, count int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d events, have %d: %w", count, ec.Count(), ctx.Err())
		case <-ticker.C:
			if ec.Count() >= count {
				return nil
			}
		}
	}
}

// Stop stops capturing events.
func (ec *EventCapture) Stop() error {
	if ec.sub != nil {
		return ec.sub.Unsubscribe()
	}
	return nil
}
