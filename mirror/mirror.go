// Package mirror publishes session lifecycle events to NATS for external
// observers. Publishing is best effort: a nil publisher or a failed publish
// never affects the deliberation itself.
package mirror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/council/config"
	"github.com/c360studio/council/council"
)

// Session lifecycle event names. The full subject is
// <prefix>.session.<event>.
const (
	EventStarted  = "started"
	EventProgress = "progress"
	EventResult   = "result"
	EventFailed   = "failed"
	EventAborted  = "aborted"
)

// SessionEvent is the wire format for mirrored session notifications.
type SessionEvent struct {
	SessionID string          `json:"session_id"`
	Query     string          `json:"query,omitempty"`
	Stage     council.Stage   `json:"stage,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    *council.Result `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher mirrors session events onto NATS subjects. A nil *Publisher is
// valid and publishes nothing.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials the mirror endpoint. Returns a nil Publisher when no URL is
// configured.
func Connect(cfg config.MirrorConfig, logger *slog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("council-mirror"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to mirror at %s: %w", cfg.URL, err)
	}

	logger.Info("Session mirror connected", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	return &Publisher{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: logger,
	}, nil
}

// Close drains the connection, flushing any queued events.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Mirror drain failed", "error", err)
	}
}

// SessionStarted mirrors the acceptance of a new query.
func (p *Publisher) SessionStarted(sessionID, query string) {
	p.publish(EventStarted, SessionEvent{SessionID: sessionID, Query: query})
}

// SessionProgress mirrors one stage progress notification.
func (p *Publisher) SessionProgress(sessionID string, ev council.Event) {
	p.publish(EventProgress, SessionEvent{
		SessionID: sessionID,
		Stage:     ev.Stage,
		Message:   ev.Message,
	})
}

// SessionResult mirrors the final deliberation result.
func (p *Publisher) SessionResult(sessionID string, result *council.Result) {
	p.publish(EventResult, SessionEvent{SessionID: sessionID, Result: result})
}

// SessionFailed mirrors a terminal deliberation failure.
func (p *Publisher) SessionFailed(sessionID, message string) {
	p.publish(EventFailed, SessionEvent{SessionID: sessionID, Error: message})
}

// SessionAborted mirrors a session that closed before completion.
func (p *Publisher) SessionAborted(sessionID string) {
	p.publish(EventAborted, SessionEvent{SessionID: sessionID})
}

func (p *Publisher) publish(event string, payload SessionEvent) {
	if p == nil || p.conn == nil {
		return
	}
	payload.Timestamp = time.Now().UTC()

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Marshal session event failed", "event", event, "error", err)
		return
	}
	subject := subjectFor(p.prefix, event)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Publish session event failed", "subject", subject, "error", err)
	}
}

func subjectFor(prefix, event string) string {
	return fmt.Sprintf("%s.session.%s", prefix, event)
}
