package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360studio/council/council"
	"github.com/c360studio/council/metrics"
	"github.com/c360studio/council/mirror"
)

const (
	// writeWait bounds each outbound frame write.
	writeWait = 10 * time.Second

	// pingInterval keeps the connection alive through proxies during long
	// deliberations.
	pingInterval = 30 * time.Second

	// maxQueryFrameSize limits inbound frames to prevent DoS.
	maxQueryFrameSize = 1 << 20 // 1 MB
)

// queryFrame is the inbound message that opens a deliberation.
type queryFrame struct {
	Query string `json:"query"`
}

// handleSession upgrades to WebSocket and serves one deliberation on the
// connection. Events stream as JSON frames; closing the connection aborts
// the deliberation cooperatively.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := s.snap()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		id:          uuid.New().String(),
		conn:        conn,
		orch:        snap.orch,
		mirror:      s.mirror,
		idleTimeout: snap.cfg.Server.SessionIdleTimeout.Std(),
	}
	sess.logger = s.logger.With("session_id", sess.id)
	sess.run(r.Context())
}

// session owns one WebSocket connection for its whole lifetime.
type session struct {
	id          string
	conn        *websocket.Conn
	orch        *council.Orchestrator
	mirror      *mirror.Publisher
	logger      *slog.Logger
	idleTimeout time.Duration
}

func (sess *session) run(ctx context.Context) {
	defer sess.conn.Close()
	sess.conn.SetReadLimit(maxQueryFrameSize)

	query, ok := sess.awaitQuery()
	if !ok {
		return
	}

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	sess.mirror.SessionStarted(sess.id, query)
	sess.logger.Info("Query accepted", "transport", "websocket")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closure or read failure from the client aborts the deliberation.
	go sess.watchClient(cancel)

	outcome := sess.stream(runCtx, query)
	metrics.SessionsFinished.WithLabelValues(outcome).Inc()
	if outcome == metrics.OutcomeAborted {
		sess.mirror.SessionAborted(sess.id)
		sess.logger.Info("Session aborted")
		return
	}

	// One query per session: send a normal closure after the terminal frame.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deliberation complete")
	_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	sess.logger.Info("Session complete", "outcome", outcome)
}

// awaitQuery reads frames until a non-empty query arrives. Frames without a
// query get an error frame back, matching the frontend contract. Returns
// false when the client disconnects or stays idle past the timeout.
func (sess *session) awaitQuery() (string, bool) {
	for {
		if sess.idleTimeout > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(sess.idleTimeout))
		}
		var frame queryFrame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("Session closed before query")
			} else {
				sess.logger.Debug("Session read failed before query", "error", err)
			}
			return "", false
		}
		if strings.TrimSpace(frame.Query) == "" {
			if err := sess.send(council.Event{Type: council.EventError, Message: "No query provided"}); err != nil {
				return "", false
			}
			continue
		}
		return frame.Query, true
	}
}

// watchClient drains the connection for the rest of the session. A read
// error means the client is gone; anything else the client sends is dropped
// because a session carries exactly one query.
func (sess *session) watchClient(cancel context.CancelFunc) {
	_ = sess.conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			cancel()
			return
		}
		sess.logger.Debug("Dropping client frame during deliberation")
	}
}

// stream forwards deliberation events to the client and mirrors them,
// returning the session outcome label.
func (sess *session) stream(ctx context.Context, query string) string {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	events := sess.orch.Deliberate(ctx, query)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Closed without a terminal event: the session aborted.
				return metrics.OutcomeAborted
			}
			if err := sess.send(ev); err != nil {
				sess.logger.Debug("Session write failed", "error", err)
				return metrics.OutcomeAborted
			}
			switch ev.Type {
			case council.EventResult:
				sess.mirror.SessionResult(sess.id, ev.Data)
				return metrics.OutcomeCompleted
			case council.EventError:
				sess.mirror.SessionFailed(sess.id, ev.Message)
				return metrics.OutcomeFailed
			default:
				sess.mirror.SessionProgress(sess.id, ev)
			}
		case <-ping.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				sess.logger.Debug("Session ping failed", "error", err)
				return metrics.OutcomeAborted
			}
		}
	}
}

func (sess *session) send(ev council.Event) error {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteJSON(ev)
}
