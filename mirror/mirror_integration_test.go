//go:build integration

package mirror_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/council/config"
	"github.com/c360studio/council/council"
	"github.com/c360studio/council/mirror"
)

// Requires a local NATS server, e.g. `docker run -p 4222:4222 nats`.
func TestPublisherMirrorsSessionLifecycle(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL)
	if err != nil {
		t.Skipf("NATS not available at %s: %v", nats.DefaultURL, err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("counciltest.session.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub, err := mirror.Connect(config.MirrorConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "counciltest",
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, pub)
	defer pub.Close()

	pub.SessionStarted("sess-1", "what is the meaning of life")
	pub.SessionProgress("sess-1", council.Event{
		Type:    council.EventProgress,
		Stage:   council.StageOpinions,
		Message: "querying council members",
	})
	pub.SessionResult("sess-1", &council.Result{
		Query: "what is the meaning of life",
		Final: "42",
	})

	started := nextEvent(t, sub)
	assert.Equal(t, "counciltest.session.started", started.subject)
	assert.Equal(t, "sess-1", started.event.SessionID)
	assert.Equal(t, "what is the meaning of life", started.event.Query)
	assert.False(t, started.event.Timestamp.IsZero())

	progress := nextEvent(t, sub)
	assert.Equal(t, "counciltest.session.progress", progress.subject)
	assert.Equal(t, council.StageOpinions, progress.event.Stage)
	assert.Equal(t, "querying council members", progress.event.Message)

	result := nextEvent(t, sub)
	assert.Equal(t, "counciltest.session.result", result.subject)
	require.NotNil(t, result.event.Result)
	assert.Equal(t, "42", result.event.Result.Final)
}

type receivedEvent struct {
	subject string
	event   mirror.SessionEvent
}

func nextEvent(t *testing.T, sub *nats.Subscription) receivedEvent {
	t.Helper()
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev mirror.SessionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	return receivedEvent{subject: msg.Subject, event: ev}
}
