package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/council/config"
	"github.com/c360studio/council/council"
)

func TestNilPublisherPublishesNothing(t *testing.T) {
	var p *Publisher

	// Every method must be a no-op on the nil publisher.
	p.SessionStarted("sess-1", "query")
	p.SessionProgress("sess-1", council.Event{Type: council.EventProgress, Stage: council.StageOpinions})
	p.SessionResult("sess-1", &council.Result{Final: "answer"})
	p.SessionFailed("sess-1", "boom")
	p.SessionAborted("sess-1")
	p.Close()
}

func TestConnectDisabledWithoutURL(t *testing.T) {
	p, err := Connect(config.MirrorConfig{SubjectPrefix: "council"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "council.session.started", subjectFor("council", EventStarted))
	assert.Equal(t, "council.session.result", subjectFor("council", EventResult))
	assert.Equal(t, "staging.session.aborted", subjectFor("staging", EventAborted))
}
