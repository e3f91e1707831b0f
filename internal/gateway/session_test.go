package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/pipeline"
)

func newTestSession(t *testing.T, p pipeline.Pipeline) *Session {
	t.Helper()
	transport := newFakeTransport()
	socket := NewSocket("sock", transport, Metadata{}, nil)
	t.Cleanup(socket.Close)

	return NewSession(SessionConfig{
		ID:          "session-1",
		User:        "alice@example.com",
		Socket:      socket,
		WorkspaceID: "acme/ws-1",
		Token:       authtoken.Token{AccountEmail: "alice@example.com"},
		Pipeline:    p,
	})
}

func TestSessionFindAllIncrementsStatistics(t *testing.T) {
	stub := pipeline.NewStub()
	session := newTestSession(t, stub)

	result, err := session.FindAll(context.Background(), "req-1", "widgets", map[string]any{"id": 1}, nil)
	require.NoError(t, err)
	assert.NotNil(t, result)

	stats := session.Stats()
	assert.EqualValues(t, 1, stats.Total.FindCount)
	assert.EqualValues(t, 1, stats.Current.FindCount)
	assert.False(t, session.LastRequest().IsZero())
}

func TestSessionTxIncrementsTotalTxCount(t *testing.T) {
	stub := pipeline.NewStub()
	session := newTestSession(t, stub)

	_, err := session.Tx(context.Background(), "req-2", map[string]any{"op": "set"})
	require.NoError(t, err)

	stats := session.Stats()
	assert.EqualValues(t, 1, stats.Total.TxCount)
	assert.True(t, stub.Closed() == false)
}

func TestSessionTxErrorIsWrappedAsPipelineError(t *testing.T) {
	stub := pipeline.NewStub()
	stub.FailNextTx(assertError("boom"))
	session := newTestSession(t, stub)

	_, err := session.Tx(context.Background(), "req-3", map[string]any{"op": "set"})
	require.Error(t, err)

	var pipelineErr *PipelineError
	require.ErrorAs(t, err, &pipelineErr)
}

func TestSessionTrackRemovesPendingOnCompletion(t *testing.T) {
	stub := pipeline.NewStub()
	session := newTestSession(t, stub)

	assert.Equal(t, 0, session.PendingCount())
	finish := session.track("req-4", nil)
	assert.Equal(t, 1, session.PendingCount())
	finish()
	assert.Equal(t, 0, session.PendingCount())
}

func TestStatisticsRollBlendsAndResetsCurrent(t *testing.T) {
	stats := Statistics{Current: Counters{FindCount: 10, TxCount: 4}, Mins5: Counters{FindCount: 0}}
	stats.roll()
	assert.EqualValues(t, 2, stats.Mins5.FindCount)
	assert.EqualValues(t, Counters{}, stats.Current)
}

type assertError string

func (e assertError) Error() string { return string(e) }
