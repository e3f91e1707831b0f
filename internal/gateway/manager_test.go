package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/pipeline"
)

func newTestManager(t *testing.T) *SessionManager {
	t.Helper()
	return NewSessionManager(ManagerConfig{
		ProductID:         "acme",
		PipelineFactory:   pipeline.NewStubFactory(),
		SoftShutdownTicks: 1,
	})
}

func tokenFor(workspace, user string) authtoken.Token {
	return authtoken.Token{
		AccountEmail: user,
		Workspace:    authtoken.Workspace{Name: workspace, ProductID: "acme"},
	}
}

func newTestSocket(t *testing.T) *Socket {
	t.Helper()
	transport := newFakeTransport()
	socket := NewSocket("sock-"+t.Name(), transport, Metadata{}, nil)
	t.Cleanup(socket.Close)
	return socket
}

// TestAddSessionConstructsPipelineOncePerWorkspace covers spec.md's first
// test scenario: the pipeline factory runs once, addSession succeeds,
// and a findAll dispatched through the returned session reaches the
// pipeline stub.
func TestAddSessionConstructsPipelineOncePerWorkspace(t *testing.T) {
	var calls int
	factory := func(ctx context.Context, identity pipeline.Identity, upgrade bool, broadcast pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
		calls++
		return pipeline.NewStub(), nil
	}
	manager := NewSessionManager(ManagerConfig{ProductID: "acme", PipelineFactory: factory, SoftShutdownTicks: 1})

	socketA := newTestSocket(t)
	resultA := manager.AddSession(context.Background(), socketA, tokenFor("ws-1", "a@example.com"), "")
	require.NotNil(t, resultA.Session)

	socketB := newTestSocket(t)
	resultB := manager.AddSession(context.Background(), socketB, tokenFor("ws-1", "b@example.com"), "")
	require.NotNil(t, resultB.Session)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, manager.SessionCount())
	assert.Equal(t, 1, manager.WorkspaceCount())

	result, err := resultA.Session.FindAll(context.Background(), "r1", "widgets", nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, result)
}

// TestBroadcastExcludesOriginatorAndNonBroadcastPeers covers spec.md's
// second test scenario plus the exclusion invariant: a broadcast
// originated by A reaches B but neither A nor C, whose useBroadcast is
// off.
func TestBroadcastExcludesOriginatorAndNonBroadcastPeers(t *testing.T) {
	manager := newTestManager(t)

	socketA := newTestSocket(t)
	resultA := manager.AddSession(context.Background(), socketA, tokenFor("ws-1", "a@example.com"), "")
	require.NotNil(t, resultA.Session)

	socketB := newTestSocket(t)
	resultB := manager.AddSession(context.Background(), socketB, tokenFor("ws-1", "b@example.com"), "")
	require.NotNil(t, resultB.Session)

	socketC := newTestSocket(t)
	resultC := manager.AddSession(context.Background(), socketC, tokenFor("ws-1", "c@example.com"), "")
	require.NotNil(t, resultC.Session)
	resultC.Session.UseBroadcast = false

	manager.Broadcast(context.Background(), BroadcastRequest{
		From:         resultA.Session,
		WorkspaceKey: "acme/ws-1",
		Response:     map[string]any{"hello": "world"},
	})

	transportB := socketB.transport.(*fakeTransport)
	require.Eventually(t, func() bool { return transportB.writeCount() == 1 }, time.Second, time.Millisecond)

	transportA := socketA.transport.(*fakeTransport)
	assert.Equal(t, 0, transportA.writeCount())

	transportC := socketC.transport.(*fakeTransport)
	assert.Equal(t, 0, transportC.writeCount())
}

// TestCloseRemovesSessionFromBothRegistries covers spec.md's first test
// scenario's teardown half: once the only session in a workspace
// disconnects, Close drops it from the flat index and from the
// workspace's own session map and marks it workspace-closed.
func TestCloseRemovesSessionFromBothRegistries(t *testing.T) {
	manager := newTestManager(t)

	socket := newTestSocket(t)
	result := manager.AddSession(context.Background(), socket, tokenFor("ws-2", "solo@example.com"), "")
	require.NotNil(t, result.Session)
	assert.Equal(t, 1, manager.SessionCount())

	manager.Close(result.WorkspaceID, result.Session.ID())
	assert.Equal(t, 0, manager.SessionCount())
	ws := manager.Workspaces()[result.WorkspaceID]
	require.NotNil(t, ws)
	assert.Equal(t, 0, ws.sessionCount())
	assert.True(t, result.Session.WorkspaceClosed())
}

func TestCloseAllShutdownTearsDownWorkspaceAndResolvesFuture(t *testing.T) {
	manager := newTestManager(t)

	socket := newTestSocket(t)
	result := manager.AddSession(context.Background(), socket, tokenFor("ws-3", "solo@example.com"), "")
	require.NotNil(t, result.Session)

	manager.CloseAll(context.Background(), CloseAllRequest{WorkspaceKey: "acme/ws-3", Reason: ReasonShutdown})

	assert.Equal(t, 0, manager.WorkspaceCount())
	assert.True(t, socket.Closed())
}

// TestCloseAllUpgradeEvictsButKeepsWorkspaceRegistered covers the
// distinction between the two closeAll reasons: upgrade only evicts
// non-upgrade-role sessions and leaves the workspace (and its
// upgrade=true guard) in place for ForceClose's caller to rely on.
func TestCloseAllUpgradeEvictsButKeepsWorkspaceRegistered(t *testing.T) {
	manager := newTestManager(t)

	socket := newTestSocket(t)
	result := manager.AddSession(context.Background(), socket, tokenFor("ws-5", "solo@example.com"), "")
	require.NotNil(t, result.Session)

	manager.CloseAll(context.Background(), CloseAllRequest{WorkspaceKey: "acme/ws-5", Reason: ReasonUpgrade})

	assert.Equal(t, 1, manager.WorkspaceCount())
	assert.True(t, socket.Closed())
	assert.Equal(t, 0, manager.SessionCount())

	transport := socket.transport.(*fakeTransport)
	require.Eventually(t, func() bool { return transport.writeCount() == 1 }, time.Second, time.Millisecond)
	var frame struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(transport.writes[0], &frame))
	assert.Equal(t, "upgrading", frame.State)
}

// TestUpgradeAdmissionGuardRejectsNonUpgradeTokens covers the upgrade
// admission invariant: while a workspace is mid-upgrade, a non-upgrade
// token gets {upgrade: true} and is never inserted into either registry.
func TestUpgradeAdmissionGuardRejectsNonUpgradeTokens(t *testing.T) {
	manager := newTestManager(t)

	socket := newTestSocket(t)
	result := manager.AddSession(context.Background(), socket, tokenFor("ws-4", "first@example.com"), "")
	require.NotNil(t, result.Session)

	manager.ForceClose(context.Background(), "acme/ws-4")

	newSocket := newTestSocket(t)
	second := manager.AddSession(context.Background(), newSocket, tokenFor("ws-4", "second@example.com"), "")
	assert.True(t, second.Upgrade)
	assert.Nil(t, second.Session)
}
