package frontend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/config"
	"github.com/workspace/collab-gateway/internal/pipeline"
)

// fakeValidator is a test double for authtoken.Validator: raw token
// strings are looked up verbatim rather than parsed as JWTs.
type fakeValidator struct {
	tokens map[string]authtoken.Token
}

func (f *fakeValidator) Validate(raw string) (authtoken.Token, error) {
	tok, ok := f.tokens[raw]
	if !ok {
		return authtoken.Token{}, authtoken.ErrInvalidToken
	}
	return tok, nil
}

func newTestServer(t *testing.T, validator authtoken.Validator) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{
		ProductID:        "acme",
		WSReadBufferSize: 4096,
		WSWriteBufferSize: 4096,
		StatsDBPath:      "",
		SoftShutdownTicks: 1,
	}
	srv, err := New(cfg, validator, pipeline.NewStubFactory())
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, ts
}

func TestHandshakeRejectsInvalidTokenWithUnauthorizedFrame(t *testing.T) {
	validator := &fakeValidator{tokens: map[string]authtoken.Token{}}
	_, ts := newTestServer(t, validator)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/bogus-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "UNAUTHORIZED", resp.Status)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandshakeAcceptsValidTokenAndDispatchesFindAll(t *testing.T) {
	validator := &fakeValidator{tokens: map[string]authtoken.Token{
		"good-token": {
			AccountEmail: "alice@example.com",
			Workspace:    authtoken.Workspace{Name: "ws-1", ProductID: "acme"},
		},
	}}
	_, ts := newTestServer(t, validator)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/good-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req := Request{ID: "r1", Method: "findAll", Params: mustMarshal(t, findAllParams{Class: "widgets", Query: map[string]any{"id": 1}})}
	require.NoError(t, conn.WriteJSON(req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Empty(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

func TestHandshakeRejectsProductIDMismatch(t *testing.T) {
	validator := &fakeValidator{tokens: map[string]authtoken.Token{
		"other-product": {
			AccountEmail: "bob@example.com",
			Workspace:    authtoken.Workspace{Name: "ws-1", ProductID: "other"},
		},
	}}
	_, ts := newTestServer(t, validator)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/other-product"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "UNAUTHORIZED", resp.Status)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
