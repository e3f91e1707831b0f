package frontend

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/collab-gateway/internal/authtoken"
)

func adminValidator() *fakeValidator {
	return &fakeValidator{tokens: map[string]authtoken.Token{
		"admin-token": {
			AccountEmail: "ops@example.com",
			Extra:        &authtoken.Extra{Admin: true},
		},
		"plain-token": {
			AccountEmail: "alice@example.com",
			Workspace:    authtoken.Workspace{Name: "ws-1", ProductID: "acme"},
		},
	}}
}

func TestManageRequiresAdminToken(t *testing.T) {
	_, ts := newTestServer(t, adminValidator())

	resp, err := http.DefaultClient.Do(mustRequest(t, http.MethodPut, ts.URL+"/api/v1/manage?operation=wipe-statistics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManageRejectsNonAdminToken(t *testing.T) {
	_, ts := newTestServer(t, adminValidator())

	req := mustRequest(t, http.MethodPut, ts.URL+"/api/v1/manage?token=plain-token&operation=wipe-statistics", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManageWipeStatisticsSucceeds(t *testing.T) {
	_, ts := newTestServer(t, adminValidator())

	req := mustRequest(t, http.MethodPut, ts.URL+"/api/v1/manage?token=admin-token&operation=wipe-statistics", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestManageRebootSignalsServer(t *testing.T) {
	srv, ts := newTestServer(t, adminValidator())

	req := mustRequest(t, http.MethodPut, ts.URL+"/api/v1/manage?token=admin-token&operation=reboot", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-srv.RebootRequested():
	default:
		t.Fatal("expected reboot channel to be signaled")
	}
}

func TestManageUnknownOperationIsBadRequest(t *testing.T) {
	_, ts := newTestServer(t, adminValidator())

	req := mustRequest(t, http.MethodPut, ts.URL+"/api/v1/manage?token=admin-token&operation=bogus", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatisticsRequiresAdminToken(t *testing.T) {
	_, ts := newTestServer(t, adminValidator())

	resp, err := http.Get(ts.URL + "/api/v1/statistics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func mustRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	return req
}
