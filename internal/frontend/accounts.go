package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/workspace/collab-gateway/internal/callbackretry"
)

// accountsClient fetches the upgrade-info payload that accompanies an
// "upgrade" status frame, so a client reconnecting mid-upgrade gets
// account-scoped context (e.g. where the new instance will live)
// instead of a bare signal to retry blind. Grounded on the teacher's
// internal/callbackretry, repointed from VM-agent control-plane
// callbacks to this one outbound call the gateway makes.
type accountsClient struct {
	baseURL string
	http    *http.Client
	retry   callbackretry.Config
}

func newAccountsClient(baseURL string) *accountsClient {
	return &accountsClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		retry: callbackretry.Config{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			MaxElapsed:   4 * time.Second,
			MaxAttempts:  3,
		},
	}
}

// FetchUpgradeInfo asks the accounts service where workspaceKey's
// replacement instance will be reachable. A failure here never blocks
// the upgrade response the client already needs; callers treat a nil,
// error return as "send the upgrade frame without info".
func (c *accountsClient) FetchUpgradeInfo(ctx context.Context, workspaceKey string) (any, error) {
	if c == nil || c.baseURL == "" {
		return nil, nil
	}

	var info any
	err := callbackretry.Do(ctx, c.retry, "accounts-service upgrade-info", func(ctx context.Context) error {
		body, _ := json.Marshal(map[string]string{"workspaceKey": workspaceKey})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upgrade-info", bytes.NewReader(body))
		if err != nil {
			return callbackretry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return callbackretry.Permanent(fmt.Errorf("accounts service rejected upgrade-info request: %s", resp.Status))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("accounts service returned %s", resp.Status)
		}

		return json.NewDecoder(resp.Body).Decode(&info)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
