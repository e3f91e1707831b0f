// Package frontend is the gateway's HTTP/WebSocket front door (component
// E): handshake/upgrade, per-frame request dispatch, and the admin
// control plane. It owns no session/workspace state of its own — all of
// that lives in internal/gateway's SessionManager.
package frontend

import "encoding/json"

// Request is one client→gateway frame (spec.md §4.E).
type Request struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one gateway→client frame.
type Response struct {
	ID     any    `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Status carries out-of-band frames (unauthorized, upgrade, maintenance)
	// that have no originating request id.
	Status string `json:"status,omitempty"`

	// UpgradeInfo rides alongside an "upgrade" status frame when the
	// accounts service answered in time; nil if the lookup failed or was
	// skipped, in which case the client falls back to its own retry UX.
	UpgradeInfo any `json:"upgradeInfo,omitempty"`

	// State carries the `{state: "upgrading"}`/`{state: "maintenance"}`
	// out-of-band notifications spec.md §4.E and §4.D.5 specify verbatim.
	State string `json:"state,omitempty"`
}

// findAllParams is the decoded payload of a "findAll" request.
type findAllParams struct {
	Class   string `json:"class"`
	Query   any    `json:"query"`
	Options any    `json:"options"`
}

// txParams is the decoded payload of a "tx" request.
type txParams struct {
	Tx any `json:"tx"`
}

func decodeParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func encodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
