package frontend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/gateway"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// handleVersion answers the admin version probe.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"productId":    s.cfg.ProductID,
		"modelVersion": s.cfg.ModelVersion,
	})
}

// requireAdmin enforces spec.md's admin-surface rule: `/statistics` and
// `/manage` are authenticated with the same `?token=…` bearer token used
// on the WebSocket handshake, and the caller must carry the token's
// `extra.admin` role. Any failure — missing token, invalid token,
// non-admin token — gets 404, not 401/403, so the existence of the
// control plane is not disclosed to unauthenticated scanners.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (authtoken.Token, bool) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		http.NotFound(w, r)
		return authtoken.Token{}, false
	}

	token, err := s.validator.Validate(raw)
	if err != nil || !token.IsAdmin() {
		http.NotFound(w, r)
		return authtoken.Token{}, false
	}

	return token, true
}

type sessionStat struct {
	SessionID   string            `json:"sessionId"`
	User        string            `json:"user"`
	CreateTime  time.Time         `json:"createTime"`
	LastRequest time.Time         `json:"lastRequest,omitempty"`
	Statistics  gateway.Statistics `json:"statistics"`
}

type workspaceStat struct {
	WorkspaceID string        `json:"workspaceId"`
	Status      string        `json:"status"`
	Sessions    []sessionStat `json:"sessions"`
}

// handleStatistics answers spec.md §4.E's admin statistics endpoint:
// per-workspace, per-session rolling-window counters plus lastRequest.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	workspaces := s.manager.Workspaces()
	out := make([]workspaceStat, 0, len(workspaces))
	for key, ws := range workspaces {
		entries := ws.SnapshotSessions()
		sessions := make([]sessionStat, 0, len(entries))
		for _, session := range entries {
			sessions = append(sessions, sessionStat{
				SessionID:   session.ID(),
				User:        session.User(),
				CreateTime:  session.CreateTime(),
				LastRequest: session.LastRequest(),
				Statistics:  session.Stats(),
			})
		}
		out = append(out, workspaceStat{
			WorkspaceID: key,
			Status:      ws.Status().String(),
			Sessions:    sessions,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workspaceCount": s.manager.WorkspaceCount(),
		"sessionCount":   s.manager.SessionCount(),
		"workspaces":     out,
	})
}

// handleManage dispatches spec.md §4.E/§6's admin operations:
// `PUT /api/v1/manage?token=…&operation=…`, operation one of
// maintenance, wipe-statistics, force-close, reboot.
func (s *Server) handleManage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	query := r.URL.Query()
	switch query.Get("operation") {
	case "maintenance":
		minutes, err := strconv.Atoi(query.Get("minutes"))
		if err != nil || minutes <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "minutes must be a positive integer"})
			return
		}
		s.manager.ScheduleMaintenance(minutes)
		slog.Info("admin maintenance scheduled", "minutes", minutes)

	case "wipe-statistics":
		s.manager.WipeStatistics()
		slog.Info("admin wipe-statistics")

	case "force-close":
		workspaceKey := query.Get("workspaceKey")
		if workspaceKey == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workspaceKey is required"})
			return
		}
		s.manager.ForceClose(r.Context(), workspaceKey)
		slog.Info("admin force-close", "workspace", workspaceKey)

	case "reboot":
		slog.Info("admin reboot requested")
		select {
		case s.rebootCh <- struct{}{}:
		default:
		}

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown operation"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
