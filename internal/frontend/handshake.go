package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/gateway"
)

// upgrader is shared across connections; CheckOrigin mirrors the
// teacher's explicit allow-list validation since WebSocket upgrades
// bypass the mux-level CORS middleware entirely.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:    s.cfg.WSReadBufferSize,
		WriteBufferSize:   s.cfg.WSWriteBufferSize,
		EnableCompression: s.cfg.EnableCompression,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*.") {
			idx := strings.Index(allowed, "*.")
			prefix, suffix := allowed[:idx], allowed[idx+1:]
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// handleUpgrade implements spec.md §4.E Handshake: the transport upgrade
// request carries the token in the URL path and an optional sessionId
// query parameter. Verification failure still completes the handshake,
// so the client receives a single UNAUTHORIZED frame rather than a raw
// TCP reset, before the connection is closed.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	rawToken := r.PathValue("token")
	priorSessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))

	token, err := s.validator.Validate(rawToken)
	if err == nil && token.Workspace.ProductID != s.cfg.ProductID {
		err = gateway.ErrUnauthorized
	}

	conn, upErr := s.upgrader().Upgrade(w, r, nil)
	if upErr != nil {
		slog.Warn("websocket upgrade failed", "error", upErr)
		return
	}

	if err != nil {
		slog.Info("rejecting handshake", "error", err)
		s.sendUnauthorized(conn)
		_ = conn.Close()
		return
	}

	metadata := gateway.Metadata{
		RemoteAddress:  r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AccountEmail:   token.AccountEmail,
		Mode:           r.URL.Query().Get("mode"),
		Model:          s.cfg.ModelVersion,
	}

	socket := gateway.NewSocket(uuid.NewString(), connTransport{conn}, metadata, s.metrics)

	result := s.manager.AddSession(r.Context(), socket, token, priorSessionID)
	switch {
	case result.Upgrade:
		s.sendUpgradeStatus(r.Context(), socket, result.WorkspaceID)
		socket.Close()
		return
	case result.Err != nil:
		slog.Warn("pipeline construction failed", "error", result.Err)
		s.sendStatus(socket, "error")
		socket.Close()
		return
	}

	s.serveSession(r.Context(), conn, socket, result.Session)
}

// connTransport adapts *websocket.Conn to gateway.Transport.
type connTransport struct{ conn *websocket.Conn }

func (c connTransport) WriteMessage(messageType int, data []byte) error {
	return c.conn.WriteMessage(messageType, data)
}

func (c connTransport) Close() error { return c.conn.Close() }

func (s *Server) sendUnauthorized(conn *websocket.Conn) {
	payload, err := encodeResponse(Response{Status: "UNAUTHORIZED"})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Server) sendStatus(socket *gateway.Socket, status string) {
	payload, err := encodeResponse(Response{Status: status})
	if err != nil {
		return
	}
	_, _ = socket.Send(context.Background(), payload, false, false)
}

// sendUpgradeStatus best-effort enriches the "upgrade" frame with
// accounts-service info about where the client should reconnect; a
// lookup failure still sends the bare status rather than blocking it.
func (s *Server) sendUpgradeStatus(ctx context.Context, socket *gateway.Socket, workspaceKey string) {
	fetchCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	info, err := s.accounts.FetchUpgradeInfo(fetchCtx, workspaceKey)
	cancel()
	if err != nil {
		slog.Info("upgrade-info lookup failed", "workspace", workspaceKey, "error", err)
	}

	payload, err := encodeResponse(Response{Status: "upgrade", UpgradeInfo: info})
	if err != nil {
		return
	}
	_, _ = socket.Send(context.Background(), payload, false, false)
}

// serveSession owns the read loop for one upgraded connection: decode
// frames, dispatch to the session, write the response. It returns once
// the transport closes, at which point it tells the manager the socket
// is gone (spec.md §4.D.2).
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, socket *gateway.Socket, session *gateway.Session) {
	defer func() {
		socket.Close()
		s.manager.Close(session.WorkspaceID(), session.ID())
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeError(ctx, socket, session, nil, gateway.ErrUnknownMethod)
			continue
		}

		s.dispatch(ctx, socket, session, req, messageType == websocket.BinaryMessage)
	}
}

// dispatch implements the three request-level operations from spec.md
// §4.B: ping, findAll, tx. Unknown methods return UnknownMethod without
// closing the connection; Unauthorized (not reachable past handshake for
// this gateway's shape) would close it. A request observed while the
// session's workspace is mid-upgrade is answered with `{state:
// "upgrading"}` and the socket is closed instead of being dispatched
// (spec.md §4.E, §8 scenario 3).
func (s *Server) dispatch(ctx context.Context, socket *gateway.Socket, session *gateway.Session, req Request, binary bool) {
	if s.manager.IsWorkspaceUpgrading(session.WorkspaceID()) {
		s.writeUpgrading(ctx, socket)
		return
	}

	switch req.Method {
	case "ping":
		s.writeResult(ctx, socket, session, req.ID, session.Ping(), binary)

	case "findAll":
		var params findAllParams
		if err := decodeParams(req.Params, &params); err != nil {
			s.writeError(ctx, socket, session, req.ID, gateway.ErrUnknownMethod)
			return
		}
		result, err := session.FindAll(ctx, req.ID, params.Class, params.Query, params.Options)
		if err != nil {
			s.writeError(ctx, socket, session, req.ID, err)
			return
		}
		s.writeResult(ctx, socket, session, req.ID, result, binary)

	case "tx":
		var params txParams
		if err := decodeParams(req.Params, &params); err != nil {
			s.writeError(ctx, socket, session, req.ID, gateway.ErrUnknownMethod)
			return
		}
		result, err := session.Tx(ctx, req.ID, params.Tx)
		if err != nil {
			s.writeError(ctx, socket, session, req.ID, err)
			return
		}
		s.writeResult(ctx, socket, session, req.ID, result, binary)

	default:
		s.writeError(ctx, socket, session, req.ID, gateway.ErrUnknownMethod)
	}
}

// writeUpgrading sends the `{state: "upgrading"}` notification and
// closes the socket; used both for in-flight requests dispatched during
// an upgrade and, in spirit, for the eviction notice SessionManager
// sends its evicted sessions directly (gateway.evictForUpgrade).
func (s *Server) writeUpgrading(ctx context.Context, socket *gateway.Socket) {
	payload, err := encodeResponse(Response{State: "upgrading"})
	if err != nil {
		slog.Warn("encode upgrading response failed", "error", err)
		socket.Close()
		return
	}
	if _, err := socket.Send(ctx, payload, false, false); err != nil {
		slog.Warn("write upgrading response failed", "error", err)
	}
	socket.Close()
}

func (s *Server) writeResult(ctx context.Context, socket *gateway.Socket, session *gateway.Session, id any, result any, binary bool) {
	payload, err := encodeResponse(Response{ID: id, Result: result})
	if err != nil {
		slog.Warn("encode response failed", "error", err)
		return
	}
	if _, err := socket.Send(ctx, payload, binary, session.UseCompression); err != nil {
		slog.Warn("write response failed", "session_id", session.ID(), "error", err)
	}
}

// writeError implements spec.md §7 propagation: Unauthorized closes the
// connection after sending the error response; all other error kinds
// leave the connection open.
func (s *Server) writeError(ctx context.Context, socket *gateway.Socket, session *gateway.Session, id any, err error) {
	payload, encErr := encodeResponse(Response{ID: id, Error: err.Error()})
	if encErr != nil {
		slog.Warn("encode error response failed", "error", encErr)
		return
	}
	binary := session != nil && session.BinaryMode
	compress := session != nil && session.UseCompression
	if _, sendErr := socket.Send(ctx, payload, binary, compress); sendErr != nil {
		slog.Warn("write error response failed", "error", sendErr)
	}

	if errors.Is(err, gateway.ErrUnauthorized) {
		socket.Close()
	}
}

var _ authtoken.Validator = (*authtoken.JWTValidator)(nil)
