package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/metrics"
	"github.com/workspace/collab-gateway/internal/pipeline"
)

// CloseReason distinguishes why closeAll was called (spec.md §4.D.3):
// CloseAll branches on it (see CloseAll) and records it in stats-store
// events. Sockets are closed without a reason-specific close code.
type CloseReason string

const (
	ReasonUpgrade  CloseReason = "upgrade"
	ReasonShutdown CloseReason = "shutdown"
)

// AddResult is addSession's return value (spec.md §4.D.1 step 8).
type AddResult struct {
	Session     *Session
	WorkspaceID string

	// Upgrade is set instead of Session when the workspace is mid-upgrade
	// and the caller's token lacks the upgrade role (step 4).
	Upgrade bool

	// Err is set when workspace/pipeline construction failed (step 5).
	Err error
}

// ManagerConfig carries the construction-time knobs for a SessionManager.
type ManagerConfig struct {
	ProductID        string
	PipelineFactory  pipeline.Factory
	Metrics          *metrics.Registry
	Stats            *StatsStore
	SoftShutdownTicks int
	RateLimit        float64
	RateBurst        int
}

// SessionManager is the registry and coordinator (component D): the two
// mutually-consistent maps (workspaces, flat sessions index) plus the
// six operations from spec.md §4.D.
type SessionManager struct {
	cfg ManagerConfig

	mu         sync.Mutex
	workspaces map[string]*Workspace
	sessions   map[string]sessionEntry

	maintMu        sync.Mutex
	maintRemaining int
	maintCancel    func()
}

// NewSessionManager constructs an empty registry.
func NewSessionManager(cfg ManagerConfig) *SessionManager {
	if cfg.SoftShutdownTicks <= 0 {
		cfg.SoftShutdownTicks = 3
	}
	return &SessionManager{
		cfg:        cfg,
		workspaces: make(map[string]*Workspace),
		sessions:   make(map[string]sessionEntry),
	}
}

// canonicalWorkspaceKey computes the workspace key spec.md §4.D.1 step 1
// calls canonical(token.workspace): product-scoped, so two products
// never collide on the same workspace name.
func canonicalWorkspaceKey(w authtoken.Workspace) string {
	return w.ProductID + "/" + w.Name
}

// AddSession implements spec.md §4.D.1.
func (m *SessionManager) AddSession(ctx context.Context, socket *Socket, token authtoken.Token, priorSessionID string) AddResult {
	workspaceKey := canonicalWorkspaceKey(token.Workspace)

	ws, isNew := m.lookupOrInsertWorkspace(workspaceKey, token)
	if isNew {
		go m.bootWorkspace(ws, token)
	}

	if ws.IsClosing() {
		ws.awaitClosing()
		return m.AddSession(ctx, socket, token, priorSessionID)
	}

	if ws.IsUpgrading() && !token.IsUpgrade() {
		return AddResult{Upgrade: true, WorkspaceID: workspaceKey}
	}

	p, err := ws.awaitPipeline()
	if err != nil {
		m.removeWorkspace(workspaceKey)
		return AddResult{Err: err, WorkspaceID: workspaceKey}
	}

	sessionID := priorSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if prior, ok := ws.lookupEntry(sessionID); ok {
		slog.Info("evicting prior session on reconnect", "session_id", sessionID, "workspace", workspaceKey)
		prior.socket.Close()
		m.removeFromFlatIndex(sessionID)
	}

	session := NewSession(SessionConfig{
		ID:             sessionID,
		User:           token.AccountEmail,
		Socket:         socket,
		WorkspaceID:    workspaceKey,
		Token:          token,
		Pipeline:       p,
		BinaryMode:     socket.Data().Mode == "binary",
		UseCompression: true,
		UseBroadcast:   true,
		RateLimit:      rate.Limit(m.cfg.RateLimit),
		RateBurst:      m.cfg.RateBurst,
	})

	entry := sessionEntry{session: session, socket: socket}
	ws.addEntry(entry)
	m.addToFlatIndex(sessionID, entry)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionsGauge.Set(float64(m.sessionCount()))
		m.cfg.Metrics.WorkspacesGauge.Set(float64(m.workspaceCount()))
	}

	return AddResult{Session: session, WorkspaceID: workspaceKey}
}

// lookupOrInsertWorkspace finds ws under the manager lock, inserting (in
// Booting status) if absent. Only the lock-protected bookkeeping happens
// here; the pipeline factory call itself runs outside the lock via
// bootWorkspace, per spec.md §4.D.1 step 2.
func (m *SessionManager) lookupOrInsertWorkspace(key string, token authtoken.Token) (ws *Workspace, isNew bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.workspaces[key]; ok {
		return existing, false
	}

	identity := pipeline.Identity{
		Name:      token.Workspace.Name,
		ProductID: token.Workspace.ProductID,
		URL:       token.Workspace.URL,
	}
	ws = newWorkspace(identity)
	m.workspaces[key] = ws
	return ws, true
}

// bootWorkspace runs the pipeline factory outside the manager lock and
// resolves the workspace's pipeline future with the outcome.
func (m *SessionManager) bootWorkspace(ws *Workspace, token authtoken.Token) {
	ctx := context.Background()
	p, err := m.cfg.PipelineFactory(ctx, ws.Identity, false, m.broadcastFuncFor(canonicalWorkspaceKey(token.Workspace)))
	if err != nil {
		ws.setStatus(Gone)
		ws.pipelineFut.resolve(nil, err)
		return
	}
	ws.setStatus(Ready)
	ws.pipelineFut.resolve(p, nil)

	if m.cfg.Stats != nil {
		key := canonicalWorkspaceKey(token.Workspace)
		if err := m.cfg.Stats.RecordEvent(WorkspaceEvent{WorkspaceKey: key, Event: "ready"}); err != nil {
			slog.Warn("record workspace event failed", "workspace", key, "error", err)
		}
	}
}

// broadcastFuncFor returns the callback a pipeline invokes to fan a
// change out to a workspace's sessions (the D.4 "from" side is empty —
// pipeline-originated broadcasts have no originating session to skip).
func (m *SessionManager) broadcastFuncFor(workspaceKey string) pipeline.BroadcastFunc {
	return func(change pipeline.Change) {
		m.Broadcast(context.Background(), BroadcastRequest{
			WorkspaceKey: workspaceKey,
			Response:     change.Payload,
			Target:       change.Target,
		})
	}
}

func (m *SessionManager) removeWorkspace(key string) {
	m.mu.Lock()
	delete(m.workspaces, key)
	m.mu.Unlock()
}

func (m *SessionManager) addToFlatIndex(sessionID string, entry sessionEntry) {
	m.mu.Lock()
	m.sessions[sessionID] = entry
	m.mu.Unlock()
}

func (m *SessionManager) removeFromFlatIndex(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *SessionManager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) workspaceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces)
}

// Close implements spec.md §4.D.2: called when a socket closes.
func (m *SessionManager) Close(workspaceKey, sessionID string) {
	m.mu.Lock()
	ws, ok := m.workspaces[workspaceKey]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if entry, found := ws.lookupEntry(sessionID); found {
		entry.session.MarkWorkspaceClosed()
	}

	empty := ws.removeEntry(sessionID)
	if !empty {
		return
	}

	ticks := ws.armSoftShutdown(m.cfg.SoftShutdownTicks)
	go m.runSoftShutdown(workspaceKey, ws, ticks)
}

// runSoftShutdown ticks once per minute, matching the rest of the
// manager's rolling-window cadence, until either the workspace gains a
// new session (addEntry resets the counter, observed via
// tickSoftShutdown returning false once non-empty) or the countdown
// expires and a shutdown closeAll is triggered.
func (m *SessionManager) runSoftShutdown(workspaceKey string, ws *Workspace, ticks int) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if ws.Status() == Gone {
			return
		}
		if ws.tickSoftShutdown() {
			m.CloseAll(context.Background(), CloseAllRequest{
				WorkspaceKey: workspaceKey,
				Reason:       ReasonShutdown,
			})
			return
		}
		if ws.sessionCount() > 0 {
			return
		}
	}
}

// CloseAllRequest carries closeAll's parameters (spec.md §4.D.3).
type CloseAllRequest struct {
	WorkspaceKey string
	Ignore       *Socket
	CloseCode    int
	Reason       CloseReason
}

// CloseAll implements spec.md §4.D.3. reason=shutdown tears the
// workspace down completely: every session is evicted, the pipeline is
// closed, and the workspace is removed from the registry — concurrent
// addSession calls observe workspace.closing and await it (§4.D.1 step
// 3). reason=upgrade instead evicts only non-upgrade-role sessions and
// leaves the workspace registered with upgrade=true, so that the
// Upgrading state (§4.D "State machine: Workspace") is observable by
// §4.D.1 step 4 for later reconnects. The upgrade flag is never cleared;
// the workspace transitions to Closing/Gone only through a later
// shutdown closeAll, e.g. soft-shutdown expiry once the Close path has
// left it empty.
func (m *SessionManager) CloseAll(ctx context.Context, req CloseAllRequest) {
	m.mu.Lock()
	ws, ok := m.workspaces[req.WorkspaceKey]
	m.mu.Unlock()
	if !ok {
		return
	}

	if req.Reason == ReasonUpgrade {
		m.evictForUpgrade(ws, req)
		return
	}

	fut, started := ws.beginClosing()
	if !started {
		fut.wait()
		return
	}

	ws.setStatus(Closing)

	for _, entry := range ws.snapshotEntries() {
		if req.Ignore != nil && entry.socket == req.Ignore {
			continue
		}
		entry.socket.Close()
		m.removeFromFlatIndex(entry.session.ID())
		entry.session.MarkWorkspaceClosed()
	}

	if p, err := ws.awaitPipeline(); err == nil && p != nil {
		if cerr := p.Close(ctx); cerr != nil {
			slog.Warn("pipeline close failed", "workspace", req.WorkspaceKey, "error", cerr)
		}
	}

	m.removeWorkspace(req.WorkspaceKey)
	ws.setStatus(Gone)
	ws.resolveClosing()

	if m.cfg.Stats != nil {
		if err := m.cfg.Stats.RecordEvent(WorkspaceEvent{WorkspaceKey: req.WorkspaceKey, Event: "closed", Reason: string(req.Reason)}); err != nil {
			slog.Warn("record workspace event failed", "workspace", req.WorkspaceKey, "error", err)
		}
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.WorkspacesGauge.Set(float64(m.workspaceCount()))
		m.cfg.Metrics.SessionsGauge.Set(float64(m.sessionCount()))
	}
}

// evictForUpgrade implements the upgrade half of closeAll: set the
// admission guard, evict every non-upgrade-role session, and leave the
// workspace registered so step 4's guard keeps applying to reconnects.
func (m *SessionManager) evictForUpgrade(ws *Workspace, req CloseAllRequest) {
	ws.setStatus(Upgrading)
	ws.setUpgrading(true)

	frame := encodeStateFrame("upgrading")

	for _, entry := range ws.snapshotEntries() {
		if req.Ignore != nil && entry.socket == req.Ignore {
			continue
		}
		if entry.session.IsUpgradeClient() {
			continue
		}
		if frame != nil {
			if _, err := entry.socket.Send(context.Background(), frame, false, false); err != nil {
				slog.Warn("upgrading notification failed", "session_id", entry.session.ID(), "error", err)
			}
		}
		entry.socket.Close()
		ws.removeEntry(entry.session.ID())
		m.removeFromFlatIndex(entry.session.ID())
		entry.session.MarkWorkspaceClosed()
	}

	if m.cfg.Stats != nil {
		if err := m.cfg.Stats.RecordEvent(WorkspaceEvent{WorkspaceKey: req.WorkspaceKey, Event: "upgrading", Reason: string(req.Reason)}); err != nil {
			slog.Warn("record workspace event failed", "workspace", req.WorkspaceKey, "error", err)
		}
	}
}

// BroadcastRequest carries broadcast's parameters (spec.md §4.D.4).
type BroadcastRequest struct {
	From         *Session
	WorkspaceKey string
	Response     any
	Target       []string
}

// Broadcast implements spec.md §4.D.4: enumerate a workspace's sessions,
// skip the originator and non-broadcast/upgrade-client peers, optionally
// restrict to a target user set, and write through each remaining
// socket. A write failure is logged and the offending socket is
// scheduled for close; it never aborts the fan-out to the rest.
func (m *SessionManager) Broadcast(ctx context.Context, req BroadcastRequest) {
	m.mu.Lock()
	ws, ok := m.workspaces[req.WorkspaceKey]
	m.mu.Unlock()
	if !ok {
		return
	}

	var targetSet map[string]struct{}
	if len(req.Target) > 0 {
		targetSet = make(map[string]struct{}, len(req.Target))
		for _, u := range req.Target {
			targetSet[u] = struct{}{}
		}
	}

	payload, err := encodeBroadcastPayload(req.Response)
	if err != nil {
		slog.Warn("broadcast payload encode failed", "workspace", req.WorkspaceKey, "error", err)
		return
	}

	for _, entry := range ws.snapshotEntries() {
		s := entry.session
		if req.From != nil && s == req.From {
			continue
		}
		if !s.UseBroadcast || s.IsUpgradeClient() {
			continue
		}
		if targetSet != nil {
			if _, want := targetSet[s.User()]; !want {
				continue
			}
		}

		frame := payload.text
		if s.BinaryMode {
			frame = payload.binary
		}
		if _, err := entry.socket.Send(ctx, frame, s.BinaryMode, s.UseCompression); err != nil {
			slog.Warn("broadcast write failed, closing socket", "session_id", s.ID(), "error", err)
			entry.socket.Close()
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.BroadcastsDrop.Inc()
			}
			continue
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.BroadcastsSent.Inc()
		}
	}
}

// ScheduleMaintenance implements spec.md §4.D.5. Re-entrant calls simply
// reset the counter; only one countdown goroutine ever runs.
func (m *SessionManager) ScheduleMaintenance(minutes int) {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	m.maintRemaining = minutes
	if m.maintCancel != nil {
		return
	}

	done := make(chan struct{})
	m.maintCancel = sync.OnceFunc(func() { close(done) })

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.maintMu.Lock()
				m.maintRemaining--
				remaining := m.maintRemaining
				m.maintMu.Unlock()

				m.broadcastAll(BroadcastRequest{Response: maintenanceStatus{State: "maintenance", Remaining: remaining}})

				if remaining <= 0 {
					m.forceCloseAll(ReasonShutdown)
					m.maintMu.Lock()
					m.maintCancel = nil
					m.maintMu.Unlock()
					return
				}
			}
		}
	}()
}

type maintenanceStatus struct {
	State     string `json:"state"`
	Remaining int    `json:"remaining"`
}

// broadcastAll fans a response out to every session in every workspace,
// used by maintenance ticks which address no single workspace.
func (m *SessionManager) broadcastAll(req BroadcastRequest) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.workspaces))
	for k := range m.workspaces {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		r := req
		r.WorkspaceKey = k
		m.Broadcast(context.Background(), r)
	}
}

func (m *SessionManager) forceCloseAll(reason CloseReason) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.workspaces))
	for k := range m.workspaces {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.CloseAll(context.Background(), CloseAllRequest{WorkspaceKey: k, Reason: reason})
	}
}

// ForceClose implements spec.md §4.D.6: identical to closeAll(reason=
// upgrade) but addressable directly via the admin endpoint.
func (m *SessionManager) ForceClose(ctx context.Context, workspaceKey string) {
	m.CloseAll(ctx, CloseAllRequest{WorkspaceKey: workspaceKey, Reason: ReasonUpgrade})
}

// IsWorkspaceUpgrading reports whether workspaceKey's Workspace is
// currently in the Upgrading state, for the front-end's per-request
// check (spec.md §4.E: "Requests observed during Workspace.upgrade=true
// are answered with {state: "upgrading"} and the socket is closed").
func (m *SessionManager) IsWorkspaceUpgrading(workspaceKey string) bool {
	m.mu.Lock()
	ws, ok := m.workspaces[workspaceKey]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return ws.IsUpgrading()
}

// WipeStatistics implements spec.md's admin wipe-statistics operation
// (§4.E, §8 scenario 6): zero every session's counters in place without
// touching either registry, so a concurrent findAll still succeeds.
func (m *SessionManager) WipeStatistics() {
	for _, ws := range m.Workspaces() {
		for _, entry := range ws.snapshotEntries() {
			entry.session.resetStatistics()
		}
	}
}

// WorkspaceCount and SessionCount back the admin statistics endpoint.
func (m *SessionManager) WorkspaceCount() int { return m.workspaceCount() }
func (m *SessionManager) SessionCount() int   { return m.sessionCount() }

// Workspaces returns a snapshot of the registry for the statistics
// endpoint; callers must not mutate the returned map.
func (m *SessionManager) Workspaces() map[string]*Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Workspace, len(m.workspaces))
	for k, v := range m.workspaces {
		out[k] = v
	}
	return out
}

// RollStatistics applies the rolling-window blend to every session in
// every workspace. Called once a minute by cmd/gateway's ticker.
func (m *SessionManager) RollStatistics() {
	for _, ws := range m.Workspaces() {
		for _, entry := range ws.snapshotEntries() {
			entry.session.roll()
		}
	}
}
