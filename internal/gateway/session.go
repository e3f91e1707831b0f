package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/workspace/collab-gateway/internal/authtoken"
	"github.com/workspace/collab-gateway/internal/pipeline"
)

// PendingRequest is the {id, params, startTime} record the spec requires
// as the source of truth for in-flight work belonging to a session
// (spec.md §3).
type PendingRequest struct {
	ID        any
	Params    any
	StartTime time.Time
}

// Session is the gateway's per-connection state (component B).
type Session struct {
	id          string
	createTime  time.Time
	user        string
	socket      *Socket
	workspaceID string

	pipelineMu sync.RWMutex
	pipelineRef pipeline.Pipeline

	token authtoken.Token

	BinaryMode     bool
	UseCompression bool
	UseBroadcast   bool

	mu            sync.Mutex
	lastRequest   time.Time
	requests      map[any]PendingRequest
	stats         Statistics
	workspaceClosed bool

	limiter *rate.Limiter
}

// SessionConfig carries the construction-time knobs for a Session.
type SessionConfig struct {
	ID          string
	User        string
	Socket      *Socket
	WorkspaceID string
	Token       authtoken.Token
	Pipeline    pipeline.Pipeline

	BinaryMode     bool
	UseCompression bool
	UseBroadcast   bool

	// RateLimit / RateBurst bound how fast one session may dispatch
	// findAll/tx calls against the shared pipeline (SPEC_FULL.md §4.B).
	RateLimit rate.Limit
	RateBurst int
}

// NewSession constructs a Session ready to dispatch requests.
func NewSession(cfg SessionConfig) *Session {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Session{
		id:             cfg.ID,
		createTime:     time.Now().UTC(),
		user:           cfg.User,
		socket:         cfg.Socket,
		workspaceID:    cfg.WorkspaceID,
		pipelineRef:    cfg.Pipeline,
		token:          cfg.Token,
		BinaryMode:     cfg.BinaryMode,
		UseCompression: cfg.UseCompression,
		UseBroadcast:   cfg.UseBroadcast,
		requests:       make(map[any]PendingRequest),
		limiter:        rate.NewLimiter(limit, burst),
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// User returns the account email the session authenticated as.
func (s *Session) User() string { return s.user }

// WorkspaceID returns the canonical workspace key this session belongs to.
func (s *Session) WorkspaceID() string { return s.workspaceID }

// Socket returns the attached ConnectionSocket.
func (s *Session) Socket() *Socket { return s.socket }

// IsUpgradeClient reports whether the token carried role "upgrade"
// (spec.md §4.B); such sessions bypass the workspace's upgrade-admission
// guard and are excluded from statistics/status broadcasts.
func (s *Session) IsUpgradeClient() bool { return s.token.IsUpgrade() }

// MarkWorkspaceClosed flips workspaceClosed; called by the manager once
// this session's binding has been removed from both registries.
func (s *Session) MarkWorkspaceClosed() {
	s.mu.Lock()
	s.workspaceClosed = true
	s.mu.Unlock()
}

// WorkspaceClosed reports the flag set by MarkWorkspaceClosed.
func (s *Session) WorkspaceClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceClosed
}

// SetPipeline rebinds the session's pipeline handle; later FindAll/Tx
// calls use p. No code path in the gateway calls it.
func (s *Session) SetPipeline(p pipeline.Pipeline) {
	s.pipelineMu.Lock()
	s.pipelineRef = p
	s.pipelineMu.Unlock()
}

func (s *Session) pipeline() pipeline.Pipeline {
	s.pipelineMu.RLock()
	defer s.pipelineMu.RUnlock()
	return s.pipelineRef
}

// Ping implements the liveness operation; it returns an opaque token
// (here, the session id) and does not touch statistics.
func (s *Session) Ping() string {
	return s.id
}

// track inserts a pending entry for requestID, decrementing/removing it
// via the returned finish func on completion or cancellation — this
// table is the source of truth for in-flight work on this session
// (spec.md §4.B).
func (s *Session) track(requestID, params any) func() {
	entry := PendingRequest{ID: requestID, Params: params, StartTime: time.Now().UTC()}
	s.mu.Lock()
	s.requests[requestID] = entry
	s.lastRequest = entry.StartTime
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.requests, requestID)
		s.mu.Unlock()
	}
}

// PendingCount returns the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// FindAll dispatches a read to the workspace's pipeline, incrementing
// current.findCount and stamping lastRequest (spec.md §4.B).
func (s *Session) FindAll(ctx context.Context, requestID any, class string, query any, options any) (any, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	finish := s.track(requestID, query)
	defer finish()

	p := s.pipeline()
	result, err := p.FindAll(ctx, class, query, options)
	if err != nil {
		return nil, &PipelineError{Err: err}
	}

	s.mu.Lock()
	s.stats.Current.FindCount++
	s.stats.Total.FindCount++
	s.mu.Unlock()

	return result, nil
}

// Tx dispatches a write to the workspace's pipeline, incrementing
// current.txCount and stamping lastRequest (spec.md §4.B).
func (s *Session) Tx(ctx context.Context, requestID any, tx any) (any, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	finish := s.track(requestID, tx)
	defer finish()

	p := s.pipeline()
	result, err := p.Tx(ctx, tx)
	if err != nil {
		return nil, &PipelineError{Err: err}
	}

	s.mu.Lock()
	s.stats.Current.TxCount++
	s.stats.Total.TxCount++
	s.mu.Unlock()

	return result, nil
}

// Stats returns a snapshot of the session's rolling statistics.
func (s *Session) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastRequest returns the timestamp of the most recently dispatched
// request, or the zero time if none has been dispatched yet.
func (s *Session) LastRequest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

// CreateTime returns when the session was constructed.
func (s *Session) CreateTime() time.Time { return s.createTime }

// roll applies the rolling-window blend to this session's statistics.
// Called once a minute by the owning SessionManager's ticker.
func (s *Session) roll() {
	s.mu.Lock()
	s.stats.roll()
	s.mu.Unlock()
}

// resetStatistics zeroes all three statistics windows. Used by the
// admin wipe-statistics operation (spec.md §4.E); the registry itself is
// untouched.
func (s *Session) resetStatistics() {
	s.mu.Lock()
	s.stats = Statistics{}
	s.mu.Unlock()
}
