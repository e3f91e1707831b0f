package gateway

import (
	"sync"

	"github.com/workspace/collab-gateway/internal/pipeline"
)

// Status is the Workspace state machine from spec.md §4.D "State
// machine: Workspace".
type Status int

const (
	Booting Status = iota
	Ready
	Upgrading
	Closing
	Gone
)

func (s Status) String() string {
	switch s {
	case Booting:
		return "booting"
	case Ready:
		return "ready"
	case Upgrading:
		return "upgrading"
	case Closing:
		return "closing"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// sessionEntry is the {session, socket} pair the spec requires both
// registries to hold (spec.md §3 SessionManager state); Socket is
// reachable off Session but kept alongside it here for the rare caller
// that only has the entry.
type sessionEntry struct {
	session *Session
	socket  *Socket
}

// Workspace is the gateway's per-tenant aggregate (component C). It is a
// passive record — the spec says behavior lives in the manager — so
// every exported method here only touches this Workspace's own fields
// under its own lock; cross-workspace/registry coordination belongs to
// SessionManager.
type Workspace struct {
	Identity pipeline.Identity

	mu       sync.RWMutex
	status   Status
	sessions map[string]sessionEntry

	pipelineFut *pipelineFuture

	upgrade bool
	backup  bool
	closing *closingFuture

	// softShutdown counts down the ticks remaining before an empty
	// workspace is evicted (spec.md §3, §4.D.2).
	softShutdown int
}

// newWorkspace constructs a Workspace in the Booting state with an
// unresolved pipeline future.
func newWorkspace(identity pipeline.Identity) *Workspace {
	return &Workspace{
		Identity:    identity,
		status:      Booting,
		sessions:    make(map[string]sessionEntry),
		pipelineFut: newPipelineFuture(),
	}
}

// Status returns the workspace's current state-machine status.
func (w *Workspace) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Workspace) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// awaitPipeline blocks until the workspace's single pipeline constructor
// resolves, returning the Pipeline or its construction error (spec.md
// §4.D.1 step 5, §9 "Pipeline future").
func (w *Workspace) awaitPipeline() (pipeline.Pipeline, error) {
	v, err := w.pipelineFut.wait()
	if err != nil {
		return nil, err
	}
	p, _ := v.(pipeline.Pipeline)
	return p, nil
}

// IsUpgrading reports the upgrade admission-guard flag (spec.md §3
// invariant iii).
func (w *Workspace) IsUpgrading() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.upgrade
}

func (w *Workspace) setUpgrading(v bool) {
	w.mu.Lock()
	w.upgrade = v
	w.mu.Unlock()
}

// IsClosing reports whether a closeAll is in flight (spec.md §3
// invariant iv: while set, all further mutations fail).
func (w *Workspace) IsClosing() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closing != nil
}

// beginClosing installs a fresh closingFuture and returns it, or returns
// the existing one if a close is already in flight. The caller learns
// which case occurred via the started return value.
func (w *Workspace) beginClosing() (fut *closingFuture, started bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing != nil {
		return w.closing, false
	}
	w.closing = newClosingFuture()
	return w.closing, true
}

func (w *Workspace) awaitClosing() {
	w.mu.RLock()
	fut := w.closing
	w.mu.RUnlock()
	if fut != nil {
		fut.wait()
	}
}

func (w *Workspace) resolveClosing() {
	w.mu.RLock()
	fut := w.closing
	w.mu.RUnlock()
	if fut != nil {
		fut.resolve()
	}
}

// addEntry inserts {session, socket} into this workspace's map and
// resets softShutdown (a new attach cancels any pending eviction timer,
// spec.md §4.D.2).
func (w *Workspace) addEntry(entry sessionEntry) {
	w.mu.Lock()
	w.sessions[entry.session.ID()] = entry
	w.softShutdown = 0
	w.mu.Unlock()
}

// removeEntry drops sessionID from this workspace's map and reports
// whether the map is now empty.
func (w *Workspace) removeEntry(sessionID string) (empty bool) {
	w.mu.Lock()
	delete(w.sessions, sessionID)
	empty = len(w.sessions) == 0
	w.mu.Unlock()
	return empty
}

// lookupEntry returns the entry for sessionID, if present.
func (w *Workspace) lookupEntry(sessionID string) (sessionEntry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.sessions[sessionID]
	return e, ok
}

// snapshotEntries returns a copy of the current sessions map, safe to
// range over without holding the workspace lock (used by broadcast and
// closeAll, spec.md §4.D.3/§4.D.4).
func (w *Workspace) snapshotEntries() []sessionEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]sessionEntry, 0, len(w.sessions))
	for _, e := range w.sessions {
		out = append(out, e)
	}
	return out
}

// SnapshotSessions returns the attached sessions as a plain slice, for
// the admin statistics endpoint.
func (w *Workspace) SnapshotSessions() []*Session {
	entries := w.snapshotEntries()
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session)
	}
	return out
}

// sessionCount returns the number of attached sessions.
func (w *Workspace) sessionCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.sessions)
}

// armSoftShutdown sets the tick countdown before an empty workspace is
// evicted (spec.md §4.D.2); returns the value it was armed with.
func (w *Workspace) armSoftShutdown(ticks int) int {
	w.mu.Lock()
	w.softShutdown = ticks
	w.mu.Unlock()
	return ticks
}

// tickSoftShutdown decrements the countdown if the workspace is still
// empty, returning true once it reaches zero (time to evict).
func (w *Workspace) tickSoftShutdown() (expired bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sessions) != 0 {
		return false
	}
	if w.softShutdown <= 0 {
		return true
	}
	w.softShutdown--
	return w.softShutdown <= 0
}
