// Package pipeline describes the opaque per-workspace domain engine the
// gateway delegates reads and writes to. The pipeline itself — schema,
// transactions, storage — is out of scope for this repository; only the
// boundary the gateway talks across lives here.
package pipeline

import "context"

// Identity names the workspace a Pipeline instance was constructed for.
type Identity struct {
	Name      string
	ProductID string
	URL       string
}

// Change is an opaque, pipeline-emitted notification destined for some
// subset of sessions attached to the workspace. The gateway never
// interprets Payload; it only routes it.
type Change struct {
	// Target restricts delivery to sessions whose user is in this set.
	// A nil/empty Target means "broadcast to every eligible session".
	Target  []string
	Payload any
}

// BroadcastFunc is how a Pipeline hands a Change back to the gateway for
// fan-out. Implementations of Pipeline receive one at construction time
// and call it whenever domain state changes.
type BroadcastFunc func(change Change)

// Pipeline is the per-workspace domain engine. The gateway holds exactly
// one instance per live Workspace and serializes nothing on its behalf —
// a Pipeline is responsible for its own internal concurrency.
type Pipeline interface {
	// FindAll executes a read against the domain engine.
	FindAll(ctx context.Context, class string, query any, options any) (any, error)
	// Tx executes a write/transaction against the domain engine.
	Tx(ctx context.Context, tx any) (any, error)
	// Close releases resources held by the pipeline. Called once, when
	// the owning Workspace transitions to Closing.
	Close(ctx context.Context) error
}

// Factory constructs a Pipeline for a workspace. The gateway calls a
// Factory at most once per Workspace instance (§8 "Single pipeline per
// workspace"), never while holding the registry lock. upgrade is true
// when the factory is being invoked to replace an existing pipeline as
// part of an upgrade rather than to boot a fresh workspace.
type Factory func(ctx context.Context, identity Identity, upgrade bool, broadcast BroadcastFunc) (Pipeline, error)
