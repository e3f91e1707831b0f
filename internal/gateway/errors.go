package gateway

import "errors"

// Error taxonomy from spec.md §7. PipelineError and TransportError wrap
// the underlying cause; the other four are sentinels compared with
// errors.Is.
var (
	// ErrUnauthorized: bad token, or token.workspace.productId mismatch.
	ErrUnauthorized = errors.New("gateway: unauthorized")
	// ErrUnknownMethod: no dispatcher registered for the requested method.
	ErrUnknownMethod = errors.New("gateway: unknown method")
	// ErrUpgrading: the workspace is mid-upgrade and admission/requests
	// are refused to non-upgrade-role callers.
	ErrUpgrading = errors.New("gateway: workspace upgrading")
	// ErrShuttingDown: the workspace is tearing down; all mutations fail.
	ErrShuttingDown = errors.New("gateway: workspace shutting down")
)

// PipelineError wraps a domain failure returned verbatim to the caller
// as a Response.error (spec.md §7).
type PipelineError struct {
	Err error
}

func (e *PipelineError) Error() string { return "gateway: pipeline error: " + e.Err.Error() }
func (e *PipelineError) Unwrap() error { return e.Err }

// TransportError wraps a frame encode/decode failure or a dead socket.
// It causes the offending socket to be closed and removed; broadcasts
// to other peers continue (spec.md §7).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "gateway: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
