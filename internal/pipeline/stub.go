package pipeline

import (
	"context"
	"sync"
)

// Stub is an in-memory Pipeline used by tests and standalone operation
// when no real domain engine is wired in. FindAll echoes the query back
// under a "results" key; Tx records the write and echoes it back, then
// emits a Change to all subscribers so broadcast fan-out can be exercised
// end to end without a production pipeline.
type Stub struct {
	identity  Identity
	broadcast BroadcastFunc

	mu         sync.Mutex
	writes     []any
	closed     bool
	failNextTx error
}

// NewStub constructs a standalone Stub for use outside the Factory
// plumbing, e.g. in gateway package tests that need a Pipeline but don't
// care about the Workspace boot path.
func NewStub() *Stub {
	return &Stub{}
}

// NewStubFactory returns a Factory that always succeeds and builds Stub
// pipelines.
func NewStubFactory() Factory {
	return func(ctx context.Context, identity Identity, upgrade bool, broadcast BroadcastFunc) (Pipeline, error) {
		return &Stub{identity: identity, broadcast: broadcast}, nil
	}
}

// FailNextTx makes the next call to Tx return err instead of applying
// the write. Used by tests exercising the PipelineError wrapping path.
func (s *Stub) FailNextTx(err error) {
	s.mu.Lock()
	s.failNextTx = err
	s.mu.Unlock()
}

func (s *Stub) FindAll(ctx context.Context, class string, query any, options any) (any, error) {
	return map[string]any{
		"class":   class,
		"results": query,
	}, nil
}

func (s *Stub) Tx(ctx context.Context, tx any) (any, error) {
	s.mu.Lock()
	if s.failNextTx != nil {
		err := s.failNextTx
		s.failNextTx = nil
		s.mu.Unlock()
		return nil, err
	}
	s.writes = append(s.writes, tx)
	s.mu.Unlock()

	if s.broadcast != nil {
		s.broadcast(Change{Payload: tx})
	}
	return map[string]any{"applied": tx}, nil
}

func (s *Stub) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called. Exposed for tests.
func (s *Stub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
