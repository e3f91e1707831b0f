package gateway

import "sync"

// pipelineFuture is the eventual pipeline handle a Workspace holds
// (spec.md §4.C, Design Notes "Pipeline future"): constructed once, and
// shared by every concurrent addSession call racing to attach to the
// same workspace. Readers block in wait until the single constructor
// resolves.
type pipelineFuture struct {
	done   chan struct{}
	value  any
	err    error
	once   sync.Once
}

func newPipelineFuture() *pipelineFuture {
	return &pipelineFuture{done: make(chan struct{})}
}

// resolve completes the future exactly once; later calls are no-ops.
func (f *pipelineFuture) resolve(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// wait blocks until resolve has been called, then returns its result.
// Safe to call from any number of goroutines, any number of times.
func (f *pipelineFuture) wait() (any, error) {
	<-f.done
	return f.value, f.err
}

// closingFuture signals when an in-flight closeAll has finished tearing
// a workspace down (spec.md §4.C "closing: optional in-flight close
// future"). Concurrent addSession calls observe it and await it rather
// than racing the teardown (spec.md §4.D.1 step 3).
type closingFuture struct {
	done chan struct{}
	once sync.Once
}

func newClosingFuture() *closingFuture {
	return &closingFuture{done: make(chan struct{})}
}

func (f *closingFuture) resolve() {
	f.once.Do(func() { close(f.done) })
}

func (f *closingFuture) wait() {
	<-f.done
}
