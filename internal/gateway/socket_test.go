package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records writes and can simulate a stalled peer that
// never drains, exercising the backpressure contract from spec.md's
// Testable Properties section.
type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	stall   chan struct{}
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	if f.stall != nil {
		<-f.stall
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func TestSocketSendDeliversThroughTransport(t *testing.T) {
	transport := newFakeTransport()
	socket := NewSocket("sock-1", transport, Metadata{}, nil)
	defer socket.Close()

	n, err := socket.Send(context.Background(), []byte("hello"), false, false)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.Eventually(t, func() bool { return transport.writeCount() == 1 }, time.Second, time.Millisecond)
}

func TestSocketSendReturnsZeroOnceClosed(t *testing.T) {
	transport := newFakeTransport()
	socket := NewSocket("sock-2", transport, Metadata{}, nil)
	socket.Close()

	n, err := socket.Send(context.Background(), []byte("hello"), false, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestSocketBackpressureBoundsMemory sends more than residualThreshold
// bytes against a transport that never drains; concurrent senders
// must block in Send rather than growing pendingBytes without bound,
// and a context cancellation must unblock them (spec.md §5 Suspension
// points / Cancellation).
func TestSocketBackpressureBoundsMemory(t *testing.T) {
	transport := newFakeTransport()
	transport.stall = make(chan struct{})
	socket := NewSocket("sock-3", transport, Metadata{}, nil)
	defer socket.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	payload := make([]byte, residualThreshold+1)

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, _ := socket.Send(ctx, payload, false, false)
			results[i] = n
		}(i)
	}
	wg.Wait()

	// At least one concurrent sender must have been starved by the
	// cancelled context while the transport stayed stalled.
	blocked := 0
	for _, n := range results {
		if n == 0 {
			blocked++
		}
	}
	assert.GreaterOrEqual(t, blocked, 1)

	close(transport.stall)
}

func TestSocketCompressesLargeFramesWhenRequested(t *testing.T) {
	transport := newFakeTransport()
	socket := NewSocket("sock-4", transport, Metadata{}, nil)
	defer socket.Close()

	large := make([]byte, compressionThreshold*2)
	for i := range large {
		large[i] = byte('a')
	}

	n, err := socket.Send(context.Background(), large, false, true)
	require.NoError(t, err)
	assert.Less(t, n, len(large))
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to pad the buffer")
	compressed, err := deflate(original)
	require.NoError(t, err)

	restored, err := inflate(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}
