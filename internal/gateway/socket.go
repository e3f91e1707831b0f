package gateway

import (
	"bytes"
	"compress/flate"
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/workspace/collab-gateway/internal/metrics"
)

// compressionThreshold is the minimum frame size, in bytes, before
// per-frame deflate is applied (spec.md §6).
const compressionThreshold = 1024

// residualThreshold is the design value from spec.md §4.A: once a
// socket's queued-but-unwritten bytes exceed this, further sends yield
// cooperatively until the writer goroutine has drained the backlog.
const residualThreshold = 128

// Transport is the minimal surface ConnectionSocket needs from an
// underlying bidirectional frame connection. Production code backs this
// with *websocket.Conn (internal/frontend); tests use a fake.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Metadata is the immutable data captured at handshake completion
// (spec.md §3).
type Metadata struct {
	RemoteAddress   string
	UserAgent       string
	AcceptLanguage  string
	AccountEmail    string
	Mode            string
	Model           string
}

// Frame type constants mirroring gorilla/websocket's, so Transport
// implementations built on it need no translation layer.
const (
	TextMessage   = 1
	BinaryMessage = 2
)

// Socket is the gateway's ConnectionSocket (component A). Exclusively
// owned by one Session while attached; send() implements the
// backpressure contract the spec's Testable Properties section demands:
// it never returns while the transport's buffered-write count exceeds
// residualThreshold, and concurrent callers against a stalled transport
// cannot grow memory unboundedly, because the queue channel and the
// byte-budget gate both cap how much unsent data a Socket will hold.
type Socket struct {
	id        string
	transport Transport
	metadata  Metadata
	metrics   *metrics.Registry

	mu           sync.Mutex
	cond         *sync.Cond
	pendingBytes int
	closed       bool
	closedCh     chan struct{}

	queue chan queuedFrame
	done  chan struct{}
}

type queuedFrame struct {
	messageType int
	data        []byte
}

// NewSocket constructs a Socket bound to transport, starts its writer
// goroutine, and returns immediately.
func NewSocket(id string, transport Transport, metadata Metadata, reg *metrics.Registry) *Socket {
	s := &Socket{
		id:        id,
		transport: transport,
		metadata:  metadata,
		metrics:   reg,
		closedCh:  make(chan struct{}),
		queue:     make(chan queuedFrame, 64),
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.writeLoop()
	return s
}

// ID returns the socket's opaque unique identifier.
func (s *Socket) ID() string { return s.id }

// Data returns the immutable metadata captured at handshake.
func (s *Socket) Data() Metadata { return s.metadata }

func (s *Socket) writeLoop() {
	defer close(s.done)
	for frame := range s.queue {
		err := s.transport.WriteMessage(frame.messageType, frame.data)

		s.mu.Lock()
		s.pendingBytes -= len(frame.data)
		s.cond.Broadcast()
		s.mu.Unlock()

		if err != nil {
			slog.Warn("socket write failed, closing", "socket_id", s.id, "error", err)
			s.Close()
			return
		}
	}
}

// Send implements 4.A's send(ctx, message, binary, compress) → bytesWritten.
// It returns 0 immediately if the socket is closed, blocks cooperatively
// while the backlog exceeds residualThreshold (both before queuing the
// frame and again after queuing it), applies per-frame
// compression when requested and the payload is large enough, and
// records the written length to the metrics feed under send-data.
func (s *Socket) Send(ctx context.Context, message []byte, binary bool, compress bool) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil
	}
	s.mu.Unlock()

	payload := message
	if compress && len(message) >= compressionThreshold {
		compressed, err := deflate(message)
		if err == nil && len(compressed) < len(message) {
			payload = compressed
		}
	}

	if !s.waitForCapacity(ctx) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, nil
	}

	s.mu.Lock()
	s.pendingBytes += len(payload)
	s.mu.Unlock()

	messageType := TextMessage
	if binary {
		messageType = BinaryMessage
	}

	select {
	case s.queue <- queuedFrame{messageType: messageType, data: payload}:
	case <-s.closedCh:
		s.mu.Lock()
		s.pendingBytes -= len(payload)
		s.mu.Unlock()
		return 0, nil
	}

	if s.metrics != nil {
		s.metrics.SendDataBytes.Add(float64(len(payload)))
	}

	// Hold the caller until the writer goroutine has brought the backlog
	// back to residualThreshold or below, so Send never returns while more
	// than that is still queued.
	if !s.waitForCapacity(ctx) && ctx.Err() != nil {
		return len(payload), ctx.Err()
	}
	return len(payload), nil
}

// waitForCapacity blocks until the socket's backlog has drained below
// residualThreshold, the socket closes, or ctx is cancelled. A helper
// goroutine bridges ctx cancellation into the condition variable, since
// sync.Cond has no native context support.
func (s *Socket) waitForCapacity(ctx context.Context) bool {
	cancelled := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			close(cancelled)
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pendingBytes > residualThreshold && !s.closed {
		select {
		case <-cancelled:
			return false
		default:
		}
		s.cond.Wait()
	}
	return !s.closed
}

// Close marks the socket closed, cancels any in-flight Send calls on it
// (they resolve to 0, per spec.md §5 Cancellation), and closes the
// underlying transport. Safe to call more than once.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closedCh)
	s.cond.Broadcast()
	s.mu.Unlock()

	close(s.queue)
	_ = s.transport.Close()
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	// level 1, matching spec.md §6's fixed compression defaults.
	w, err := flate.NewWriter(&buf, 1)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate reverses deflate. No frame-decoding path calls it; only the
// round-trip test uses it.
func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
