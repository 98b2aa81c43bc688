package testutils

import (
	"bytes"
	"context"
	"sync"

	"github.com/go-ble/ble"
)

// FakeConn is a remote client connection seen by a go-ble peripheral. Only the methods
// the transport uses are implemented.
type FakeConn struct {
	ble.Conn

	remote string
	mtu    int
	done   chan struct{}
	once   sync.Once
}

// NewFakeConn creates a connection from remote with the given ATT MTU
func NewFakeConn(remote string, mtu int) *FakeConn {
	return &FakeConn{remote: remote, mtu: mtu, done: make(chan struct{})}
}

func (c *FakeConn) RemoteAddr() ble.Addr          { return ble.NewAddr(c.remote) }
func (c *FakeConn) TxMTU() int                    { return c.mtu }
func (c *FakeConn) Disconnected() <-chan struct{} { return c.done }

// Close drops the connection
func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether the connection was dropped
func (c *FakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// FakeRequest is an ATT request delivered to a go-ble handler
type FakeRequest struct {
	ble.Request

	conn   ble.Conn
	data   []byte
	offset int
}

// NewFakeRequest creates a request arriving over conn
func NewFakeRequest(conn ble.Conn, data []byte, offset int) *FakeRequest {
	return &FakeRequest{conn: conn, data: data, offset: offset}
}

func (r *FakeRequest) Conn() ble.Conn { return r.conn }
func (r *FakeRequest) Data() []byte   { return r.data }
func (r *FakeRequest) Offset() int    { return r.offset }

// FakeResponseWriter records what a go-ble handler answered
type FakeResponseWriter struct {
	ble.ResponseWriter

	mu       sync.Mutex
	buf      bytes.Buffer
	status   ble.ATTError
	capacity int
}

// NewFakeResponseWriter creates a writer holding at most capacity bytes (0 = unbounded)
func NewFakeResponseWriter(capacity int) *FakeResponseWriter {
	return &FakeResponseWriter{capacity: capacity}
}

func (w *FakeResponseWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}

func (w *FakeResponseWriter) SetStatus(status ble.ATTError) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (w *FakeResponseWriter) Status() ble.ATTError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *FakeResponseWriter) Cap() int { return w.capacity }

// Value returns the bytes written so far
func (w *FakeResponseWriter) Value() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

// FakeNotifier is a notification stream opened by a remote client
type FakeNotifier struct {
	ble.Notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	values [][]byte
}

// NewFakeNotifier opens a stream; Close ends it
func NewFakeNotifier() *FakeNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &FakeNotifier{ctx: ctx, cancel: cancel}
}

func (n *FakeNotifier) Context() context.Context { return n.ctx }
func (n *FakeNotifier) Cap() int                 { return 0 }

func (n *FakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values = append(n.values, append([]byte(nil), b...))
	return len(b), nil
}

func (n *FakeNotifier) Close() error {
	n.cancel()
	return nil
}

// Values returns every notified value in order
func (n *FakeNotifier) Values() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.values...)
}
