package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	failOn  int
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.written) == f.failOn {
		return assertErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

var assertErr = &writeErr{}

type writeErr struct{}

func (*writeErr) Error() string { return "write failed" }

func TestGateway_PushDeliversToRegisteredConn(t *testing.T) {
	g := NewGateway(slog.Default())
	conn := &fakeConn{}
	g.Register("did:key:zA", conn)

	err := g.Push("did:key:zA", Frame{Kind: "notification", Notification: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 1 }, time.Second, time.Millisecond)

	var got Frame
	require.NoError(t, json.Unmarshal(conn.snapshot()[0], &got))
	assert.Equal(t, "hello", got.Notification)
}

func TestGateway_PushToUnknownDIDFails(t *testing.T) {
	g := NewGateway(slog.Default())
	err := g.Push("did:key:zNope", Frame{Kind: "notification"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGateway_ReRegisterClosesPrevious(t *testing.T) {
	g := NewGateway(slog.Default())
	first := &fakeConn{}
	second := &fakeConn{}

	g.Register("did:key:zA", first)
	g.Register("did:key:zA", second)

	require.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.closed
	}, time.Second, time.Millisecond)

	assert.True(t, g.Connected("did:key:zA"))
}

func TestGateway_BroadcastNotification(t *testing.T) {
	g := NewGateway(slog.Default())
	a := &fakeConn{}
	b := &fakeConn{}
	g.Register("did:key:zA", a)
	g.Register("did:key:zB", b)

	g.BroadcastNotification(context.Background(), "maintenance")

	require.Eventually(t, func() bool {
		return len(a.snapshot()) == 1 && len(b.snapshot()) == 1
	}, time.Second, time.Millisecond)
}
