package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/internal/reconcile"
)

func clientFor(socketPath string) *Client {
	return NewClient(Config{SocketPath: socketPath, Timeout: 2 * time.Second})
}

func TestNewClient(t *testing.T) {
	c := NewClient(Config{SocketPath: "/tmp/x.sock"})

	assert.Equal(t, "/tmp/x.sock", c.socketPath)
	assert.Equal(t, requestTimeout, c.timeout, "zero timeout falls back to the request timeout")
}

func TestClient_IsRunning(t *testing.T) {
	t.Run("no socket", func(t *testing.T) {
		c := clientFor(filepath.Join("/tmp", fmt.Sprintf("annexwatch-missing-%d.sock", time.Now().UnixNano())))
		assert.False(t, c.IsRunning())
	})

	t.Run("listening server", func(t *testing.T) {
		c := clientFor(startServer(t, nil))
		assert.True(t, c.IsRunning())
	})
}

func TestClient_Ping(t *testing.T) {
	c := clientFor(startServer(t, nil))

	require.NoError(t, c.Ping(context.Background()))
}

func TestClient_Status(t *testing.T) {
	c := clientFor(startServer(t, newFakeHandler()))

	st, err := c.Status(context.Background())

	require.NoError(t, err)
	assert.True(t, st.Running)
	require.Len(t, st.Trees, 1)
	assert.Equal(t, "tree-a", st.Trees[0].ID)
}

func TestClient_PathStatus(t *testing.T) {
	c := clientFor(startServer(t, newFakeHandler()))

	res, err := c.PathStatus(context.Background(), fakeRoot+"/a.txt")

	require.NoError(t, err)
	assert.Equal(t, "tree-a", res.TreeID)
	require.NotNil(t, res.Status)
	assert.Equal(t, "SHA256E-s1--a", res.Status.ContentKey)
}

func TestClient_PathStatus_UnknownTree(t *testing.T) {
	c := clientFor(startServer(t, newFakeHandler()))

	_, err := c.PathStatus(context.Background(), "/elsewhere/x")

	require.Error(t, err)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ErrCodeUnknownTree, rpcErr.Code)
}

func TestClient_Trees(t *testing.T) {
	c := clientFor(startServer(t, newFakeHandler()))

	trees, err := c.Trees(context.Background())

	require.NoError(t, err)
	require.Len(t, trees, 1)
	assert.True(t, trees[0].Scanned)
	assert.Equal(t, "h1", trees[0].ContentCommit)
	assert.Equal(t, "m1", trees[0].MetaCommit)
}

func TestClient_SetVisibleAndRescan(t *testing.T) {
	h := newFakeHandler()
	c := clientFor(startServer(t, h))
	ctx := context.Background()

	require.NoError(t, c.SetVisible(ctx, fakeRoot+"/docs", true))
	id, err := c.Rescan(ctx, fakeRoot+"/docs")
	require.NoError(t, err)

	assert.Equal(t, "tree-a", id)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.True(t, h.visible["docs"])
}

func TestClient_Subscribe(t *testing.T) {
	// Given: a client subscribed to a server
	h := newFakeHandler()
	c := clientFor(startServer(t, h))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan reconcile.Notification, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(ctx, func(n reconcile.Notification) error {
			got <- n
			return nil
		})
	}()
	require.Eventually(t, func() bool { return h.bc.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// When: the engine publishes
	h.bc.Publish(reconcile.Notification{Type: reconcile.EventTreesChanged})

	// Then: fn sees it
	select {
	case n := <-got:
		assert.Equal(t, reconcile.EventTreesChanged, n.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	// When: the caller cancels
	cancel()

	// Then: Subscribe returns cleanly
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}
}

func TestClient_Subscribe_CallbackErrorStops(t *testing.T) {
	h := newFakeHandler()
	c := clientFor(startServer(t, h))
	stop := errors.New("enough")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(context.Background(), func(reconcile.Notification) error { return stop })
	}()
	require.Eventually(t, func() bool { return h.bc.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.bc.Publish(reconcile.Notification{Type: reconcile.EventTreesChanged})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, stop)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}
}

func TestClient_Call_NoDaemon(t *testing.T) {
	socketPath := filepath.Join("/tmp", fmt.Sprintf("annexwatch-missing-%d.sock", time.Now().UnixNano()))
	t.Cleanup(func() { os.Remove(socketPath) })

	_, err := clientFor(socketPath).Status(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
}

func TestClient_Timeout_SilentServer(t *testing.T) {
	// Given: a listener that accepts and never answers
	socketPath := serverTestSocketPath(t)
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := NewClient(Config{SocketPath: socketPath, Timeout: 100 * time.Millisecond})

	// When/Then: the call fails once the deadline passes
	start := time.Now()
	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
