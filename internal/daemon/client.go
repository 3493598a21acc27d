package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/reconcile"
)

// Client talks to a running daemon over its Unix socket. Every call uses a
// fresh connection.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	return &Client{
		socketPath: cfg.SocketPath,
		timeout:    timeout,
	}
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var result PingResult
	if err := c.call(ctx, MethodPing, nil, &result); err != nil {
		return err
	}
	if !result.Pong {
		return fmt.Errorf("ping failed: unexpected reply")
	}
	return nil
}

// Status returns daemon and per-tree status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.call(ctx, MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PathStatus returns the stored status of an absolute path.
func (c *Client) PathStatus(ctx context.Context, path string) (*PathStatusResult, error) {
	var result PathStatusResult
	if err := c.call(ctx, MethodPathStatus, PathParams{Path: path}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Trees lists the watched trees.
func (c *Client) Trees(ctx context.Context) ([]TreeInfo, error) {
	var result TreesResult
	if err := c.call(ctx, MethodTrees, nil, &result); err != nil {
		return nil, err
	}
	return result.Trees, nil
}

// SetVisible tells the daemon a directory is shown, or no longer shown.
func (c *Client) SetVisible(ctx context.Context, path string, visible bool) error {
	return c.call(ctx, MethodVisible, VisibleParams{Path: path, Visible: visible}, nil)
}

// Rescan schedules a full scan of the tree containing path.
func (c *Client) Rescan(ctx context.Context, path string) (string, error) {
	var result RescanResult
	if err := c.call(ctx, MethodRescan, PathParams{Path: path}, &result); err != nil {
		return "", err
	}
	return result.TreeID, nil
}

// Subscribe streams notifications to fn until ctx is cancelled, the daemon
// goes away or fn returns an error. A cancelled ctx returns nil.
func (c *Client) Subscribe(ctx context.Context, fn func(reconcile.Notification) error) error {
	conn, dec, _, err := c.dial(ctx, MethodSubscribe, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var n reconcile.Notification
		if err := dec.Decode(&n); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("subscription ended: %w", err)
		}
		if err := fn(n); err != nil {
			return err
		}
	}
}

// call performs one exchange and decodes the result into out unless out is
// nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	conn, _, result, err := c.dial(ctx, method, params)
	if err != nil {
		return err
	}
	_ = conn.Close()
	if out == nil {
		return nil
	}
	if err := decodeParams(result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// dial connects, sends one request and reads its response. The connection
// stays open, with the request deadline set, for the caller to read more
// from dec. A daemon error closes it.
func (c *Client) dial(ctx context.Context, method string, params any) (net.Conn, *json.Decoder, any, error) {
	conn, err := c.Connect()
	if err != nil {
		return nil, nil, nil, err
	}
	fail := func(err error) (net.Conn, *json.Decoder, any, error) {
		_ = conn.Close()
		return nil, nil, nil, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fail(fmt.Errorf("failed to set deadline: %w", err))
	}

	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: fmt.Sprintf("req-%d", c.requestID.Add(1))}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fail(fmt.Errorf("failed to send request: %w", err))
	}
	dec := json.NewDecoder(conn)
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return fail(fmt.Errorf("failed to receive response: %w", err))
	}
	if resp.Error != nil {
		return fail(resp.Error)
	}
	return conn, dec, resp.Result, nil
}
