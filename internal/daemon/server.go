package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/reconcile"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/pkg/version"
)

// requestTimeout bounds one request/response exchange.
const requestTimeout = 30 * time.Second

// Handler serves the daemon methods. *reconcile.Orchestrator implements it.
type Handler interface {
	Status(ctx context.Context) (reconcile.Status, error)
	PathStatus(ctx context.Context, abs string) (reconcile.PathResult, error)
	Trees(ctx context.Context) ([]*store.Tree, error)
	SetVisible(ctx context.Context, abs string, visible bool) error
	Rescan(abs string) (string, error)
	Subscribe() chan reconcile.Notification
	Unsubscribe(ch chan reconcile.Notification)
}

var _ Handler = (*reconcile.Orchestrator)(nil)

// Server listens on a Unix socket and handles one request per connection.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    Handler
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string) (*Server, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path cannot be empty")
	}
	return &Server{
		socketPath: socketPath,
	}, nil
}

// SetHandler sets the handler for every method but ping.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		slog.Warn("socket_chmod_failed", slog.String("error", err.Error()))
	}
	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	slog.Info("server_listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			slog.Error("accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Subscribers return as soon as ctx is done.
	s.wg.Wait()

	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		slog.Warn("connection_deadline_failed", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		_ = encoder.Encode(NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid JSON-RPC 2.0 request"))
		return
	}

	if req.Method == MethodSubscribe {
		s.stream(ctx, conn, encoder, req)
		return
	}

	resp := s.handleRequest(ctx, req)
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.Method == MethodPing {
		return NewSuccessResponse(req.ID, PingResult{Pong: true})
	}
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	switch req.Method {
	case MethodStatus:
		return s.handleStatus(ctx, req)
	case MethodPathStatus:
		return s.handlePathStatus(ctx, req)
	case MethodTrees:
		return s.handleTrees(ctx, req)
	case MethodVisible:
		return s.handleVisible(ctx, req)
	case MethodRescan:
		return s.handleRescan(req)
	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// errorResponse maps an engine error onto a JSON-RPC error.
func errorResponse(id string, err error) Response {
	code := ErrCodeQueryFailed
	switch awerrors.GetCode(err) {
	case awerrors.ErrCodeUnknownTree:
		code = ErrCodeUnknownTree
	case awerrors.ErrCodeInvalidInput, awerrors.ErrCodeInvalidPath:
		code = ErrCodeInvalidParams
	}
	resp := NewErrorResponse(id, code, err.Error())
	if p := awerrors.ToPayload(err); p != nil {
		resp.Error.Data = p
	}
	return resp
}

func (s *Server) handleStatus(ctx context.Context, req Request) Response {
	st, err := s.handler.Status(ctx)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return NewSuccessResponse(req.ID, StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Uptime:  time.Since(started).Round(time.Second).String(),
		Version: version.Short(),
		Status:  st,
	})
}

func (s *Server) handlePathStatus(ctx context.Context, req Request) Response {
	var params PathParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	res, err := s.handler.PathStatus(ctx, params.Path)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, PathStatusResult{
		TreeID: res.TreeID,
		Path:   res.Path,
		Status: NewPathStatusView(res.Status),
	})
}

func (s *Server) handleTrees(ctx context.Context, req Request) Response {
	trees, err := s.handler.Trees(ctx)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	out := TreesResult{Trees: make([]TreeInfo, 0, len(trees))}
	for _, t := range trees {
		out.Trees = append(out.Trees, NewTreeInfo(t))
	}
	return NewSuccessResponse(req.ID, out)
}

func (s *Server) handleVisible(ctx context.Context, req Request) Response {
	var params VisibleParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.SetVisible(ctx, params.Path, params.Visible); err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, params)
}

func (s *Server) handleRescan(req Request) Response {
	var params PathParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	id, err := s.handler.Rescan(params.Path)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, RescanResult{TreeID: id})
}

// stream acknowledges a subscription and then writes notifications until
// the client goes away or the server shuts down.
func (s *Server) stream(ctx context.Context, conn net.Conn, encoder *json.Encoder, req Request) {
	if s.handler == nil {
		_ = encoder.Encode(NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured"))
		return
	}
	ch := s.handler.Subscribe()
	defer s.handler.Unsubscribe(ch)

	if err := encoder.Encode(NewSuccessResponse(req.ID, SubscribeResult{Subscribed: true})); err != nil {
		return
	}
	// Long lived from here on.
	_ = conn.SetDeadline(time.Time{})

	// A read returning means the client hung up.
	gone := make(chan struct{})
	go func() {
		var buf [1]byte
		_, _ = conn.Read(buf[:])
		close(gone)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(requestTimeout))
			if err := encoder.Encode(n); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					slog.Debug("subscriber_write_failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
