package daemon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/reconcile"
	"github.com/Aman-CERP/annexwatch/internal/store"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing       = "ping"
	MethodStatus     = "status"
	MethodPathStatus = "path_status"
	MethodTrees      = "trees"
	MethodVisible    = "visible"
	MethodRescan     = "rescan"
	MethodSubscribe  = "subscribe"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes for daemon-specific errors.
const (
	ErrCodeUnknownTree = -32001
	ErrCodeQueryFailed = -32002
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      string `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// decodeParams converts the generic params of a request into out.
func decodeParams(params any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// PathParams name one absolute path.
type PathParams struct {
	Path string `json:"path"`
}

// Validate checks that required fields are present.
func (p *PathParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// VisibleParams mark a directory as shown or hidden by a client.
type VisibleParams struct {
	Path    string `json:"path"`
	Visible bool   `json:"visible"`
}

// Validate checks that required fields are present.
func (p *VisibleParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}

// StatusResult contains daemon status information.
type StatusResult struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Version string `json:"version,omitempty"`
	reconcile.Status
}

// PathStatusView is the wire form of a status row.
type PathStatusView struct {
	Path         string    `json:"path"`
	IsDirectory  bool      `json:"is_directory"`
	IsTracked    bool      `json:"is_tracked"`
	Presence     string    `json:"presence,omitempty"`
	Sufficiency  string    `json:"sufficiency,omitempty"`
	ReplicaCount *int      `json:"replica_count,omitempty"`
	ContentKey   string    `json:"content_key,omitempty"`
	NeedsUpdate  bool      `json:"needs_update"`
	LastModified time.Time `json:"last_modified"`
}

// NewPathStatusView converts a stored row.
func NewPathStatusView(ps *store.PathStatus) *PathStatusView {
	if ps == nil {
		return nil
	}
	return &PathStatusView{
		Path:         ps.Path,
		IsDirectory:  ps.IsDirectory,
		IsTracked:    ps.IsTracked,
		Presence:     string(ps.Presence),
		Sufficiency:  string(ps.Sufficiency),
		ReplicaCount: ps.ReplicaCount,
		ContentKey:   ps.ContentKey,
		NeedsUpdate:  ps.NeedsUpdate,
		LastModified: ps.LastModified,
	}
}

// PathStatusResult answers path_status. Status is nil while the path has
// not been seen; a query for it has then been queued.
type PathStatusResult struct {
	TreeID string          `json:"tree_id"`
	Path   string          `json:"path"`
	Status *PathStatusView `json:"status,omitempty"`
}

// TreeInfo describes one watched tree.
type TreeInfo struct {
	ID            string    `json:"id"`
	Root          string    `json:"root"`
	AddedAt       time.Time `json:"added_at"`
	ContentCommit string    `json:"content_commit,omitempty"`
	MetaCommit    string    `json:"meta_commit,omitempty"`
	Scanned       bool      `json:"scanned"`
}

// NewTreeInfo converts a stored tree record.
func NewTreeInfo(t *store.Tree) TreeInfo {
	info := TreeInfo{ID: t.ID, Root: t.RootPath, AddedAt: t.AddedAt}
	if t.Cursor != nil && !t.Cursor.IsZero() {
		info.Scanned = true
		info.ContentCommit = t.Cursor.ContentCommit
		info.MetaCommit = t.Cursor.MetaCommit
	}
	return info
}

// TreesResult lists watched trees.
type TreesResult struct {
	Trees []TreeInfo `json:"trees"`
}

// RescanResult names the tree a rescan was scheduled for.
type RescanResult struct {
	TreeID string `json:"tree_id"`
}

// SubscribeResult acknowledges a subscription. Notifications follow on the
// same connection, one JSON object per line.
type SubscribeResult struct {
	Subscribed bool `json:"subscribed"`
}
