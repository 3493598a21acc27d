package daemon

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/internal/store"
)

func TestRequest_ParamsDecode(t *testing.T) {
	// Given: a request as it arrives off the wire
	req := Request{
		JSONRPC: "2.0",
		Method:  MethodVisible,
		Params:  VisibleParams{Path: "/trees/a/docs", Visible: true},
		ID:      "req-1",
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))

	// When: its generic params are decoded
	var params VisibleParams
	require.NoError(t, decodeParams(decoded.Params, &params))

	// Then
	assert.Equal(t, MethodVisible, decoded.Method)
	assert.Equal(t, "/trees/a/docs", params.Path)
	assert.True(t, params.Visible)
}

func TestResponse_Error(t *testing.T) {
	resp := NewErrorResponse("req-1", ErrCodeInvalidParams, "path is required")

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "path is required (code: -32602)", resp.Error.Error())
}

func TestParams_Validate(t *testing.T) {
	assert.Error(t, (&PathParams{}).Validate())
	assert.NoError(t, (&PathParams{Path: "/x"}).Validate())
	assert.Error(t, (&VisibleParams{Visible: true}).Validate())
	assert.NoError(t, (&VisibleParams{Path: "/x"}).Validate())
}

func TestNewPathStatusView(t *testing.T) {
	assert.Nil(t, NewPathStatusView(nil))

	n := 1
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	view := NewPathStatusView(&store.PathStatus{
		Path:         "docs",
		IsDirectory:  true,
		IsTracked:    true,
		Presence:     store.PresencePartial,
		Sufficiency:  store.SufficiencyLacking,
		ReplicaCount: &n,
		NeedsUpdate:  true,
		LastModified: modified,
	})

	data, err := json.Marshal(view)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))

	assert.Equal(t, "partial", m["presence"])
	assert.Equal(t, "lacking", m["sufficiency"])
	assert.Equal(t, float64(1), m["replica_count"])
	assert.Equal(t, true, m["needs_update"])
	assert.NotContains(t, m, "content_key", "directories carry no key")
}

func TestNewTreeInfo(t *testing.T) {
	unscanned := NewTreeInfo(&store.Tree{ID: "t", RootPath: "/r"})
	assert.False(t, unscanned.Scanned)
	assert.Empty(t, unscanned.ContentCommit)

	zero := NewTreeInfo(&store.Tree{ID: "t", RootPath: "/r", Cursor: &store.Cursor{}})
	assert.False(t, zero.Scanned, "a zero cursor means no completed scan")

	scanned := NewTreeInfo(&store.Tree{ID: "t", RootPath: "/r", Cursor: &store.Cursor{ContentCommit: "h", MetaCommit: "m"}})
	assert.True(t, scanned.Scanned)
	assert.Equal(t, "h", scanned.ContentCommit)
	assert.Equal(t, "m", scanned.MetaCommit)
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, -32700, ErrCodeParseError)
	assert.Equal(t, -32600, ErrCodeInvalidRequest)
	assert.Equal(t, -32601, ErrCodeMethodNotFound)
	assert.Equal(t, -32602, ErrCodeInvalidParams)
	assert.Equal(t, -32603, ErrCodeInternalError)

	// Application codes sit in the server error range.
	for _, code := range []int{ErrCodeUnknownTree, ErrCodeQueryFailed} {
		assert.True(t, code <= -32000 && code >= -32099, "code %d", code)
	}
	assert.NotEqual(t, ErrCodeUnknownTree, ErrCodeQueryFailed)
}
