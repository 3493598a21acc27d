package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/pkg/version"
)

// stalePID is above the default Linux pid_max.
const stalePID = 4194304

// pidAt writes content to a fresh PID file and returns it.
func pidAt(t *testing.T, content string) *PIDFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "annexwatch.pid")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return NewPIDFile(path)
}

func TestPIDFile_Write_RecordsOwner(t *testing.T) {
	// Given: a PID file in a directory that does not exist yet
	path := filepath.Join(t.TempDir(), "nested", "annexwatch.pid")
	pf := NewPIDFile(path)

	// When: the daemon records itself
	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, pf.Write(Owner{Socket: "/run/aw.sock"}))

	// Then: the record names this process, its socket and version
	o, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), o.PID)
	assert.Equal(t, "/run/aw.sock", o.Socket)
	assert.Equal(t, version.Short(), o.Version)
	assert.True(t, o.Started.After(before))

	// And: no temp file is left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPIDFile_Read(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "json", content: `{"pid":321,"socket":"s"}`, want: 321},
		{name: "bare pid", content: "12345\n", want: 12345},
		{name: "garbage", content: "not-a-number", wantErr: true},
		{name: "zero", content: "0", wantErr: true},
		{name: "json without pid", content: `{"socket":"s"}`, wantErr: true},
		{name: "broken json", content: `{"pid":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := pidAt(t, tt.content).Read()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.PID)
		})
	}
}

func TestPIDFile_Read_NotExists(t *testing.T) {
	_, err := pidAt(t, "").Read()

	assert.ErrorIs(t, err, ErrPIDFileNotFound)
}

func TestPIDFile_Remove(t *testing.T) {
	pf := pidAt(t, "12345")

	require.NoError(t, pf.Remove())
	assert.NoFileExists(t, pf.Path())
	assert.NoError(t, pf.Remove(), "removing a missing file is not an error")
}

func TestPIDFile_Alive(t *testing.T) {
	o, ok := pidAt(t, strconv.Itoa(os.Getpid())).Alive()
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), o.PID)

	_, ok = pidAt(t, strconv.Itoa(stalePID)).Alive()
	assert.False(t, ok)

	_, ok = pidAt(t, "").Alive()
	assert.False(t, ok)
}

func TestPIDFile_RemoveStale(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantRemoved bool
	}{
		{name: "dead process", content: strconv.Itoa(stalePID), wantRemoved: true},
		{name: "unparseable", content: "junk", wantRemoved: true},
		{name: "live process", content: strconv.Itoa(os.Getpid())},
		{name: "no file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf := pidAt(t, tt.content)

			removed, err := pf.RemoveStale()

			require.NoError(t, err)
			assert.Equal(t, tt.wantRemoved, removed)
			if tt.content != "" && !tt.wantRemoved {
				assert.FileExists(t, pf.Path())
			}
		})
	}
}

func TestPIDFile_Signal(t *testing.T) {
	require.NoError(t, pidAt(t, strconv.Itoa(os.Getpid())).Signal(syscall.Signal(0)))
	assert.Error(t, pidAt(t, strconv.Itoa(stalePID)).Signal(syscall.Signal(0)))
	assert.ErrorIs(t, pidAt(t, "").Signal(syscall.Signal(0)), ErrPIDFileNotFound)
}
