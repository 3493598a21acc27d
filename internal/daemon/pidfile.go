package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Aman-CERP/annexwatch/pkg/version"
)

// ErrPIDFileNotFound is returned when no daemon has recorded itself.
var ErrPIDFileNotFound = errors.New("PID file not found")

// Owner describes the daemon that wrote a PID file.
type Owner struct {
	PID     int       `json:"pid"`
	Socket  string    `json:"socket,omitempty"`
	Version string    `json:"version,omitempty"`
	Started time.Time `json:"started"`
}

// PIDFile records which process owns a data directory. The record is
// informative; exclusion comes from the flock taken by Lock.
type PIDFile struct {
	path string
}

// NewPIDFile returns a PIDFile at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Write records the calling process as owner. Unset fields of o are filled
// in from the process. The previous record is replaced atomically.
func (p *PIDFile) Write(o Owner) error {
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	if o.Version == "" {
		o.Version = version.Short()
	}
	if o.Started.IsZero() {
		o.Started = time.Now().UTC()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode pid record: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".annexwatch-pid-*")
	if err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.Write(append(data, '\n'))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmp.Name(), 0o644)
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), p.path)
	}
	if werr != nil {
		return fmt.Errorf("write pid file: %w", werr)
	}
	return nil
}

// Read returns the recorded owner. A file holding only a decimal PID is
// accepted as well.
func (p *PIDFile) Read() (Owner, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return Owner{}, ErrPIDFileNotFound
	}
	if err != nil {
		return Owner{}, fmt.Errorf("read pid file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	var o Owner
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &o); err != nil {
			return Owner{}, fmt.Errorf("pid file %s: %w", p.path, err)
		}
	} else if o.PID, err = strconv.Atoi(text); err != nil {
		o.PID = 0
	}
	if o.PID <= 0 {
		return Owner{}, fmt.Errorf("pid file %s: no valid pid in %q", p.path, text)
	}
	return o, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Alive returns the owner when it is a live process.
func (p *PIDFile) Alive() (Owner, bool) {
	o, err := p.Read()
	if err != nil || !processExists(o.PID) {
		return Owner{}, false
	}
	return o, true
}

// RemoveStale deletes a record that cannot be parsed or whose process is
// gone, and reports whether it did.
func (p *PIDFile) RemoveStale() (bool, error) {
	o, err := p.Read()
	switch {
	case errors.Is(err, ErrPIDFileNotFound):
		return false, nil
	case err == nil && processExists(o.PID):
		return false, nil
	}
	if err := p.Remove(); err != nil {
		return false, err
	}
	return true, nil
}

// Signal delivers sig to the recorded owner.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	o, err := p.Read()
	if err != nil {
		return err
	}
	if err := syscall.Kill(o.PID, sig); err != nil {
		return fmt.Errorf("signal process %d: %w", o.PID, err)
	}
	return nil
}

func processExists(pid int) bool {
	// ESRCH means gone; EPERM means alive under another user.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
