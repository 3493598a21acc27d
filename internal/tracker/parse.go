package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Aman-CERP/annexwatch/internal/store"
)

// FileReport is the tracker's view of one annexed file.
type FileReport struct {
	// Path is relative to the tree root, slash separated.
	Path string
	Key  string
	// Here is true when the content is present in this repository.
	Here bool
	// Copies is the number of repositories known to hold the content.
	Copies int
}

// Fields converts r into a resolved file row given the required copy count.
func (r *FileReport) Fields(numCopies int) store.Fields {
	f := store.Fields{
		IsTracked:    true,
		Presence:     store.PresenceAbsent,
		Sufficiency:  store.SufficiencyLacking,
		ReplicaCount: store.Count(r.Copies),
		ContentKey:   r.Key,
	}
	if r.Here {
		f.Presence = store.PresencePresent
	}
	if r.Copies >= numCopies {
		f.Sufficiency = store.SufficiencyEnough
	}
	return f
}

type whereisLocation struct {
	UUID        string `json:"uuid"`
	Description string `json:"description"`
	Here        bool   `json:"here"`
}

type whereisLine struct {
	Command       string            `json:"command"`
	File          string            `json:"file"`
	Key           string            `json:"key"`
	Success       bool              `json:"success"`
	Whereis       []whereisLocation `json:"whereis"`
	ErrorMessages []string          `json:"error-messages"`
}

// ParseWhereisLine decodes one line of "git annex whereis --json". Lines for
// inputs that are not annexed files yield a nil report.
func ParseWhereisLine(line []byte) (*FileReport, error) {
	var w whereisLine
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode whereis line: %w", err)
	}
	if w.File == "" || w.Key == "" {
		return nil, nil
	}
	r := &FileReport{
		Path:   store.Clean(filepath.ToSlash(w.File)),
		Key:    w.Key,
		Copies: len(w.Whereis),
	}
	for _, loc := range w.Whereis {
		if loc.Here {
			r.Here = true
			break
		}
	}
	return r, nil
}

var defaultNumCopies = regexp.MustCompile(`default is (\d+)`)

// ParseNumCopies reads the output of "git annex numcopies".
func ParseNumCopies(out []byte) (int, error) {
	s := strings.TrimSpace(string(out))
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n, nil
	}
	if m := defaultNumCopies.FindStringSubmatch(s); m != nil {
		return strconv.Atoi(m[1])
	}
	if strings.Contains(s, "not set") {
		return 1, nil
	}
	return 0, fmt.Errorf("unrecognised numcopies output %q", s)
}

// SplitNUL splits NUL terminated output into its fields.
func SplitNUL(out []byte) []string {
	var fields []string
	for _, f := range bytes.Split(out, []byte{0}) {
		if len(f) > 0 {
			fields = append(fields, string(f))
		}
	}
	return fields
}

// KeyChanges is the decoded diff of two git-annex branch commits.
type KeyChanges struct {
	Keys []string
	// NumCopiesChanged is set when the global numcopies setting moved.
	NumCopiesChanged bool
}

// Log suffixes longest first so ".log.met" wins over ".log".
var branchLogSuffixes = []string{".log.met", ".log.web", ".log.rmt", ".log.cid", ".log.cnk", ".log"}

// ParseBranchDiff decodes the file names changed on the git-annex branch.
// Per-key logs live under two hash directories; root level files hold
// repository wide settings.
func ParseBranchDiff(names []string) KeyChanges {
	var kc KeyChanges
	seen := make(map[string]bool)
	for _, name := range names {
		if !strings.Contains(name, "/") {
			if name == "numcopies.log" {
				kc.NumCopiesChanged = true
			}
			continue
		}
		key, ok := keyFromLogPath(name)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		kc.Keys = append(kc.Keys, key)
	}
	return kc
}

func keyFromLogPath(name string) (string, bool) {
	base := name[strings.LastIndexByte(name, '/')+1:]
	for _, suffix := range branchLogSuffixes {
		if strings.HasSuffix(base, suffix) {
			return DecodeKeyFile(strings.TrimSuffix(base, suffix)), true
		}
	}
	return "", false
}

// DecodeKeyFile reverses git-annex's escaping of keys in file names.
func DecodeKeyFile(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteByte('/')
		case c == '&' && i+1 < len(s):
			i++
			switch s[i] {
			case 'a':
				b.WriteByte('&')
			case 's':
				b.WriteByte('%')
			case 'c':
				b.WriteByte(':')
			default:
				b.WriteByte('&')
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
