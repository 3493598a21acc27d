// Package tracker is the client for the content tracker: git for working
// tree history and ignore rules, git-annex for content location. Every call
// runs a subprocess in the tree root; a failure is returned, never turned
// into an empty result.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/store"
)

// emptyTree is git's well-known empty tree object, used as the diff base
// when a cursor side was recorded before any commit existed.
const emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Child is one live entry of a directory.
type Child struct {
	// Path is relative to the tree root.
	Path  string
	IsDir bool
}

// Tracker is the content tracker as seen by the reconciliation engine. root
// is always an absolute tree root; paths are tree relative.
type Tracker interface {
	// HeadCommit returns the working tree HEAD, or "" on an unborn branch.
	HeadCommit(ctx context.Context, root string) (string, error)
	// AnnexCommit returns the git-annex branch head, or "" if uninitialised.
	AnnexCommit(ctx context.Context, root string) (string, error)
	// NumCopies returns the required number of copies for root.
	NumCopies(ctx context.Context, root string) (int, error)
	// Report streams a FileReport for every annexed file in the tree.
	Report(ctx context.Context, root string, fn func(*FileReport) error) error
	// PathStatus reports one file; nil means the file is not annexed.
	PathStatus(ctx context.Context, root, p string) (*FileReport, error)
	ChangedPaths(ctx context.Context, root, from, to string) ([]string, error)
	ChangedKeys(ctx context.Context, root, from, to string) (KeyChanges, error)
	// Directories walks the tree and returns every non-ignored directory,
	// the root included.
	Directories(ctx context.Context, root string) ([]string, error)
	// ListChildren lists the live, non-ignored entries of dir.
	ListChildren(ctx context.Context, root, dir string) ([]Child, error)
	// FilterIgnored returns the paths that are not ignored.
	FilterIgnored(ctx context.Context, root string, paths []string) ([]string, error)
	InvalidateNumCopies(root string)
	// Stat reports whether p is a directory; a missing path is fs.ErrNotExist.
	Stat(ctx context.Context, root, p string) (isDir bool, err error)
}

// Options configures a Client.
type Options struct {
	Runner Runner
	// Timeout bounds every call; zero means no timeout.
	Timeout      time.Duration
	MaxFailures  int
	ResetTimeout time.Duration
	NumCopiesTTL time.Duration
	// Retry applies to commit lookups; nil uses the default policy.
	Retry *awerrors.RetryConfig
}

// Client implements Tracker by running git and git-annex.
type Client struct {
	runner    Runner
	timeout   time.Duration
	retry     awerrors.RetryConfig
	breakers  *awerrors.BreakerSet
	numCopies *expirable.LRU[string, int]
}

// New creates a Client. A nil Runner runs the git found on PATH.
func New(opts Options) *Client {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	retry := awerrors.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	var breakerOpts []awerrors.CircuitBreakerOption
	if opts.MaxFailures > 0 {
		breakerOpts = append(breakerOpts, awerrors.WithMaxFailures(opts.MaxFailures))
	}
	if opts.ResetTimeout > 0 {
		breakerOpts = append(breakerOpts, awerrors.WithResetTimeout(opts.ResetTimeout))
	}
	return &Client{
		runner:    opts.Runner,
		timeout:   opts.Timeout,
		retry:     retry,
		breakers:  awerrors.NewBreakerSet(breakerOpts...),
		numCopies: expirable.NewLRU[string, int](128, nil, opts.NumCopiesTTL),
	}
}

// Breakers exposes the per-root circuit breaker states.
func (c *Client) Breakers() map[string]awerrors.State {
	return c.breakers.States()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// wrap classifies a runner error. Cancellation passes through untouched so it
// never counts against the breaker.
func (c *Client) wrap(root string, cmd Command, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && c.timeout > 0:
		return awerrors.New(awerrors.ErrCodeTrackerTimeout,
			fmt.Sprintf("%s timed out after %s", cmd, c.timeout), err).
			WithDetail("root", root)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "not a git repository") {
		return awerrors.New(awerrors.ErrCodeNotARepository, root+" is not a git repository", err).
			WithSuggestion("Run 'git init' and 'git annex init' in the tree root")
	}
	return awerrors.TrackerError(cmd.String(), err).WithDetail("root", root)
}

func (c *Client) run(ctx context.Context, root string, cmd Command) (Result, error) {
	return awerrors.CircuitExecute(c.breakers.Get(root), func() (Result, error) {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		start := time.Now()
		res, err := c.runner.Run(ctx, root, cmd)
		metrics.RecordTrackerCall(cmd.Kind.String(), time.Since(start), err)
		return res, c.wrap(root, cmd, err)
	})
}

func (c *Client) stream(ctx context.Context, root string, cmd Command, fn func([]byte) error) error {
	return c.breakers.Get(root).Execute(func() error {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		start := time.Now()
		err := c.runner.Stream(ctx, root, cmd, fn)
		metrics.RecordTrackerCall(cmd.Kind.String(), time.Since(start), err)
		return c.wrap(root, cmd, err)
	})
}

func (c *Client) revParse(ctx context.Context, root, rev string) (string, error) {
	return awerrors.RetryWithResult(ctx, c.retry, func() (string, error) {
		res, err := c.run(ctx, root, Git("rev-parse", "--verify", "--quiet", rev).Accept(1))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(res.Stdout)), nil
	})
}

// HeadCommit runs "git rev-parse --verify HEAD".
func (c *Client) HeadCommit(ctx context.Context, root string) (string, error) {
	return c.revParse(ctx, root, "HEAD")
}

// AnnexCommit runs "git rev-parse --verify refs/heads/git-annex".
func (c *Client) AnnexCommit(ctx context.Context, root string) (string, error) {
	return c.revParse(ctx, root, "refs/heads/git-annex")
}

// NumCopies returns the cached numcopies setting, asking git-annex on a miss.
func (c *Client) NumCopies(ctx context.Context, root string) (int, error) {
	if n, ok := c.numCopies.Get(root); ok {
		return n, nil
	}
	res, err := c.run(ctx, root, Annex("numcopies"))
	if err != nil {
		return 0, err
	}
	n, err := ParseNumCopies(res.Stdout)
	if err != nil {
		return 0, awerrors.New(awerrors.ErrCodeTrackerOutput, "parse numcopies", err)
	}
	c.numCopies.Add(root, n)
	return n, nil
}

// InvalidateNumCopies drops the cached numcopies for root.
func (c *Client) InvalidateNumCopies(root string) {
	c.numCopies.Remove(root)
}

// Report runs "git annex whereis --json --fast" over the whole tree.
func (c *Client) Report(ctx context.Context, root string, fn func(*FileReport) error) error {
	return c.stream(ctx, root, Annex("whereis", "--json", "--fast"), func(line []byte) error {
		r, err := ParseWhereisLine(line)
		if err != nil {
			return awerrors.New(awerrors.ErrCodeTrackerOutput, "parse whereis report", err)
		}
		if r == nil {
			return nil
		}
		return fn(r)
	})
}

// PathStatus runs whereis for a single file.
func (c *Client) PathStatus(ctx context.Context, root, p string) (*FileReport, error) {
	cmd := Annex("whereis", "--json", "--fast", "--", filepath.FromSlash(p)).Accept(1)
	res, err := c.run(ctx, root, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		// git-annex exits 1 for paths git does not know about.
		if strings.Contains(string(res.Stderr), "did not match any file") {
			return nil, nil
		}
		return nil, awerrors.TrackerError(cmd.String(), &ExitError{
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}).WithDetail("root", root)
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := ParseWhereisLine([]byte(line))
		if err != nil {
			return nil, awerrors.New(awerrors.ErrCodeTrackerOutput, "parse whereis", err)
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

func diffBase(from string) string {
	if from == "" {
		return emptyTree
	}
	return from
}

func (c *Client) diffNames(ctx context.Context, root, from, to string) ([]string, error) {
	res, err := c.run(ctx, root, Git("diff", "--name-only", "-z", diffBase(from), to))
	if err != nil {
		return nil, err
	}
	return SplitNUL(res.Stdout), nil
}

// ChangedPaths lists paths changed between two working tree commits.
func (c *Client) ChangedPaths(ctx context.Context, root, from, to string) ([]string, error) {
	names, err := c.diffNames(ctx, root, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, store.Clean(n))
	}
	return out, nil
}

// ChangedKeys lists content keys whose location logs changed between two
// git-annex branch commits.
func (c *Client) ChangedKeys(ctx context.Context, root, from, to string) (KeyChanges, error) {
	names, err := c.diffNames(ctx, root, from, to)
	if err != nil {
		return KeyChanges{}, err
	}
	return ParseBranchDiff(names), nil
}

// ignoreBatch bounds the stdin of a single check-ignore call.
const ignoreBatch = 500

// Directories walks root, skipping .git, and drops ignored directories with
// all of their descendants.
func (c *Client) Directories(ctx context.Context, root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" && p != root {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		dirs = append(dirs, store.Clean(filepath.ToSlash(rel)))
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	ignored := make(map[string]bool)
	candidates := dirs[1:]
	for start := 0; start < len(candidates); start += ignoreBatch {
		batch := candidates[start:min(start+ignoreBatch, len(candidates))]
		kept, err := c.FilterIgnored(ctx, root, batch)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]bool, len(kept))
		for _, k := range kept {
			keep[k] = true
		}
		for _, b := range batch {
			if !keep[b] {
				ignored[b] = true
			}
		}
	}

	out := dirs[:0]
	for _, d := range dirs {
		if !underIgnored(d, ignored) {
			out = append(out, d)
		}
	}
	return out, nil
}

func underIgnored(p string, ignored map[string]bool) bool {
	if ignored[p] {
		return true
	}
	for _, a := range store.Ancestors(p) {
		if ignored[a] {
			return true
		}
	}
	return false
}

// ListChildren reads dir from disk, skips .git and drops ignored entries.
// A missing dir is reported as fs.ErrNotExist.
func (c *Client) ListChildren(ctx context.Context, root, dir string) ([]Child, error) {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]bool, len(entries))
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		p := e.Name()
		if dir != store.Root {
			p = path.Join(dir, e.Name())
		}
		byPath[p] = e.IsDir()
		paths = append(paths, p)
	}
	kept, err := c.FilterIgnored(ctx, root, paths)
	if err != nil {
		return nil, err
	}
	children := make([]Child, 0, len(kept))
	for _, p := range kept {
		children = append(children, Child{Path: p, IsDir: byPath[p]})
	}
	return children, nil
}

// Stat lstats p so annexed symlinks count as files.
func (c *Client) Stat(_ context.Context, root, p string) (bool, error) {
	fi, err := os.Lstat(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// FilterIgnored pipes paths through "git check-ignore --stdin -z".
func (c *Client) FilterIgnored(ctx context.Context, root string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	var stdin strings.Builder
	for _, p := range paths {
		stdin.WriteString(filepath.FromSlash(p))
		stdin.WriteByte(0)
	}
	cmd := Git("check-ignore", "--stdin", "-z").WithStdin([]byte(stdin.String())).Accept(1)
	res, err := c.run(ctx, root, cmd)
	if err != nil {
		return nil, err
	}
	ignored := make(map[string]bool)
	for _, p := range SplitNUL(res.Stdout) {
		ignored[filepath.ToSlash(p)] = true
	}
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !ignored[p] {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// IsRepository reports whether root is the top of a git work tree.
func (c *Client) IsRepository(ctx context.Context, root string) error {
	res, err := c.run(ctx, root, Git("rev-parse", "--show-toplevel"))
	if err != nil {
		return err
	}
	top := strings.TrimSpace(string(res.Stdout))
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if filepath.Clean(top) != filepath.Clean(root) {
		return awerrors.New(awerrors.ErrCodeNotARepository,
			fmt.Sprintf("%s is inside the repository at %s, not its root", root, top), nil)
	}
	return nil
}

var _ Tracker = (*Client)(nil)

// IsNotExist reports whether err means a path vanished from disk.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
