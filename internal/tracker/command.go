package tracker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"
)

// Kind selects which tool a Command is addressed to.
type Kind int

const (
	// VersionControl commands run as "git <args>".
	VersionControl Kind = iota
	// ContentTracker commands run as "git annex <args>".
	ContentTracker
)

func (k Kind) String() string {
	if k == ContentTracker {
		return "git-annex"
	}
	return "git"
}

// Command is one invocation of git or git-annex inside a tree root.
type Command struct {
	Kind Kind
	Args []string
	// Stdin is fed to the process when non-nil.
	Stdin []byte
	// AcceptExit lists non-zero exit codes that are not failures.
	AcceptExit []int
}

// Git builds a version control command.
func Git(args ...string) Command {
	return Command{Kind: VersionControl, Args: args}
}

// Annex builds a content tracker command.
func Annex(args ...string) Command {
	return Command{Kind: ContentTracker, Args: args}
}

// Accept returns c with code added to the accepted exit codes.
func (c Command) Accept(code ...int) Command {
	c.AcceptExit = append(slices.Clone(c.AcceptExit), code...)
	return c
}

// WithStdin returns c with stdin attached.
func (c Command) WithStdin(b []byte) Command {
	c.Stdin = b
	return c
}

// Argv returns the argument vector after the git binary.
func (c Command) Argv() []string {
	if c.Kind == ContentTracker {
		return append([]string{"annex"}, c.Args...)
	}
	return slices.Clone(c.Args)
}

func (c Command) String() string {
	return "git " + strings.Join(c.Argv(), " ")
}

// Result is the outcome of a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a command that exited with an unaccepted status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Runner executes commands with dir as the working directory.
type Runner interface {
	Run(ctx context.Context, dir string, cmd Command) (Result, error)
	// Stream calls fn for every stdout line as it is produced.
	Stream(ctx context.Context, dir string, cmd Command, fn func(line []byte) error) error
}

// ExecRunner runs commands as subprocesses.
type ExecRunner struct {
	// Binary is the git executable; "git" when empty.
	Binary string
}

func (r ExecRunner) binary() string {
	if r.Binary == "" {
		return "git"
	}
	return r.Binary
}

func (r ExecRunner) command(ctx context.Context, dir string, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.binary(), c.Argv()...)
	cmd.Dir = dir
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	return cmd
}

// Run executes c and collects its output.
func (r ExecRunner) Run(ctx context.Context, dir string, c Command) (Result, error) {
	cmd := r.command(ctx, dir, c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	return res, classify(ctx, c, err, &res)
}

// Stream executes c and hands stdout to fn line by line. If fn fails the
// process is killed and fn's error is returned.
func (r ExecRunner) Stream(ctx context.Context, dir string, c Command, fn func(line []byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := r.command(ctx, dir, c)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	fnErr := scanLines(stdout, fn)
	if fnErr != nil {
		cancel()
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if fnErr != nil {
		return fnErr
	}
	res := Result{Stderr: stderr.Bytes()}
	return classify(ctx, c, waitErr, &res)
}

func scanLines(r io.Reader, fn func([]byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// classify turns a process error into nil, a context error or an ExitError.
func classify(ctx context.Context, c Command, err error, res *Result) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	res.ExitCode = exitErr.ExitCode()
	if slices.Contains(c.AcceptExit, res.ExitCode) {
		return nil
	}
	return &ExitError{
		Command:  c.String(),
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(string(res.Stderr)),
	}
}
