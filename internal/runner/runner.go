// Package runner executes external tools.
//
// Commands are always spawned from an argument vector, a shell is never
// involved. Stdout and stderr are drained concurrently so a chatty tool can't
// block on a full pipe. When a timeout expires or a context is cancelled, the
// whole process tree is killed on a best-effort basis and the runner waits a
// bounded time for the pipes to close. Output of a process which can't be
// reaped within that time is dropped.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// KillGrace is how long the runner waits for a killed process to exit
var KillGrace = 2 * time.Second

var ErrTimeout = errors.New("timed out")

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string // nil means inherit the current environment
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Err      error
}

// ExitCode returns the process exit code or nil if the process did not
// exit on its own
func (r Result) ExitCode() *int {
	if r.TimedOut || r.State == nil || !r.State.Exited() {
		return nil
	}
	code := r.State.ExitCode()
	return &code
}

// Start spawns the command and returns a channel which receives exactly one
// Result once the command ends. An error is returned if the command can't be
// started at all, like *exec.Error for a missing binary.
func Start(ctx context.Context, proto Command, stderrFunc StderrFunc) (<-chan Result, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "command started", "path", proto.Path, "pid", cmd.Process.Pid)

	ch := make(chan Result, 1)
	go func() {
		ch <- supervise(ctx, cmd, proto, started, stdout, stderr, stderrFunc)
		close(ch)
	}()
	return ch, nil
}

// Run is a blocking variant of Start. A spawn failure is reported in Result.Err.
func Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	ch, err := Start(ctx, proto, stderrFunc)
	if err != nil {
		now := time.Now().UTC()
		return Result{
			Path:    proto.Path,
			Args:    append([]string(nil), proto.Args...),
			Started: now,
			Stopped: now,
			Err:     err,
		}
	}
	return <-ch
}

type outcome struct {
	stdout []byte
	stderr []byte
	err    error
}

func supervise(
	ctx context.Context,
	cmd *exec.Cmd,
	proto Command,
	started time.Time,
	stdout, stderr io.Reader,
	stderrFunc StderrFunc,
) Result {
	result := Result{
		Path:    proto.Path,
		Args:    append([]string(nil), proto.Args...),
		Started: started,
	}

	done := make(chan outcome, 1)
	go func() {
		var outBuf, errBuf bytes.Buffer
		var g errgroup.Group
		g.Go(func() error {
			_, err := io.Copy(&outBuf, stdout)
			return err
		})
		g.Go(func() error {
			return drainStderr(ctx, stderr, &errBuf, stderrFunc)
		})
		readErr := g.Wait()
		waitErr := cmd.Wait()
		if waitErr == nil && readErr != nil && !errors.Is(readErr, os.ErrClosed) {
			waitErr = readErr
		}
		done <- outcome{stdout: outBuf.Bytes(), stderr: errBuf.Bytes(), err: waitErr}
	}()

	var timeout <-chan time.Time
	if proto.Timeout > 0 {
		timer := time.NewTimer(proto.Timeout)
		defer timer.Stop()
		timeout = timer.C
	} else {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	}

	select {
	case o := <-done:
		result.Stopped = time.Now().UTC()
		result.State = cmd.ProcessState
		result.Stdout, result.Stderr, result.Err = o.stdout, o.stderr, o.err
		return result
	case <-timeout:
		result.TimedOut = true
		result.Err = ErrTimeout
	case <-ctx.Done():
		result.Err = ctx.Err()
		result.TimedOut = errors.Is(result.Err, context.DeadlineExceeded)
	}

	killTree(ctx, cmd)

	grace := time.NewTimer(KillGrace)
	defer grace.Stop()
	select {
	case o := <-done:
		result.Stdout, result.Stderr = o.stdout, o.stderr
		result.State = cmd.ProcessState
	case <-grace.C:
		slog.WarnContext(ctx, "killed command did not exit, output dropped", "path", proto.Path, "pid", cmd.Process.Pid)
	}
	result.Stopped = time.Now().UTC()
	return result
}

// drainStderr copies stderr into buf and streams lines to fn
func drainStderr(ctx context.Context, r io.Reader, buf *bytes.Buffer, fn StderrFunc) error {
	if fn == nil {
		_, err := io.Copy(buf, r)
		return err
	}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
			fn(ctx, string(bytes.TrimRight(line, "\r\n")))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
