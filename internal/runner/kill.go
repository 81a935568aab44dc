package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

// killTree kills the children of cmd, then cmd itself. Failures are logged
// and otherwise ignored, a process which exited in the meantime is fine.
func killTree(ctx context.Context, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	// use a fresh context, ctx may be already cancelled
	pctx := context.WithoutCancel(ctx)
	if p, err := process.NewProcessWithContext(pctx, int32(pid)); err == nil {
		killChildren(pctx, p)
	} else {
		slog.DebugContext(ctx, "process lookup failed", "pid", pid, "error", err)
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "kill failed", "pid", pid, "error", err)
	}
}

func killChildren(ctx context.Context, p *process.Process) {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		// ErrorNoChildren is the common case
		return
	}
	for _, child := range children {
		killChildren(ctx, child)
		if err := child.KillWithContext(ctx); err != nil {
			slog.DebugContext(ctx, "kill child failed", "pid", child.Pid, "error", err)
		}
	}
}
