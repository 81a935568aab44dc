package module

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/parallel"
)

// BatchResult is the outcome of a module run against one target
type BatchResult struct {
	Target string
	Output Output
	Err    error
}

// RunBatch runs a copy of m for each target with at most limit runs in
// parallel. Results are sent to the returned channel in the completion
// order, a failed target does not stop the others. The channel is closed
// when all targets are done or ctx is canceled.
func RunBatch(ctx context.Context, m Module, targets []string, limit int) <-chan BatchResult {
	ctx = log.ContextAttrs(ctx, slog.String("module", m.Name()))
	run := func(ctx context.Context, target string) (BatchResult, error) {
		br := BatchResult{Target: target}
		c := m.Clone()
		if err := c.SetTarget(target); err != nil {
			br.Err = model.NewModuleError(m.Name(), "Invalid target "+target, err)
			return br, nil
		}
		br.Output, br.Err = c.Run(ctx)
		if br.Err != nil {
			slog.WarnContext(ctx, "batch target failed", "target", target, "error", br.Err)
		}
		return br, nil
	}

	ch := make(chan BatchResult)
	go func() {
		defer close(ch)
		for br := range parallel.NewMap(ctx, limit, run).Iter(parallel.Slice(targets)) {
			select {
			case ch <- br:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
