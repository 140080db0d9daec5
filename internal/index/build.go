package index

import (
	"context"

	"golang.org/x/sync/errgroup"

	"fileindex/internal/callgroup"
)

// BatchHelper runs one operation across many indexes concurrently and
// deduplicates concurrent runs of the same operation.
type BatchHelper struct {
	group callgroup.Group[string]
}

func NewBatchHelper() *BatchHelper {
	return &BatchHelper{}
}

// Run calls fn for every index in parallel. If a run of op is already in
// flight, this call blocks until it completes and shares its result. If the
// caller's context ends while waiting, Run returns the context error
// without cancelling the in-flight run.
func (h *BatchHelper) Run(ctx context.Context, op string, indexes []Updatable, fn func(context.Context, Updatable) error) error {
	return h.group.Do(ctx, op, func() error {
		// Detach from the initiator's context so that cancelling one caller
		// does not abort the shared run.
		g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
		for _, idx := range indexes {
			g.Go(func() error {
				return fn(gctx, idx)
			})
		}
		return g.Wait()
	})
}

// ForceAll makes every index durable.
func (h *BatchHelper) ForceAll(ctx context.Context, indexes []Updatable) error {
	return h.Run(ctx, "force", indexes, func(_ context.Context, idx Updatable) error {
		return idx.Force()
	})
}
