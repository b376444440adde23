package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/reconcile-labs/reconcile/internal/intent"
)

// Pool runs queries in parallel with a bounded worker count (spec §5: the
// process serves many queries in parallel via a worker pool while each
// query stays single-threaded stage-by-stage). Queries do not observe
// each other, so no cross-query ordering is provided or needed.
type Pool struct {
	eng     *Engine
	workers int
}

// NewPool builds a Pool over eng. workers <= 0 means 4.
func NewPool(eng *Engine, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{eng: eng, workers: workers}
}

// ExecuteAll drives every spec through the engine, at most `workers` at a
// time. Results and errors are positional: results[i] is non-nil exactly
// when errs[i] is nil. One failed query never cancels its siblings.
func (p *Pool) ExecuteAll(ctx context.Context, specs []*intent.IntentSpec, opts ExecuteOptions) ([]*RCAResult, []error) {
	results := make([]*RCAResult, len(specs))
	errs := make([]error, len(specs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, spec := range specs {
		g.Go(func() error {
			results[i], errs[i] = p.eng.Execute(ctx, spec, opts)
			return nil
		})
	}
	_ = g.Wait() // per-query errors are collected positionally
	return results, errs
}
