// Package dispatch runs a filtered set of partitions through the
// Operation Engine under a bounded concurrency limit, aggregating
// per-partition failures without letting one partition's fatal error
// abandon the others, per spec.md §4.5.
package dispatch

import (
	"context"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/otadump/core/engine"
	"github.com/otadump/core/manifest"
	"github.com/otadump/core/progress"
	"github.com/otadump/core/source"
)

// DefaultConcurrency returns min(32, 2*NumCPU), the default worker count
// when the caller does not specify one.
func DefaultConcurrency() int {
	n := 2 * runtime.NumCPU()
	if n > 32 {
		return 32
	}
	if n < 1 {
		return 1
	}
	return n
}

// Job is one partition's extraction request.
type Job struct {
	Partition *manifest.PartitionUpdate
	OutPath   string
	Options   engine.Options
}

// Result is one partition's outcome.
type Result struct {
	PartitionName string
	Warnings      []engine.Warning
	Err           error
}

// Run extracts every job's partition against src, bounded by concurrency
// workers. concurrency <= 0 selects DefaultConcurrency; concurrency == 1
// runs jobs sequentially on the calling goroutine's pattern (still routed
// through the pool, for a uniform code path).
//
// Run does not stop dispatching remaining jobs when one partition fails —
// every job gets a Result. If ctx is cancelled, in-flight and not-yet-
// started jobs observe it and fail fast.
func Run(ctx context.Context, src source.Source, jobs []Job, dataOffset uint64, blockSize uint32, concurrency int) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}

	pool, err := ants.NewPool(concurrency, ants.WithPreAlloc(false))
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]Result, len(jobs))

	// errgroup here aggregates pool-rejection errors only (the pool
	// refusing a submission, e.g. after Release) — per-partition
	// extraction failures are never fatal to the group and always land in
	// results instead, so one partition's FatalError can't cancel its
	// siblings.
	var g errgroup.Group
	var wg sync.WaitGroup

	for i, job := range jobs {
		i, job := i, job
		wg.Add(1)
		g.Go(func() error {
			return pool.Submit(func() {
				defer wg.Done()

				name := job.Partition.GetPartitionName()
				select {
				case <-ctx.Done():
					results[i] = Result{PartitionName: name, Err: ctx.Err()}
					return
				default:
				}

				reporter := job.Options.Reporter
				if reporter == nil {
					reporter = progress.NoOp{}
				}
				job.Options.Reporter = reporter

				warnings, err := engine.ExtractPartition(ctx, src, job.Partition, dataOffset, blockSize, job.OutPath, job.Options)
				results[i] = Result{PartitionName: name, Warnings: warnings, Err: err}
			})
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	wg.Wait()

	return results, nil
}
