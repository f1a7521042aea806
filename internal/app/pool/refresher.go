package pool

import (
	"context"
	"time"

	"github.com/dennishilgert/stockade/pkg/concurrency/runner"
	"github.com/dennishilgert/stockade/pkg/concurrency/worker"
)

type RefresherOptions struct {
	// CheckInterval is how often the pool is asked whether a refresh is due.
	CheckInterval time.Duration

	// Timeout bounds a single refresh run. Filling a pool boots one template
	// VM per missing snapshot, so it must cover Size cold boots.
	Timeout time.Duration
}

// Refresher keeps the pool filled in the background so that refreshing
// never happens on the request path.
type Refresher interface {
	Run(ctx context.Context) error
}

type refresher struct {
	pool          Pool
	worker        worker.WorkerManager
	checkInterval time.Duration
	timeout       time.Duration
}

const (
	DefaultRefreshCheckInterval = 10 * time.Second
	DefaultRefreshTimeout       = 5 * time.Minute
)

func NewRefresher(pool Pool, opts RefresherOptions) Refresher {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultRefreshCheckInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRefreshTimeout
	}
	return &refresher{
		pool:          pool,
		worker:        worker.NewWorkerManager(1),
		checkInterval: opts.CheckInterval,
		timeout:       opts.Timeout,
	}
}

func (r *refresher) Run(ctx context.Context) error {
	return runner.NewRunnerManager(
		r.worker.Run,
		func(ctx context.Context) error {
			ticker := time.NewTicker(r.checkInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					log.Info("shutting down pool refresher")
					return ctx.Err()
				case <-ticker.C:
					task := worker.NewTask(func(ctx context.Context) (struct{}, error) {
						return struct{}{}, r.pool.Refresh(ctx)
					}, r.timeout).Callback(func(_ struct{}, err error) {
						if err != nil {
							log.Errorf("pool refresh failed: %v", err)
						}
					})
					// blocks while the previous refresh is still running
					if err := r.worker.Add(ctx, task); err != nil && ctx.Err() == nil {
						log.Errorf("failed to schedule pool refresh: %v", err)
					}
				}
			}
		},
	).Run(ctx)
}
