package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrManagerAlreadyStarted = errors.New("runner manager already started")

// Runner is a function that runs a long living service until its context is
// cancelled.
type Runner func(ctx context.Context) error

// Named wraps a runner so that its error carries the name of the service.
func Named(name string, runner Runner) Runner {
	return func(ctx context.Context) error {
		if err := runner(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

type RunnerManager interface {
	Add(runner ...Runner) error
	Run(ctx context.Context) error
}

// runnerManager runs all runners in parallel. As soon as one runner returns,
// all other runners are cancelled and their errors are collected.
type runnerManager struct {
	runners []Runner
	lock    sync.Mutex
	running atomic.Bool
}

// NewRunnerManager creates a new RunnerManager.
func NewRunnerManager(runners ...Runner) RunnerManager {
	return &runnerManager{
		runners: runners,
	}
}

// Add adds a new runner to the RunnerManager.
func (r *runnerManager) Add(runner ...Runner) error {
	if r.running.Load() {
		return ErrManagerAlreadyStarted
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.runners = append(r.runners, runner...)
	return nil
}

// Run runs all runners in parallel and waits for all runners to finish.
func (r *runnerManager) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrManagerAlreadyStarted
	}

	r.lock.Lock()
	runners := make([]Runner, len(r.runners))
	copy(runners, r.runners)
	r.lock.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runner Runner) {
			// a returning runner takes all other runners down with it
			defer cancel()

			// context cancellation is the regular way to stop and is not reported
			err := runner(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				return
			}
			errCh <- nil
		}(runner)
	}

	errObjs := make([]error, 0)
	for i := 0; i < len(runners); i++ {
		if err := <-errCh; err != nil {
			errObjs = append(errObjs, err)
		}
	}

	return errors.Join(errObjs...)
}
