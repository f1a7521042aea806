package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennishilgert/stockade/internal/app/firewall"
	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/pkg/channel"
)

type State int32

const (
	StateProvisioning State = iota
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "PROVISIONING"
	case StateReady:
		return "READY"
	case StateDestroyed:
		return "DESTROYED"
	}
	return "UNKNOWN"
}

// Instance is a VM together with its isolation chain and guest channel.
type Instance struct {
	Handle    *sandbox.VmHandle
	Firewall  firewall.Manager
	Server    *channel.Server
	CreatedAt time.Time
	ExpiresAt time.Time

	state     atomic.Int32
	serveDone chan struct{}
	owner     *provisioner

	destroyOnce sync.Once
	destroyErr  error
}

func (i *Instance) ID() string {
	return i.Handle.ID
}

func (i *Instance) State() State {
	return State(i.state.Load())
}

func (i *Instance) setState(state State) {
	i.state.Store(int32(state))
}

// Destroy tears the VM down exactly once: the hypervisor is killed, the
// isolation chain removed, the guest channel closed, the sandbox cleaned up
// and the VM unregistered from the pool. Waiting on guest requests still in
// flight is bounded by ctx. Later calls return the first result.
func (i *Instance) Destroy(ctx context.Context) error {
	i.destroyOnce.Do(func() {
		i.destroyErr = i.teardown(ctx)
		i.setState(StateDestroyed)
	})
	return i.destroyErr
}

func (i *Instance) teardown(ctx context.Context) error {
	var errs []error
	vmLog := log.WithFields(map[string]any{"vm": i.ID()})

	if err := i.Handle.Kill(); err != nil {
		errs = append(errs, fmt.Errorf("failed to kill vm: %w", err))
	}
	if i.Firewall != nil {
		if err := i.Firewall.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to clean up isolation chain: %w", err))
		}
	}
	if i.Server != nil {
		if err := i.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close guest channel: %w", err))
		}
		if i.serveDone != nil {
			select {
			case <-i.serveDone:
			case <-ctx.Done():
			}
		}
	}
	if err := i.owner.launcher.Stop(ctx, i.Handle); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop vm: %w", err))
	}
	i.owner.pool.UnregisterVM(i.ID())

	err := errors.Join(errs...)
	if err != nil {
		vmLog.Errorf("vm destroyed with errors: %v", err)
	} else {
		vmLog.Infof("vm destroyed after %s", time.Since(i.CreatedAt).Round(time.Millisecond))
	}
	return err
}
