package vm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dennishilgert/stockade/internal/app/firewall"
	"github.com/dennishilgert/stockade/internal/app/pool"
	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/logger"
)

var log = logger.NewLogger("stockade.vm")

const DefaultDestroyTimeout = 10 * time.Second

// HandlerFactory returns the channel handler serving the guest of a VM.
type HandlerFactory func(vmID string) channel.Handler

// FirewallFactory returns the isolation manager of a VM.
type FirewallFactory func(vmID string) firewall.Manager

type Options struct {
	Channel        channel.ServerOptions
	DestroyTimeout time.Duration
}

// Provisioner turns pooled capacity into isolated, reachable VMs.
type Provisioner interface {
	// Provision acquires a VM, isolates it and starts serving its guest
	// channel. A VM is never returned before its isolation is configured.
	Provision(ctx context.Context) (*Instance, error)

	// Run provisions a VM, runs task on it with the given timeout and
	// destroys the VM afterwards, also on failure and cancellation.
	Run(ctx context.Context, timeout time.Duration, task func(ctx context.Context, inst *Instance) error) error
}

type provisioner struct {
	pool        pool.Pool
	launcher    sandbox.Launcher
	newFirewall FirewallFactory
	newHandler  HandlerFactory
	opts        Options
}

func NewProvisioner(p pool.Pool, launcher sandbox.Launcher, newFirewall FirewallFactory, newHandler HandlerFactory, opts Options) Provisioner {
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = DefaultDestroyTimeout
	}
	return &provisioner{
		pool:        p,
		launcher:    launcher,
		newFirewall: newFirewall,
		newHandler:  newHandler,
		opts:        opts,
	}
}

func (p *provisioner) Provision(ctx context.Context) (*Instance, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire vm: %w", err)
	}
	vmLog := log.WithFields(map[string]any{"vm": h.ID})

	inst := &Instance{
		Handle:    h,
		CreatedAt: time.Now(),
		owner:     p,
	}
	inst.setState(StateProvisioning)

	fail := func(err error) (*Instance, error) {
		destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.DestroyTimeout)
		defer cancel()
		if destroyErr := inst.Destroy(destroyCtx); destroyErr != nil {
			vmLog.Warnf("cleanup after failed provisioning incomplete: %v", destroyErr)
		}
		return nil, err
	}

	inst.Firewall = p.newFirewall(h.ID)
	if err := inst.Firewall.ConfigureIsolation(ctx); err != nil {
		return fail(fmt.Errorf("failed to isolate vm %s: %w", h.ID, err))
	}

	ln, err := channel.ListenUnix(h.EndpointPath)
	if err != nil {
		return fail(fmt.Errorf("failed to listen for guest of vm %s: %w", h.ID, err))
	}
	if h.Sandboxed {
		// the jailed hypervisor connects to the endpoint as its own user
		sbCfg := h.SandboxConfig()
		if err := os.Lchown(h.EndpointPath, sbCfg.UID, sbCfg.GID); err != nil {
			ln.Close()
			return fail(fmt.Errorf("failed to hand guest endpoint to vm user: %w", err))
		}
	}

	inst.Server = channel.NewServer(p.newHandler(h.ID), p.opts.Channel, map[string]any{"vm": h.ID})
	inst.serveDone = make(chan struct{})
	go func() {
		defer close(inst.serveDone)
		if err := inst.Server.Serve(context.WithoutCancel(ctx), ln); err != nil {
			vmLog.Errorf("guest channel stopped: %v", err)
		}
	}()

	p.pool.RegisterVM(h)
	inst.setState(StateReady)
	vmLog.Infof("vm ready (isolation mode: %s)", inst.Firewall.Mode())
	return inst, nil
}

func (p *provisioner) Run(ctx context.Context, timeout time.Duration, task func(ctx context.Context, inst *Instance) error) error {
	inst, err := p.Provision(ctx)
	if err != nil {
		return err
	}
	defer func() {
		destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.DestroyTimeout)
		defer cancel()
		if err := inst.Destroy(destroyCtx); err != nil {
			log.Errorf("failed to destroy vm %s: %v", inst.ID(), err)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- task(taskCtx, inst)
	}()
	select {
	case err := <-errCh:
		return err
	case <-taskCtx.Done():
		return fmt.Errorf("task on vm %s aborted: %w", inst.ID(), taskCtx.Err())
	}
}
