package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

const rootDriveID = "rootfs"

// MachineSetup is everything the hypervisor needs before the guest boots.
// Paths are as seen by the hypervisor process, which is relative to the
// chroot when the jailer is used.
type MachineSetup struct {
	KernelPath     string
	RootfsPath     string
	RootfsReadOnly bool
	KernelArgs     string
	VCPUCount      int64
	MemSizeMib     int64
	SMT            bool
	VsockCID       uint32
	VsockUDSPath   string
}

// ControlClient drives a hypervisor through its control API.
type ControlClient interface {
	Configure(ctx context.Context, setup MachineSetup) error
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	CreateSnapshot(ctx context.Context, memPath string, statePath string) error
	LoadSnapshot(ctx context.Context, memPath string, statePath string) error
}

type controlClient struct {
	client  *firecracker.Client
	timeout time.Duration
}

// NewControlClient returns a control client speaking HTTP over the unix
// socket at socketPath.
func NewControlClient(socketPath string, timeout time.Duration, log logger.Logger) ControlClient {
	return &controlClient{
		client:  firecracker.NewClient(socketPath, log.LogrusEntry(), false),
		timeout: timeout,
	}
}

func (c *controlClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *controlClient) Configure(ctx context.Context, setup MachineSetup) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.client.PutMachineConfiguration(ctx, &models.MachineConfiguration{
		VcpuCount:  firecracker.Int64(setup.VCPUCount),
		MemSizeMib: firecracker.Int64(setup.MemSizeMib),
		Smt:        firecracker.Bool(setup.SMT),
	}); err != nil {
		return fmt.Errorf("failed to put machine configuration: %w", err)
	}
	if _, err := c.client.PutGuestBootSource(ctx, &models.BootSource{
		KernelImagePath: firecracker.String(setup.KernelPath),
		BootArgs:        setup.KernelArgs,
	}); err != nil {
		return fmt.Errorf("failed to put boot source: %w", err)
	}
	if _, err := c.client.PutGuestDriveByID(ctx, rootDriveID, &models.Drive{
		DriveID:      firecracker.String(rootDriveID),
		PathOnHost:   firecracker.String(setup.RootfsPath),
		IsRootDevice: firecracker.Bool(true),
		IsReadOnly:   firecracker.Bool(setup.RootfsReadOnly),
	}); err != nil {
		return fmt.Errorf("failed to put root drive: %w", err)
	}
	if _, err := c.client.PutGuestVsock(ctx, &models.Vsock{
		GuestCid: firecracker.Int64(int64(setup.VsockCID)),
		UdsPath:  firecracker.String(setup.VsockUDSPath),
	}); err != nil {
		return fmt.Errorf("failed to put vsock device: %w", err)
	}
	return nil
}

func (c *controlClient) Start(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.client.CreateSyncAction(ctx, &models.InstanceActionInfo{
		ActionType: firecracker.String(models.InstanceActionInfoActionTypeInstanceStart),
	}); err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	return nil
}

func (c *controlClient) Pause(ctx context.Context) error {
	return c.patchState(ctx, models.VMStatePaused)
}

func (c *controlClient) Resume(ctx context.Context) error {
	return c.patchState(ctx, models.VMStateResumed)
}

func (c *controlClient) patchState(ctx context.Context, state string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.client.PatchVM(ctx, &models.VM{State: firecracker.String(state)}); err != nil {
		return fmt.Errorf("failed to change vm state to %s: %w", state, err)
	}
	return nil
}

func (c *controlClient) CreateSnapshot(ctx context.Context, memPath string, statePath string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.client.CreateSnapshot(ctx, &models.SnapshotCreateParams{
		MemFilePath:  firecracker.String(memPath),
		SnapshotPath: firecracker.String(statePath),
		SnapshotType: models.SnapshotCreateParamsSnapshotTypeFull,
	}); err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (c *controlClient) LoadSnapshot(ctx context.Context, memPath string, statePath string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.client.LoadSnapshot(ctx, &models.SnapshotLoadParams{
		MemFilePath:  firecracker.String(memPath),
		SnapshotPath: firecracker.String(statePath),
		ResumeVM:     true,
	}); err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	return nil
}
