package sandbox

import (
	"fmt"

	"github.com/dennishilgert/stockade/internal/pkg/network"
	"github.com/dennishilgert/stockade/pkg/utils"
	"github.com/go-playground/validator/v10"
)

const (
	// MinMemoryLimitMB is the smallest memory limit a sandbox may be given.
	MinMemoryLimitMB = 128

	DefaultCgroupVersion = "2"
	DefaultGuestCID      = 3
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// VmConfig describes the guest: what it boots and how big it is.
type VmConfig struct {
	KernelImagePath string `json:"kernelImagePath" validate:"required"`
	RootfsPath      string `json:"rootfsPath" validate:"required"`
	KernelArgs      string `json:"kernelArgs"`
	VCPUCount       int64  `json:"vcpuCount" validate:"min=1,max=32"`
	MemSizeMib      int64  `json:"memSizeMib" validate:"min=1"`
	SMT             bool   `json:"smt"`

	// RootfsReadOnly lets every VM share one root file system image through a
	// hard link. A writable root file system is copied per VM.
	RootfsReadOnly bool `json:"rootfsReadOnly"`

	GuestCID    uint32 `json:"guestCid" validate:"min=3"`
	ChannelPort uint32 `json:"channelPort" validate:"min=1"`
}

// BlkioThrottle limits the block device bandwidth of a sandbox.
type BlkioThrottle struct {
	// Device is the major:minor number of the throttled block device.
	Device           string `json:"device" validate:"required"`
	ReadBytesPerSec  uint64 `json:"readBytesPerSec"`
	WriteBytesPerSec uint64 `json:"writeBytesPerSec"`
}

// SandboxConfig describes the host side confinement of a VM.
type SandboxConfig struct {
	ID            string         `json:"id" validate:"required,max=64"`
	ExecFile      string         `json:"execFile" validate:"required"`
	JailerBinary  string         `json:"jailerBinary"`
	ChrootBaseDir string         `json:"chrootBaseDir"`
	UID           int            `json:"uid" validate:"min=0"`
	GID           int            `json:"gid" validate:"min=0"`
	NUMANode      *int           `json:"numaNode,omitempty" validate:"omitempty,min=0"`
	CgroupVersion string         `json:"cgroupVersion" validate:"omitempty,oneof=1 2"`
	CPUCount      uint           `json:"cpuCount"`
	CPUShares     uint64         `json:"cpuShares"`
	MemoryLimitMB uint64         `json:"memoryLimitMb"`
	Blkio         *BlkioThrottle `json:"blkio,omitempty"`
	NetNS         string         `json:"netns,omitempty"`
	SeccompFilter string         `json:"seccompFilter,omitempty"`
}

// Validate checks the sandbox configuration. A missing jailer is not an
// error; the launcher falls back to running the hypervisor unconfined.
func (c SandboxConfig) Validate() error {
	if c.CPUCount == 0 {
		return fmt.Errorf("CPU count must be greater than zero")
	}
	if c.MemoryLimitMB < MinMemoryLimitMB {
		return fmt.Errorf("memory limit of %d MB is below the minimum of %d MB", c.MemoryLimitMB, MinMemoryLimitMB)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid sandbox configuration: %w", err)
	}
	if !utils.IsValidName(c.ID) {
		return fmt.Errorf("sandbox id %q is not a valid path element", c.ID)
	}
	if ok, err := utils.IsExecutable(c.ExecFile); !ok {
		return fmt.Errorf("hypervisor binary %s is not executable: %w", c.ExecFile, err)
	}
	if c.NetNS != "" {
		if err := network.ValidateNetNS(c.NetNS); err != nil {
			return err
		}
	}
	if c.SeccompFilter != "" {
		if exists, _ := utils.FileExists(c.SeccompFilter); !exists {
			return fmt.Errorf("seccomp filter %s does not exist", c.SeccompFilter)
		}
	}
	return nil
}

func (c SandboxConfig) cgroupVersion() string {
	if c.CgroupVersion == "" {
		return DefaultCgroupVersion
	}
	return c.CgroupVersion
}

// WithID returns a copy of the configuration for another VM.
func (c SandboxConfig) WithID(id string) SandboxConfig {
	c.ID = id
	return c
}

// Validate checks the guest configuration and that the boot assets exist.
func (c VmConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid vm configuration: %w", err)
	}
	return c.validateAssets()
}

func (c VmConfig) validateAssets() error {
	if exists, _ := utils.FileExists(c.KernelImagePath); !exists {
		return fmt.Errorf("kernel image %s does not exist", c.KernelImagePath)
	}
	if exists, _ := utils.FileExists(c.RootfsPath); !exists {
		return fmt.Errorf("root file system %s does not exist", c.RootfsPath)
	}
	return nil
}

// bootArgs returns the kernel command line of the guest.
func (c VmConfig) bootArgs() string {
	if c.KernelArgs != "" {
		return c.KernelArgs
	}
	return NewKernelArgsBuilder().
		WithConsole("ttyS0").
		WithReboot("k").
		WithPanic(1).
		WithPci("off").
		WithNoModules(true).
		WithChannelPort(c.ChannelPort).
		Build()
}
