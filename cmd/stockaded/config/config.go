package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dennishilgert/stockade/internal/app/firewall"
	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/configuration"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DefaultKernelFileName = "vmlinux"
	DefaultRootfsFileName = "rootfs.ext4"
)

type Config struct {
	ApiPort    int `validate:"min=1,max=65535"`
	ApiAddress string
	DataPath   string `validate:"required"`

	FirecrackerBinaryPath string `validate:"required"`
	JailerBinaryPath      string
	KernelPath            string
	RootfsPath            string
	RootfsReadOnly        bool
	KernelArgs            string
	VcpuCount             int64 `validate:"min=1,max=32"`
	MemSizeMib            int64 `validate:"min=1"`
	Smt                   bool
	GuestCid              uint32 `validate:"min=3"`
	ChannelPort           uint32 `validate:"min=1"`

	SandboxUid           int    `validate:"min=0"`
	SandboxGid           int    `validate:"min=0"`
	SandboxMemoryLimitMb uint64 `validate:"min=128"`
	SandboxCpuShares     uint64
	SandboxNumaNode      int    `validate:"min=-1"`
	CgroupVersion        string `validate:"oneof=1 2"`
	NetNS                string
	SeccompFilter        string

	PoolSize                int `validate:"min=0"`
	MaxSnapshotAge          time.Duration
	RefreshInterval         time.Duration
	RefreshCheckInterval    time.Duration
	RefreshTimeout          time.Duration
	MaxConcurrentColdStarts int `validate:"min=1"`
	BootSettle              time.Duration

	FirewallMode      string `validate:"oneof=enforce test disabled"`
	FirewallInterface string

	ChannelFrameTimeout   time.Duration
	ChannelIdleTimeout    time.Duration
	ChannelHandlerTimeout time.Duration

	DefaultVmTTL   time.Duration
	ExpiryInterval time.Duration
	DestroyTimeout time.Duration

	ApprovalBackend string `validate:"oneof=static redis"`
	ApprovedActions []string
	ApprovalTimeout time.Duration

	CacheAddress  string `validate:"required_if=ApprovalBackend redis"`
	CacheUsername string
	CachePassword string
	CacheDatabase int

	StorageEndpoint        string
	StorageAccessKeyId     string `validate:"required_with=StorageEndpoint"`
	StorageSecretAccessKey string `validate:"required_with=StorageEndpoint"`
	StorageUseSSL          bool
	StorageBucket          string
}

// Load loads the configuration from the environment.
func Load() (*Config, error) {
	var config Config

	// automatically load environment variables that match
	viper.AutomaticEnv()
	viper.SetEnvPrefix("STOCKADE")

	bindings := []struct {
		key        string
		env        string
		defaultVal any
	}{
		{"ApiPort", "STOCKADE_API_PORT", 8080},
		{"ApiAddress", "STOCKADE_API_ADDRESS", "127.0.0.1"},
		{"DataPath", "STOCKADE_DATA_PATH", "/var/lib/stockade"},

		{"FirecrackerBinaryPath", "STOCKADE_FC_BINARY_PATH", nil},
		{"JailerBinaryPath", "STOCKADE_JAILER_BINARY_PATH", ""},
		{"KernelPath", "STOCKADE_KERNEL_PATH", ""},
		{"RootfsPath", "STOCKADE_ROOTFS_PATH", ""},
		{"RootfsReadOnly", "STOCKADE_ROOTFS_READ_ONLY", true},
		{"KernelArgs", "STOCKADE_KERNEL_ARGS", ""},
		{"VcpuCount", "STOCKADE_VCPU_COUNT", 1},
		{"MemSizeMib", "STOCKADE_MEM_SIZE_MIB", 128},
		{"Smt", "STOCKADE_SMT", false},
		{"GuestCid", "STOCKADE_GUEST_CID", sandbox.DefaultGuestCID},
		{"ChannelPort", "STOCKADE_CHANNEL_PORT", channel.DefaultPort},

		{"SandboxUid", "STOCKADE_SANDBOX_UID", 0},
		{"SandboxGid", "STOCKADE_SANDBOX_GID", 0},
		{"SandboxMemoryLimitMb", "STOCKADE_SANDBOX_MEMORY_LIMIT_MB", 256},
		{"SandboxCpuShares", "STOCKADE_SANDBOX_CPU_SHARES", 0},
		{"SandboxNumaNode", "STOCKADE_SANDBOX_NUMA_NODE", -1},
		{"CgroupVersion", "STOCKADE_CGROUP_VERSION", sandbox.DefaultCgroupVersion},
		{"NetNS", "STOCKADE_NETNS", ""},
		{"SeccompFilter", "STOCKADE_SECCOMP_FILTER", ""},

		{"PoolSize", "STOCKADE_POOL_SIZE", 3},
		{"MaxSnapshotAge", "STOCKADE_MAX_SNAPSHOT_AGE", "1h"},
		{"RefreshInterval", "STOCKADE_REFRESH_INTERVAL", "5m"},
		{"RefreshCheckInterval", "STOCKADE_REFRESH_CHECK_INTERVAL", "10s"},
		{"RefreshTimeout", "STOCKADE_REFRESH_TIMEOUT", "5m"},
		{"MaxConcurrentColdStarts", "STOCKADE_MAX_CONCURRENT_COLD_STARTS", 2},
		{"BootSettle", "STOCKADE_BOOT_SETTLE", "500ms"},

		{"FirewallMode", "STOCKADE_FIREWALL_MODE", "enforce"},
		{"FirewallInterface", "STOCKADE_FIREWALL_INTERFACE", ""},

		{"ChannelFrameTimeout", "STOCKADE_CHANNEL_FRAME_TIMEOUT", "5s"},
		{"ChannelIdleTimeout", "STOCKADE_CHANNEL_IDLE_TIMEOUT", "0s"},
		{"ChannelHandlerTimeout", "STOCKADE_CHANNEL_HANDLER_TIMEOUT", "5m"},

		{"DefaultVmTTL", "STOCKADE_DEFAULT_VM_TTL", "10m"},
		{"ExpiryInterval", "STOCKADE_EXPIRY_INTERVAL", "1s"},
		{"DestroyTimeout", "STOCKADE_DESTROY_TIMEOUT", "10s"},

		{"ApprovalBackend", "STOCKADE_APPROVAL_BACKEND", "static"},
		{"ApprovedActions", "STOCKADE_APPROVED_ACTIONS", ""},
		{"ApprovalTimeout", "STOCKADE_APPROVAL_TIMEOUT", "5m"},

		{"CacheAddress", "STOCKADE_CACHE_ADDRESS", ""},
		{"CacheUsername", "STOCKADE_CACHE_USERNAME", ""},
		{"CachePassword", "STOCKADE_CACHE_PASSWORD", ""},
		{"CacheDatabase", "STOCKADE_CACHE_DATABASE", 0},

		{"StorageEndpoint", "STOCKADE_STORAGE_ENDPOINT", ""},
		{"StorageAccessKeyId", "STOCKADE_STORAGE_ACCESS_KEY_ID", ""},
		{"StorageSecretAccessKey", "STOCKADE_STORAGE_SECRET_ACCESS_KEY", ""},
		{"StorageUseSSL", "STOCKADE_STORAGE_USE_SSL", false},
		{"StorageBucket", "STOCKADE_STORAGE_BUCKET", naming.StorageAssetBucketName},
	}
	for _, b := range bindings {
		if err := configuration.Bind(b.key, b.env, b.defaultVal); err != nil {
			return nil, err
		}
	}

	// unmarshalling the Config struct
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	if config.KernelPath == "" {
		config.KernelPath = filepath.Join(naming.AssetStoragePath(config.DataPath), DefaultKernelFileName)
	}
	if config.RootfsPath == "" {
		config.RootfsPath = filepath.Join(naming.AssetStoragePath(config.DataPath), DefaultRootfsFileName)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// VmConfig returns the guest configuration every VM of the pool boots with.
func (c *Config) VmConfig() sandbox.VmConfig {
	return sandbox.VmConfig{
		KernelImagePath: c.KernelPath,
		RootfsPath:      c.RootfsPath,
		RootfsReadOnly:  c.RootfsReadOnly,
		KernelArgs:      c.KernelArgs,
		VCPUCount:       c.VcpuCount,
		MemSizeMib:      c.MemSizeMib,
		SMT:             c.Smt,
		GuestCID:        c.GuestCid,
		ChannelPort:     c.ChannelPort,
	}
}

// SandboxConfig returns the sandbox template. The VM id is set per launch.
func (c *Config) SandboxConfig() sandbox.SandboxConfig {
	cfg := sandbox.SandboxConfig{
		ExecFile:      c.FirecrackerBinaryPath,
		JailerBinary:  c.JailerBinaryPath,
		UID:           c.SandboxUid,
		GID:           c.SandboxGid,
		CgroupVersion: c.CgroupVersion,
		CPUCount:      uint(c.VcpuCount),
		CPUShares:     c.SandboxCpuShares,
		MemoryLimitMB: c.SandboxMemoryLimitMb,
		NetNS:         c.NetNS,
		SeccompFilter: c.SeccompFilter,
	}
	if c.SandboxNumaNode >= 0 {
		node := c.SandboxNumaNode
		cfg.NUMANode = &node
	}
	return cfg
}

// ChannelOptions returns the options of the per VM guest channel servers.
func (c *Config) ChannelOptions() channel.ServerOptions {
	return channel.ServerOptions{
		FrameTimeout:   c.ChannelFrameTimeout,
		IdleTimeout:    c.ChannelIdleTimeout,
		HandlerTimeout: c.ChannelHandlerTimeout,
	}
}

// FirewallModeValue parses the configured isolation mode.
func (c *Config) FirewallModeValue() (firewall.Mode, error) {
	return firewall.ParseMode(c.FirewallMode)
}
