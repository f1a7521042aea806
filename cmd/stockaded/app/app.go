package app

import (
	"os"

	"github.com/dennishilgert/stockade/cmd/stockaded/config"
	"github.com/dennishilgert/stockade/internal/app/manager"
	"github.com/dennishilgert/stockade/pkg/concurrency/runner"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/dennishilgert/stockade/pkg/signals"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var log = logger.NewLogger("stockade.daemon")

// Version is set at build time.
var Version = "dev"

var rootCommand = &cobra.Command{
	Use:   "stockaded",
	Short: "Sandboxed micro-VM daemon",
	Long:  "Keeps a pool of snapshotted micro-VMs and hands out isolated VMs on request",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger.ReadAndApply(cmd, log)
		run()
	},
}

var logFlags = logger.ParseFlags()

func init() {
	rootCommand.Flags().AddFlagSet(logFlags.FlagSet())
}

// Run starts the daemon.
func Run() {
	if err := rootCommand.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run() {
	// Load environment variables from .env file for local development.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	firewallMode, err := cfg.FirewallModeValue()
	if err != nil {
		log.Fatal(err)
	}

	log.Infof("starting stockade daemon -- version %s", Version)

	ctx := signals.Context()
	daemon, err := manager.NewManager(
		ctx,
		manager.Options{
			ApiPort:                 cfg.ApiPort,
			ApiAddress:              cfg.ApiAddress,
			DataPath:                cfg.DataPath,
			Vm:                      cfg.VmConfig(),
			Sandbox:                 cfg.SandboxConfig(),
			PoolSize:                cfg.PoolSize,
			MaxSnapshotAge:          cfg.MaxSnapshotAge,
			RefreshInterval:         cfg.RefreshInterval,
			RefreshCheckInterval:    cfg.RefreshCheckInterval,
			RefreshTimeout:          cfg.RefreshTimeout,
			MaxConcurrentColdStarts: cfg.MaxConcurrentColdStarts,
			BootSettle:              cfg.BootSettle,
			FirewallMode:            firewallMode,
			FirewallInterface:       cfg.FirewallInterface,
			Channel:                 cfg.ChannelOptions(),
			DefaultVmTTL:            cfg.DefaultVmTTL,
			ExpiryInterval:          cfg.ExpiryInterval,
			DestroyTimeout:          cfg.DestroyTimeout,
			ApprovalBackend:         cfg.ApprovalBackend,
			ApprovedActions:         cfg.ApprovedActions,
			ApprovalTimeout:         cfg.ApprovalTimeout,
			CacheAddress:            cfg.CacheAddress,
			CacheUsername:           cfg.CacheUsername,
			CachePassword:           cfg.CachePassword,
			CacheDatabase:           cfg.CacheDatabase,
			StorageEndpoint:         cfg.StorageEndpoint,
			StorageAccessKeyId:      cfg.StorageAccessKeyId,
			StorageSecretAccessKey:  cfg.StorageSecretAccessKey,
			StorageUseSSL:           cfg.StorageUseSSL,
			StorageBucket:           cfg.StorageBucket,
		},
	)
	if err != nil {
		log.Fatalf("error while creating daemon: %v", err)
	}

	err = runner.NewRunnerManager(
		daemon.Run,
	).Run(ctx)
	if err != nil {
		log.Fatalf("error while running daemon: %v", err)
	}

	log.Info("daemon shut down gracefully")
}
