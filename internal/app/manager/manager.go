package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/dennishilgert/stockade/internal/app/api"
	"github.com/dennishilgert/stockade/internal/app/approval"
	"github.com/dennishilgert/stockade/internal/app/firewall"
	"github.com/dennishilgert/stockade/internal/app/initializer"
	"github.com/dennishilgert/stockade/internal/app/pool"
	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/internal/app/snapshot"
	"github.com/dennishilgert/stockade/internal/app/vm"
	"github.com/dennishilgert/stockade/internal/pkg/cache"
	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/concurrency/runner"
	"github.com/dennishilgert/stockade/pkg/health"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/dennishilgert/stockade/pkg/metrics"
	"github.com/dennishilgert/stockade/pkg/storage"
)

var log = logger.NewLogger("stockade.manager")

const (
	ApprovalBackendStatic = "static"
	ApprovalBackendRedis  = "redis"
)

type Options struct {
	ApiPort    int
	ApiAddress string
	DataPath   string

	Vm      sandbox.VmConfig
	Sandbox sandbox.SandboxConfig

	PoolSize                int
	MaxSnapshotAge          time.Duration
	RefreshInterval         time.Duration
	RefreshCheckInterval    time.Duration
	RefreshTimeout          time.Duration
	MaxConcurrentColdStarts int
	BootSettle              time.Duration

	FirewallMode      firewall.Mode
	FirewallInterface string

	Channel         channel.ServerOptions
	DefaultVmTTL    time.Duration
	ExpiryInterval  time.Duration
	DestroyTimeout  time.Duration
	ApprovalBackend string
	ApprovedActions []string
	ApprovalTimeout time.Duration

	CacheAddress  string
	CacheUsername string
	CachePassword string
	CacheDatabase int

	StorageEndpoint        string
	StorageAccessKeyId     string
	StorageSecretAccessKey string
	StorageUseSSL          bool
	StorageBucket          string
}

type Manager interface {
	Run(ctx context.Context) error
}

type manager struct {
	opts           Options
	initializer    initializer.Initializer
	pool           pool.Pool
	refresher      pool.Refresher
	tracker        *vm.Tracker
	cacheClient    cache.CacheClient
	apiServer      api.RestServer
	healthProvider health.Provider
}

// NewManager wires the daemon. The data directory is prepared right away so
// that leftovers of a previous run are gone before anything is launched.
func NewManager(ctx context.Context, opts Options) (Manager, error) {
	var storageService storage.StorageService
	if opts.StorageEndpoint != "" {
		var err error
		storageService, err = storage.NewStorageService(storage.Options{
			Endpoint:        opts.StorageEndpoint,
			AccessKeyId:     opts.StorageAccessKeyId,
			SecretAccessKey: opts.StorageSecretAccessKey,
			UseSSL:          opts.StorageUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("error while creating storage service: %w", err)
		}
	}

	assetInitializer := initializer.NewInitializer(
		storageService,
		initializer.Options{
			DataPath:   opts.DataPath,
			KernelPath: opts.Vm.KernelImagePath,
			RootfsPath: opts.Vm.RootfsPath,
			Bucket:     opts.StorageBucket,
		},
	)
	if err := assetInitializer.InitializeDataDir(); err != nil {
		return nil, fmt.Errorf("error while initializing data directory: %w", err)
	}
	if _, err := assetInitializer.PruneScratch(); err != nil {
		return nil, fmt.Errorf("error while removing leftover vm directories: %w", err)
	}
	store, err := assetInitializer.InitializeSnapshotStore()
	if err != nil {
		return nil, fmt.Errorf("error while initializing snapshot store: %w", err)
	}

	metricsService := metrics.NewMetricsService(opts.DataPath)

	launcher := sandbox.NewLauncher(
		sandbox.Options{
			DataPath: opts.DataPath,
		},
		metricsService,
	)

	snapshotter := snapshot.NewSnapshotter(
		store,
		launcher,
		snapshot.Options{
			VmConfig:      opts.Vm,
			SandboxConfig: opts.Sandbox,
			BootSettle:    opts.BootSettle,
		},
	)

	vmPool := pool.NewPool(
		snapshotter,
		pool.Options{
			Size:                    opts.PoolSize,
			MaxSnapshotAge:          opts.MaxSnapshotAge,
			RefreshInterval:         opts.RefreshInterval,
			MaxConcurrentColdStarts: opts.MaxConcurrentColdStarts,
		},
	)

	refresher := pool.NewRefresher(
		vmPool,
		pool.RefresherOptions{
			CheckInterval: opts.RefreshCheckInterval,
			Timeout:       opts.RefreshTimeout,
		},
	)

	var cacheClient cache.CacheClient
	var decider approval.Decider
	switch opts.ApprovalBackend {
	case ApprovalBackendRedis:
		cacheClient = cache.NewCacheClient(cache.Options{
			Address:  opts.CacheAddress,
			Username: opts.CacheUsername,
			Password: opts.CachePassword,
			Database: opts.CacheDatabase,
		})
		decider = approval.NewRedisDecider(cacheClient.Client(), opts.ApprovalTimeout)
	case ApprovalBackendStatic, "":
		decider = approval.NewStaticDecider(opts.ApprovedActions)
	default:
		return nil, fmt.Errorf("unknown approval backend: %s", opts.ApprovalBackend)
	}

	provisioner := vm.NewProvisioner(
		vmPool,
		launcher,
		func(vmID string) firewall.Manager {
			return firewall.NewManager(vmID, firewall.Options{
				Mode:      opts.FirewallMode,
				Interface: opts.FirewallInterface,
			})
		},
		func(vmID string) channel.Handler {
			return approval.NewChannelHandler(vmID, decider)
		},
		vm.Options{
			Channel:        opts.Channel,
			DestroyTimeout: opts.DestroyTimeout,
		},
	)

	tracker := vm.NewTracker(opts.DestroyTimeout)

	healthTargets := 1
	if cacheClient != nil {
		healthTargets++
	}
	healthProvider := health.NewHealthStatusProvider(health.ProviderOptions{
		Targets: healthTargets,
	})

	apiServer := api.NewRestServer(
		api.Dependencies{
			Pool:           vmPool,
			Provisioner:    provisioner,
			Tracker:        tracker,
			Metrics:        metricsService,
			Health:         healthProvider,
			DefaultTTL:     opts.DefaultVmTTL,
			DestroyTimeout: opts.DestroyTimeout,
		},
		api.Options{
			ApiPort:    opts.ApiPort,
			ApiAddress: opts.ApiAddress,
		},
	)

	return &manager{
		opts:           opts,
		initializer:    assetInitializer,
		pool:           vmPool,
		refresher:      refresher,
		tracker:        tracker,
		cacheClient:    cacheClient,
		apiServer:      apiServer,
		healthProvider: healthProvider,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled. Tracked VMs are
// destroyed on the way out.
func (m *manager) Run(ctx context.Context) error {
	log.Info("stockade daemon is starting")

	defer func() {
		if m.cacheClient == nil {
			return
		}
		if err := m.cacheClient.Close(); err != nil {
			log.Errorf("failed to close cache client: %v", err)
		}
	}()

	runners := []runner.Runner{
		runner.Named("pool", func(ctx context.Context) error {
			log.Info("preparing guest assets")
			if err := m.initializer.InitializeAssets(ctx); err != nil {
				log.Errorf("failed to initialize guest assets: %v", err)
				return err
			}
			log.Info("filling vm pool")
			if err := m.pool.Initialize(ctx); err != nil {
				log.Errorf("failed to initialize pool: %v", err)
				return err
			}
			m.healthProvider.Ready()
			log.Info("vm pool initialized")

			return m.refresher.Run(ctx)
		}),
		runner.Named("tracker", func(ctx context.Context) error {
			interval := m.opts.ExpiryInterval
			if interval <= 0 {
				interval = time.Second
			}
			return m.tracker.Run(ctx, interval)
		}),
		runner.Named("api", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				log.Info("shutting down api server")
				if err := m.apiServer.Shutdown(); err != nil {
					log.Errorf("failed to shut down api server: %v", err)
				}
			}()
			if err := m.apiServer.Run(); err != nil {
				log.Errorf("failed to start api server: %v", err)
				return err
			}
			return nil
		}),
	}

	if m.cacheClient != nil {
		runners = append(runners, runner.Named("cache", func(ctx context.Context) error {
			log.Info("establishing connection to cache")
			if err := m.cacheClient.Ping(ctx); err != nil {
				log.Errorf("failed to establish connection to cache: %v", err)
				return err
			}
			m.healthProvider.Ready()
			log.Info("connection to cache established")

			<-ctx.Done()
			return nil
		}))
	}

	return runner.NewRunnerManager(runners...).Run(ctx)
}
