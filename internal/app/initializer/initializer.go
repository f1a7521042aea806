package initializer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dennishilgert/stockade/internal/app/snapshot"
	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/dennishilgert/stockade/pkg/storage"
	"github.com/dennishilgert/stockade/pkg/utils"
)

var log = logger.NewLogger("stockade.initializer")

// ErrAssetMissing is returned when a guest asset is neither present locally
// nor fetchable.
var ErrAssetMissing = errors.New("guest asset missing")

type Options struct {
	DataPath   string
	KernelPath string
	RootfsPath string
	// Architecture selects the asset variant in the bucket. Empty uses the
	// architecture of the host.
	Architecture string
	Bucket       string
}

type Initializer interface {
	DataPath() string
	InitializeDataDir() error
	InitializeAssets(ctx context.Context) error
	InitializeSnapshotStore() (*snapshot.Store, error)
	PruneScratch() (int, error)
}

type initializer struct {
	opts           Options
	storageService storage.StorageService
}

// NewInitializer creates a new Initializer. Without a storage service missing
// assets are reported instead of fetched.
func NewInitializer(storageService storage.StorageService, opts Options) Initializer {
	if opts.Architecture == "" {
		opts.Architecture = utils.DetectArchitecture().String()
	}
	if opts.Bucket == "" {
		opts.Bucket = naming.StorageAssetBucketName
	}
	return &initializer{
		opts:           opts,
		storageService: storageService,
	}
}

// DataPath returns the data path.
func (i *initializer) DataPath() string {
	return i.opts.DataPath
}

// InitializeDataDir creates the data directory and its fixed subdirectories.
func (i *initializer) InitializeDataDir() error {
	dirs := []string{
		i.opts.DataPath,
		naming.AssetStoragePath(i.opts.DataPath),
		naming.SnapshotStoragePath(i.opts.DataPath),
		naming.ChrootBaseDir(i.opts.DataPath),
	}
	for _, dir := range dirs {
		if err := utils.PrepareDir(dir); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", dir, err)
		}
	}
	return nil
}

// InitializeAssets makes sure kernel and root file system exist locally and
// fetches the missing ones from the asset bucket.
func (i *initializer) InitializeAssets(ctx context.Context) error {
	for _, path := range []string{i.opts.KernelPath, i.opts.RootfsPath} {
		if err := i.initializeAsset(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (i *initializer) initializeAsset(ctx context.Context, path string) error {
	if exists, info := utils.FileExists(path); exists {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("asset %s is not a regular file", path)
		}
		log.Debugf("asset present: %s", path)
		return nil
	}
	if i.storageService == nil {
		return fmt.Errorf("%w: %s (no asset storage configured)", ErrAssetMissing, path)
	}

	objectName := naming.AssetObjectName(i.opts.Architecture, filepath.Base(path))
	log.Infof("fetching asset %s/%s to %s", i.opts.Bucket, objectName, path)
	if err := utils.PrepareDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := i.storageService.DownloadObject(ctx, i.opts.Bucket, objectName, path); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s: %w", ErrAssetMissing, path, err)
		}
		return fmt.Errorf("failed to fetch asset %s: %w", path, err)
	}
	return nil
}

// InitializeSnapshotStore opens the snapshot store and removes what an
// interrupted snapshot creation left behind.
func (i *initializer) InitializeSnapshotStore() (*snapshot.Store, error) {
	store, err := snapshot.NewStore(naming.SnapshotStoragePath(i.opts.DataPath))
	if err != nil {
		return nil, err
	}
	pruned, err := store.Prune()
	if err != nil {
		return nil, fmt.Errorf("failed to prune snapshot store: %w", err)
	}
	if pruned > 0 {
		log.Infof("pruned %d incomplete snapshots", pruned)
	}
	return store, nil
}

// PruneScratch removes the jails and scratch directories of VMs that
// outlived a previous daemon. It must run before the first launch.
func (i *initializer) PruneScratch() (int, error) {
	var errs []error
	pruned := 0

	jailBase := naming.ChrootBaseDir(i.opts.DataPath)
	execDirs, err := os.ReadDir(jailBase)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to read jail base: %w", err)
	}
	for _, execDir := range execDirs {
		if !execDir.IsDir() {
			continue
		}
		n, err := removeChildren(filepath.Join(jailBase, execDir.Name()))
		pruned += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	n, err := removeChildren(naming.UnjailedBaseDir(i.opts.DataPath))
	pruned += n
	if err != nil {
		errs = append(errs, err)
	}

	if pruned > 0 {
		log.Warnf("removed %d leftover vm directories", pruned)
	}
	return pruned, errors.Join(errs...)
}

func removeChildren(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var errs []error
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
