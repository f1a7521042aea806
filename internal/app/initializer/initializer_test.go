package initializer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/dennishilgert/stockade/pkg/storage"
)

type fakeStorage struct {
	objects    map[string]string
	downloaded []string
	err        error
}

func (f *fakeStorage) DownloadObject(ctx context.Context, bucketName string, objectName string, targetPath string) error {
	if f.err != nil {
		return f.err
	}
	key := bucketName + "/" + objectName
	f.downloaded = append(f.downloaded, key)
	content, ok := f.objects[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
	}
	return os.WriteFile(targetPath, []byte(content), 0o644)
}

func newTestInitializer(t *testing.T, store storage.StorageService) (Initializer, Options) {
	t.Helper()
	dataPath := t.TempDir()
	opts := Options{
		DataPath:     dataPath,
		KernelPath:   filepath.Join(naming.AssetStoragePath(dataPath), "vmlinux"),
		RootfsPath:   filepath.Join(naming.AssetStoragePath(dataPath), "rootfs.ext4"),
		Architecture: "x86_64",
	}
	return NewInitializer(store, opts), opts
}

func TestInitializeDataDir(t *testing.T) {
	in, opts := newTestInitializer(t, nil)
	if err := in.InitializeDataDir(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for _, dir := range []string{
		naming.AssetStoragePath(opts.DataPath),
		naming.SnapshotStoragePath(opts.DataPath),
		naming.ChrootBaseDir(opts.DataPath),
	} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("%s not created: %v", dir, err)
		}
	}
	// idempotent
	if err := in.InitializeDataDir(); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
}

func TestInitializeAssets(t *testing.T) {
	tests := []struct {
		name       string
		objects    map[string]string
		local      []string
		storageErr error
		wantErr    error
		wantFetch  int
	}{
		{
			name: "fetches missing assets",
			objects: map[string]string{
				"stockade-assets/x86_64/vmlinux":     "kernel",
				"stockade-assets/x86_64/rootfs.ext4": "rootfs",
			},
			wantFetch: 2,
		},
		{
			name:    "keeps local assets",
			local:   []string{"vmlinux", "rootfs.ext4"},
			objects: map[string]string{},
		},
		{
			name:      "fetches only what is missing",
			local:     []string{"vmlinux"},
			objects:   map[string]string{"stockade-assets/x86_64/rootfs.ext4": "rootfs"},
			wantFetch: 1,
		},
		{
			name:      "missing object",
			objects:   map[string]string{"stockade-assets/x86_64/vmlinux": "kernel"},
			wantErr:   ErrAssetMissing,
			wantFetch: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStorage{objects: tt.objects, err: tt.storageErr}
			in, opts := newTestInitializer(t, store)
			if err := in.InitializeDataDir(); err != nil {
				t.Fatal(err)
			}
			for _, name := range tt.local {
				if err := os.WriteFile(filepath.Join(naming.AssetStoragePath(opts.DataPath), name), []byte("local"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			err := in.InitializeAssets(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("initialize assets: %v", err)
			}
			if len(store.downloaded) != tt.wantFetch {
				t.Fatalf("fetched %v, want %d objects", store.downloaded, tt.wantFetch)
			}
			if tt.wantErr == nil {
				for _, path := range []string{opts.KernelPath, opts.RootfsPath} {
					if _, err := os.Stat(path); err != nil {
						t.Fatalf("asset %s missing: %v", path, err)
					}
				}
			}
		})
	}
}

func TestInitializeAssetsWithoutStorage(t *testing.T) {
	in, _ := newTestInitializer(t, nil)
	if err := in.InitializeAssets(context.Background()); !errors.Is(err, ErrAssetMissing) {
		t.Fatalf("err %v, want ErrAssetMissing", err)
	}
}

func TestInitializeAssetsStorageFailure(t *testing.T) {
	in, _ := newTestInitializer(t, &fakeStorage{err: errors.New("connection refused")})
	err := in.InitializeAssets(context.Background())
	if err == nil || errors.Is(err, ErrAssetMissing) {
		t.Fatalf("err %v, want a fetch failure", err)
	}
}

func TestInitializeSnapshotStorePrunesStaging(t *testing.T) {
	in, opts := newTestInitializer(t, nil)
	if err := in.InitializeDataDir(); err != nil {
		t.Fatal(err)
	}
	abandoned := filepath.Join(naming.SnapshotStoragePath(opts.DataPath), naming.SnapshotStagingDirName, "half")
	if err := os.MkdirAll(abandoned, 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := in.InitializeSnapshotStore()
	if err != nil {
		t.Fatalf("initialize snapshot store: %v", err)
	}
	if store.Root() != naming.SnapshotStoragePath(opts.DataPath) {
		t.Fatalf("store root %s", store.Root())
	}
	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Fatalf("abandoned staging directory survived: %v", err)
	}
}

func TestPruneScratch(t *testing.T) {
	in, opts := newTestInitializer(t, nil)
	leftovers := []string{
		filepath.Join(naming.ChrootBaseDir(opts.DataPath), "firecracker", "vm-1", "root"),
		filepath.Join(naming.ChrootBaseDir(opts.DataPath), "firecracker", "vm-2"),
		naming.UnjailedDir(opts.DataPath, "vm-3"),
	}
	for _, dir := range leftovers {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	kernel := filepath.Join(naming.AssetStoragePath(opts.DataPath), "vmlinux")
	if err := os.MkdirAll(filepath.Dir(kernel), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(kernel, []byte("kernel"), 0o644); err != nil {
		t.Fatal(err)
	}

	pruned, err := in.PruneScratch()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned %d, want 3", pruned)
	}
	for _, dir := range leftovers {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("%s survived", dir)
		}
	}
	if _, err := os.Stat(kernel); err != nil {
		t.Fatalf("prune touched assets: %v", err)
	}
}
