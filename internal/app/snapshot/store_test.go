package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dennishilgert/stockade/internal/pkg/naming"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "snapshots"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// stageFiles stages a snapshot with both image files present.
func stageFiles(t *testing.T, store *Store, id string) string {
	t.Helper()
	dir, err := store.Stage(id)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	for _, name := range []string{naming.SnapshotMemFileName, naming.SnapshotStateFileName} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o640); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestStoreCommitPublishes(t *testing.T) {
	store := newTestStore(t)
	stageFiles(t, store, "snap-1")

	if store.Exists("snap-1") {
		t.Fatal("staged snapshot must not be visible before commit")
	}

	snap, err := store.Commit(Metadata{ID: "snap-1", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !store.Exists("snap-1") {
		t.Fatal("committed snapshot not visible")
	}
	if snap.SizeBytes == 0 {
		t.Fatal("snapshot size not recorded")
	}
	if snap.FormatVersion != FormatVersion {
		t.Fatalf("format version %d, want %d", snap.FormatVersion, FormatVersion)
	}

	got, err := store.Get("snap-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MemFilePath != filepath.Join(store.Root(), "snap-1", naming.SnapshotMemFileName) {
		t.Fatalf("unexpected memory file path: %s", got.MemFilePath)
	}
}

func TestStoreCommitRequiresBothFiles(t *testing.T) {
	store := newTestStore(t)
	dir, err := store.Stage("snap-partial")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, naming.SnapshotMemFileName), []byte("mem"), 0o640); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Commit(Metadata{ID: "snap-partial"}); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected incomplete error, got %v", err)
	}
	if store.Exists("snap-partial") {
		t.Fatal("partial snapshot became visible")
	}
}

func TestStoreIncompleteSnapshotIsNotPresent(t *testing.T) {
	store := newTestStore(t)
	stageFiles(t, store, "snap-1")
	snap, err := store.Commit(Metadata{ID: "snap-1", CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(snap.StateFilePath); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get("snap-1"); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected incomplete error, got %v", err)
	}
	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("incomplete snapshot listed: %d entries", len(list))
	}
}

func TestStoreListOrdersByCreation(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		stageFiles(t, store, id)
		if _, err := store.Commit(Metadata{ID: id, CreatedAt: now.Add(time.Duration(-i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, snap := range list {
		ids = append(ids, snap.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected order: %v", ids)
	}
}

func TestStoreDeleteAndPrune(t *testing.T) {
	store := newTestStore(t)
	stageFiles(t, store, "keep")
	if _, err := store.Commit(Metadata{ID: "keep", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	stageFiles(t, store, "gone")
	if _, err := store.Commit(Metadata{ID: "gone", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Exists("gone") {
		t.Fatal("deleted snapshot still present")
	}
	if err := store.Delete("gone"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	stageFiles(t, store, "abandoned")
	if err := os.Mkdir(filepath.Join(store.Root(), "broken"), 0o750); err != nil {
		t.Fatal(err)
	}

	pruned, err := store.Prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned entries, got %d", pruned)
	}
	if !store.Exists("keep") {
		t.Fatal("prune removed a complete snapshot")
	}
}

func TestStoreRejectsInvalidIDs(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Stage("../outside"); err == nil {
		t.Fatal("expected invalid id to be rejected")
	}
	if err := store.Delete(naming.SnapshotStagingDirName); err == nil {
		t.Fatal("expected staging directory to be protected")
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSnapshotIsStale(t *testing.T) {
	snap := &Snapshot{Metadata: Metadata{CreatedAt: time.Now().Add(-time.Hour)}}
	if !snap.IsStale(time.Minute) {
		t.Fatal("expected hour old snapshot to be stale")
	}
	if snap.IsStale(2 * time.Hour) {
		t.Fatal("expected snapshot to be fresh")
	}
	if snap.IsStale(0) {
		t.Fatal("zero max age must never expire")
	}
}
