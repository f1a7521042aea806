package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/dennishilgert/stockade/pkg/utils"
)

var (
	ErrNotFound   = errors.New("snapshot not found")
	ErrIncomplete = errors.New("snapshot incomplete")
)

// Store keeps snapshots on disk, one directory per snapshot:
//
//	<root>/<id>/memory.snap
//	<root>/<id>/vmstate.snap
//	<root>/<id>/metadata.json
//
// Snapshots are assembled below <root>/.staging and published with a
// single rename, so a snapshot directory is either complete or absent.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := utils.PrepareDir(filepath.Join(root, naming.SnapshotStagingDirName)); err != nil {
		return nil, fmt.Errorf("failed to prepare snapshot store: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) stagingDir(id string) string {
	return filepath.Join(s.root, naming.SnapshotStagingDirName, id)
}

// Stage creates the staging directory for a new snapshot and returns it.
func (s *Store) Stage(id string) (string, error) {
	if !utils.IsValidName(id) {
		return "", fmt.Errorf("invalid snapshot id: %q", id)
	}
	dir := s.stagingDir(id)
	if err := os.Mkdir(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// Commit writes the metadata of a staged snapshot and publishes it.
func (s *Store) Commit(meta Metadata) (*Snapshot, error) {
	staging := s.stagingDir(meta.ID)
	for _, name := range []string{naming.SnapshotMemFileName, naming.SnapshotStateFileName} {
		if exists, _ := utils.FileExists(filepath.Join(staging, name)); !exists {
			return nil, fmt.Errorf("%w: %s missing in staging", ErrIncomplete, name)
		}
	}
	size, err := utils.DirSize(staging)
	if err != nil {
		return nil, fmt.Errorf("failed to measure snapshot: %w", err)
	}
	meta.SizeBytes = size
	if meta.FormatVersion == 0 {
		meta.FormatVersion = FormatVersion
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(staging, naming.SnapshotMetadataFileName), data, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}
	if err := os.Rename(staging, s.dir(meta.ID)); err != nil {
		return nil, fmt.Errorf("failed to publish snapshot: %w", err)
	}
	if err := utils.SyncDir(s.root); err != nil {
		return nil, fmt.Errorf("failed to sync snapshot store: %w", err)
	}
	return s.snapshot(meta), nil
}

// Abort removes a staged snapshot that will not be committed.
func (s *Store) Abort(id string) error {
	return os.RemoveAll(s.stagingDir(id))
}

func (s *Store) snapshot(meta Metadata) *Snapshot {
	dir := s.dir(meta.ID)
	return &Snapshot{
		Metadata:      meta,
		Dir:           dir,
		MemFilePath:   filepath.Join(dir, naming.SnapshotMemFileName),
		StateFilePath: filepath.Join(dir, naming.SnapshotStateFileName),
	}
}

// Get reads a published snapshot.
func (s *Store) Get(id string) (*Snapshot, error) {
	if !utils.IsValidName(id) || id == naming.SnapshotStagingDirName {
		return nil, ErrNotFound
	}
	dir := s.dir(id)
	if exists, info := utils.FileExists(dir); !exists || !utils.IsDir(info) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(dir, naming.SnapshotMetadataFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: malformed metadata: %v", ErrIncomplete, err)
	}
	if meta.ID != id {
		return nil, fmt.Errorf("%w: metadata belongs to %s", ErrIncomplete, meta.ID)
	}
	snap := s.snapshot(meta)
	for _, p := range []string{snap.MemFilePath, snap.StateFilePath} {
		if exists, _ := utils.FileExists(p); !exists {
			return nil, fmt.Errorf("%w: %s missing", ErrIncomplete, filepath.Base(p))
		}
	}
	return snap, nil
}

// Exists reports whether a complete snapshot with the given id is present.
func (s *Store) Exists(id string) bool {
	_, err := s.Get(id)
	return err == nil
}

// List returns all complete snapshots, oldest first. Incomplete entries
// are skipped.
func (s *Store) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot store: %w", err)
	}
	snapshots := make([]*Snapshot, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		snap, err := s.Get(entry.Name())
		if err != nil {
			log.Warnf("skipping snapshot %s: %v", entry.Name(), err)
			continue
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Delete removes a snapshot. The metadata goes first so that an interrupted
// delete leaves an incomplete entry behind, never a usable one.
func (s *Store) Delete(id string) error {
	if !utils.IsValidName(id) || id == naming.SnapshotStagingDirName {
		return fmt.Errorf("invalid snapshot id: %q", id)
	}
	dir := s.dir(id)
	if err := os.Remove(filepath.Join(dir, naming.SnapshotMetadataFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove snapshot metadata: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}

// Prune removes abandoned staging directories and incomplete snapshots. It
// must only run while no snapshot is being created.
func (s *Store) Prune() (int, error) {
	var errs []error
	pruned := 0

	staging, err := os.ReadDir(filepath.Join(s.root, naming.SnapshotStagingDirName))
	if err != nil {
		return 0, fmt.Errorf("failed to read staging directory: %w", err)
	}
	for _, entry := range staging {
		if err := os.RemoveAll(s.stagingDir(entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned++
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return pruned, fmt.Errorf("failed to read snapshot store: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := s.Get(entry.Name()); errors.Is(err, ErrIncomplete) {
			if err := os.RemoveAll(s.dir(entry.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			pruned++
		}
	}
	return pruned, errors.Join(errs...)
}
