package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/dennishilgert/stockade/pkg/defers"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/dennishilgert/stockade/pkg/utils"
	"github.com/google/uuid"
)

var log = logger.NewLogger("stockade.snapshot")

const (
	DefaultBootSettle = 500 * time.Millisecond

	stopTimeout = 5 * time.Second
)

type Options struct {
	VmConfig      sandbox.VmConfig
	SandboxConfig sandbox.SandboxConfig

	// BootSettle is how long a template VM runs before it is paused.
	BootSettle time.Duration
}

// Snapshotter creates snapshots from template VMs and starts VMs from them.
type Snapshotter interface {
	Create(ctx context.Context) (*Snapshot, error)

	// Restore starts a new VM with a fresh id from the snapshot.
	Restore(ctx context.Context, snap *Snapshot) (*sandbox.VmHandle, error)

	// Load returns up to limit of the newest usable snapshots on disk.
	Load(limit int) ([]*Snapshot, error)

	Delete(snap *Snapshot) error
}

type snapshotter struct {
	store    *Store
	launcher sandbox.Launcher
	opts     Options
}

func NewSnapshotter(store *Store, launcher sandbox.Launcher, opts Options) Snapshotter {
	if opts.BootSettle <= 0 {
		opts.BootSettle = DefaultBootSettle
	}
	return &snapshotter{
		store:    store,
		launcher: launcher,
		opts:     opts,
	}
}

func (s *snapshotter) Create(ctx context.Context) (*Snapshot, error) {
	id := uuid.NewString()
	snapLog := log.WithFields(map[string]any{"snapshot": id})
	started := time.Now()

	d := defers.NewDefers()
	defer d.CallAll()

	template, err := s.launcher.Launch(ctx, s.opts.VmConfig, s.opts.SandboxConfig.WithID(uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("failed to launch template vm: %w", err)
	}
	defer s.stopQuietly(ctx, template)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-template.Done():
		return nil, fmt.Errorf("template vm %s exited during boot", template.ID)
	case <-time.After(s.opts.BootSettle):
	}

	if err := s.launcher.Pause(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to pause template vm: %w", err)
	}
	memPath, statePath, err := s.launcher.Snapshot(ctx, template, naming.SnapshotMemFileName, naming.SnapshotStateFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot template vm: %w", err)
	}

	staging, err := s.store.Stage(id)
	if err != nil {
		return nil, err
	}
	d.Add(func() {
		if err := s.store.Abort(id); err != nil {
			snapLog.Warnf("failed to remove staged snapshot: %v", err)
		}
	})
	for _, p := range []string{memPath, statePath} {
		if err := utils.MoveFile(p, filepath.Join(staging, filepath.Base(p))); err != nil {
			return nil, fmt.Errorf("failed to move snapshot file: %w", err)
		}
	}

	snap, err := s.store.Commit(Metadata{
		ID:            id,
		VmConfig:      s.opts.VmConfig,
		CreatedAt:     time.Now().UTC(),
		FormatVersion: FormatVersion,
		Sandboxed:     template.Sandboxed,
	})
	if err != nil {
		return nil, err
	}
	d.Trigger(false)

	snapLog.Infof("snapshot created in %s (%d bytes)", time.Since(started), snap.SizeBytes)
	return snap, nil
}

func (s *snapshotter) Restore(ctx context.Context, snap *Snapshot) (*sandbox.VmHandle, error) {
	if snap.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("snapshot %s has format version %d, expected %d", snap.ID, snap.FormatVersion, FormatVersion)
	}
	sbCfg := s.opts.SandboxConfig.WithID(uuid.NewString())
	h, err := s.launcher.Restore(ctx, snap.VmConfig, sbCfg, snap.MemFilePath, snap.StateFilePath)
	if err != nil {
		return nil, err
	}
	if h.Sandboxed != snap.Sandboxed {
		// The restored state references files by paths of the other layout
		// and the guest would fail on first disk access.
		s.stopQuietly(ctx, h)
		return nil, fmt.Errorf("snapshot %s was taken with sandboxed=%t but vm %s runs with sandboxed=%t", snap.ID, snap.Sandboxed, h.ID, h.Sandboxed)
	}
	return h, nil
}

func (s *snapshotter) Load(limit int) ([]*Snapshot, error) {
	snapshots, err := s.store.List()
	if err != nil {
		return nil, err
	}
	usable := make([]*Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.FormatVersion != FormatVersion {
			log.Infof("discarding snapshot %s with format version %d", snap.ID, snap.FormatVersion)
			s.deleteQuietly(snap)
			continue
		}
		usable = append(usable, snap)
	}
	if limit >= 0 && len(usable) > limit {
		// oldest first; keep the newest
		for _, snap := range usable[:len(usable)-limit] {
			s.deleteQuietly(snap)
		}
		usable = usable[len(usable)-limit:]
	}
	return usable, nil
}

func (s *snapshotter) Delete(snap *Snapshot) error {
	return s.store.Delete(snap.ID)
}

// stopQuietly stops a VM on a context that outlives the caller's and logs a
// failure.
func (s *snapshotter) stopQuietly(ctx context.Context, h *sandbox.VmHandle) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := s.launcher.Stop(stopCtx, h); err != nil {
		log.Warnf("failed to stop vm %s: %v", h.ID, err)
	}
}

func (s *snapshotter) deleteQuietly(snap *Snapshot) {
	if err := s.store.Delete(snap.ID); err != nil {
		log.Warnf("failed to delete snapshot %s: %v", snap.ID, err)
	}
}
