package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/internal/app/snapshot"
	"github.com/dennishilgert/stockade/pkg/logger"
	"golang.org/x/sync/semaphore"
)

var log = logger.NewLogger("stockade.pool")

const DefaultMaxConcurrentColdStarts = 2

type Options struct {
	Size            int
	MaxSnapshotAge  time.Duration
	RefreshInterval time.Duration

	// MaxConcurrentColdStarts bounds how many acquisitions may create a
	// snapshot on the request path at once. Further callers wait.
	MaxConcurrentColdStarts int
}

// Stats is a point in time view of the pool.
type Stats struct {
	CurrentSize int           `json:"currentSize"`
	MaxSize     int           `json:"maxSize"`
	OldestAge   time.Duration `json:"oldestAge"`
	NewestAge   time.Duration `json:"newestAge"`
	ActiveVMs   int           `json:"activeVms"`
	QueuedTasks int64         `json:"queuedTasks"`
	LastRefresh time.Time     `json:"lastRefresh"`
}

// Pool hands out VMs restored from a bounded round robin queue of
// snapshots.
type Pool interface {
	// Initialize loads snapshots from disk on its first run, drops stale
	// ones and fills the remaining capacity with fresh snapshots.
	Initialize(ctx context.Context) error

	// Acquire returns a running VM with a fresh id.
	Acquire(ctx context.Context) (*sandbox.VmHandle, error)

	// Release is a no-op. VMs are destroyed by their owner, the pool only
	// accounts for snapshot slots.
	Release(vmID string)

	RegisterVM(h *sandbox.VmHandle)
	UnregisterVM(vmID string)

	// Refresh runs Initialize if the refresh interval has passed.
	Refresh(ctx context.Context) error

	Stats() Stats
	Size() int
}

type pool struct {
	snapshotter snapshot.Snapshotter
	opts        Options

	// serializes Initialize runs
	initLock sync.Mutex

	queueLock   sync.Mutex
	queue       []*snapshot.Snapshot
	loaded      bool
	lastRefresh time.Time

	activeLock sync.Mutex
	active     map[string]*sandbox.VmHandle

	queued     atomic.Int64
	coldStarts *semaphore.Weighted
}

func NewPool(snapshotter snapshot.Snapshotter, opts Options) Pool {
	if opts.MaxConcurrentColdStarts <= 0 {
		opts.MaxConcurrentColdStarts = DefaultMaxConcurrentColdStarts
	}
	if opts.Size < 0 {
		opts.Size = 0
	}
	return &pool{
		snapshotter: snapshotter,
		opts:        opts,
		queue:       make([]*snapshot.Snapshot, 0, opts.Size),
		active:      make(map[string]*sandbox.VmHandle),
		coldStarts:  semaphore.NewWeighted(int64(opts.MaxConcurrentColdStarts)),
	}
}

func (p *pool) Initialize(ctx context.Context) error {
	p.initLock.Lock()
	defer p.initLock.Unlock()

	// a run cut short still counts, the next one waits for RefreshInterval
	defer func() {
		p.queueLock.Lock()
		p.lastRefresh = time.Now()
		p.queueLock.Unlock()
	}()

	p.queueLock.Lock()
	loaded := p.loaded
	p.loaded = true
	p.queueLock.Unlock()

	if !loaded {
		p.loadFromDisk()
	}
	p.pruneStale()

	for p.Size() < p.opts.Size {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, err := p.snapshotter.Create(ctx)
		if err != nil {
			log.Errorf("failed to create snapshot - pool stays at %d of %d: %v", p.Size(), p.opts.Size, err)
			break
		}
		if !p.push(snap) {
			p.deleteSnapshot(snap)
			break
		}
	}

	log.Infof("pool initialized with %d of %d snapshots", p.Size(), p.opts.Size)
	return nil
}

func (p *pool) loadFromDisk() {
	snapshots, err := p.snapshotter.Load(p.opts.Size)
	if err != nil {
		log.Errorf("failed to load snapshots from disk: %v", err)
		return
	}
	for _, snap := range snapshots {
		if snap.IsStale(p.opts.MaxSnapshotAge) {
			log.Debugf("deleting stale snapshot from disk: %s", snap.ID)
			p.deleteSnapshot(snap)
			continue
		}
		if !p.push(snap) {
			p.deleteSnapshot(snap)
		}
	}
	log.Infof("loaded %d snapshots from disk", p.Size())
}

// pruneStale removes stale snapshots from the queue and deletes them
// outside of the queue lock.
func (p *pool) pruneStale() {
	p.queueLock.Lock()
	fresh := p.queue[:0]
	var stale []*snapshot.Snapshot
	for _, snap := range p.queue {
		if snap.IsStale(p.opts.MaxSnapshotAge) {
			stale = append(stale, snap)
			continue
		}
		fresh = append(fresh, snap)
	}
	for i := len(fresh); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = fresh
	p.queueLock.Unlock()

	for _, snap := range stale {
		log.Debugf("pruning stale snapshot: %s", snap.ID)
		p.deleteSnapshot(snap)
	}
}

func (p *pool) Acquire(ctx context.Context) (*sandbox.VmHandle, error) {
	p.queued.Add(1)
	defer p.queued.Add(-1)

	snap := p.pop()
	if snap == nil {
		log.Warnf("snapshot pool exhausted (size %d) - creating snapshot on the request path", p.opts.Size)
		return p.coldStart(ctx)
	}

	if snap.IsStale(p.opts.MaxSnapshotAge) {
		log.Infof("snapshot %s is stale (age %s) - replacing it", snap.ID, snap.Age().Round(time.Second))
		p.deleteSnapshot(snap)
		return p.coldStart(ctx)
	}

	requeued := p.push(snap)
	h, err := p.snapshotter.Restore(ctx, snap)
	if err != nil {
		log.Warnf("failed to restore from snapshot %s - dropping it: %v", snap.ID, err)
		p.remove(snap.ID)
		p.deleteSnapshot(snap)
		return p.coldStart(ctx)
	}
	if !requeued {
		p.deleteSnapshot(snap)
	}
	return h, nil
}

// coldStart creates a snapshot and restores from it. The snapshot is kept
// if the queue has room.
func (p *pool) coldStart(ctx context.Context) (*sandbox.VmHandle, error) {
	if err := p.coldStarts.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to wait for cold start capacity: %w", err)
	}
	defer p.coldStarts.Release(1)

	snap, err := p.snapshotter.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	h, err := p.snapshotter.Restore(ctx, snap)
	if err != nil {
		p.deleteSnapshot(snap)
		return nil, fmt.Errorf("failed to restore from fresh snapshot: %w", err)
	}
	if !p.push(snap) {
		p.deleteSnapshot(snap)
	}
	return h, nil
}

func (p *pool) Release(vmID string) {
	log.Debugf("release of vm %s is a no-op", vmID)
}

func (p *pool) RegisterVM(h *sandbox.VmHandle) {
	p.activeLock.Lock()
	defer p.activeLock.Unlock()
	p.active[h.ID] = h
}

func (p *pool) UnregisterVM(vmID string) {
	p.activeLock.Lock()
	defer p.activeLock.Unlock()
	delete(p.active, vmID)
}

func (p *pool) Refresh(ctx context.Context) error {
	p.queueLock.Lock()
	due := time.Since(p.lastRefresh) >= p.opts.RefreshInterval
	p.queueLock.Unlock()

	if !due {
		return nil
	}
	return p.Initialize(ctx)
}

func (p *pool) Stats() Stats {
	stats := Stats{
		MaxSize:     p.opts.Size,
		QueuedTasks: p.queued.Load(),
	}

	p.queueLock.Lock()
	stats.CurrentSize = len(p.queue)
	stats.LastRefresh = p.lastRefresh
	for i, snap := range p.queue {
		age := snap.Age()
		if i == 0 || age > stats.OldestAge {
			stats.OldestAge = age
		}
		if i == 0 || age < stats.NewestAge {
			stats.NewestAge = age
		}
	}
	p.queueLock.Unlock()

	p.activeLock.Lock()
	stats.ActiveVMs = len(p.active)
	p.activeLock.Unlock()

	return stats
}

func (p *pool) Size() int {
	p.queueLock.Lock()
	defer p.queueLock.Unlock()
	return len(p.queue)
}

func (p *pool) pop() *snapshot.Snapshot {
	p.queueLock.Lock()
	defer p.queueLock.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	snap := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return snap
}

// push appends snap to the tail of the queue unless the queue is full.
func (p *pool) push(snap *snapshot.Snapshot) bool {
	p.queueLock.Lock()
	defer p.queueLock.Unlock()
	if len(p.queue) >= p.opts.Size {
		return false
	}
	p.queue = append(p.queue, snap)
	return true
}

func (p *pool) remove(id string) {
	p.queueLock.Lock()
	defer p.queueLock.Unlock()
	for i, snap := range p.queue {
		if snap.ID == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *pool) deleteSnapshot(snap *snapshot.Snapshot) {
	if err := p.snapshotter.Delete(snap); err != nil {
		log.Warnf("failed to delete snapshot %s: %v", snap.ID, err)
	}
}
