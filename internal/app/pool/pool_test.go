package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/internal/app/snapshot"
)

type fakeSnapshotter struct {
	mu         sync.Mutex
	seq        int
	createErr  error
	restoreErr map[string]error
	onDisk     []*snapshot.Snapshot
	created    []string
	restored   []string
	deleted    []string
	createGate chan struct{}
	deadlines  []time.Time
}

func newFakeSnapshotter() *fakeSnapshotter {
	return &fakeSnapshotter{restoreErr: map[string]error{}}
}

func (f *fakeSnapshotter) Create(ctx context.Context) (*snapshot.Snapshot, error) {
	if f.createGate != nil {
		select {
		case <-f.createGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, deadline)
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("snap-%d", f.seq)
	f.created = append(f.created, id)
	return &snapshot.Snapshot{Metadata: snapshot.Metadata{ID: id, CreatedAt: time.Now()}}, nil
}

func (f *fakeSnapshotter) Restore(ctx context.Context, snap *snapshot.Snapshot) (*sandbox.VmHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.restoreErr[snap.ID]; err != nil {
		return nil, err
	}
	f.restored = append(f.restored, snap.ID)
	return &sandbox.VmHandle{ID: fmt.Sprintf("vm-%d", len(f.restored))}, nil
}

func (f *fakeSnapshotter) Load(limit int) ([]*snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.onDisk) > limit {
		return f.onDisk[len(f.onDisk)-limit:], nil
	}
	return f.onDisk, nil
}

func (f *fakeSnapshotter) Delete(snap *snapshot.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, snap.ID)
	return nil
}

func (f *fakeSnapshotter) wasDeleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func TestInitializeRespectsSize(t *testing.T) {
	for size := 1; size <= 4; size++ {
		t.Run(fmt.Sprintf("size %d", size), func(t *testing.T) {
			fs := newFakeSnapshotter()
			p := NewPool(fs, Options{Size: size, MaxSnapshotAge: time.Hour})
			if err := p.Initialize(context.Background()); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			if p.Size() != size {
				t.Fatalf("pool size %d, want %d", p.Size(), size)
			}
			if err := p.Initialize(context.Background()); err != nil {
				t.Fatalf("second initialize: %v", err)
			}
			if p.Size() > size {
				t.Fatalf("pool grew beyond %d: %d", size, p.Size())
			}
		})
	}
}

func TestInitializeStopsFillingOnFailure(t *testing.T) {
	fs := newFakeSnapshotter()
	fs.createErr = errors.New("no kvm")
	p := NewPool(fs, Options{Size: 3})

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize must be best effort, got %v", err)
	}
	if p.Size() != 0 {
		t.Fatalf("expected empty pool, got %d", p.Size())
	}
	if p.Stats().LastRefresh.IsZero() {
		t.Fatal("last refresh not recorded")
	}
}

func TestInitializeLoadsFromDisk(t *testing.T) {
	fs := newFakeSnapshotter()
	fs.onDisk = []*snapshot.Snapshot{
		{Metadata: snapshot.Metadata{ID: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}},
		{Metadata: snapshot.Metadata{ID: "fresh", CreatedAt: time.Now()}},
	}
	p := NewPool(fs, Options{Size: 2, MaxSnapshotAge: time.Hour})

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fs.wasDeleted("old") {
		t.Fatal("stale snapshot from disk not deleted")
	}
	if p.Size() != 2 || len(fs.created) != 1 {
		t.Fatalf("expected one loaded and one created snapshot, size %d created %d", p.Size(), len(fs.created))
	}
}

func TestWarmAcquireKeepsQueueLength(t *testing.T) {
	fs := newFakeSnapshotter()
	p := NewPool(fs, Options{Size: 2, MaxSnapshotAge: time.Hour})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 4; i++ {
		h, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		ids = append(ids, h.ID)
		if p.Size() != 2 {
			t.Fatalf("queue length changed to %d", p.Size())
		}
	}
	if len(fs.created) != 2 {
		t.Fatalf("warm acquisitions created snapshots: %v", fs.created)
	}
	want := []string{"snap-1", "snap-2", "snap-1", "snap-2"}
	for i, id := range want {
		if fs.restored[i] != id {
			t.Fatalf("restore order %v, want round robin %v", fs.restored, want)
		}
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("vm id %s handed out twice", id)
		}
		seen[id] = true
	}
}

func TestColdAcquireOnEmptyPool(t *testing.T) {
	fs := newFakeSnapshotter()
	p := NewPool(fs, Options{Size: 1})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h == nil || h.ID == "" {
		t.Fatal("cold acquire returned no vm")
	}
	if p.Size() != 1 {
		t.Fatalf("fresh snapshot not queued, size %d", p.Size())
	}
}

func TestColdAcquireWithFullQueueDropsSnapshot(t *testing.T) {
	fs := newFakeSnapshotter()
	p := NewPool(fs, Options{Size: 0})

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !fs.wasDeleted("snap-1") {
		t.Fatal("snapshot without a slot was not deleted")
	}
}

func TestStaleSnapshotIsReplaced(t *testing.T) {
	fs := newFakeSnapshotter()
	fs.onDisk = []*snapshot.Snapshot{
		{Metadata: snapshot.Metadata{ID: "aging", CreatedAt: time.Now().Add(-50 * time.Millisecond)}},
	}
	p := NewPool(fs, Options{Size: 1, MaxSnapshotAge: 100 * time.Millisecond})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !fs.wasDeleted("aging") {
		t.Fatal("stale snapshot not deleted")
	}
	for _, id := range fs.restored {
		if id == "aging" {
			t.Fatal("stale snapshot was handed out")
		}
	}
	if p.Size() != 1 {
		t.Fatalf("replacement not queued, size %d", p.Size())
	}
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fs.restored[len(fs.restored)-1] != "snap-1" {
		t.Fatalf("expected replacement to be reused, restored %v", fs.restored)
	}
}

func TestFailedWarmRestoreFallsBackToCold(t *testing.T) {
	fs := newFakeSnapshotter()
	p := NewPool(fs, Options{Size: 1, MaxSnapshotAge: time.Hour})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fs.restoreErr["snap-1"] = errors.New("corrupt")

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h == nil {
		t.Fatal("no vm returned")
	}
	if !fs.wasDeleted("snap-1") {
		t.Fatal("broken snapshot not dropped")
	}
	if p.Size() != 1 {
		t.Fatalf("expected the fresh snapshot to take the slot, size %d", p.Size())
	}
}

func TestColdStartBackpressure(t *testing.T) {
	fs := newFakeSnapshotter()
	fs.createGate = make(chan struct{})
	p := NewPool(fs, Options{Size: 2, MaxConcurrentColdStarts: 1})

	firstDone := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		firstDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().QueuedTasks != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first acquisition never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second cold start to wait for capacity, got %v", err)
	}

	close(fs.createGate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first acquisition: %v", err)
	}
	if got := p.Stats().QueuedTasks; got != 0 {
		t.Fatalf("queued tasks %d after completion", got)
	}
}

func TestRefreshOnlyWhenDue(t *testing.T) {
	fs := newFakeSnapshotter()
	p := NewPool(fs, Options{Size: 1, RefreshInterval: time.Hour})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.(*pool).pop()

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Size() != 0 {
		t.Fatal("refresh ran before the interval passed")
	}

	p.(*pool).lastRefresh = time.Now().Add(-2 * time.Hour)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Size() != 1 {
		t.Fatal("due refresh did not refill the pool")
	}
}

func TestStatsAndRegistration(t *testing.T) {
	fs := newFakeSnapshotter()
	fs.onDisk = []*snapshot.Snapshot{
		{Metadata: snapshot.Metadata{ID: "a", CreatedAt: time.Now().Add(-30 * time.Minute)}},
		{Metadata: snapshot.Metadata{ID: "b", CreatedAt: time.Now().Add(-10 * time.Minute)}},
	}
	p := NewPool(fs, Options{Size: 2, MaxSnapshotAge: time.Hour})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.RegisterVM(&sandbox.VmHandle{ID: "vm-a"})
	p.RegisterVM(&sandbox.VmHandle{ID: "vm-b"})
	p.UnregisterVM("vm-a")
	p.Release("vm-b")

	stats := p.Stats()
	if stats.CurrentSize != 2 || stats.MaxSize != 2 {
		t.Fatalf("unexpected sizes: %+v", stats)
	}
	if stats.ActiveVMs != 1 {
		t.Fatalf("expected one active vm, got %d", stats.ActiveVMs)
	}
	if stats.OldestAge < 29*time.Minute || stats.NewestAge > 11*time.Minute {
		t.Fatalf("unexpected ages: oldest %s newest %s", stats.OldestAge, stats.NewestAge)
	}
	if p.Size() != 2 {
		t.Fatal("stats mutated the pool")
	}
}

func TestRefresherRefreshesInBackground(t *testing.T) {
	fs := newFakeSnapshotter()
	p := NewPool(fs, Options{Size: 1, RefreshInterval: time.Millisecond})
	r := NewRefresher(p, RefresherOptions{CheckInterval: 5 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.Size() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("refresher never filled the pool")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("refresher returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop")
	}
}

func TestInterruptedInitializeStillDelaysRefresh(t *testing.T) {
	fs := newFakeSnapshotter()
	p := NewPool(fs, Options{Size: 2, RefreshInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Initialize(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fs.created) != 0 {
		t.Fatalf("refresh retried before the interval passed: %v", fs.created)
	}
}

func TestRefresherTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		min     time.Duration
		max     time.Duration
	}{
		{name: "configured", timeout: 30 * time.Second, min: 30 * time.Second, max: 31 * time.Second},
		{name: "default", timeout: 0, min: DefaultRefreshTimeout, max: DefaultRefreshTimeout + time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeSnapshotter()
			p := NewPool(fs, Options{Size: 1, RefreshInterval: time.Millisecond})
			r := NewRefresher(p, RefresherOptions{CheckInterval: 5 * time.Millisecond, Timeout: tt.timeout})

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			started := time.Now()
			go func() { done <- r.Run(ctx) }()

			deadline := time.Now().Add(2 * time.Second)
			for p.Size() != 1 {
				if time.Now().After(deadline) {
					t.Fatal("refresher never filled the pool")
				}
				time.Sleep(5 * time.Millisecond)
			}
			cancel()
			<-done

			fs.mu.Lock()
			defer fs.mu.Unlock()
			if len(fs.deadlines) == 0 {
				t.Fatal("refresh ran without a deadline")
			}
			if bound := fs.deadlines[0].Sub(started); bound < tt.min || bound > tt.max {
				t.Fatalf("refresh bounded by %s, want between %s and %s", bound, tt.min, tt.max)
			}
		})
	}
}
