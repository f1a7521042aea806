package vm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Tracker keeps provisioned VMs by id until they expire or are removed.
type Tracker struct {
	lock      sync.Mutex
	instances map[string]*Instance
	timeout   time.Duration
}

func NewTracker(destroyTimeout time.Duration) *Tracker {
	if destroyTimeout <= 0 {
		destroyTimeout = DefaultDestroyTimeout
	}
	return &Tracker{
		instances: make(map[string]*Instance),
		timeout:   destroyTimeout,
	}
}

// Add tracks inst until ttl has passed. A zero ttl never expires.
func (t *Tracker) Add(inst *Instance, ttl time.Duration) {
	if ttl > 0 {
		inst.ExpiresAt = time.Now().Add(ttl)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.instances[inst.ID()] = inst
}

func (t *Tracker) Get(id string) (*Instance, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	inst, ok := t.instances[id]
	return inst, ok
}

// List returns all tracked instances, oldest first.
func (t *Tracker) List() []*Instance {
	t.lock.Lock()
	list := make([]*Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		list = append(list, inst)
	}
	t.lock.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func (t *Tracker) Remove(id string) (*Instance, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	inst, ok := t.instances[id]
	delete(t.instances, id)
	return inst, ok
}

func (t *Tracker) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.instances)
}

// expired removes and returns all instances whose ttl has passed.
func (t *Tracker) expired(now time.Time) []*Instance {
	t.lock.Lock()
	defer t.lock.Unlock()
	var list []*Instance
	for id, inst := range t.instances {
		if !inst.ExpiresAt.IsZero() && now.After(inst.ExpiresAt) {
			list = append(list, inst)
			delete(t.instances, id)
		}
	}
	return list
}

// Run destroys expired instances every interval until ctx is cancelled.
// Remaining instances are destroyed on return.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down vm tracker")
			destroyCtx, cancel := context.WithTimeout(context.Background(), t.timeout)
			defer cancel()
			if err := t.DestroyAll(destroyCtx); err != nil {
				log.Errorf("failed to destroy vms on shutdown: %v", err)
			}
			return ctx.Err()
		case now := <-ticker.C:
			for _, inst := range t.expired(now) {
				log.Infof("vm %s expired", inst.ID())
				t.destroy(ctx, inst)
			}
		}
	}
}

// DestroyAll destroys and forgets every tracked instance.
func (t *Tracker) DestroyAll(ctx context.Context) error {
	t.lock.Lock()
	list := make([]*Instance, 0, len(t.instances))
	for id, inst := range t.instances {
		list = append(list, inst)
		delete(t.instances, id)
	}
	t.lock.Unlock()

	var errs []error
	for _, inst := range list {
		if err := inst.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) destroy(ctx context.Context, inst *Instance) {
	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := inst.Destroy(destroyCtx); err != nil {
		log.Errorf("failed to destroy expired vm %s: %v", inst.ID(), err)
	}
}
