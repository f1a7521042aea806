package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dennishilgert/stockade/internal/app/firewall"
	"github.com/dennishilgert/stockade/internal/app/pool"
	"github.com/dennishilgert/stockade/internal/app/sandbox"
	"github.com/dennishilgert/stockade/pkg/channel"
)

// events records teardown steps across fakes.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, event)
}

func (e *events) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.list, ",")
}

type fakePool struct {
	dir        string
	ev         *events
	seq        int
	acquireErr error
	active     map[string]bool
}

func (f *fakePool) Initialize(ctx context.Context) error { return nil }

func (f *fakePool) Acquire(ctx context.Context) (*sandbox.VmHandle, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.seq++
	id := fmt.Sprintf("vm-%d", f.seq)
	return &sandbox.VmHandle{ID: id, EndpointPath: filepath.Join(f.dir, id+".sock")}, nil
}

func (f *fakePool) Release(vmID string) {}

func (f *fakePool) RegisterVM(h *sandbox.VmHandle) {
	f.active[h.ID] = true
}

func (f *fakePool) UnregisterVM(vmID string) {
	f.ev.add("unregister")
	delete(f.active, vmID)
}

func (f *fakePool) Refresh(ctx context.Context) error { return nil }
func (f *fakePool) Stats() pool.Stats                 { return pool.Stats{} }
func (f *fakePool) Size() int                         { return 0 }

type fakeLauncher struct {
	sandbox.Launcher
	ev *events
}

func (f *fakeLauncher) Stop(ctx context.Context, h *sandbox.VmHandle) error {
	f.ev.add("stop")
	return nil
}

type fakeFirewall struct {
	ev           *events
	configureErr error
	configured   bool
}

func (f *fakeFirewall) ConfigureIsolation(ctx context.Context) error {
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configured = true
	return nil
}

func (f *fakeFirewall) VerifyIsolation(ctx context.Context) (bool, error) {
	return f.configured, nil
}

func (f *fakeFirewall) Cleanup(ctx context.Context) error {
	f.ev.add("firewall")
	f.configured = false
	return nil
}

func (f *fakeFirewall) ChainName() string    { return "STK-test" }
func (f *fakeFirewall) Mode() firewall.Mode { return firewall.ModeTest }

type fixture struct {
	ev       *events
	pool     *fakePool
	firewall *fakeFirewall
	prov     Provisioner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithHandler(t, func(vmID string) channel.Handler {
		return channel.HandlerFuncs{
			Request: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return map[string]string{"vm": vmID}, nil
			},
		}
	})
}

func newFixtureWithHandler(t *testing.T, handler HandlerFactory) *fixture {
	t.Helper()
	ev := &events{}
	f := &fixture{
		ev:       ev,
		pool:     &fakePool{dir: t.TempDir(), ev: ev, active: map[string]bool{}},
		firewall: &fakeFirewall{ev: ev},
	}
	f.prov = NewProvisioner(f.pool, &fakeLauncher{ev: ev},
		func(vmID string) firewall.Manager { return f.firewall },
		handler,
		Options{Channel: channel.DefaultServerOptions(), DestroyTimeout: time.Second})
	return f
}

func TestProvisionServesGuestChannel(t *testing.T) {
	f := newFixture(t)
	inst, err := f.prov.Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if inst.State() != StateReady {
		t.Fatalf("state %s, want READY", inst.State())
	}
	if !f.firewall.configured {
		t.Fatal("vm ready before isolation was configured")
	}
	if !f.pool.active[inst.ID()] {
		t.Fatal("vm not registered with the pool")
	}

	conn, err := net.Dial("unix", inst.Handle.EndpointPath)
	if err != nil {
		t.Fatalf("dial guest endpoint: %v", err)
	}
	client := channel.NewClient(conn)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.SendRequest(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.Contains(string(result), inst.ID()) {
		t.Fatalf("request served by the wrong handler: %s", result)
	}

	if err := inst.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}

func TestDestroyOrderAndOnce(t *testing.T) {
	f := newFixture(t)
	inst, err := f.prov.Provision(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := inst.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := inst.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if got := f.ev.String(); got != "firewall,stop,unregister" {
		t.Fatalf("teardown order %q", got)
	}
	if inst.State() != StateDestroyed {
		t.Fatalf("state %s, want DESTROYED", inst.State())
	}
	if _, err := net.Dial("unix", inst.Handle.EndpointPath); err == nil {
		t.Fatal("guest endpoint still accepting after destroy")
	}
}

func TestProvisionDestroysOnIsolationFailure(t *testing.T) {
	f := newFixture(t)
	f.firewall.configureErr = firewall.ErrNeedRoot

	_, err := f.prov.Provision(context.Background())
	if !errors.Is(err, firewall.ErrNeedRoot) {
		t.Fatalf("expected isolation error, got %v", err)
	}
	if got := f.ev.String(); got != "firewall,stop,unregister" {
		t.Fatalf("vm not torn down after isolation failure: %q", got)
	}
	if len(f.pool.active) != 0 {
		t.Fatal("unisolated vm registered as active")
	}
}

func TestProvisionFailsWhenPoolFails(t *testing.T) {
	f := newFixture(t)
	f.pool.acquireErr = errors.New("no capacity")
	if _, err := f.prov.Provision(context.Background()); err == nil {
		t.Fatal("expected provisioning to fail")
	}
	if f.ev.String() != "" {
		t.Fatalf("nothing to tear down, got %q", f.ev.String())
	}
}

func TestRunDestroysAfterTask(t *testing.T) {
	f := newFixture(t)
	var seen *Instance
	err := f.prov.Run(context.Background(), time.Second, func(ctx context.Context, inst *Instance) error {
		seen = inst
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen == nil || seen.State() != StateDestroyed {
		t.Fatal("vm not destroyed after task")
	}
}

func TestRunDestroysOnTimeout(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	defer close(block)

	started := make(chan *Instance, 1)
	err := f.prov.Run(context.Background(), 20*time.Millisecond, func(ctx context.Context, inst *Instance) error {
		started <- inst
		<-block
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if inst := <-started; inst.State() != StateDestroyed {
		t.Fatal("vm not destroyed after timeout")
	}
}

// sendInFlight dials the guest endpoint and sends a request that is not
// answered until the handler returns.
func sendInFlight(inst *Instance, entered <-chan struct{}) (*channel.Client, error) {
	conn, err := net.Dial("unix", inst.Handle.EndpointPath)
	if err != nil {
		return nil, fmt.Errorf("dial guest endpoint: %w", err)
	}
	client := channel.NewClient(conn)
	go client.SendRequest(context.Background(), "request_approval", nil)
	select {
	case <-entered:
		return client, nil
	case <-time.After(2 * time.Second):
		client.Close()
		return nil, errors.New("guest request never reached the handler")
	}
}

func TestRunTimeoutDestroysDespiteInFlightRequest(t *testing.T) {
	entered := make(chan struct{}, 1)
	cancelled := make(chan struct{}, 1)
	f := newFixtureWithHandler(t, func(vmID string) channel.Handler {
		return channel.HandlerFuncs{
			Request: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				entered <- struct{}{}
				select {
				case <-ctx.Done():
					cancelled <- struct{}{}
					return nil, ctx.Err()
				case <-time.After(3 * time.Second):
					return nil, nil
				}
			},
		}
	})

	instances := make(chan *Instance, 1)
	started := time.Now()
	err := f.prov.Run(context.Background(), 50*time.Millisecond, func(ctx context.Context, inst *Instance) error {
		instances <- inst
		client, err := sendInFlight(inst, entered)
		if err != nil {
			t.Error(err)
			return err
		}
		defer client.Close()
		<-ctx.Done()
		return ctx.Err()
	})
	elapsed := time.Since(started)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("destroy waited %s on the guest request", elapsed)
	}
	if inst := <-instances; inst.State() != StateDestroyed {
		t.Fatal("vm not destroyed")
	}
	if got := f.ev.String(); got != "firewall,stop,unregister" {
		t.Fatalf("teardown order %q", got)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight handler not cancelled by destroy")
	}
}

func TestDestroyBoundedWhenHandlerIgnoresContext(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newFixtureWithHandler(t, func(vmID string) channel.Handler {
		return channel.HandlerFuncs{
			Request: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				entered <- struct{}{}
				<-release
				return nil, nil
			},
		}
	})
	inst, err := f.prov.Provision(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	client, err := sendInFlight(inst, entered)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	started := time.Now()
	err = inst.Destroy(ctx)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("destroy ignored its deadline: %s", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the busy channel to be reported, got %v", err)
	}
	if got := f.ev.String(); got != "firewall,stop,unregister" {
		t.Fatalf("teardown incomplete: %q", got)
	}
}
