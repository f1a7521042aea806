package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/dennishilgert/stockade/pkg/defers"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/dennishilgert/stockade/pkg/metrics"
	"github.com/dennishilgert/stockade/pkg/utils"
	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/sirupsen/logrus"
)

var log = logger.NewLogger("stockade.sandbox")

const (
	DefaultSocketPollAttempts = 100
	DefaultSocketPollInterval = 10 * time.Millisecond
	DefaultAPITimeout         = 5 * time.Second
	DefaultJailerProbeTimeout = 2 * time.Second

	exitGracePeriod = time.Second
)

type Options struct {
	DataPath           string
	ChrootBaseDir      string
	SocketPollAttempts int
	SocketPollInterval time.Duration
	APITimeout         time.Duration
	JailerProbeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChrootBaseDir == "" {
		o.ChrootBaseDir = naming.ChrootBaseDir(o.DataPath)
	}
	if o.SocketPollAttempts <= 0 {
		o.SocketPollAttempts = DefaultSocketPollAttempts
	}
	if o.SocketPollInterval <= 0 {
		o.SocketPollInterval = DefaultSocketPollInterval
	}
	if o.APITimeout <= 0 {
		o.APITimeout = DefaultAPITimeout
	}
	if o.JailerProbeTimeout <= 0 {
		o.JailerProbeTimeout = DefaultJailerProbeTimeout
	}
	return o
}

// Launcher starts hypervisor processes inside a sandbox and tears them down.
type Launcher interface {
	// Launch boots a fresh VM.
	Launch(ctx context.Context, vmCfg VmConfig, sbCfg SandboxConfig) (*VmHandle, error)

	// Restore starts a VM from the given snapshot files and resumes it.
	Restore(ctx context.Context, vmCfg VmConfig, sbCfg SandboxConfig, memPath string, statePath string) (*VmHandle, error)

	Pause(ctx context.Context, h *VmHandle) error
	Resume(ctx context.Context, h *VmHandle) error

	// Snapshot writes a full snapshot of a paused VM into its root directory
	// and returns the host paths of the memory and state files.
	Snapshot(ctx context.Context, h *VmHandle, memName string, stateName string) (string, string, error)

	// Stop kills the VM and removes everything the launch created. It is
	// safe to call more than once.
	Stop(ctx context.Context, h *VmHandle) error
}

type launcher struct {
	opts    Options
	metrics metrics.MetricsService

	probeLock sync.Mutex
	probed    map[string]bool

	// replaced in tests
	startProcess     func(cmd *exec.Cmd) (*process, error)
	newControlClient func(socketPath string) ControlClient
	probeJailer      func(ctx context.Context, path string) bool
}

// NewLauncher creates a new Launcher. The metrics service is optional and is
// used to double check that stopped processes are gone.
func NewLauncher(opts Options, metricsService metrics.MetricsService) Launcher {
	l := &launcher{
		opts:         opts.withDefaults(),
		metrics:      metricsService,
		probed:       map[string]bool{},
		startProcess: startProcess,
	}
	l.newControlClient = func(socketPath string) ControlClient {
		return NewControlClient(socketPath, l.opts.APITimeout, log)
	}
	l.probeJailer = l.runJailerProbe
	return l
}

// stagedFile is a file placed into the root directory of a VM.
type stagedFile struct {
	src      string
	name     string
	copyOnly bool
}

// layout describes where a VM lives on the host and what its hypervisor
// sees.
type layout struct {
	sandboxed  bool
	rootDir    string
	jailDir    string
	hostSocket string
	endpoint   string
}

// guestPath returns the path of a staged file as seen by the hypervisor.
// The unconfined hypervisor runs with the root directory as its working
// directory, so relative paths keep snapshots free of per VM host paths.
func (lo layout) guestPath(name string) string {
	if lo.sandboxed {
		return "/" + name
	}
	return name
}

func (l *launcher) Launch(ctx context.Context, vmCfg VmConfig, sbCfg SandboxConfig) (*VmHandle, error) {
	if err := validateLaunch(vmCfg, sbCfg); err != nil {
		return nil, err
	}
	files := []stagedFile{
		{src: vmCfg.KernelImagePath, name: filepath.Base(vmCfg.KernelImagePath)},
		{src: vmCfg.RootfsPath, name: filepath.Base(vmCfg.RootfsPath), copyOnly: !vmCfg.RootfsReadOnly},
	}
	return l.spawn(ctx, vmCfg, sbCfg, files, func(ctx context.Context, h *VmHandle, lo layout) error {
		setup := MachineSetup{
			KernelPath:     lo.guestPath(filepath.Base(vmCfg.KernelImagePath)),
			RootfsPath:     lo.guestPath(filepath.Base(vmCfg.RootfsPath)),
			RootfsReadOnly: vmCfg.RootfsReadOnly,
			KernelArgs:     vmCfg.bootArgs(),
			VCPUCount:      vmCfg.VCPUCount,
			MemSizeMib:     vmCfg.MemSizeMib,
			SMT:            vmCfg.SMT,
			VsockCID:       vmCfg.GuestCID,
			VsockUDSPath:   lo.guestPath(naming.VsockUDSName),
		}
		if err := h.control.Configure(ctx, setup); err != nil {
			return err
		}
		return h.control.Start(ctx)
	})
}

func (l *launcher) Restore(ctx context.Context, vmCfg VmConfig, sbCfg SandboxConfig, memPath string, statePath string) (*VmHandle, error) {
	if err := validateLaunch(vmCfg, sbCfg); err != nil {
		return nil, err
	}
	for _, p := range []string{memPath, statePath} {
		if exists, _ := utils.FileExists(p); !exists {
			return nil, launchError(sbCfg.ID, CauseResourcesMissing, fmt.Errorf("snapshot file %s does not exist", p))
		}
	}
	// The restored state refers to the root file system under the name it
	// had when the snapshot was taken.
	files := []stagedFile{
		{src: vmCfg.RootfsPath, name: filepath.Base(vmCfg.RootfsPath), copyOnly: !vmCfg.RootfsReadOnly},
		{src: memPath, name: naming.SnapshotMemFileName},
		{src: statePath, name: naming.SnapshotStateFileName},
	}
	return l.spawn(ctx, vmCfg, sbCfg, files, func(ctx context.Context, h *VmHandle, lo layout) error {
		return h.control.LoadSnapshot(ctx, lo.guestPath(naming.SnapshotMemFileName), lo.guestPath(naming.SnapshotStateFileName))
	})
}

func (l *launcher) Pause(ctx context.Context, h *VmHandle) error {
	return h.control.Pause(ctx)
}

func (l *launcher) Resume(ctx context.Context, h *VmHandle) error {
	return h.control.Resume(ctx)
}

func (l *launcher) Snapshot(ctx context.Context, h *VmHandle, memName string, stateName string) (string, string, error) {
	lo := layout{sandboxed: h.Sandboxed}
	if err := h.control.CreateSnapshot(ctx, lo.guestPath(memName), lo.guestPath(stateName)); err != nil {
		return "", "", err
	}
	return filepath.Join(h.RootDir, memName), filepath.Join(h.RootDir, stateName), nil
}

func (l *launcher) Stop(ctx context.Context, h *VmHandle) error {
	h.stopOnce.Do(func() {
		h.stopErr = l.stop(ctx, h)
	})
	return h.stopErr
}

func (l *launcher) stop(ctx context.Context, h *VmHandle) error {
	var errs []error

	if err := h.Kill(); err != nil {
		errs = append(errs, fmt.Errorf("failed to kill vm process: %w", err))
	}
	if h.proc != nil {
		select {
		case <-h.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("vm process did not exit: %w", ctx.Err()))
		}
	}

	for _, p := range []string{h.EndpointPath, h.SocketPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if h.JailDir != "" {
		if err := os.RemoveAll(h.JailDir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove vm directory: %w", err))
		}
	}
	for _, dir := range h.CgroupDirs {
		// cgroup directories are removed with rmdir, never recursively.
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove cgroup: %w", err))
		}
	}

	if l.metrics != nil && h.PID > 0 && l.metrics.ProcessAlive(ctx, h.PID) {
		log.Warnf("vm process %d still alive after stop: %s", h.PID, h.ID)
	}
	log.WithFields(map[string]any{"vm": h.ID}).Debugf("vm stopped")
	return errors.Join(errs...)
}

// validateLaunch runs every check that can fail before a process exists.
func validateLaunch(vmCfg VmConfig, sbCfg SandboxConfig) error {
	if err := sbCfg.Validate(); err != nil {
		return launchError(sbCfg.ID, CauseConfig, err)
	}
	if err := validate.Struct(vmCfg); err != nil {
		return launchError(sbCfg.ID, CauseConfig, fmt.Errorf("invalid vm configuration: %w", err))
	}
	if err := vmCfg.validateAssets(); err != nil {
		return launchError(sbCfg.ID, CauseResourcesMissing, err)
	}
	return nil
}

type bootFunc func(ctx context.Context, h *VmHandle, lo layout) error

// spawn prepares the root directory, starts the hypervisor, waits for its
// control socket and hands over to boot. Every failure after the first
// file operation undoes what was done so far.
func (l *launcher) spawn(ctx context.Context, vmCfg VmConfig, sbCfg SandboxConfig, files []stagedFile, boot bootFunc) (*VmHandle, error) {
	vmLog := log.WithFields(map[string]any{"vm": sbCfg.ID})

	jailed := l.jailerAvailable(ctx, sbCfg.JailerBinary)
	lo := l.layout(sbCfg, jailed)
	lo.endpoint = naming.VsockListenerPath(naming.VsockUDSPath(lo.rootDir), vmCfg.ChannelPort)

	if exists, _ := utils.FileExists(lo.jailDir); exists {
		return nil, launchError(sbCfg.ID, CauseConfig, fmt.Errorf("vm directory %s already exists", lo.jailDir))
	}

	d := defers.NewDefers()
	defer d.CallAll()

	d.Add(func() {
		os.RemoveAll(lo.jailDir)
	})
	if err := l.stage(lo, sbCfg, files); err != nil {
		return nil, launchError(sbCfg.ID, CauseResourcesMissing, err)
	}

	stdout := vmLog.LogrusEntry().WriterLevel(logrus.DebugLevel)
	var cmd *exec.Cmd
	if jailed {
		cmd = exec.Command(sbCfg.JailerBinary, l.jailerArgs(sbCfg).Build()...)
	} else {
		vmLog.Warnf("jailer not available - running hypervisor without chroot, namespaces and cgroups: isolation boundary removed")
		cmd = firecracker.VMCommandBuilder{}.
			WithBin(sbCfg.ExecFile).
			WithSocketPath(lo.hostSocket).
			WithStdout(stdout).
			Build(context.WithoutCancel(ctx))
		cmd.Dir = lo.rootDir
	}
	cmd.Stdout = stdout

	started := time.Now()
	proc, err := l.startProcess(cmd)
	if err != nil {
		stdout.Close()
		return nil, launchError(sbCfg.ID, CauseResourcesMissing, err)
	}
	go func() {
		<-proc.done
		stdout.Close()
	}()

	h := &VmHandle{
		ID:           sbCfg.ID,
		PID:          proc.pid(),
		SocketPath:   lo.hostSocket,
		EndpointPath: lo.endpoint,
		ChainName:    naming.ChainName(sbCfg.ID),
		RootDir:      lo.rootDir,
		JailDir:      lo.jailDir,
		Sandboxed:    jailed,
		vmCfg:        vmCfg,
		sbCfg:        sbCfg,
		proc:         proc,
	}
	if jailed {
		h.CgroupDirs = naming.CgroupDirs(sbCfg.cgroupVersion(), sbCfg.ExecFile, sbCfg.ID)
	}
	d.Add(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), exitGracePeriod)
		defer cancel()
		if err := l.Stop(stopCtx, h); err != nil {
			vmLog.Warnf("cleanup after failed launch incomplete: %v", err)
		}
	})

	if err := l.waitForSocket(ctx, proc, lo.hostSocket); err != nil {
		h.Kill()
		select {
		case <-proc.done:
		case <-time.After(exitGracePeriod):
		}
		stderr := proc.stderr.String()
		cause := classify(stderr)
		if errors.Is(err, errExitedEarly) && cause == CauseTimeout {
			cause = CauseUnknown
		}
		return nil, &LaunchError{VmID: sbCfg.ID, Cause: cause, Stderr: stderr, Err: err}
	}
	h.SpawnLatency = time.Since(started)
	vmLog.Debugf("hypervisor api socket ready after %s", h.SpawnLatency)

	h.control = l.newControlClient(lo.hostSocket)
	if err := boot(ctx, h, lo); err != nil {
		return nil, &LaunchError{VmID: sbCfg.ID, Cause: CauseAPI, Stderr: proc.stderr.String(), Err: err}
	}

	d.Trigger(false)
	vmLog.Infof("vm started (pid %d, sandboxed: %t)", h.PID, jailed)
	return h, nil
}

func (l *launcher) layout(sbCfg SandboxConfig, jailed bool) layout {
	if jailed {
		base := sbCfg.ChrootBaseDir
		if base == "" {
			base = l.opts.ChrootBaseDir
		}
		root := naming.ChrootRoot(base, sbCfg.ExecFile, sbCfg.ID)
		return layout{
			sandboxed:  true,
			rootDir:    root,
			jailDir:    naming.ChrootDir(base, sbCfg.ExecFile, sbCfg.ID),
			hostSocket: naming.APISocketPath(root),
		}
	}
	dir := naming.UnjailedDir(l.opts.DataPath, sbCfg.ID)
	return layout{
		rootDir:    dir,
		jailDir:    dir,
		hostSocket: naming.APISocketPath(dir),
	}
}

// stage creates the root directory and places the files the hypervisor
// needs into it.
func (l *launcher) stage(lo layout, sbCfg SandboxConfig, files []stagedFile) error {
	runDir := filepath.Dir(lo.hostSocket)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create vm directory: %w", err)
	}
	for _, f := range files {
		dest := filepath.Join(lo.rootDir, f.name)
		var err error
		if f.copyOnly {
			err = utils.CopyFile(f.src, dest)
		} else {
			err = utils.HardLinkOrCopy(f.src, dest)
		}
		if err != nil {
			return fmt.Errorf("failed to stage %s: %w", f.src, err)
		}
	}
	if lo.sandboxed {
		// The jailed hypervisor runs as uid:gid and must be able to open
		// everything it is given. Failing to chown is left to surface as a
		// permission error of the hypervisor.
		for _, p := range []string{lo.rootDir, runDir} {
			os.Lchown(p, sbCfg.UID, sbCfg.GID)
		}
		for _, f := range files {
			os.Lchown(filepath.Join(lo.rootDir, f.name), sbCfg.UID, sbCfg.GID)
		}
	}
	return nil
}

func (l *launcher) jailerArgs(sbCfg SandboxConfig) *JailerArgsBuilder {
	base := sbCfg.ChrootBaseDir
	if base == "" {
		base = l.opts.ChrootBaseDir
	}
	hypervisorArgs := []string{"--api-sock", naming.JailedAPISocketPath()}
	if sbCfg.SeccompFilter != "" {
		hypervisorArgs = append(hypervisorArgs, "--seccomp-filter", sbCfg.SeccompFilter)
	}
	return NewJailerArgsBuilder().
		WithID(sbCfg.ID).
		WithExecFile(sbCfg.ExecFile).
		WithUIDGID(sbCfg.UID, sbCfg.GID).
		WithChrootBaseDir(base).
		WithCgroupVersion(sbCfg.cgroupVersion()).
		WithResourceLimits(sbCfg).
		WithNetNS(sbCfg.NetNS).
		WithHypervisorArgs(hypervisorArgs...)
}

var errExitedEarly = errors.New("hypervisor exited before its api socket appeared")

// waitForSocket polls for the control socket with a fixed delay and a
// bounded number of attempts.
func (l *launcher) waitForSocket(ctx context.Context, proc *process, socketPath string) error {
	for attempt := 0; attempt < l.opts.SocketPollAttempts; attempt++ {
		if exists, info := utils.FileExists(socketPath); exists && utils.IsSocket(info) {
			return nil
		}
		if proc.exited() {
			return errExitedEarly
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.SocketPollInterval):
		}
	}
	return fmt.Errorf("api socket %s did not appear after %d attempts", socketPath, l.opts.SocketPollAttempts)
}

func (l *launcher) jailerAvailable(ctx context.Context, path string) bool {
	if path == "" {
		return false
	}
	l.probeLock.Lock()
	defer l.probeLock.Unlock()
	if ok, found := l.probed[path]; found {
		return ok
	}
	ok := l.probeJailer(ctx, path)
	l.probed[path] = ok
	return ok
}

// runJailerProbe checks that the jailer exists, is executable and runs.
func (l *launcher) runJailerProbe(ctx context.Context, path string) bool {
	if ok, err := utils.IsExecutable(path); !ok {
		log.Debugf("jailer %s unusable: %v", path, err)
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, l.opts.JailerProbeTimeout)
	defer cancel()
	if err := exec.CommandContext(probeCtx, path, "--version").Run(); err != nil {
		log.Debugf("jailer %s failed to run: %v", path, err)
		return false
	}
	return true
}
