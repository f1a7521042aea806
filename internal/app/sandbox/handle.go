package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const stderrLimit = 64 * 1024

// VmHandle references a running hypervisor process.
type VmHandle struct {
	ID           string
	PID          int
	SpawnLatency time.Duration

	// SocketPath is the control API socket as seen from the host.
	SocketPath string

	// EndpointPath is the unix socket the guest reaches the host on.
	EndpointPath string

	ChainName string

	// RootDir is the directory the hypervisor sees as /, or its scratch
	// directory when it runs unconfined.
	RootDir string

	// JailDir is removed as a whole when the VM stops.
	JailDir    string
	CgroupDirs []string
	Sandboxed  bool

	vmCfg   VmConfig
	sbCfg   SandboxConfig
	proc    *process
	control ControlClient

	stopOnce sync.Once
	stopErr  error
}

// Kill sends SIGKILL to the process group of the hypervisor.
func (h *VmHandle) Kill() error {
	if h.proc == nil {
		return nil
	}
	return h.proc.kill()
}

// Done is closed once the hypervisor process has exited. It is nil for a
// handle that does not own a process.
func (h *VmHandle) Done() <-chan struct{} {
	if h.proc == nil {
		return nil
	}
	return h.proc.done
}

// Running reports whether the hypervisor process is still alive.
func (h *VmHandle) Running() bool {
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Stderr returns the tail of what the process wrote to stderr.
func (h *VmHandle) Stderr() string {
	if h.proc == nil {
		return ""
	}
	return h.proc.stderr.String()
}

func (h *VmHandle) VmConfig() VmConfig {
	return h.vmCfg
}

func (h *VmHandle) SandboxConfig() SandboxConfig {
	return h.sbCfg
}

// process owns a spawned child and reaps it.
type process struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}

	mu      sync.Mutex
	waitErr error
}

// startProcess starts cmd in its own process group and reaps it in the
// background.
func startProcess(cmd *exec.Cmd) (*process, error) {
	p := &process{
		cmd:    cmd,
		stderr: newTailBuffer(stderrLimit),
		done:   make(chan struct{}),
	}
	if cmd.Stderr == nil {
		cmd.Stderr = p.stderr
	} else {
		cmd.Stderr = &teeWriter{primary: p.stderr, secondary: cmd.Stderr}
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) kill() error {
	if p.exited() {
		return nil
	}
	pid := p.pid()
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if overflow := t.buf.Len() + len(p) - t.limit; overflow > 0 {
		t.buf.Next(overflow)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// teeWriter never fails because of the secondary writer.
type teeWriter struct {
	primary   *tailBuffer
	secondary io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.secondary.Write(p)
	return w.primary.Write(p)
}
