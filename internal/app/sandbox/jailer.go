package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

const cpuPeriodMicros = 100000

// JailerArgsBuilder assembles the command line of the jailer. Arguments after
// the separator are passed on to the hypervisor.
type JailerArgsBuilder struct {
	id            string
	execFile      string
	uid           int
	gid           int
	chrootBaseDir string
	cgroupVersion string
	cgroups       []string
	netns         string
	hypervisor    []string
}

func NewJailerArgsBuilder() *JailerArgsBuilder {
	return &JailerArgsBuilder{
		cgroupVersion: DefaultCgroupVersion,
	}
}

func (b *JailerArgsBuilder) WithID(id string) *JailerArgsBuilder {
	b.id = id
	return b
}

func (b *JailerArgsBuilder) WithExecFile(execFile string) *JailerArgsBuilder {
	b.execFile = execFile
	return b
}

func (b *JailerArgsBuilder) WithUIDGID(uid int, gid int) *JailerArgsBuilder {
	b.uid = uid
	b.gid = gid
	return b
}

func (b *JailerArgsBuilder) WithChrootBaseDir(dir string) *JailerArgsBuilder {
	b.chrootBaseDir = dir
	return b
}

func (b *JailerArgsBuilder) WithCgroupVersion(version string) *JailerArgsBuilder {
	if version != "" {
		b.cgroupVersion = version
	}
	return b
}

// WithCgroup adds a single controller file assignment.
func (b *JailerArgsBuilder) WithCgroup(file string, value string) *JailerArgsBuilder {
	b.cgroups = append(b.cgroups, fmt.Sprintf("%s=%s", file, value))
	return b
}

// WithResourceLimits translates the limits of cfg into controller files of
// the configured cgroup version.
func (b *JailerArgsBuilder) WithResourceLimits(cfg SandboxConfig) *JailerArgsBuilder {
	memBytes := strconv.FormatUint(cfg.MemoryLimitMB*1024*1024, 10)
	quota := strconv.FormatUint(uint64(cfg.CPUCount)*cpuPeriodMicros, 10)

	if cfg.NUMANode != nil {
		b.WithCgroup("cpuset.mems", strconv.Itoa(*cfg.NUMANode))
	}

	if b.cgroupVersion == "1" {
		b.WithCgroup("cpu.cfs_period_us", strconv.Itoa(cpuPeriodMicros))
		b.WithCgroup("cpu.cfs_quota_us", quota)
		if cfg.CPUShares > 0 {
			b.WithCgroup("cpu.shares", strconv.FormatUint(cfg.CPUShares, 10))
		}
		b.WithCgroup("memory.limit_in_bytes", memBytes)
		if t := cfg.Blkio; t != nil {
			if t.ReadBytesPerSec > 0 {
				b.WithCgroup("blkio.throttle.read_bps_device", fmt.Sprintf("%s %d", t.Device, t.ReadBytesPerSec))
			}
			if t.WriteBytesPerSec > 0 {
				b.WithCgroup("blkio.throttle.write_bps_device", fmt.Sprintf("%s %d", t.Device, t.WriteBytesPerSec))
			}
		}
		return b
	}

	b.WithCgroup("cpu.max", fmt.Sprintf("%s %d", quota, cpuPeriodMicros))
	if cfg.CPUShares > 0 {
		b.WithCgroup("cpu.weight", strconv.FormatUint(sharesToWeight(cfg.CPUShares), 10))
	}
	b.WithCgroup("memory.max", memBytes)
	if t := cfg.Blkio; t != nil && (t.ReadBytesPerSec > 0 || t.WriteBytesPerSec > 0) {
		limits := []string{t.Device}
		if t.ReadBytesPerSec > 0 {
			limits = append(limits, fmt.Sprintf("rbps=%d", t.ReadBytesPerSec))
		}
		if t.WriteBytesPerSec > 0 {
			limits = append(limits, fmt.Sprintf("wbps=%d", t.WriteBytesPerSec))
		}
		b.WithCgroup("io.max", strings.Join(limits, " "))
	}
	return b
}

func (b *JailerArgsBuilder) WithNetNS(path string) *JailerArgsBuilder {
	b.netns = path
	return b
}

// WithHypervisorArgs sets the arguments passed through to the hypervisor.
func (b *JailerArgsBuilder) WithHypervisorArgs(args ...string) *JailerArgsBuilder {
	b.hypervisor = append(b.hypervisor, args...)
	return b
}

func (b *JailerArgsBuilder) Build() []string {
	args := []string{
		"--id", b.id,
		"--exec-file", b.execFile,
		"--uid", strconv.Itoa(b.uid),
		"--gid", strconv.Itoa(b.gid),
		"--chroot-base-dir", b.chrootBaseDir,
		"--cgroup-version", b.cgroupVersion,
	}
	for _, cg := range b.cgroups {
		args = append(args, "--cgroup", cg)
	}
	if b.netns != "" {
		args = append(args, "--netns", b.netns)
	}
	if len(b.hypervisor) > 0 {
		args = append(args, "--")
		args = append(args, b.hypervisor...)
	}
	return args
}

// sharesToWeight maps cgroup v1 cpu shares [2, 262144] onto the cgroup v2
// weight range [1, 10000].
func sharesToWeight(shares uint64) uint64 {
	if shares < 2 {
		shares = 2
	}
	if shares > 262144 {
		shares = 262144
	}
	return 1 + ((shares-2)*9999)/262142
}
