package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeExecutable creates a shell script that is executable by the test
// process.
func writeExecutable(t *testing.T, dir string, name string, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func writeFile(t *testing.T, dir string, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func validSandboxConfig(t *testing.T, dir string) SandboxConfig {
	return SandboxConfig{
		ID:            "vm-1",
		ExecFile:      writeExecutable(t, dir, "firecracker", "exec sleep 30"),
		CPUCount:      1,
		MemoryLimitMB: MinMemoryLimitMB,
	}
}

func validVmConfig(t *testing.T, dir string) VmConfig {
	return VmConfig{
		KernelImagePath: writeFile(t, dir, "vmlinux"),
		RootfsPath:      writeFile(t, dir, "rootfs.ext4"),
		VCPUCount:       1,
		MemSizeMib:      128,
		GuestCID:        DefaultGuestCID,
		ChannelPort:     1024,
		RootfsReadOnly:  true,
	}
}

func TestSandboxConfigValidate(t *testing.T) {
	dir := t.TempDir()
	base := validSandboxConfig(t, dir)

	tests := []struct {
		name    string
		mutate  func(c *SandboxConfig)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *SandboxConfig) {},
		},
		{
			name:    "zero cpu count",
			mutate:  func(c *SandboxConfig) { c.CPUCount = 0 },
			wantErr: "CPU count",
		},
		{
			name:    "memory below minimum",
			mutate:  func(c *SandboxConfig) { c.MemoryLimitMB = 64 },
			wantErr: "128 MB",
		},
		{
			name:    "missing exec file",
			mutate:  func(c *SandboxConfig) { c.ExecFile = filepath.Join(dir, "missing") },
			wantErr: "not executable",
		},
		{
			name:    "exec file not executable",
			mutate:  func(c *SandboxConfig) { c.ExecFile = writeFile(t, dir, "plain") },
			wantErr: "not executable",
		},
		{
			name:    "id with path separator",
			mutate:  func(c *SandboxConfig) { c.ID = "../escape" },
			wantErr: "not a valid path element",
		},
		{
			name:    "unknown cgroup version",
			mutate:  func(c *SandboxConfig) { c.CgroupVersion = "3" },
			wantErr: "invalid sandbox configuration",
		},
		{
			name:    "missing seccomp filter",
			mutate:  func(c *SandboxConfig) { c.SeccompFilter = filepath.Join(dir, "filter.bpf") },
			wantErr: "seccomp filter",
		},
		{
			name:   "missing jailer is allowed",
			mutate: func(c *SandboxConfig) { c.JailerBinary = filepath.Join(dir, "jailer") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestVmConfigValidate(t *testing.T) {
	dir := t.TempDir()
	cfg := validVmConfig(t, dir)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid vm config, got %v", err)
	}

	cfg.KernelImagePath = filepath.Join(dir, "missing-kernel")
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "kernel image") {
		t.Fatalf("expected missing kernel error, got %v", err)
	}

	cfg = validVmConfig(t, dir)
	cfg.GuestCID = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected reserved guest cid to be rejected")
	}
}

func TestBootArgs(t *testing.T) {
	cfg := VmConfig{ChannelPort: 1024}
	args := cfg.bootArgs()
	for _, want := range []string{"console=ttyS0", "reboot=k", "panic=1", "pci=off", "nomodules", "stockade.port=1024"} {
		if !strings.Contains(args, want) {
			t.Errorf("boot args %q lack %q", args, want)
		}
	}

	cfg.KernelArgs = "console=none"
	if got := cfg.bootArgs(); got != "console=none" {
		t.Fatalf("explicit kernel args not used: %q", got)
	}
}
