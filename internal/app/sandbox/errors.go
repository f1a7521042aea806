package sandbox

import (
	"fmt"
	"strings"
)

// Cause classifies why a launch failed.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseConfig
	CauseResourcesMissing
	CausePrivilege
	CauseCgroup
	CauseTimeout
	CauseAPI
)

func (c Cause) String() string {
	switch c {
	case CauseConfig:
		return "CONFIG"
	case CauseResourcesMissing:
		return "RESOURCES_MISSING"
	case CausePrivilege:
		return "PRIVILEGE"
	case CauseCgroup:
		return "CGROUP"
	case CauseTimeout:
		return "TIMEOUT"
	case CauseAPI:
		return "API"
	}
	return "UNKNOWN"
}

// LaunchError is returned by every failed launch or restore attempt.
type LaunchError struct {
	VmID   string
	Cause  Cause
	Stderr string
	Err    error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("failed to launch vm %s (%s): %v", e.VmID, e.Cause, e.Err)
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func launchError(vmID string, cause Cause, err error) *LaunchError {
	return &LaunchError{VmID: vmID, Cause: cause, Err: err}
}

// classify derives a cause from what the jailer or hypervisor wrote to stderr
// before it died.
func classify(stderr string) Cause {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "cgroup"):
		return CauseCgroup
	case strings.Contains(s, "operation not permitted"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "unshare"),
		strings.Contains(s, "setns"),
		strings.Contains(s, "chroot"):
		return CausePrivilege
	case strings.Contains(s, "no such file"),
		strings.Contains(s, "not found"):
		return CauseResourcesMissing
	}
	return CauseTimeout
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
