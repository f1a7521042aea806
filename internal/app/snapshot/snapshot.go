package snapshot

import (
	"time"

	"github.com/dennishilgert/stockade/internal/app/sandbox"
)

// FormatVersion is bumped whenever the on-disk layout changes. Snapshots of
// another version are discarded on load.
const FormatVersion = 1

// Metadata describes a snapshot. It is written once and never changed.
type Metadata struct {
	ID            string           `json:"id"`
	VmConfig      sandbox.VmConfig `json:"vmConfig"`
	CreatedAt     time.Time        `json:"createdAt"`
	SizeBytes     int64            `json:"sizeBytes"`
	FormatVersion int              `json:"formatVersion"`

	// Sandboxed records whether the template VM ran jailed. The stored
	// state refers to its files by paths of that layout.
	Sandboxed bool `json:"sandboxed"`
}

type Snapshot struct {
	Metadata

	Dir           string
	MemFilePath   string
	StateFilePath string
}

// Age returns how long ago the snapshot was created.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// IsStale reports whether the snapshot is older than maxAge. A zero maxAge
// never expires.
func (s *Snapshot) IsStale(maxAge time.Duration) bool {
	return maxAge > 0 && s.Age() > maxAge
}
