package firewall

import (
	"fmt"
	"strings"
)

// Mode controls how strictly isolation is applied.
type Mode int

const (
	// ModeEnforce requires privileges and fails closed. It is the zero value
	// so that disabling isolation always has to be explicit.
	ModeEnforce Mode = iota

	// ModeTest applies the same rules but skips the privilege checks.
	ModeTest

	// ModeDisabled turns every operation into a logged no-op.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeEnforce:
		return "enforce"
	case ModeTest:
		return "test"
	case ModeDisabled:
		return "disabled"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses the textual representation of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enforce":
		return ModeEnforce, nil
	case "test":
		return ModeTest, nil
	case "disabled":
		return ModeDisabled, nil
	}
	return ModeEnforce, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}
