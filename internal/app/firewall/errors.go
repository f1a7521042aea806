package firewall

import "errors"

var (
	// ErrNeedRoot is returned in enforce mode when the process lacks the
	// privileges to modify packet filter rules.
	ErrNeedRoot = errors.New("network isolation requires root privileges")

	// ErrToolMissing is returned in enforce mode when the packet filter tool
	// is not installed.
	ErrToolMissing = errors.New("packet filter tool not found")

	// ErrChainInUse is returned when another VM already holds the chain the
	// VM id maps to.
	ErrChainInUse = errors.New("isolation chain is held by another vm")

	// ErrChainReferenced is returned when a chain is about to be deleted
	// while a rule still jumps to it.
	ErrChainReferenced = errors.New("isolation chain is still referenced")

	ErrInvalidMode = errors.New("invalid isolation mode")
)
