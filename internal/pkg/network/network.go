package network

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

var (
	ErrLinkNotFound  = errors.New("network link not found")
	ErrNetNSNotFound = errors.New("network namespace not found")
)

// LinkExists checks that a network interface with the given name exists on
// the host.
func LinkExists(name string) error {
	if _, err := netlink.LinkByName(name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLinkNotFound, name, err)
	}
	return nil
}

// ValidateNetNS checks that path refers to an openable network namespace.
func ValidateNetNS(path string) error {
	handle, err := netns.GetFromPath(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetNSNotFound, path, err)
	}
	return handle.Close()
}
