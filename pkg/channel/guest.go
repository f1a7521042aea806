package channel

import (
	"fmt"

	"github.com/mdlayher/vsock"
)

// DefaultPort is the vsock port the host listens on for guest connections.
const DefaultPort uint32 = 1024

// DialHost connects from inside a guest to the host over AF_VSOCK.
func DialHost(port uint32) (*Client, error) {
	conn, err := vsock.Dial(vsock.Host, port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial host on vsock port %d: %w", port, err)
	}
	return NewClient(conn), nil
}
