//go:build unix

package udp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setBroadcastOptions(fd uintptr) error {
	err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	if err != nil {
		return fmt.Errorf("set SO_BROADCAST: %w", err)
	}

	return nil
}
