//go:build windows

package udp

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func setBroadcastOptions(fd uintptr) error {
	err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	if err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	err = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	if err != nil {
		return fmt.Errorf("set SO_BROADCAST: %w", err)
	}

	return nil
}
