//go:build !unix && !windows

package udp

func setBroadcastOptions(_ uintptr) error {
	return nil
}
