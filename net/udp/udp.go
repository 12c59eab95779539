package udp

import (
	"context"
	"fmt"
	"log"
	"net"
	"syscall"
)

// ListenBroadcast opens a udp4 socket on address with broadcast and address
// reuse enabled, so several processes on one host can share the port.
func ListenBroadcast(logPrefix string, address string) (*net.UDPConn, error) {
	lc := &net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			var opErr error
			err := rc.Control(func(fd uintptr) {
				opErr = setBroadcastOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", address)
	if err != nil {
		err = fmt.Errorf("%s: failed to listen on address=%s, err=%w", logPrefix, address, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		err = fmt.Errorf("%s: unexpected packet conn type %T", logPrefix, pc)
		log.Printf("%s", err.Error())
		return nil, err
	}

	log.Printf("%s: listening on %s", logPrefix, conn.LocalAddr().String())

	return conn, nil
}
