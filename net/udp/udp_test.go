package udp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenBroadcastLoopback(t *testing.T) {
	rx, err := ListenBroadcast("rx", "127.0.0.1:0")
	require.NoError(t, err)
	defer rx.Close()

	tx, err := ListenBroadcast("tx", "127.0.0.1:0")
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.WriteToUDP([]byte("ping"), rx.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, rx.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := rx.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, "127.0.0.1", addr.IP.String())
}

func TestListenBroadcastInvalidAddress(t *testing.T) {
	_, err := ListenBroadcast("bad", "not-an-address")
	require.Error(t, err)
}
