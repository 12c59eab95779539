package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/Meander-Cloud/go-lanemu/message"
)

func pipeStates(t *testing.T) (*ConnState, *ConnState) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})

	newState := func(conn net.Conn, descriptor string) *ConnState {
		cs := &ConnState{ConnID: 1, Conn: conn}
		cs.Data.Store(&ConnVolatileData{Descriptor: descriptor})
		return cs
	}
	return newState(c1, "writer"), newState(c2, "reader")
}

func TestWireRoundTrip(t *testing.T) {
	writer, reader := pipeStates(t)

	sent := &m.Message{
		Txseq:  7,
		Txtime: 1700000000000,
		PeerPacket: &m.PeerPacket{
			Channel:  3,
			SendType: m.SendReliable,
			Data:     []byte("hello peer"),
		},
	}

	errch := make(chan error, 1)
	go func() {
		errch <- writeWireData("test", false, ClientSenderID, writer, sent)
	}()

	received, err := readWireData("test", false, ClientSenderID, reader)
	require.NoError(t, err)
	require.NoError(t, <-errch)

	assert.Equal(t, uint64(7), received.Txseq)
	assert.Nil(t, received.PeerHello)
	assert.Nil(t, received.PeerBye)
	require.NotNil(t, received.PeerPacket)
	assert.Equal(t, int32(3), received.PeerPacket.Channel)
	assert.Equal(t, m.SendReliable, received.PeerPacket.SendType)
	assert.Equal(t, []byte("hello peer"), received.PeerPacket.Data)
}

func TestWireRejectsUnexpectedSender(t *testing.T) {
	writer, reader := pipeStates(t)

	go writeWireData("test", false, ServerSenderID, writer, &m.Message{Txseq: 1})

	_, err := readWireData("test", false, ClientSenderID, reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized sender id")
}

func TestWireRejectsBadPattern(t *testing.T) {
	writer, reader := pipeStates(t)

	go writer.Conn.Write([]byte{0x59, protocolVersion, ClientSenderID, 0, 0, 0, 0})

	_, err := readWireData("test", false, ClientSenderID, reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid protocol pattern")
}

func TestWireRejectsOversizedPayload(t *testing.T) {
	writer, reader := pipeStates(t)

	go writer.Conn.Write([]byte{protocolPattern, protocolVersion, ClientSenderID, 0x01, 0x00, 0x02, 0x00})

	_, err := readWireData("test", false, ClientSenderID, reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestConnStatePeerAddress(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cs := &ConnState{ConnID: 1, Conn: &tcpAddrConn{Conn: server}}
	cs.Data.Store(&ConnVolatileData{Descriptor: "x"})
	assert.Equal(t, "", cs.PeerAddress())

	cs.Data.Store(&ConnVolatileData{
		Peer:       &m.Peer{Host: "h", Instance: "i", Time: 1, Port: 47585},
		Descriptor: "x",
	})
	assert.Equal(t, "192.168.1.20:47585", cs.PeerAddress())
}

type tcpAddrConn struct {
	net.Conn
}

func (c *tcpAddrConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 51234}
}
