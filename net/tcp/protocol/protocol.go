package protocol

import (
	"net"
	"sync/atomic"
	"time"

	m "github.com/Meander-Cloud/go-lanemu/message"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

const (
	headerLen        int    = 7
	typicalBufferLen int    = 2048  // 2 KB
	maxPayloadLen    uint32 = 65536 // 64 KB, largest p2p packet plus envelope
	maxBacklogLen    int    = 256
)

const (
	protocolPattern byte = 0x4C
	protocolVersion byte = 0x01
)

const (
	ServerSenderID byte = 0x01
	ClientSenderID byte = 0x02
)

type ConnVolatileData struct {
	Peer       *m.Peer
	PeerID     string
	Descriptor string
}

type ConnState struct {
	ConnID uint32
	Conn   net.Conn
	// callers can set pointers but must not modify pointed data, to allow concurrent immutable read
	Data  atomic.Pointer[ConnVolatileData]
	Ready atomic.Bool
}

// PeerAddress is where the remote peer accepts peer link connections, known
// once the hello exchange completed.
func (cs *ConnState) PeerAddress() string {
	cvd := cs.Data.Load()
	if cvd == nil || cvd.Peer == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(cs.Conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, itoa(cvd.Peer.Port))
}
