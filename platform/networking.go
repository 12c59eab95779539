package platform

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/Meander-Cloud/go-lanemu/callback"
	m "github.com/Meander-Cloud/go-lanemu/message"
	"github.com/Meander-Cloud/go-lanemu/registry"
)

// Sender writes a packet to the peer listening on address.
type Sender interface {
	Send(address string, channel int32, sendType m.SendType, data []byte) error
}

type P2PPacket struct {
	Remote  string
	Channel int32
	Data    []byte
}

// P2PSessionRequest is the payload of a CallbackP2PSessionRequest completion.
type P2PSessionRequest struct {
	Remote string `json:"remote"`
}

// Networking buffers inbound peer packets per channel until the host reads
// them, and announces first contact from a remote through the dispatcher.
type Networking struct {
	logPrefix  string
	dispatcher *callback.Dispatcher

	mutex    sync.Mutex
	sender   Sender
	queueMap map[int32]*linkedlistqueue.Queue[*P2PPacket]
	peerMap  map[string]bool // remote -> accepted
}

func NewNetworking(logPrefix string, dispatcher *callback.Dispatcher) *Networking {
	return &Networking{
		logPrefix:  fmt.Sprintf("%s-Networking", logPrefix),
		dispatcher: dispatcher,

		mutex:    sync.Mutex{},
		sender:   nil,
		queueMap: make(map[int32]*linkedlistqueue.Queue[*P2PPacket]),
		peerMap:  make(map[string]bool),
	}
}

// Attach sets the outbound transport, the link is built after the handler it
// reports to.
func (n *Networking) Attach(sender Sender) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.sender = sender
}

// invoked on host goroutine
func (n *Networking) SendP2PPacket(remote string, channel int32, sendType m.SendType, data []byte) bool {
	n.mutex.Lock()
	sender := n.sender
	n.peerMap[remote] = true // sending implies acceptance
	n.mutex.Unlock()

	if sender == nil {
		log.Printf("%s: no transport attached, cannot send to %s", n.logPrefix, remote)
		return false
	}

	return sender.Send(remote, channel, sendType, data) == nil
}

// IsP2PPacketAvailable returns the size of the next packet on channel, zero
// when none is queued.
func (n *Networking) IsP2PPacketAvailable(channel int32) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	queue, found := n.queueMap[channel]
	if !found {
		return 0
	}

	packet, ok := queue.Peek()
	if !ok {
		return 0
	}
	return len(packet.Data)
}

// invoked on host goroutine
func (n *Networking) ReadP2PPacket(channel int32) *P2PPacket {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	queue, found := n.queueMap[channel]
	if !found {
		return nil
	}

	packet, ok := queue.Dequeue()
	if !ok {
		return nil
	}
	return packet
}

// invoked on host goroutine
func (n *Networking) AcceptP2PSessionWithUser(remote string) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	_, found := n.peerMap[remote]
	if !found {
		return false
	}
	n.peerMap[remote] = true
	return true
}

// invoked on host goroutine
func (n *Networking) CloseP2PSessionWithUser(remote string) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	_, found := n.peerMap[remote]
	delete(n.peerMap, remote)
	return found
}

// invoked on arbiter goroutine
func (n *Networking) PeerJoined(peer *m.Peer, address string) {
	log.Printf("%s: peer %s reachable at %s", n.logPrefix, peer.ID(), address)
}

// invoked on arbiter goroutine
func (n *Networking) PeerLeft(peer *m.Peer, address string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	delete(n.peerMap, address)
}

// invoked on arbiter goroutine
func (n *Networking) PacketReceived(peer *m.Peer, address string, packet *m.PeerPacket) {
	firstContact := false
	func() {
		n.mutex.Lock()
		defer n.mutex.Unlock()

		_, found := n.peerMap[address]
		if !found {
			n.peerMap[address] = false
			firstContact = true
		}

		queue, found := n.queueMap[packet.Channel]
		if !found {
			queue = linkedlistqueue.New[*P2PPacket]()
			n.queueMap[packet.Channel] = queue
		}
		queue.Enqueue(
			&P2PPacket{
				Remote:  address,
				Channel: packet.Channel,
				Data:    packet.Data,
			},
		)
	}()

	if !firstContact {
		return
	}

	buf, err := json.Marshal(&P2PSessionRequest{Remote: address})
	if err != nil {
		log.Printf("%s: failed to marshal session request from %s, err=%s", n.logPrefix, address, err.Error())
		return
	}
	n.dispatcher.CompleteRequest(callback.InvalidCallID, CallbackP2PSessionRequest, buf)
}

// untyped nil for the host when no packet is queued
func packetOrNil(packet *P2PPacket) any {
	if packet == nil {
		return nil
	}
	return packet
}

// RegisterNetworking adds Networking005 and Networking006. 005 predates
// channels and always uses channel zero.
func RegisterNetworking(r *registry.Registry, options *Options) {
	n := options.Networking
	logPrefix := options.Config.LogPrefix

	r.Register(
		registry.CategoryNetworking,
		"Networking005",
		registry.Methods{
			"SendP2PPacket": func(args ...any) any {
				return n.SendP2PPacket(
					argString(logPrefix, "SendP2PPacket", args, 0),
					0,
					argSendType(logPrefix, "SendP2PPacket", args, 2),
					argBytes(logPrefix, "SendP2PPacket", args, 1),
				)
			},
			"IsP2PPacketAvailable": func(args ...any) any {
				return n.IsP2PPacketAvailable(0)
			},
			"ReadP2PPacket": func(args ...any) any {
				return packetOrNil(n.ReadP2PPacket(0))
			},
			"AcceptP2PSessionWithUser": func(args ...any) any {
				return n.AcceptP2PSessionWithUser(argString(logPrefix, "AcceptP2PSessionWithUser", args, 0))
			},
			"CloseP2PSessionWithUser": func(args ...any) any {
				return n.CloseP2PSessionWithUser(argString(logPrefix, "CloseP2PSessionWithUser", args, 0))
			},
		},
	)

	r.Register(
		registry.CategoryNetworking,
		"Networking006",
		registry.Methods{
			"SendP2PPacket": func(args ...any) any {
				return n.SendP2PPacket(
					argString(logPrefix, "SendP2PPacket", args, 0),
					argInt32(logPrefix, "SendP2PPacket", args, 3),
					argSendType(logPrefix, "SendP2PPacket", args, 2),
					argBytes(logPrefix, "SendP2PPacket", args, 1),
				)
			},
			"IsP2PPacketAvailable": func(args ...any) any {
				return n.IsP2PPacketAvailable(argInt32(logPrefix, "IsP2PPacketAvailable", args, 0))
			},
			"ReadP2PPacket": func(args ...any) any {
				return packetOrNil(n.ReadP2PPacket(argInt32(logPrefix, "ReadP2PPacket", args, 0)))
			},
			"AcceptP2PSessionWithUser": func(args ...any) any {
				return n.AcceptP2PSessionWithUser(argString(logPrefix, "AcceptP2PSessionWithUser", args, 0))
			},
			"CloseP2PSessionWithUser": func(args ...any) any {
				return n.CloseP2PSessionWithUser(argString(logPrefix, "CloseP2PSessionWithUser", args, 0))
			},
		},
	)
}
