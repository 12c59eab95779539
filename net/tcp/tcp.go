package tcp

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-lanemu/arbiter"
	"github.com/Meander-Cloud/go-lanemu/config"
	g "github.com/Meander-Cloud/go-lanemu/group"
	m "github.com/Meander-Cloud/go-lanemu/message"
	"github.com/Meander-Cloud/go-lanemu/metrics"
	tp "github.com/Meander-Cloud/go-lanemu/net/tcp/protocol"
)

// LinkHandler receives peer link events on the arbiter goroutine. address is
// the remote peer's own peer link listen address, usable with Link.Send.
type LinkHandler interface {
	PeerJoined(peer *m.Peer, address string)
	PeerLeft(peer *m.Peer, address string)
	PacketReceived(peer *m.Peer, address string, packet *m.PeerPacket)
}

type ServerStruct struct {
	protocol  *tp.Server
	tcpServer *tcp.TcpServer
}

type ClientStruct struct {
	protocol  *tp.Client
	tcpClient *tcp.TcpClient
	lastSend  atomic.Int64 // epoch nanoseconds
}

// Link accepts peer link connections on the configured port and lazily dials
// one outbound client per remote address on first send.
type Link struct {
	c       *config.Config
	a       *arbiter.Arbiter
	handler LinkHandler
	metrics *metrics.Metrics
	self    *m.Peer
	selfID  string

	inShutdown atomic.Bool
	server     *ServerStruct
	clientwg   sync.WaitGroup
	clientSeq  uint32

	mutex     sync.Mutex
	clientMap map[string]*ClientStruct // remote address -> client
}

func NewLink(
	c *config.Config,
	a *arbiter.Arbiter,
	handler LinkHandler,
	mt *metrics.Metrics,
	self *m.Peer,
) (*Link, error) {
	if handler == nil {
		err := fmt.Errorf("%s: nil LinkHandler", c.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if mt == nil {
		mt = metrics.New()
	}

	l := &Link{
		c:       c,
		a:       a,
		handler: handler,
		metrics: mt,
		self:    self,
		selfID:  self.ID(),

		inShutdown: atomic.Bool{},
		server: &ServerStruct{
			protocol:  nil,
			tcpServer: nil,
		},
		clientwg:  sync.WaitGroup{},
		clientSeq: 0,

		mutex:     sync.Mutex{},
		clientMap: make(map[string]*ClientStruct),
	}

	var err error
	defer func() {
		if err != nil {
			l.Shutdown() // wait
		}
	}()

	l.server.protocol, err = tp.NewServer(
		&tp.ServerOptions{
			Options:       l.tcpOptions(fmt.Sprintf(":%d", c.GetPeerLinkPort()), fmt.Sprintf("%s-LinkServer", c.LogPrefix)),
			Arbiter:       a,
			ServerHandler: l,
			Txid:          tp.ServerSenderID,
			Rxid:          tp.ClientSenderID,
			Self:          self,
			SelfID:        l.selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	l.server.protocol.Options().Protocol = l.server.protocol

	l.server.tcpServer, err = tcp.NewTcpServer(l.server.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	err = a.DispatchWait(
		"ScheduleIdleSweep",
		func() {
			// invoked on arbiter goroutine
			l.scheduleIdleSweep()
		},
	)
	if err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Link) tcpOptions(address string, logPrefix string) *tcp.Options {
	return &tcp.Options{
		Address:           address,
		KeepAliveInterval: l.c.GetTcpKeepAliveInterval(),
		KeepAliveCount:    l.c.GetTcpKeepAliveCount(),
		DialTimeout:       l.c.GetTcpDialTimeout(),
		ReconnectInterval: l.c.GetTcpReconnectInterval(),
		ReconnectLogEvery: l.c.GetTcpReconnectLogEvery(),
		Protocol:          nil,
		LogPrefix:         logPrefix,
		LogDebug:          l.c.LogDebug,
	}
}

// Shutdown says bye on every connection and closes the server and all
// clients, waiting for each.
func (l *Link) Shutdown() {
	if l.inShutdown.Swap(true) {
		return
	}
	log.Printf("%s: link shutting down", l.c.LogPrefix)

	l.a.DispatchWait(
		"ReleaseIdleSweep",
		func() {
			// invoked on arbiter goroutine
			l.a.Scheduler().ProcessSync(
				&scheduler.ReleaseGroupEvent[g.Group]{
					Group: g.GroupPeerLinkIdleSweep,
				},
			)
		},
	)

	var clientMap map[string]*ClientStruct
	func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()

		clientMap = l.clientMap
		l.clientMap = make(map[string]*ClientStruct)
	}()

	for _, client := range clientMap {
		l.closeClient(client)
	}
	l.clientwg.Wait()

	if l.server != nil &&
		l.server.tcpServer != nil {
		l.server.tcpServer.Shutdown() // wait
	}

	log.Printf("%s: link shut down", l.c.LogPrefix)
}

// Send queues data for the peer listening on address, dialling on first use.
func (l *Link) Send(address string, channel int32, sendType m.SendType, data []byte) error {
	if l.inShutdown.Load() {
		err := fmt.Errorf("%s: link in shutdown, cannot send to %s", l.c.LogPrefix, address)
		log.Printf("%s", err.Error())
		return err
	}

	client, err := l.getClient(address)
	if err != nil {
		return err
	}
	client.lastSend.Store(time.Now().UTC().UnixNano())

	err = client.protocol.Send(
		&m.PeerPacket{
			Channel:  channel,
			SendType: sendType,
			Data:     data,
		},
	)
	if err != nil {
		return err
	}

	l.metrics.PeerPacketSent.Inc()
	return nil
}

// Clients lists remote addresses with an open outbound client.
func (l *Link) Clients() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	addresses := make([]string, 0, len(l.clientMap))
	for address := range l.clientMap {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Inbound counts remote peers whose hello was accepted by the server.
func (l *Link) Inbound() int {
	return l.server.protocol.ConnectionCount()
}

// Connected reports whether the outbound client to address completed its
// hello exchange.
func (l *Link) Connected(address string) bool {
	l.mutex.Lock()
	client, found := l.clientMap[address]
	l.mutex.Unlock()

	if !found {
		return false
	}
	return client.protocol.CheckConnection()
}

func (l *Link) getClient(address string) (*ClientStruct, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	client, found := l.clientMap[address]
	if found {
		return client, nil
	}

	l.clientSeq++
	client = &ClientStruct{
		protocol:  nil,
		tcpClient: nil,
		lastSend:  atomic.Int64{},
	}

	var err error
	client.protocol, err = tp.NewClient(
		&tp.ClientOptions{
			Options: l.tcpOptions(address, fmt.Sprintf("%s-LinkClient-%d", l.c.LogPrefix, l.clientSeq)),
			Arbiter: l.a,
			Txid:    tp.ClientSenderID,
			Rxid:    tp.ServerSenderID,
			Self:    l.self,
			SelfID:  l.selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	client.protocol.Options().Protocol = client.protocol

	client.tcpClient, err = tcp.NewTcpClient(client.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	client.lastSend.Store(time.Now().UTC().UnixNano())
	l.clientMap[address] = client
	l.metrics.PeerLinkConnections.Inc()
	log.Printf("%s: dialling peer link client to %s", l.c.LogPrefix, address)

	return client, nil
}

// closeClient shuts down off the arbiter goroutine, as protocol Close waits on
// writes dispatched to it.
func (l *Link) closeClient(client *ClientStruct) {
	l.metrics.PeerLinkConnections.Dec()

	l.clientwg.Add(1)
	go func() {
		defer l.clientwg.Done()
		client.tcpClient.Shutdown() // wait
	}()
}

// invoked on arbiter goroutine
func (l *Link) scheduleIdleSweep() {
	if l.inShutdown.Load() {
		return
	}

	wait := l.c.GetPeerLinkIdleTimeout() / 2
	l.a.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{g.GroupPeerLinkIdleSweep},
				wait,
				func() {
					// invoked on arbiter goroutine
					l.sweepIdleClients()
					l.scheduleIdleSweep()
				},
				nil,
			),
		},
	)
}

// invoked on arbiter goroutine
func (l *Link) sweepIdleClients() {
	idleTimeout := l.c.GetPeerLinkIdleTimeout()
	now := time.Now().UTC()

	var idle []*ClientStruct
	func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()

		for address, client := range l.clientMap {
			lastSend := time.Unix(0, client.lastSend.Load())
			if now.Sub(lastSend) < idleTimeout {
				continue
			}

			log.Printf("%s: closing idle peer link client to %s, lastSend=%s", l.c.LogPrefix, address, lastSend.Format(time.RFC3339))
			delete(l.clientMap, address)
			idle = append(idle, client)
		}
	}()

	for _, client := range idle {
		l.closeClient(client)
	}
}

// invoked on arbiter goroutine
func (l *Link) PeerJoined(_ *tp.Server, connState *tp.ConnState, hello *m.PeerHello) {
	address := connState.PeerAddress()
	log.Printf("%s: peer %s joined from %s", l.c.LogPrefix, hello.Peer.ID(), address)
	l.handler.PeerJoined(hello.Peer, address)
}

// invoked on arbiter goroutine
func (l *Link) PeerLeft(_ *tp.Server, connState *tp.ConnState, bye *m.PeerBye) {
	cvd := connState.Data.Load()
	address := connState.PeerAddress()
	log.Printf("%s: peer %s left from %s, reason=%s", l.c.LogPrefix, cvd.PeerID, address, bye.Reason)
	l.handler.PeerLeft(cvd.Peer, address)
}

// invoked on arbiter goroutine
func (l *Link) PacketReceived(_ *tp.Server, connState *tp.ConnState, packet *m.PeerPacket) {
	l.metrics.PeerPacketReceived.Inc()
	l.handler.PacketReceived(connState.Data.Load().Peer, connState.PeerAddress(), packet)
}
