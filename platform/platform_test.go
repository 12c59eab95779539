package platform

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-lanemu/arbiter"
	"github.com/Meander-Cloud/go-lanemu/callback"
	"github.com/Meander-Cloud/go-lanemu/config"
	"github.com/Meander-Cloud/go-lanemu/discovery"
	m "github.com/Meander-Cloud/go-lanemu/message"
	"github.com/Meander-Cloud/go-lanemu/registry"
)

type testPlatform struct {
	registry   *registry.Registry
	dispatcher *callback.Dispatcher
	discovery  *discovery.Discovery
	networking *Networking
	clock      *clock.Mock
}

func newTestPlatform(t *testing.T, instance string, broadcastAddress string) *testPlatform {
	t.Helper()

	c := &config.Config{
		Host:                      "127.0.0.1",
		Instance:                  instance,
		AppID:                     480,
		EventChannelLength:        64,
		DiscoveryListenAddress:    "127.0.0.1:0",
		DiscoveryBroadcastAddress: broadcastAddress,
		DiscoveryPollInterval:     1,
		ShutdownTimeout:           3,
		PeerLinkPort:              47999,
		LogPrefix:                 fmt.Sprintf("%s-%s", t.Name(), instance),
	}
	require.NoError(t, c.Validate())

	a := arbiter.NewArbiter(c)
	t.Cleanup(a.Shutdown)

	d, err := discovery.NewDiscovery(c)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
	})

	dispatcher := callback.NewDispatcher(&callback.Options{LogPrefix: c.LogPrefix})
	networking := NewNetworking(c.LogPrefix, dispatcher)
	mock := clock.NewMock()

	r := registry.NewRegistry(&registry.Options{
		Aliases:   Aliases,
		LogPrefix: c.LogPrefix,
	})
	require.NoError(t, RegisterAll(r, &Options{
		Config:         c,
		Arbiter:        a,
		Dispatcher:     dispatcher,
		Discovery:      d,
		Networking:     networking,
		Clock:          mock,
		ServerListWait: 50 * time.Millisecond,
	}))

	return &testPlatform{
		registry:   r,
		dispatcher: dispatcher,
		discovery:  d,
		networking: networking,
		clock:      mock,
	}
}

type capture struct {
	mutex    sync.Mutex
	payloads [][]byte
	callIDs  []callback.CallID
}

func (c *capture) Category() int32 { return callback.DeriveCategory }
func (c *capture) Run(payload []byte) {}
func (c *capture) Size() int         { return 0 }

func (c *capture) RunResult(payload []byte, _ bool, callID callback.CallID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// payload is released after the pump, keep a copy
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	c.callIDs = append(c.callIDs, callID)
}

func (c *capture) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.payloads)
}

func TestAliasesResolveBuiltins(t *testing.T) {
	p := newTestPlatform(t, "1", "127.0.0.1:9")

	for token, name := range Aliases {
		impl := p.registry.ResolveByName(token)
		assert.False(t, impl.IsDummy(), token)
		assert.Equal(t, name, impl.Name)
	}

	// map order above is random, pin the newest of each category
	p.registry.ResolveByName("PlatformUtils010")
	p.registry.ResolveByName("PlatformNetworking006")

	assert.Equal(t, 10, p.registry.GetInterfaceVersion(registry.CategoryUtils))
	assert.Equal(t, 6, p.registry.GetInterfaceVersion(registry.CategoryNetworking))
	assert.Equal(t, 2, p.registry.GetInterfaceVersion(registry.CategoryMatchmakingServers))
}

func TestGameServerSessionLifecycle(t *testing.T) {
	p := newTestPlatform(t, "1", "127.0.0.1:9")
	gs := p.registry.ResolveByName("PlatformGameServer013")

	assert.Equal(t, "", gs.Call("SessionID"))
	assert.Equal(t, false, gs.Call("SetKeyValue", "Map", "dust"))

	assert.Equal(t, true, gs.Call("LogOn", "token"))
	sessionID, ok := p.discovery.Session()
	require.True(t, ok)
	assert.Equal(t, sessionID.String(), gs.Call("SessionID"))
	assert.True(t, p.discovery.Advertised())

	assert.Equal(t, true, gs.Call("SetKeyValue", "Map", "dust"))
	assert.Equal(t, false, gs.Call("SetKeyValue", "", "x"))
	assert.Equal(t, true, gs.Call("SendUpdatedServerDetails"))

	gameData := p.discovery.GameData()
	assert.Equal(t, []string{GameDataPeerLinkPort, "Map"}, gameData.Keys())

	gs.Call("LogOff")
	_, ok = p.discovery.Session()
	assert.False(t, ok)
}

func TestRequestLANServerList(t *testing.T) {
	viewer := newTestPlatform(t, "viewer", "127.0.0.1:9")
	host := newTestPlatform(t, "host", viewer.discovery.LocalAddr().String())

	handler := &capture{}
	require.NoError(t, viewer.dispatcher.RegisterHandler(handler, CallbackServerListResponse))

	gs := host.registry.ResolveByName("PlatformGameServer012")
	require.Equal(t, true, gs.Call("LogOn"))
	hostSession, _ := host.discovery.Session()

	mm := viewer.registry.ResolveByCategory(registry.CategoryMatchmakingServers)
	require.False(t, mm.IsDummy())

	// the announce may land after the first request is answered, ask again
	var response ServerListResponse
	deadline := time.Now().Add(5 * time.Second)
	for len(response.Servers) == 0 {
		require.True(t, time.Now().Before(deadline), "server never listed")

		callID := mm.Call("RequestLANServerList").(callback.CallID)
		require.GreaterOrEqual(t, uint64(callID), uint64(callback.FirstCallID))

		before := handler.count()
		require.Eventually(t, func() bool {
			viewer.dispatcher.PumpCallbacks()
			return handler.count() > before
		}, 2*time.Second, 10*time.Millisecond)

		handler.mutex.Lock()
		last := handler.payloads[len(handler.payloads)-1]
		assert.Equal(t, callID, handler.callIDs[len(handler.callIDs)-1])
		handler.mutex.Unlock()

		response = ServerListResponse{}
		require.NoError(t, json.Unmarshal(last, &response))
	}

	assert.Equal(t, uint32(480), response.AppID)
	server := response.Servers[0]
	assert.Equal(t, hostSession.String(), server.SessionID)
	assert.Equal(t, "127.0.0.1", server.HostAddress)
	assert.Equal(t, "127.0.0.1:47999", server.PeerLinkAddress)
	assert.Equal(t, 1, mm.Call("ServerCount"))
}

func TestNewServerInfoPeerLinkAddress(t *testing.T) {
	newPeer := func(hostAddress string, port any) *discovery.PeerSession {
		gameData := discovery.NewGameData()
		if port != nil {
			gameData.Set(GameDataPeerLinkPort, port)
		}
		return &discovery.PeerSession{
			ID:          discovery.NewSessionID(),
			HostAddress: hostAddress,
			GameData:    gameData,
			LastSeen:    time.UnixMilli(1700000000000),
		}
	}

	info := newServerInfo(newPeer("192.168.1.20", float64(47585)))
	assert.Equal(t, "192.168.1.20", info.HostAddress)
	assert.Equal(t, "192.168.1.20:47585", info.PeerLinkAddress)
	assert.Equal(t, int64(1700000000000), info.LastSeen)

	assert.Equal(t, "10.0.0.3:9000", newServerInfo(newPeer("10.0.0.3", 9000)).PeerLinkAddress)
	assert.Equal(t, "10.0.0.3:9001", newServerInfo(newPeer("10.0.0.3", uint16(9001))).PeerLinkAddress)
	assert.Equal(t, "[fe80::1]:47585", newServerInfo(newPeer("fe80::1", float64(47585))).PeerLinkAddress)

	assert.Empty(t, newServerInfo(newPeer("10.0.0.3", nil)).PeerLinkAddress)
	assert.Empty(t, newServerInfo(newPeer("10.0.0.3", float64(0))).PeerLinkAddress)
	assert.Empty(t, newServerInfo(newPeer("10.0.0.3", float64(70000))).PeerLinkAddress)
	assert.Empty(t, newServerInfo(newPeer("10.0.0.3", "47585")).PeerLinkAddress)
}

type fakeSender struct {
	mutex sync.Mutex
	sent  []*P2PPacket
	err   error
}

func (s *fakeSender) Send(address string, channel int32, sendType m.SendType, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, &P2PPacket{Remote: address, Channel: channel, Data: data})
	return nil
}

func TestNetworkingSendAndReceive(t *testing.T) {
	p := newTestPlatform(t, "1", "127.0.0.1:9")
	net6 := p.registry.ResolveByName("PlatformNetworking006")
	net5 := p.registry.ResolveByName("PlatformNetworking005")

	// no transport yet
	assert.Equal(t, false, net6.Call("SendP2PPacket", "127.0.0.1:47000", []byte("x"), m.SendReliable, int32(1)))

	sender := &fakeSender{}
	p.networking.Attach(sender)
	assert.Equal(t, true, net6.Call("SendP2PPacket", "127.0.0.1:47000", []byte("hi"), m.SendReliable, int32(2)))
	assert.Equal(t, true, net5.Call("SendP2PPacket", "127.0.0.1:47000", []byte("old")))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, int32(2), sender.sent[0].Channel)
	assert.Equal(t, int32(0), sender.sent[1].Channel)

	handler := &capture{}
	require.NoError(t, p.dispatcher.RegisterHandler(handler, CallbackP2PSessionRequest))

	peer := &m.Peer{Host: "h", Instance: "i", Time: 1, Port: 47001}
	p.networking.PacketReceived(peer, "127.0.0.1:47001", &m.PeerPacket{Channel: 3, Data: []byte("abc")})
	p.networking.PacketReceived(peer, "127.0.0.1:47001", &m.PeerPacket{Channel: 3, Data: []byte("de")})
	p.networking.PacketReceived(peer, "127.0.0.1:47001", &m.PeerPacket{Channel: 0, Data: []byte("zero")})

	assert.Equal(t, 1, p.dispatcher.PumpCallbacks())
	require.Equal(t, 1, handler.count())
	var request P2PSessionRequest
	require.NoError(t, json.Unmarshal(handler.payloads[0], &request))
	assert.Equal(t, "127.0.0.1:47001", request.Remote)
	assert.Equal(t, callback.InvalidCallID, handler.callIDs[0])

	assert.Equal(t, 3, net6.Call("IsP2PPacketAvailable", int32(3)))
	packet := net6.Call("ReadP2PPacket", int32(3)).(*P2PPacket)
	assert.Equal(t, []byte("abc"), packet.Data)
	assert.Equal(t, "127.0.0.1:47001", packet.Remote)
	assert.Equal(t, 2, net6.Call("IsP2PPacketAvailable", int32(3)))
	net6.Call("ReadP2PPacket", int32(3))
	assert.Equal(t, 0, net6.Call("IsP2PPacketAvailable", int32(3)))
	assert.Nil(t, net6.Call("ReadP2PPacket", int32(3)))
	assert.Nil(t, net6.Call("ReadP2PPacket", int32(9)))

	assert.Equal(t, 4, net5.Call("IsP2PPacketAvailable"))
	assert.Equal(t, []byte("zero"), net5.Call("ReadP2PPacket").(*P2PPacket).Data)

	assert.Equal(t, true, net6.Call("AcceptP2PSessionWithUser", "127.0.0.1:47001"))
	assert.Equal(t, false, net6.Call("AcceptP2PSessionWithUser", "127.0.0.1:1"))

	// after close, the next packet is first contact again
	assert.Equal(t, true, net6.Call("CloseP2PSessionWithUser", "127.0.0.1:47001"))
	p.networking.PacketReceived(peer, "127.0.0.1:47001", &m.PeerPacket{Channel: 3, Data: []byte("again")})
	assert.Equal(t, 1, p.dispatcher.PumpCallbacks())
	assert.Equal(t, 2, handler.count())
}

func TestUtils(t *testing.T) {
	p := newTestPlatform(t, "1", "127.0.0.1:9")
	utils := p.registry.ResolveByCategory(registry.CategoryUtils)
	assert.Equal(t, "Utils009", utils.Name)

	p.clock.Set(time.Unix(1700000000, 0))
	assert.Equal(t, uint32(480), utils.Call("GetAppID"))
	assert.Equal(t, uint32(1700000000), utils.Call("GetServerRealTime"))

	assert.Equal(t, 0, utils.Call("GetPendingCallbackCount"))
	p.dispatcher.CompleteRequest(p.dispatcher.CreateRequest(), 1, []byte("x"))
	assert.Equal(t, 1, utils.Call("GetPendingCallbackCount"))
}
