package client

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-lanemu/callback"
	"github.com/Meander-Cloud/go-lanemu/config"
	m "github.com/Meander-Cloud/go-lanemu/message"
	"github.com/Meander-Cloud/go-lanemu/platform"
	"github.com/Meander-Cloud/go-lanemu/registry"
)

func freePort(t *testing.T) uint16 {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func newTestClient(t *testing.T, instance string, broadcastAddress string) *Client {
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
		PeerLinkPort:              freePort(t),
		TcpDialTimeout:            1,
		TcpReconnectInterval:      1,
		LogPrefix:                 fmt.Sprintf("%s-%s", t.Name(), instance),
	}

	cl, err := NewClient(c, WithServerListWait(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, cl.Shutdown())
	})

	return cl
}

type recorder struct {
	mutex    sync.Mutex
	payloads [][]byte
}

func (r *recorder) Category() int32 { return callback.DeriveCategory }
func (r *recorder) Run(payload []byte) {}
func (r *recorder) Size() int         { return 0 }

func (r *recorder) RunResult(payload []byte, _ bool, _ callback.CallID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
}

func (r *recorder) last() []byte {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1]
}

func (r *recorder) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.payloads)
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(&config.Config{Host: "h", Instance: "1"})
	assert.Error(t, err)
}

func TestHostDiscoverAndExchangePackets(t *testing.T) {
	viewer := newTestClient(t, "viewer", "127.0.0.1:9")
	host := newTestClient(t, "host", viewer.Discovery().LocalAddr().String())

	listRecorder := &recorder{}
	require.NoError(t, viewer.RegisterHandler(listRecorder, platform.CallbackServerListResponse))
	sessionRecorder := &recorder{}
	require.NoError(t, host.RegisterHandler(sessionRecorder, platform.CallbackP2PSessionRequest))

	// host side
	gs := host.ResolveByName("PlatformGameServer013")
	require.False(t, gs.IsDummy())
	require.Equal(t, true, gs.Call("LogOn", ""))
	require.Equal(t, true, gs.Call("SetKeyValue", "Map", "harbor"))
	require.Equal(t, true, gs.Call("SendUpdatedServerDetails"))

	// viewer side, repeat until the announce has been consumed
	mm := viewer.ResolveByName("PlatformMatchmakingServers002")
	var response platform.ServerListResponse
	deadline := time.Now().Add(5 * time.Second)
	for len(response.Servers) == 0 {
		require.True(t, time.Now().Before(deadline), "host never listed")

		before := listRecorder.count()
		mm.Call("RequestLANServerList")
		require.Eventually(t, func() bool {
			viewer.PumpCallbacks()
			return listRecorder.count() > before
		}, 2*time.Second, 10*time.Millisecond)

		response = platform.ServerListResponse{}
		require.NoError(t, json.Unmarshal(listRecorder.last(), &response))
	}

	server := response.Servers[0]
	hostLink := fmt.Sprintf("127.0.0.1:%d", host.Config().GetPeerLinkPort())
	viewerLink := fmt.Sprintf("127.0.0.1:%d", viewer.Config().GetPeerLinkPort())
	require.Equal(t, hostLink, server.PeerLinkAddress)
	mapName, found := server.GameData.Get("Map")
	require.True(t, found)
	assert.Equal(t, "harbor", mapName)

	viewerNet := viewer.ResolveByName("PlatformNetworking006")
	hostNet := host.ResolveByName("PlatformNetworking006")

	require.Equal(t, true, viewerNet.Call("SendP2PPacket", server.PeerLinkAddress, []byte("join"), m.SendReliable, int32(1)))

	require.Eventually(t, func() bool {
		host.PumpCallbacks()
		return sessionRecorder.count() == 1 && hostNet.Call("IsP2PPacketAvailable", int32(1)).(int) > 0
	}, 5*time.Second, 10*time.Millisecond)

	var request platform.P2PSessionRequest
	require.NoError(t, json.Unmarshal(sessionRecorder.last(), &request))
	assert.Equal(t, viewerLink, request.Remote)

	packet := hostNet.Call("ReadP2PPacket", int32(1)).(*platform.P2PPacket)
	assert.Equal(t, []byte("join"), packet.Data)
	require.Equal(t, true, hostNet.Call("AcceptP2PSessionWithUser", packet.Remote))

	require.Equal(t, true, hostNet.Call("SendP2PPacket", packet.Remote, []byte("welcome"), m.SendReliable, int32(1)))
	require.Eventually(t, func() bool {
		return viewerNet.Call("IsP2PPacketAvailable", int32(1)).(int) > 0
	}, 5*time.Second, 10*time.Millisecond)
	reply := viewerNet.Call("ReadP2PPacket", int32(1)).(*platform.P2PPacket)
	assert.Equal(t, []byte("welcome"), reply.Data)
	assert.Equal(t, hostLink, reply.Remote)

	assert.Equal(t, float64(1), testutil.ToFloat64(host.Metrics().PeerPacketSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(host.Metrics().PeerPacketReceived))
}

func TestUnknownInterfaceFallsBackToDummy(t *testing.T) {
	cl := newTestClient(t, "solo", "127.0.0.1:9")

	impl := cl.ResolveByName("PlatformFriends015")
	assert.True(t, impl.IsDummy())
	assert.Nil(t, impl.Call("GetPersonaName"))

	utils := cl.ResolveByCategory(registry.CategoryUtils)
	assert.Equal(t, uint32(480), utils.Call("GetAppID"))

	assert.NoError(t, cl.Shutdown())
	assert.NoError(t, cl.Shutdown())
}
