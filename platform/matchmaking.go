package platform

import (
	"encoding/json"
	"log"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/Meander-Cloud/go-lanemu/callback"
	"github.com/Meander-Cloud/go-lanemu/discovery"
	g "github.com/Meander-Cloud/go-lanemu/group"
	"github.com/Meander-Cloud/go-lanemu/registry"
)

type ServerInfo struct {
	SessionID       string              `json:"session_id"`
	HostAddress     string              `json:"host_address"`
	PeerLinkAddress string              `json:"peer_link_address,omitempty"`
	GameData        *discovery.GameData `json:"game_data"`
	LastSeen        int64               `json:"last_seen"` // epoch milliseconds
}

// ServerListResponse is the payload of a CallbackServerListResponse
// completion.
type ServerListResponse struct {
	AppID   uint32        `json:"app_id"`
	Servers []*ServerInfo `json:"servers"`
}

func newServerInfo(peer *discovery.PeerSession) *ServerInfo {
	info := &ServerInfo{
		SessionID:       peer.ID.String(),
		HostAddress:     peer.HostAddress,
		PeerLinkAddress: "",
		GameData:        peer.GameData,
		LastSeen:        peer.LastSeen.UTC().UnixMilli(),
	}

	value, found := peer.GameData.Get(GameDataPeerLinkPort)
	if !found {
		return info
	}

	var port int
	switch v := value.(type) {
	case float64:
		port = int(v)
	case int:
		port = v
	case uint16:
		port = int(v)
	default:
		return info
	}
	if port <= 0 || port > 65535 {
		return info
	}

	// HostAddress is the bare sender IP
	info.PeerLinkAddress = net.JoinHostPort(peer.HostAddress, strconv.Itoa(port))

	return info
}

type matchmakingServers struct {
	options     *Options
	serverCount atomic.Int32
}

// invoked on host goroutine
func (s *matchmakingServers) requestLANServerList() callback.CallID {
	callID := s.options.Dispatcher.CreateRequest()
	wait := s.options.ServerListWait

	err := s.options.Arbiter.Dispatch(
		"RequestLANServerList",
		func() {
			// invoked on arbiter goroutine
			s.options.Arbiter.Scheduler().ProcessSync(
				&scheduler.ScheduleAsyncEvent[g.Group]{
					AsyncVariant: scheduler.TimerAsync(
						true,
						[]g.Group{g.GroupServerListWait},
						wait,
						func() {
							// invoked on arbiter goroutine
							s.completeServerList(callID)
						},
						nil,
					),
				},
			)
		},
	)
	if err != nil {
		return callback.InvalidCallID
	}

	return callID
}

// invoked on arbiter goroutine, the only consumer of the discovery mailbox
func (s *matchmakingServers) completeServerList(callID callback.CallID) {
	peers := s.options.Discovery.Listservers()

	response := &ServerListResponse{
		AppID:   s.options.Config.AppID,
		Servers: make([]*ServerInfo, 0, len(peers)),
	}
	for _, peer := range peers {
		response.Servers = append(response.Servers, newServerInfo(peer))
	}
	s.serverCount.Store(int32(len(response.Servers)))

	buf, err := json.Marshal(response)
	if err != nil {
		log.Printf("%s: callID=%d, failed to marshal server list, err=%s", s.options.Config.LogPrefix, callID, err.Error())
		return
	}

	log.Printf("%s: callID=%d, reporting %d LAN servers", s.options.Config.LogPrefix, callID, len(response.Servers))
	s.options.Dispatcher.CompleteRequest(callID, CallbackServerListResponse, buf)
}

// RegisterMatchmakingServers adds MatchmakingServers002.
func RegisterMatchmakingServers(r *registry.Registry, options *Options) {
	s := &matchmakingServers{
		options: options,
	}

	r.Register(
		registry.CategoryMatchmakingServers,
		"MatchmakingServers002",
		registry.Methods{
			"RequestLANServerList": func(args ...any) any {
				return s.requestLANServerList()
			},
			"ServerCount": func(args ...any) any {
				return int(s.serverCount.Load())
			},
		},
	)
}
