package platform

import (
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Meander-Cloud/go-lanemu/arbiter"
	"github.com/Meander-Cloud/go-lanemu/callback"
	"github.com/Meander-Cloud/go-lanemu/config"
	"github.com/Meander-Cloud/go-lanemu/discovery"
	"github.com/Meander-Cloud/go-lanemu/registry"
)

// completion categories posted by the builtin interfaces
const (
	CallbackP2PSessionRequest  int32 = 1202
	CallbackServerListResponse int32 = 2001
)

// game data key carrying the host's peer link port
const GameDataPeerLinkPort = "PeerLinkPort"

// how long a server list request lets announces accumulate before answering
const ServerListWait time.Duration = time.Millisecond * 500

// Aliases maps the literal ABI tokens found in game binaries to canonical
// interface names.
var Aliases = map[string]string{
	"PlatformGameServer012":         "GameServer012",
	"PlatformGameServer013":         "GameServer013",
	"PlatformMatchmakingServers002": "MatchmakingServers002",
	"PlatformNetworking005":         "Networking005",
	"PlatformNetworking006":         "Networking006",
	"PlatformUtils009":              "Utils009",
	"PlatformUtils010":              "Utils010",
}

type Options struct {
	Config     *config.Config
	Arbiter    *arbiter.Arbiter
	Dispatcher *callback.Dispatcher
	Discovery  *discovery.Discovery
	Networking *Networking
	Clock      clock.Clock

	// zero means ServerListWait
	ServerListWait time.Duration
}

func (o *Options) validate() error {
	if o.Config == nil {
		err := fmt.Errorf("nil Config")
		log.Printf("%s", err.Error())
		return err
	}

	if o.Arbiter == nil ||
		o.Dispatcher == nil ||
		o.Discovery == nil ||
		o.Networking == nil {
		err := fmt.Errorf("%s: incomplete platform options %+v", o.Config.LogPrefix, *o)
		log.Printf("%s", err.Error())
		return err
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}

	if o.ServerListWait == 0 {
		o.ServerListWait = ServerListWait
	}

	return nil
}

// RegisterAll populates r with every builtin table, in ledger order.
func RegisterAll(r *registry.Registry, options *Options) error {
	err := options.validate()
	if err != nil {
		return err
	}

	RegisterGameServer(r, options)
	RegisterMatchmakingServers(r, options)
	RegisterNetworking(r, options)
	RegisterUtils(r, options)

	return nil
}
