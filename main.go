package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Meander-Cloud/go-lanemu/callback"
	"github.com/Meander-Cloud/go-lanemu/client"
	"github.com/Meander-Cloud/go-lanemu/config"
	"github.com/Meander-Cloud/go-lanemu/platform"
)

const (
	pumpInterval    time.Duration = time.Millisecond * 50
	refreshInterval time.Duration = time.Second * 10
)

func serveMetrics(cl *client.Client) *http.Server {
	address := cl.Config().MetricsAddress
	if address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cl.Metrics().Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 3,
	}
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("%s: metrics server exited, err=%s", cl.Config().LogPrefix, err.Error())
		}
	}()

	log.Printf("%s: serving metrics on %s", cl.Config().LogPrefix, address)
	return server
}

// demo hosts a session when invoked with "host", otherwise browses for one,
// pumping callbacks the way a game loop would.
func demo() {
	if len(os.Args) <= 2 {
		log.Printf("demo: usage: %s <config.yaml> host|browse", os.Args[0])
		return
	}

	c, err := config.Load(os.Args[1])
	if err != nil {
		return
	}
	mode := os.Args[2]

	cl, err := client.NewClient(c)
	if err != nil {
		return
	}

	metricsServer := serveMetrics(cl)

	cl.RegisterHandler(
		&callback.Legacy{
			CategoryCode: platform.CallbackServerListResponse,
			Func: func(payload []byte) {
				response := &platform.ServerListResponse{}
				err := json.Unmarshal(payload, response)
				if err != nil {
					log.Printf("%s: bad server list, err=%s", c.LogPrefix, err.Error())
					return
				}
				for _, server := range response.Servers {
					log.Printf("%s: server session=%s host=%s link=%s", c.LogPrefix, server.SessionID, server.HostAddress, server.PeerLinkAddress)
				}
			},
		},
		callback.DeriveCategory,
	)

	cl.RegisterHandler(
		&callback.Legacy{
			CategoryCode: platform.CallbackP2PSessionRequest,
			Func: func(payload []byte) {
				request := &platform.P2PSessionRequest{}
				json.Unmarshal(payload, request)
				log.Printf("%s: accepting p2p session from %s", c.LogPrefix, request.Remote)
				cl.ResolveByName("PlatformNetworking006").Call("AcceptP2PSessionWithUser", request.Remote)
			},
		},
		callback.DeriveCategory,
	)

	switch mode {
	case "host":
		gs := cl.ResolveByName("PlatformGameServer013")
		gs.Call("LogOn", "")
		gs.Call("SetKeyValue", "Map", "demo")
		gs.Call("SendUpdatedServerDetails")
	default:
		cl.ResolveByName("PlatformMatchmakingServers002").Call("RequestLANServerList")
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)

	pumpTicker := time.NewTicker(pumpInterval)
	defer pumpTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case sig := <-sigch:
			log.Printf("demo: received signal %s, exiting", sig.String())

			if metricsServer != nil {
				metricsServer.Close()
			}
			cl.Shutdown()
			return
		case <-pumpTicker.C:
			cl.PumpCallbacks()
		case <-refreshTicker.C:
			if mode != "host" {
				cl.ResolveByName("PlatformMatchmakingServers002").Call("RequestLANServerList")
			}
		}
	}
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	demo()
}
