package client

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/Meander-Cloud/go-lanemu/arbiter"
	"github.com/Meander-Cloud/go-lanemu/callback"
	"github.com/Meander-Cloud/go-lanemu/config"
	"github.com/Meander-Cloud/go-lanemu/discovery"
	m "github.com/Meander-Cloud/go-lanemu/message"
	"github.com/Meander-Cloud/go-lanemu/metrics"
	"github.com/Meander-Cloud/go-lanemu/net/tcp"
	"github.com/Meander-Cloud/go-lanemu/platform"
	"github.com/Meander-Cloud/go-lanemu/registry"
)

type Option func(*Client)

func WithClock(clk clock.Clock) Option {
	return func(cl *Client) {
		cl.clock = clk
	}
}

// WithRelease sets the function handed every completion payload once the
// pump is done with it.
func WithRelease(release func([]byte)) Option {
	return func(cl *Client) {
		cl.release = release
	}
}

// WithServerListWait overrides platform.ServerListWait.
func WithServerListWait(wait time.Duration) Option {
	return func(cl *Client) {
		cl.serverListWait = wait
	}
}

// Client owns every subsystem the host talks to, built in dependency order
// and torn down in reverse.
type Client struct {
	c              *config.Config
	clock          clock.Clock
	release        func([]byte)
	serverListWait time.Duration
	inShutdown     atomic.Bool

	metrics    *metrics.Metrics
	a          *arbiter.Arbiter
	registry   *registry.Registry
	dispatcher *callback.Dispatcher
	discovery  *discovery.Discovery
	networking *platform.Networking
	link       *tcp.Link
}

func NewClient(c *config.Config, options ...Option) (*Client, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	cl := &Client{
		c:              c,
		clock:          clock.New(),
		release:        nil,
		serverListWait: 0,
		inShutdown:     atomic.Bool{},

		metrics: metrics.New(),
		a:       nil,
	}
	for _, option := range options {
		option(cl)
	}

	defer func() {
		if err != nil {
			cl.Shutdown() // wait
		}
	}()

	cl.a = arbiter.NewArbiter(c)

	cl.registry = registry.NewRegistry(
		&registry.Options{
			Aliases:   platform.Aliases,
			Metrics:   cl.metrics,
			LogPrefix: fmt.Sprintf("%s-Registry", c.LogPrefix),
			LogDebug:  c.LogDebug,
		},
	)

	cl.dispatcher = callback.NewDispatcher(
		&callback.Options{
			Release:   cl.release,
			Metrics:   cl.metrics,
			LogPrefix: fmt.Sprintf("%s-Dispatcher", c.LogPrefix),
			LogDebug:  c.LogDebug,
		},
	)

	cl.discovery, err = discovery.NewDiscovery(
		c,
		discovery.WithClock(cl.clock),
		discovery.WithMetrics(cl.metrics),
	)
	if err != nil {
		return nil, err
	}

	cl.networking = platform.NewNetworking(c.LogPrefix, cl.dispatcher)

	cl.link, err = tcp.NewLink(
		c,
		cl.a,
		cl.networking,
		cl.metrics,
		&m.Peer{
			Host:     c.Host,
			Instance: c.Instance,
			Time:     cl.clock.Now().UTC().UnixMilli(),
			Port:     c.GetPeerLinkPort(),
		},
	)
	if err != nil {
		return nil, err
	}
	cl.networking.Attach(cl.link)

	err = platform.RegisterAll(
		cl.registry,
		&platform.Options{
			Config:         c,
			Arbiter:        cl.a,
			Dispatcher:     cl.dispatcher,
			Discovery:      cl.discovery,
			Networking:     cl.networking,
			Clock:          cl.clock,
			ServerListWait: cl.serverListWait,
		},
	)
	if err != nil {
		return nil, err
	}

	log.Printf("%s: client ready, appID=%d, peer link port=%d", c.LogPrefix, c.AppID, c.GetPeerLinkPort())
	return cl, nil
}

// Shutdown ends any hosted session and releases every subsystem, returning
// the combined errors. Safe to call more than once.
func (cl *Client) Shutdown() error {
	if cl.inShutdown.Swap(true) {
		return nil
	}

	var err error

	if cl.discovery != nil {
		cl.discovery.Terminatesession()
	}

	if cl.link != nil {
		cl.link.Shutdown() // wait
	}

	if cl.discovery != nil {
		err = multierr.Append(err, cl.discovery.Close())
	}

	if cl.a != nil {
		cl.a.Shutdown() // wait
	}

	if cl.dispatcher != nil {
		pending := cl.dispatcher.Pending()
		if pending > 0 {
			log.Printf("%s: dropping %d completions never pumped", cl.c.LogPrefix, pending)
		}
	}

	if err != nil {
		log.Printf("%s: client shut down with errors: %s", cl.c.LogPrefix, err.Error())
		return err
	}

	log.Printf("%s: client shut down", cl.c.LogPrefix)
	return nil
}

func (cl *Client) Config() *config.Config {
	return cl.c
}

func (cl *Client) Metrics() *metrics.Metrics {
	return cl.metrics
}

func (cl *Client) Registry() *registry.Registry {
	return cl.registry
}

func (cl *Client) Dispatcher() *callback.Dispatcher {
	return cl.dispatcher
}

func (cl *Client) Discovery() *discovery.Discovery {
	return cl.discovery
}

func (cl *Client) Link() *tcp.Link {
	return cl.link
}

// ResolveByName is the entry point generated stubs use for a literal
// interface token.
func (cl *Client) ResolveByName(name string) *registry.Interface {
	return cl.registry.ResolveByName(name)
}

func (cl *Client) ResolveByCategory(category registry.Category) *registry.Interface {
	return cl.registry.ResolveByCategory(category)
}

func (cl *Client) RegisterHandler(handler callback.Handler, categoryOverride int32) error {
	return cl.dispatcher.RegisterHandler(handler, categoryOverride)
}

func (cl *Client) PumpCallbacks() int {
	return cl.dispatcher.PumpCallbacks()
}
