package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/Meander-Cloud/go-lanemu/config"
	"github.com/Meander-Cloud/go-lanemu/metrics"
	"github.com/Meander-Cloud/go-lanemu/net/udp"
)

const drainReadWait time.Duration = time.Millisecond

type Option func(*Discovery)

func WithClock(clk clock.Clock) Option {
	return func(d *Discovery) {
		d.clock = clk
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Discovery) {
		d.metrics = m
	}
}

// Discovery advertises the local session over UDP broadcast and tracks peer
// sessions built from what other processes advertise.
type Discovery struct {
	c       *config.Config
	clock   clock.Clock
	metrics *metrics.Metrics

	prefix        [appIDLen]byte
	conn          *net.UDPConn
	broadcastAddr *net.UDPAddr

	heartbeatInterval time.Duration
	pollInterval      time.Duration
	evictionWindow    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool

	localMutex sync.Mutex
	local      LocalSession

	mailboxMutex sync.Mutex
	mailbox      map[SessionID]*inbound

	// consumer goroutine only
	peerMap map[SessionID]*PeerSession
}

func NewDiscovery(c *config.Config, options ...Option) (*Discovery, error) {
	broadcastAddress := c.GetDiscoveryBroadcastAddress()
	broadcastAddr, err := net.ResolveUDPAddr("udp4", broadcastAddress)
	if err != nil {
		err = fmt.Errorf("%s: invalid broadcast address=%s, err=%w", c.LogPrefix, broadcastAddress, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Discovery{
		c:       c,
		clock:   clock.New(),
		metrics: nil,

		prefix:        encodeAppID(c.AppID),
		conn:          nil,
		broadcastAddr: broadcastAddr,

		heartbeatInterval: c.GetDiscoveryHeartbeatInterval(),
		pollInterval:      c.GetDiscoveryPollInterval(),
		evictionWindow:    c.GetDiscoveryEvictionWindow(),

		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		closed: atomic.Bool{},

		localMutex: sync.Mutex{},
		local: LocalSession{
			ID:       ZeroSessionID,
			GameData: NewGameData(),
		},

		mailboxMutex: sync.Mutex{},
		mailbox:      make(map[SessionID]*inbound),

		peerMap: make(map[SessionID]*PeerSession),
	}

	for _, option := range options {
		option(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}

	d.conn, err = udp.ListenBroadcast(c.LogPrefix, c.GetDiscoveryListenAddress())
	if err != nil {
		cancel()
		return nil, err
	}

	// ownership of the socket read side is transferred to the receive goroutine
	go d.receiveLoop()

	return d, nil
}

func (d *Discovery) LocalAddr() *net.UDPAddr {
	addr, _ := d.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close stops the receive goroutine and waits at most the shutdown timeout
// for it to exit.
func (d *Discovery) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.cancel()
	err := d.conn.Close()
	if err != nil {
		err = fmt.Errorf("%s: failed to close socket, err=%w", d.c.LogPrefix, err)
		log.Printf("%s", err.Error())
	}

	select {
	case <-d.done:
		log.Printf("%s: discovery closed", d.c.LogPrefix)
		return err
	case <-time.After(d.c.GetShutdownTimeout()):
		joinErr := fmt.Errorf("%s: discovery receive loop did not exit within %v", d.c.LogPrefix, d.c.GetShutdownTimeout())
		log.Printf("%s", joinErr.Error())
		return multierr.Append(err, joinErr)
	}
}

// invoked on any goroutine
func (d *Discovery) Createsession() SessionID {
	d.localMutex.Lock()
	defer d.localMutex.Unlock()

	if !d.local.ID.IsZero() {
		log.Printf("%s: session %s already created", d.c.LogPrefix, d.local.ID)
		return d.local.ID
	}

	d.local = LocalSession{
		ID:            NewSessionID(),
		GameData:      NewGameData(),
		LastBroadcast: time.Time{},
		Advertised:    false,
	}
	log.Printf("%s: session %s created", d.c.LogPrefix, d.local.ID)

	return d.local.ID
}

// invoked on any goroutine
func (d *Discovery) Terminatesession() {
	var sessionID SessionID
	var advertised bool
	func() {
		d.localMutex.Lock()
		defer d.localMutex.Unlock()

		sessionID = d.local.ID
		advertised = d.local.Advertised
	}()

	if sessionID.IsZero() {
		return
	}

	if advertised {
		d.send(sessionID, EventEndsession, "")
	}

	d.localMutex.Lock()
	defer d.localMutex.Unlock()

	d.local = LocalSession{
		ID:       ZeroSessionID,
		GameData: NewGameData(),
	}
	log.Printf("%s: session %s terminated, advertised=%t", d.c.LogPrefix, sessionID, advertised)
}

// invoked on any goroutine
func (d *Discovery) Session() (SessionID, bool) {
	d.localMutex.Lock()
	defer d.localMutex.Unlock()

	return d.local.ID, !d.local.ID.IsZero()
}

// invoked on any goroutine
func (d *Discovery) Advertised() bool {
	d.localMutex.Lock()
	defer d.localMutex.Unlock()

	return d.local.Advertised
}

// invoked on any goroutine
func (d *Discovery) SetGameData(key string, value any) error {
	d.localMutex.Lock()
	defer d.localMutex.Unlock()

	if d.local.ID.IsZero() {
		err := fmt.Errorf("%s: no session, cannot set key=%s", d.c.LogPrefix, key)
		log.Printf("%s", err.Error())
		return err
	}

	d.local.GameData.Set(key, value)
	return nil
}

// invoked on any goroutine
func (d *Discovery) GameData() *GameData {
	d.localMutex.Lock()
	defer d.localMutex.Unlock()

	return d.local.GameData.Clone()
}

// Broadcast sends one event for the local session, fire and forget.
func (d *Discovery) Broadcast(event string, data string) error {
	sessionID, ok := d.Session()
	if !ok {
		err := fmt.Errorf("%s: no session, cannot broadcast event=%s", d.c.LogPrefix, event)
		log.Printf("%s", err.Error())
		return err
	}

	return d.send(sessionID, event, data)
}

// Announce broadcasts the full local game data.
func (d *Discovery) Announce() error {
	return d.broadcastState(EventAnnounce)
}

func (d *Discovery) broadcastState(event string) error {
	sessionID, ok := d.Session()
	if !ok {
		err := fmt.Errorf("%s: no session, cannot broadcast event=%s", d.c.LogPrefix, event)
		log.Printf("%s", err.Error())
		return err
	}

	buf, err := json.Marshal(d.GameData())
	if err != nil {
		err = fmt.Errorf("%s: failed to marshal game data, err=%w", d.c.LogPrefix, err)
		log.Printf("%s", err.Error())
		return err
	}

	return d.send(sessionID, event, string(buf))
}

func (d *Discovery) send(sessionID SessionID, event string, data string) error {
	buf, err := encodeDatagram(
		d.prefix,
		&Envelope{
			Event:     event,
			SessionID: sessionID.String(),
			Data:      ensureBase64(data),
		},
	)
	if err != nil {
		err = fmt.Errorf("%s: failed to encode event=%s, err=%w", d.c.LogPrefix, event, err)
		log.Printf("%s", err.Error())
		return err
	}

	func() {
		d.localMutex.Lock()
		defer d.localMutex.Unlock()

		if d.local.ID == sessionID {
			d.local.LastBroadcast = d.clock.Now()
			d.local.Advertised = true
		}
	}()

	// lost datagrams are covered by the periodic full state re-send
	n, err := d.conn.WriteToUDP(buf, d.broadcastAddr)
	if err != nil {
		log.Printf("%s: failed to send event=%s to %s, err=%s", d.c.LogPrefix, event, d.broadcastAddr.String(), err.Error())
		return nil
	}
	d.metrics.DatagramSent.Inc()

	if d.c.LogDebug {
		log.Printf("%s: sent event=%s session=%s, %d bytes", d.c.LogPrefix, event, sessionID, n)
	}

	return nil
}

// receive goroutine
func (d *Discovery) receiveLoop() {
	defer close(d.done)

	buf := make([]byte, maxDatagramLen)
	for {
		if d.ctx.Err() != nil {
			return
		}

		if !d.armReadDeadline(d.pollInterval) {
			return
		}
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err == nil {
			d.handleDatagram(buf[:n], addr)
			if !d.drain(buf) {
				return
			}
		} else if !isTimeout(err) {
			if d.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("%s: read error, err=%s", d.c.LogPrefix, err.Error())
		}

		d.checkHeartbeat()
	}
}

// receive goroutine, reads until nothing is immediately pending
func (d *Discovery) drain(buf []byte) bool {
	for {
		if !d.armReadDeadline(drainReadWait) {
			return false
		}
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				return true
			}
			return d.ctx.Err() == nil && !errors.Is(err, net.ErrClosed)
		}
		d.handleDatagram(buf[:n], addr)
	}
}

// receive goroutine, false once the socket is closed
func (d *Discovery) armReadDeadline(wait time.Duration) bool {
	err := d.conn.SetReadDeadline(time.Now().Add(wait))
	if err == nil {
		return true
	}
	if d.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return false
	}

	// the read that follows blocks until a datagram arrives
	log.Printf("%s: failed to set read deadline, err=%s", d.c.LogPrefix, err.Error())
	return true
}

// receive goroutine
func (d *Discovery) handleDatagram(buf []byte, addr *net.UDPAddr) {
	d.metrics.DatagramReceived.Inc()

	sessionID, envelope, err := decodeDatagram(d.prefix, buf)
	if err != nil {
		var de *decodeError
		if errors.As(err, &de) && de.foreign {
			d.metrics.Dropped(metrics.DropForeignApp)
		} else {
			d.metrics.Dropped(metrics.DropMalformed)
		}
		if d.c.LogDebug {
			log.Printf("%s: dropped datagram from %s, err=%s", d.c.LogPrefix, addr.String(), err.Error())
		}
		return
	}

	d.post(
		sessionID,
		&inbound{
			Event:  envelope.Event,
			Data:   envelope.Data,
			Sender: addr.IP.String(),
		},
	)
}

// invoked on any goroutine, last write wins per session
func (d *Discovery) post(sessionID SessionID, entry *inbound) {
	d.mailboxMutex.Lock()
	defer d.mailboxMutex.Unlock()

	d.mailbox[sessionID] = entry
}

// receive goroutine
func (d *Discovery) checkHeartbeat() {
	var due bool
	func() {
		d.localMutex.Lock()
		defer d.localMutex.Unlock()

		if d.local.ID.IsZero() {
			return
		}
		due = d.clock.Since(d.local.LastBroadcast) >= d.heartbeatInterval
	}()

	if !due {
		return
	}

	d.broadcastState(EventServerupdate)
}

// Listservers folds everything received since the previous call into the
// peer table and returns a snapshot of it. Only one goroutine may call it.
func (d *Discovery) Listservers() []*PeerSession {
	var mailbox map[SessionID]*inbound
	func() {
		d.mailboxMutex.Lock()
		defer d.mailboxMutex.Unlock()

		mailbox = d.mailbox
		d.mailbox = make(map[SessionID]*inbound)
	}()

	localID, _ := d.Session()
	now := d.clock.Now()

	for sessionID, entry := range mailbox {
		if entry.Event == EventEndsession {
			peer, found := d.peerMap[sessionID]
			if !found {
				continue
			}
			if peer.HostAddress != entry.Sender {
				d.metrics.Dropped(metrics.DropSpoofed)
				log.Printf("%s: peer %s<%s> endsession from %s rejected, address mismatch", d.c.LogPrefix, sessionID, peer.HostAddress, entry.Sender)
				continue
			}
			delete(d.peerMap, sessionID)
			log.Printf("%s: peer %s<%s> ended session", d.c.LogPrefix, sessionID, entry.Sender)
			continue
		}

		if !localID.IsZero() && sessionID == localID {
			d.metrics.Dropped(metrics.DropSelfEcho)
			continue
		}

		gameData, err := decodeGameData(entry.Data)
		if err != nil {
			d.metrics.Dropped(metrics.DropMalformed)
			if d.c.LogDebug {
				log.Printf("%s: peer %s<%s> sent malformed data, err=%s", d.c.LogPrefix, sessionID, entry.Sender, err.Error())
			}
			continue
		}

		peer, found := d.peerMap[sessionID]
		if !found {
			peer = &PeerSession{
				ID:          sessionID,
				HostAddress: entry.Sender,
				GameData:    NewGameData(),
				LastSeen:    now,
			}
			d.peerMap[sessionID] = peer
			log.Printf("%s: peer %s<%s> discovered via %s", d.c.LogPrefix, sessionID, entry.Sender, entry.Event)
		} else if peer.HostAddress != entry.Sender {
			d.metrics.Dropped(metrics.DropSpoofed)
			log.Printf("%s: peer %s<%s> update from %s rejected, address mismatch", d.c.LogPrefix, sessionID, peer.HostAddress, entry.Sender)
			continue
		}

		peer.GameData.Merge(gameData)
		peer.LastSeen = now
	}

	for sessionID, peer := range d.peerMap {
		if now.Sub(peer.LastSeen) <= d.evictionWindow {
			continue
		}
		delete(d.peerMap, sessionID)
		d.metrics.PeerSessionsEvicted.Inc()
		log.Printf("%s: peer %s<%s> evicted, last seen %v ago", d.c.LogPrefix, sessionID, peer.HostAddress, now.Sub(peer.LastSeen))
	}
	d.metrics.PeerSessions.Set(float64(len(d.peerMap)))

	peers := make([]*PeerSession, 0, len(d.peerMap))
	for _, peer := range d.peerMap {
		peers = append(peers, peer.Clone())
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.String() < peers[j].ID.String()
	})

	return peers
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
