package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-lanemu/arbiter"
	m "github.com/Meander-Cloud/go-lanemu/message"
)

type ClientOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter

	Txid byte
	Rxid byte

	Self   *m.Peer
	SelfID string
}

// Client owns the outbound connection to one remote peer link server. Packets
// sent before the hello exchange completes are held in a backlog and flushed
// in order once the connection turns ready.
type Client struct {
	options           *ClientOptions
	defaultDescriptor string
	inShutdown        atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32
	txseqGen  atomic.Uint64

	mutex     sync.Mutex
	connState *ConnState // current active tcp connection, if any
	backlog   []*m.PeerPacket
}

func NewClient(options *ClientOptions) (*Client, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	err := options.Self.Validate()
	if err != nil {
		err = fmt.Errorf("%s: invalid Self, err=%w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Client{
		options: options,
		defaultDescriptor: fmt.Sprintf(
			"%s-><%s>",
			options.SelfID,
			options.Address,
		),
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},
		txseqGen:  atomic.Uint64{},

		mutex:     sync.Mutex{},
		connState: nil,
		backlog:   nil,
	}

	return p, nil
}

func (p *Client) Options() *ClientOptions {
	return p.options
}

func (p *Client) Close() {
	log.Printf("%s: %s: protocol closing", p.options.LogPrefix, p.defaultDescriptor)
	p.inShutdown.Store(true)

	var byewg sync.WaitGroup

	// send PeerBye
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if len(p.backlog) > 0 {
			log.Printf("%s: %s: discarding %d backlog packets", p.options.LogPrefix, p.defaultDescriptor, len(p.backlog))
			p.backlog = nil
		}

		if p.connState == nil {
			return
		}
		connState := p.connState
		if !connState.Ready.Swap(false) {
			return
		}

		byewg.Add(1)
		err := p.options.Arbiter.Dispatch(
			"ClientBye",
			func() {
				// invoked on arbiter goroutine
				defer byewg.Done()
				p.writeSync(
					connState,
					&m.Message{
						Txseq:  p.GetNextTxseq(),
						Txtime: time.Now().UTC().UnixMilli(),

						PeerBye: &m.PeerBye{
							Reason: m.PeerByeReasonShutdown,
						},
					},
				)
			},
		)
		if err != nil {
			byewg.Done()
		}
	}()

	// wait until bye is written plus grace period
	byewg.Wait()
	<-time.After(closeGrace)

	// close connection
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState == nil {
			log.Printf("%s: %s: no active connection", p.options.LogPrefix, p.defaultDescriptor)
			return
		}

		p.connState.Conn.Close()
	}()

	log.Printf("%s: %s: protocol closed", p.options.LogPrefix, p.defaultDescriptor)
}

func (p *Client) ReadLoop(conn net.Conn) {
	connState := &ConnState{
		ConnID: p.getNextConnID(),
		Conn:   conn,
		Data:   atomic.Pointer[ConnVolatileData]{},
		Ready:  atomic.Bool{},
	}
	cvd := &ConnVolatileData{
		// to be communicated by peer in PeerHello
		Peer:   nil,
		PeerID: "",

		Descriptor: fmt.Sprintf(
			"[%d]%s-><%s>",
			connState.ConnID,
			p.options.SelfID,
			conn.RemoteAddr().String(),
		),
	}
	connState.Data.Store(cvd)

	network := conn.RemoteAddr().Network()

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, cvd.Descriptor, network)

	defer func() {
		log.Printf("%s: %s: closing %s connection", p.options.LogPrefix, cvd.Descriptor, network)

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			connState.Ready.Store(false)

			if p.connState == nil {
				log.Printf("%s: %s: no connection cached, state corrupt", p.options.LogPrefix, cvd.Descriptor)
				return
			}

			if connState.ConnID != p.connState.ConnID {
				log.Printf("%s: %s: connID mismatch stack<%d>:cached<%d>, state corrupt", p.options.LogPrefix, cvd.Descriptor, connState.ConnID, p.connState.ConnID)
				return
			}

			p.connState = nil
		}()

		conn.Close()
		log.Printf("%s: %s: %s connection closed, inShutdown=%t", p.options.LogPrefix, cvd.Descriptor, network, p.inShutdown.Load())
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState != nil {
			log.Printf("%s: %s: overriding stale connection %s", p.options.LogPrefix, cvd.Descriptor, p.connState.Data.Load().Descriptor)
		}
		p.connState = connState
	}()

	// initiate PeerHello
	err := p.options.Arbiter.Dispatch(
		"ClientHello",
		func() {
			// invoked on arbiter goroutine
			p.writeSync(
				connState,
				&m.Message{
					Txseq:  p.GetNextTxseq(),
					Txtime: time.Now().UTC().UnixMilli(),

					PeerHello: &m.PeerHello{
						Peer: p.options.Self,
					},
				},
			)
		},
	)
	if err != nil {
		return
	}

	handleMessage := func(messageStruct *m.Message) error {
		if messageStruct.PeerHello != nil {
			peer := messageStruct.PeerHello.Peer
			err := peer.Validate()
			if err != nil {
				err = fmt.Errorf("%s: %s: invalid PeerHello, err=%w", p.options.LogPrefix, cvd.Descriptor, err)
				log.Printf("%s", err.Error())
				return err
			}

			if cvd.PeerID != "" {
				err = fmt.Errorf("%s: %s: already processed PeerHello, incoming Peer=%+v", p.options.LogPrefix, cvd.Descriptor, *peer)
				log.Printf("%s", err.Error())
				return err
			}

			// update volatile data
			cvd = &ConnVolatileData{
				Peer:   peer,
				PeerID: peer.ID(),

				// populated next
				Descriptor: "",
			}
			cvd.Descriptor = fmt.Sprintf(
				"[%d]%s->%s<%s>",
				connState.ConnID,
				p.options.SelfID,
				cvd.PeerID,
				conn.RemoteAddr().String(),
			)
			connState.Data.Store(cvd) // atomic

			scopedDescriptor := cvd.Descriptor
			return p.options.Arbiter.Dispatch(
				"ClientReady",
				func() {
					// invoked on arbiter goroutine
					p.mutex.Lock()
					defer p.mutex.Unlock()

					connState.Ready.Store(true)
					log.Printf("%s: %s: connection now ready, flushing %d backlog packets", p.options.LogPrefix, scopedDescriptor, len(p.backlog))

					for _, packet := range p.backlog {
						p.writeSync(
							connState,
							&m.Message{
								Txseq:  p.GetNextTxseq(),
								Txtime: time.Now().UTC().UnixMilli(),

								PeerPacket: packet,
							},
						)
					}
					p.backlog = nil
				},
			)
		} else if messageStruct.PeerBye != nil {
			if cvd.PeerID == "" {
				err := fmt.Errorf("%s: %s: peer unknown, cannot process PeerBye=%+v", p.options.LogPrefix, cvd.Descriptor, *messageStruct.PeerBye)
				log.Printf("%s", err.Error())
				return err
			}

			connState.Ready.Store(false)
			log.Printf("%s: %s: connection no longer ready, reason=%s, inShutdown=%t", p.options.LogPrefix, cvd.Descriptor, messageStruct.PeerBye.Reason, p.inShutdown.Load())

			return nil
		} else {
			err := fmt.Errorf("%s: %s: unsupported messageStruct=%+v", p.options.LogPrefix, cvd.Descriptor, messageStruct)
			log.Printf("%s", err.Error())
			return err
		}
	}

	for {
		messageStruct, err := readWireData(p.options.LogPrefix, p.options.LogDebug, p.options.Rxid, connState)
		if err != nil {
			return
		}

		err = handleMessage(messageStruct)
		if err != nil {
			return
		}
	}
}

// invoked on ReadLoop goroutine
func (p *Client) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Client) GetNextTxseq() uint64 {
	return p.txseqGen.Add(1)
}

// invoked on any goroutine
func (p *Client) CheckConnection() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState == nil {
		return false
	}

	return p.connState.Ready.Load()
}

// Send writes packet once the connection is ready, holding it in the backlog
// until then; invoked on any goroutine.
func (p *Client) Send(packet *m.PeerPacket) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.inShutdown.Load() {
		err := fmt.Errorf("%s: %s: in shutdown, packet discarded", p.options.LogPrefix, p.defaultDescriptor)
		log.Printf("%s", err.Error())
		return err
	}

	if p.connState == nil || !p.connState.Ready.Load() {
		if len(p.backlog) >= maxBacklogLen {
			err := fmt.Errorf("%s: %s: backlog full at %d packets", p.options.LogPrefix, p.defaultDescriptor, len(p.backlog))
			log.Printf("%s", err.Error())
			return err
		}
		p.backlog = append(p.backlog, packet)
		return nil
	}

	connState := p.connState
	return p.options.Arbiter.Dispatch(
		"ClientSend",
		func() {
			// invoked on arbiter goroutine
			p.writeSync(
				connState,
				&m.Message{
					Txseq:  p.GetNextTxseq(),
					Txtime: time.Now().UTC().UnixMilli(),

					PeerPacket: packet,
				},
			)
		},
	)
}

// caller must be on arbiter goroutine
func (p *Client) writeSync(connState *ConnState, messageStruct *m.Message) error {
	return writeWireData(
		p.options.LogPrefix,
		p.options.LogDebug,
		p.options.Txid,
		connState,
		messageStruct,
	)
}
