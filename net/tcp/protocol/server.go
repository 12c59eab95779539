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

const closeGrace time.Duration = time.Millisecond * 200

type ServerHandler interface {
	PeerJoined(*Server, *ConnState, *m.PeerHello)
	PeerLeft(*Server, *ConnState, *m.PeerBye)
	PacketReceived(*Server, *ConnState, *m.PeerPacket)
}

type ServerOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	ServerHandler

	Txid byte
	Rxid byte

	Self   *m.Peer
	SelfID string
}

type Server struct {
	options    *ServerOptions
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32
	txseqGen  atomic.Uint64

	mutex   sync.Mutex
	connMap map[uint32]*ConnState // connID -> tcp connection state
}

func NewServer(options *ServerOptions) (*Server, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ServerHandler == nil {
		err := fmt.Errorf("%s: nil ServerHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	err := options.Self.Validate()
	if err != nil {
		err = fmt.Errorf("%s: invalid Self, err=%w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Server{
		options:    options,
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},
		txseqGen:  atomic.Uint64{},

		mutex:   sync.Mutex{},
		connMap: make(map[uint32]*ConnState),
	}

	return p, nil
}

func (p *Server) Options() *ServerOptions {
	return p.options
}

func (p *Server) Close() {
	log.Printf("%s: protocol closing", p.options.LogPrefix)
	p.inShutdown.Store(true)

	var byewg sync.WaitGroup

	// send PeerBye
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, volatileConnState := range p.connMap {
			scopedConnState := volatileConnState
			if !scopedConnState.Ready.Swap(false) {
				continue
			}

			byewg.Add(1)
			err := p.options.Arbiter.Dispatch(
				"ServerBye",
				func() {
					// invoked on arbiter goroutine
					defer byewg.Done()
					p.WriteSync(
						scopedConnState,
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
		}
	}()

	// wait until all byes are written plus grace period
	byewg.Wait()
	<-time.After(closeGrace)

	// close connections
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, connState := range p.connMap {
			connState.Conn.Close()
		}
	}()

	log.Printf("%s: protocol closed", p.options.LogPrefix)
}

func (p *Server) ReadLoop(conn net.Conn) {
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
			"[%d]%s<-<%s>",
			connState.ConnID,
			p.options.SelfID,
			conn.RemoteAddr().String(),
		),
	}
	connState.Data.Store(cvd)

	network := conn.RemoteAddr().Network()
	peerLeftDispatched := false

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, cvd.Descriptor, network)

	defer func() {
		log.Printf("%s: %s: closing %s connection", p.options.LogPrefix, cvd.Descriptor, network)
		connState.Ready.Store(false)

		if cvd.PeerID != "" && !peerLeftDispatched {
			reason := m.PeerByeReasonInvalid
			if p.inShutdown.Load() {
				reason = m.PeerByeReasonShutdown
			}

			p.options.Arbiter.Dispatch(
				"PeerLeft",
				func() {
					// invoked on arbiter goroutine
					p.options.PeerLeft(
						p,
						connState,
						&m.PeerBye{
							Reason: reason,
						},
					)
				},
			)
			peerLeftDispatched = true
		}

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			_, found := p.connMap[connState.ConnID]
			if !found {
				log.Printf("%s: %s: connID=%d not found in connection map", p.options.LogPrefix, cvd.Descriptor, connState.ConnID)
				return
			}
			delete(p.connMap, connState.ConnID)
		}()

		conn.Close()
		log.Printf("%s: %s: %s connection closed, inShutdown=%t", p.options.LogPrefix, cvd.Descriptor, network, p.inShutdown.Load())
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		cached, found := p.connMap[connState.ConnID]
		if found {
			log.Printf("%s: %s: overriding duplicate connection %s", p.options.LogPrefix, cvd.Descriptor, cached.Data.Load().Descriptor)
		}
		p.connMap[connState.ConnID] = connState
	}()

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
				"[%d]%s<-%s<%s>",
				connState.ConnID,
				p.options.SelfID,
				cvd.PeerID,
				conn.RemoteAddr().String(),
			)
			connState.Data.Store(cvd) // atomic

			scopedDescriptor := cvd.Descriptor
			return p.options.Arbiter.Dispatch(
				"PeerJoined",
				func() {
					// invoked on arbiter goroutine
					err := p.WriteSync(
						connState,
						&m.Message{
							Txseq:  p.GetNextTxseq(),
							Txtime: time.Now().UTC().UnixMilli(),

							PeerHello: &m.PeerHello{
								Peer: p.options.Self,
							},
						},
					)
					if err != nil {
						return
					}

					connState.Ready.Store(true)
					log.Printf("%s: %s: connection now ready", p.options.LogPrefix, scopedDescriptor)

					p.options.PeerJoined(
						p,
						connState,
						messageStruct.PeerHello,
					)
				},
			)
		}

		if cvd.PeerID == "" {
			err := fmt.Errorf("%s: %s: peer unknown, cannot process messageStruct=%+v", p.options.LogPrefix, cvd.Descriptor, messageStruct)
			log.Printf("%s", err.Error())
			return err
		}

		if messageStruct.PeerBye != nil {
			if peerLeftDispatched {
				err := fmt.Errorf("%s: %s: duplicate PeerBye", p.options.LogPrefix, cvd.Descriptor)
				log.Printf("%s", err.Error())
				return err
			}

			scopedDescriptor := cvd.Descriptor
			err := p.options.Arbiter.Dispatch(
				"PeerLeft",
				func() {
					// invoked on arbiter goroutine
					connState.Ready.Store(false)
					log.Printf("%s: %s: connection no longer ready, reason=%s", p.options.LogPrefix, scopedDescriptor, messageStruct.PeerBye.Reason)

					p.options.PeerLeft(
						p,
						connState,
						messageStruct.PeerBye,
					)
				},
			)
			peerLeftDispatched = true
			return err
		} else if messageStruct.PeerPacket != nil {
			return p.options.Arbiter.Dispatch(
				"PacketReceived",
				func() {
					// invoked on arbiter goroutine
					p.options.PacketReceived(
						p,
						connState,
						messageStruct.PeerPacket,
					)
				},
			)
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
func (p *Server) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Server) GetNextTxseq() uint64 {
	return p.txseqGen.Add(1)
}

// invoked on any goroutine
func (p *Server) ConnectionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	count := 0
	for _, connState := range p.connMap {
		if connState.Ready.Load() {
			count++
		}
	}
	return count
}

// caller must be on arbiter goroutine
func (p *Server) WriteSync(connState *ConnState, messageStruct *m.Message) error {
	return writeWireData(
		p.options.LogPrefix,
		p.options.LogDebug,
		p.options.Txid,
		connState,
		messageStruct,
	)
}
