package callback

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/Meander-Cloud/go-lanemu/metrics"
)

type CallID uint64

const (
	// ids at or below this value are reserved, zero means "no call"
	ReservedCallIDs CallID = 1024
	FirstCallID     CallID = ReservedCallIDs + 1
	InvalidCallID   CallID = 0
)

// DeriveCategory asks RegisterHandler to read the category from the handler.
const DeriveCategory int32 = -1

// Handler is the consumer side of a completion category.
type Handler interface {
	Category() int32
	// legacy single-argument delivery, not used by the pump
	Run(payload []byte)
	RunResult(payload []byte, ioFailure bool, callID CallID)
	Size() int
}

type Options struct {
	// Release is invoked exactly once per completed payload after the pump is
	// done with it, whether or not a handler consumed it.
	Release func(payload []byte)

	Metrics   *metrics.Metrics
	LogPrefix string
	LogDebug  bool
}

type Dispatcher struct {
	options *Options

	callIDGen atomic.Uint64
	pumping   atomic.Bool

	pendingpl sync.Pool

	queueMutex sync.Mutex
	queue      *linkedlistqueue.Queue[*pending]

	handlerMutex sync.RWMutex
	handlerMap   map[int32]Handler
}

func NewDispatcher(options *Options) *Dispatcher {
	if options.Metrics == nil {
		options.Metrics = metrics.New()
	}

	d := &Dispatcher{
		options: options,

		callIDGen: atomic.Uint64{},
		pumping:   atomic.Bool{},

		pendingpl: sync.Pool{
			New: func() any {
				return newPending()
			},
		},

		queueMutex: sync.Mutex{},
		queue:      linkedlistqueue.New[*pending](),

		handlerMutex: sync.RWMutex{},
		handlerMap:   make(map[int32]Handler),
	}
	d.callIDGen.Store(uint64(ReservedCallIDs))

	return d
}

// invoked on any goroutine
func (d *Dispatcher) CreateRequest() CallID {
	return CallID(d.callIDGen.Add(1))
}

// invoked on host goroutine
func (d *Dispatcher) RegisterHandler(handler Handler, categoryOverride int32) error {
	if handler == nil {
		err := fmt.Errorf("%s: nil handler", d.options.LogPrefix)
		log.Printf("%s", err.Error())
		return err
	}

	category := categoryOverride
	if category == DeriveCategory {
		category = handler.Category()
	}
	if category < 0 {
		err := fmt.Errorf("%s: invalid category=%d", d.options.LogPrefix, category)
		log.Printf("%s", err.Error())
		return err
	}

	d.handlerMutex.Lock()
	defer d.handlerMutex.Unlock()

	_, found := d.handlerMap[category]
	if found {
		log.Printf("%s: category=%d, overriding existing handler", d.options.LogPrefix, category)
	}
	d.handlerMap[category] = handler

	if d.options.LogDebug {
		log.Printf("%s: category=%d, registered handler size=%d", d.options.LogPrefix, category, handler.Size())
	}

	return nil
}

// invoked on host goroutine
func (d *Dispatcher) UnregisterHandler(category int32) bool {
	d.handlerMutex.Lock()
	defer d.handlerMutex.Unlock()

	_, found := d.handlerMap[category]
	if !found {
		return false
	}
	delete(d.handlerMap, category)

	return true
}

// invoked on any goroutine, ownership of payload passes to the dispatcher
func (d *Dispatcher) CompleteRequest(callID CallID, category int32, payload []byte) {
	p := d.getPending()
	p.category = category
	p.callID = callID
	p.payload = payload

	func() {
		d.queueMutex.Lock()
		defer d.queueMutex.Unlock()

		d.queue.Enqueue(p)
	}()

	d.options.Metrics.CompletionEnqueued.Inc()
}

// Pending reports the number of completions waiting for the next pump.
func (d *Dispatcher) Pending() int {
	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()

	return d.queue.Size()
}

// PumpCallbacks drains the queue in arrival order on the calling goroutine.
// It must only be called from one goroutine at a time; a nested call from
// inside a handler is logged and returns immediately.
func (d *Dispatcher) PumpCallbacks() int {
	if !d.pumping.CompareAndSwap(false, true) {
		log.Printf("%s: re-entrant PumpCallbacks ignored", d.options.LogPrefix)
		return 0
	}
	defer d.pumping.Store(false)

	// take the batch present now, completions posted by handlers wait for the
	// next pump
	var batch []*pending
	func() {
		d.queueMutex.Lock()
		defer d.queueMutex.Unlock()

		batch = d.queue.Values()
		d.queue.Clear()
	}()

	delivered := 0
	for _, p := range batch {
		if d.deliver(p) {
			delivered++
		}
		d.returnPending(p)
	}

	return delivered
}

func (d *Dispatcher) deliver(p *pending) bool {
	defer d.release(p.payload)

	var handler Handler
	var found bool
	func() {
		d.handlerMutex.RLock()
		defer d.handlerMutex.RUnlock()

		handler, found = d.handlerMap[p.category]
	}()
	if !found {
		d.options.Metrics.CompletionUnhandled.Inc()
		if d.options.LogDebug {
			log.Printf("%s: category=%d, callID=%d, no handler registered", d.options.LogPrefix, p.category, p.callID)
		}
		return false
	}

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Printf(
					"%s: category=%d, callID=%d, handler recovered from panic: %+v",
					d.options.LogPrefix,
					p.category,
					p.callID,
					rec,
				)
			}
		}()
		handler.RunResult(p.payload, false, p.callID)
	}()

	d.options.Metrics.CompletionDelivered.Inc()
	return true
}

func (d *Dispatcher) release(payload []byte) {
	if d.options.Release == nil {
		return
	}
	d.options.Release(payload)
}

func (d *Dispatcher) getPending() *pending {
	pAny := d.pendingpl.Get()
	p, ok := pAny.(*pending)
	if !ok {
		err := fmt.Errorf("%s: failed to cast pending, pAny=%#v", d.options.LogPrefix, pAny)
		log.Printf("%s", err.Error())
		return newPending()
	}
	return p
}

func (d *Dispatcher) returnPending(p *pending) {
	p.reset()
	d.pendingpl.Put(p)
}
