package arbiter

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	ga "github.com/Meander-Cloud/go-arbiter/arbiter"
	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/Meander-Cloud/go-lanemu/config"
	g "github.com/Meander-Cloud/go-lanemu/group"
)

// Arbiter serializes peer link writes, handler callbacks and server list
// refreshes onto one scheduler goroutine. Each functor carries a label for
// logging, and the number of functors not yet run is capped at
// EventChannelLength.
type Arbiter struct {
	c       *config.Config
	a       *ga.Arbiter[g.Group]
	limit   int32
	pending atomic.Int32
	exited  atomic.Bool
}

func NewArbiter(c *config.Config) *Arbiter {
	return &Arbiter{
		c: c,
		a: ga.New(
			&ga.Options[g.Group]{
				LogPrefix: fmt.Sprintf("%s-Arbiter", c.LogPrefix),
				LogDebug:  c.LogDebug,
				LogEvent:  false,
			},
		),
		limit: int32(c.GetEventChannelLength()),
	}
}

func (a *Arbiter) Shutdown() {
	if a.exited.Swap(true) {
		return
	}
	a.a.Shutdown() // wait
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[g.Group] {
	return a.a.Scheduler()
}

// Pending returns the number of dispatched functors not yet run.
func (a *Arbiter) Pending() int {
	return int(a.pending.Load())
}

// scheduler goroutine
func (a *Arbiter) handle(label string, f func(), t0 time.Time) {
	defer a.pending.Add(-1)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Printf(
					"%s: %s: functor recovered from panic: %+v",
					a.c.LogPrefix,
					label,
					rec,
				)
			}
		}()
		f()
	}()

	if !a.c.LogDebug {
		return
	}

	t2 := time.Now().UTC()

	// log event lifecycle
	log.Printf(
		"%s: %s: event goQueueWait=%dus, evtFuncElapsed=%dus",
		a.c.LogPrefix,
		label,
		t1.Sub(t0).Microseconds(),
		t2.Sub(t1).Microseconds(),
	)
}

// any goroutine
func (a *Arbiter) Dispatch(label string, f func()) error {
	if a.exited.Load() {
		err := fmt.Errorf("%s: %s: arbiter already shut down", a.c.LogPrefix, label)
		log.Printf("%s", err.Error())
		return err
	}

	if a.pending.Add(1) > a.limit {
		a.pending.Add(-1)
		err := fmt.Errorf("%s: %s: failed to dispatch, pending limit %d reached", a.c.LogPrefix, label, a.limit)
		log.Printf("%s", err.Error())
		return err
	}

	t0 := time.Now().UTC()
	a.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			a.handle(label, f, t0)
		},
	)

	return nil
}

// any goroutine except the arbiter's own, blocks until f has run
func (a *Arbiter) DispatchWait(label string, f func()) error {
	done := make(chan struct{})
	err := a.Dispatch(
		label,
		func() {
			// invoked on arbiter goroutine
			defer close(done)
			f()
		},
	)
	if err != nil {
		return err
	}

	<-done
	return nil
}
