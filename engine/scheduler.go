package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/semaphore"
)

// Scheduler fans reports out over a fixed worker pool while keeping all
// work for one target on a single worker at a time, in arrival order. That
// per-target serialization is what lets ledger writes and evaluations for a
// target be treated as linearized.
//
// AddWork blocks once maxQueue items are in flight, pushing backpressure
// onto the relay read loops instead of growing memory.
type Scheduler struct {
	maxConcurrency int
	maxQueue       int

	do func(context.Context, *nostr.Event) error

	feeder chan *schedTask
	out    chan struct{}

	queued *semaphore.Weighted

	lk     sync.Mutex
	active map[string][]*schedTask

	log *slog.Logger
}

type schedTask struct {
	target  string
	evt     *nostr.Event
	control string
}

func NewScheduler(maxC, maxQ int, do func(context.Context, *nostr.Event) error) *Scheduler {
	if maxC < 1 {
		maxC = 1
	}
	if maxQ < maxC {
		maxQ = maxC
	}
	p := &Scheduler{
		maxConcurrency: maxC,
		maxQueue:       maxQ,

		do: do,

		feeder: make(chan *schedTask),
		out:    make(chan struct{}),
		queued: semaphore.NewWeighted(int64(maxQ)),
		active: make(map[string][]*schedTask),

		log: slog.Default().With("system", "report-scheduler"),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	schedWorkersActive.Set(float64(maxC))

	return p
}

// AddWork enqueues evt under target. Blocks while the queue is full; a
// canceled ctx abandons the enqueue.
func (p *Scheduler) AddWork(ctx context.Context, target string, evt *nostr.Event) error {
	if err := p.queued.Acquire(ctx, 1); err != nil {
		return err
	}
	schedItemsAdded.Inc()
	t := &schedTask{target: target, evt: evt}
	p.lk.Lock()

	a, ok := p.active[target]
	if ok {
		p.active[target] = append(a, t)
		p.lk.Unlock()
		return nil
	}

	p.active[target] = []*schedTask{}
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		p.queued.Release(1)
		p.lk.Lock()
		if rem, ok := p.active[target]; ok && len(rem) == 0 {
			delete(p.active, target)
		}
		p.lk.Unlock()
		return ctx.Err()
	}
}

func (p *Scheduler) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.control == "stop" {
				p.out <- struct{}{}
				return
			}

			schedItemsActive.Inc()
			if err := p.do(context.TODO(), work.evt); err != nil {
				p.log.Error("report handler failed", "err", err, "target", work.target)
			}
			schedItemsProcessed.Inc()
			p.queued.Release(1)

			p.lk.Lock()
			rem, ok := p.active[work.target]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a task")
			}

			if len(rem) == 0 {
				delete(p.active, work.target)
				work = nil
			} else {
				work = rem[0]
				p.active[work.target] = rem[1:]
			}
			p.lk.Unlock()
		}
	}
}

// Shutdown drains in-flight work, then stops the workers. No AddWork calls
// may race or follow it.
func (p *Scheduler) Shutdown() {
	p.log.Info("shutting down report scheduler")

	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &schedTask{control: "stop"}
	}

	close(p.feeder)

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}

	p.log.Info("report scheduler shutdown complete")
}
