package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	poolBackoffBase       = 1000 * time.Millisecond
	poolBackoffMax        = 30000 * time.Millisecond
	poolBackoffMultiplier = 2.0
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxConn is the number of workers the pool keeps open
	// concurrently.
	MaxConn int

	// Worker is the template used for every spawned worker; its ID
	// field is overwritten with a fresh value on each spawn.
	Worker WorkerConfig
}

// Pool owns MaxConn concurrent TunnelWorkers, keeps the pool full
// after retriable deaths, and translates per-worker lifecycle events
// into a single outward event stream.
type Pool struct {
	cfg PoolConfig

	events       chan Event
	workerEvents chan Event
	runDone      chan struct{}

	mu          sync.Mutex
	openIDs     map[string]bool
	liveWorkers int
	pending     int // scheduled replacements not yet spawned
	closed      bool
	backoff     *backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool returns a Pool bound to ctx: cancelling ctx has the same
// effect as calling Close.
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.MaxConn < 1 {
		cfg.MaxConn = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		cfg:          cfg,
		events:       make(chan Event, 32),
		workerEvents: make(chan Event, 32),
		runDone:      make(chan struct{}),
		openIDs:      make(map[string]bool),
		backoff:      newBackoff(poolBackoffBase, poolBackoffMax, poolBackoffMultiplier),
		ctx:          runCtx,
		cancel:       cancel,
	}
}

// Events returns the channel the pool publishes open/dead/request/
// error/exit events on. The channel is closed once Close completes.
func (p *Pool) Events() <-chan Event { return p.events }

// Start spawns MaxConn workers and begins translating their events.
func (p *Pool) Start() {
	go p.run()
	for i := 0; i < p.cfg.MaxConn; i++ {
		p.spawn()
	}
	context.AfterFunc(p.ctx, p.Close)
}

// Close tears the pool down: cancels every worker's context, waits
// for them to finish, and closes the Events channel. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.workerEvents)
	<-p.runDone
	close(p.events)
}

func (p *Pool) run() {
	defer close(p.runDone)
	for e := range p.workerEvents {
		p.handleWorkerEvent(e)
	}
}

func (p *Pool) spawn() {
	p.mu.Lock()
	if p.closed || len(p.openIDs) >= p.cfg.MaxConn {
		p.mu.Unlock()
		return
	}
	p.liveWorkers++
	p.mu.Unlock()

	wc := p.cfg.Worker
	wc.ID = uuid.New().String()
	w := NewWorker(wc, p.workerEvents)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(p.ctx)
	}()
}

func (p *Pool) handleWorkerEvent(e Event) {
	switch e.Kind {
	case EventOpen:
		p.mu.Lock()
		p.openIDs[e.WorkerID] = true
		p.mu.Unlock()
		p.backoff.Reset()
		p.publish(e)

	case EventDead:
		p.mu.Lock()
		if p.openIDs[e.WorkerID] {
			delete(p.openIDs, e.WorkerID)
		}
		p.liveWorkers--
		closed := p.closed
		outstanding := p.liveWorkers + p.pending
		openCount := len(p.openIDs)
		p.mu.Unlock()

		p.publish(e)

		if closed {
			return
		}

		if e.Retriable && openCount < p.cfg.MaxConn {
			p.scheduleReplacement()
			return
		}

		if outstanding == 0 {
			p.publish(Exit(1, "all_tunnels_dead"))
			go p.Close()
		}

	default:
		p.publish(e)
	}
}

func (p *Pool) scheduleReplacement() {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	delay := p.backoff.Next()
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.pending--
		closed := p.closed
		openCount := len(p.openIDs)
		p.mu.Unlock()

		if closed || openCount >= p.cfg.MaxConn {
			return
		}
		p.spawn()
	})
}

func (p *Pool) publish(e Event) {
	select {
	case p.events <- e:
	case <-p.ctx.Done():
	}
}
