// Package orchestrator is the public entry point: it acquires a
// session from the broker, constructs a tunnel pool sized to that
// session, and re-emits the pool's events (plus its own url and close
// events) as a single outward stream.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lt-go/localtunnel-client/internal/acquire"
	"github.com/lt-go/localtunnel-client/internal/dump"
	"github.com/lt-go/localtunnel-client/internal/tunnel"
)

// Config bundles everything the orchestrator needs beyond the
// acquirer: how workers should reach the local service and how the
// optional dumper is configured.
type Config struct {
	Subdomain string

	Local tunnel.LocalDialerConfig

	RewriteHost    string
	LocalReconnect bool
	LocalRetryMax  int

	DumpDir string
}

// Orchestrator wires a SessionAcquirer to a TunnelPool and exposes a
// single event stream and a single Close.
type Orchestrator struct {
	acquirer *acquire.Acquirer
	cfg      Config
	log      *slog.Logger

	events chan tunnel.Event

	mu          sync.Mutex
	pool        *tunnel.Pool
	cancel      context.CancelFunc
	runCtx      context.Context
	closed      bool
	urlSet      bool
	startCalled bool

	// loopDone is closed once Start has returned, meaning its relay
	// loop (if any ever ran) is done touching events. Close waits on
	// it before becoming the channel's sole writer.
	loopDone chan struct{}
}

// New returns an Orchestrator ready to Start.
func New(acquirer *acquire.Acquirer, cfg Config) *Orchestrator {
	return &Orchestrator{
		acquirer: acquirer,
		cfg:      cfg,
		log:      slog.Default().With("component", "orchestrator"),
		events:   make(chan tunnel.Event, 32),
		loopDone: make(chan struct{}),
	}
}

// Events returns the channel carrying url/request/error/dead-relayed/
// close/exit events. It is closed once Close has fully completed.
func (o *Orchestrator) Events() <-chan tunnel.Event { return o.events }

// Start implements transport.Listener. It blocks until ctx is
// cancelled or the pool exits on its own (all workers dead,
// non-retriably).
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.startCalled = true
	o.mu.Unlock()
	defer close(o.loopDone)

	sess, err := o.acquirer.Acquire(ctx, o.cfg.Subdomain)
	if err != nil {
		return fmt.Errorf("acquiring tunnel session: %w", err)
	}
	o.log.Info("session acquired", "id", sess.ID, "url", sess.URL, "max_conn", sess.MaxConn)

	dialLocal, err := tunnel.DialLocal(o.cfg.Local)
	if err != nil {
		return fmt.Errorf("configuring local dialer: %w", err)
	}

	var dumper *dump.Dumper
	if o.cfg.DumpDir != "" {
		dumper = dump.New(o.cfg.DumpDir)
	}

	remoteAddr := fmt.Sprintf("%s:%d", sess.DialHost(), sess.RemotePort)

	poolCfg := tunnel.PoolConfig{
		MaxConn: sess.MaxConn,
		Worker: tunnel.WorkerConfig{
			DialRemote:     tunnel.DialRemoteTCP(remoteAddr),
			DialLocal:      dialLocal,
			RewriteHost:    o.cfg.RewriteHost,
			LocalReconnect: o.cfg.LocalReconnect,
			LocalRetryMax:  o.cfg.LocalRetryMax,
			Dumper:         dumper,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	pool := tunnel.NewPool(runCtx, poolCfg)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil
	}
	o.pool = pool
	o.cancel = cancel
	o.runCtx = runCtx
	o.mu.Unlock()

	pool.Start()

	var exitErr error
	for e := range pool.Events() {
		if e.Kind == tunnel.EventExit {
			exitErr = fmt.Errorf("tunnel exited: %s", e.Reason)
		}
		o.relay(sess.URL, e)
	}
	return exitErr
}

// relay forwards a pool event, inserting a synthetic url event ahead
// of the first open.
func (o *Orchestrator) relay(sessionURL string, e tunnel.Event) {
	o.mu.Lock()
	needsURL := !o.urlSet && e.Kind == tunnel.EventOpen
	if needsURL {
		o.urlSet = true
	}
	o.mu.Unlock()

	if needsURL {
		o.publish(tunnel.URLEvent(sessionURL))
	}
	o.publish(e)
}

// publish forwards e, bailing out if the orchestrator's run context
// is cancelled first so a slow or absent consumer can't wedge
// teardown.
func (o *Orchestrator) publish(e tunnel.Event) {
	select {
	case o.events <- e:
	case <-o.runCtx.Done():
	}
}

// Stop implements transport.Listener. It tears down the pool and
// emits the close event once teardown completes.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.Close()
	return nil
}

// Close tears the pool down (if one was started), publishes the close
// event, and closes the Events channel. Idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	pool := o.pool
	cancel := o.cancel
	startCalled := o.startCalled
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pool != nil {
		pool.Close()
	}

	// Wait for Start's relay loop, if one is running, to actually
	// return before becoming the events channel's sole writer:
	// pool.Close only closes pool.Events, it doesn't guarantee the
	// loop has finished draining whatever was already buffered there.
	if startCalled {
		<-o.loopDone
	}

	o.events <- tunnel.Close()
	close(o.events)
}
