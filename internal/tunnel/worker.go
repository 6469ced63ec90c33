package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/lt-go/localtunnel-client/internal/dump"
	"github.com/lt-go/localtunnel-client/internal/rewriter"
	"github.com/lt-go/localtunnel-client/internal/tunnelerr"
)

// defaultLocalRetryMax is used whenever LocalRetryMax is configured as
// 0: a falsy value means "use the default", not "unlimited".
const defaultLocalRetryMax = 10

// absoluteFailureCap bounds the lifetime and 60-second-windowed
// failure counts, independent of the per-counter caps below.
const absoluteFailureCap = 50

const slidingWindow = 60 * time.Second

const (
	localRetryBase       = 1000 * time.Millisecond
	localRetryMultiplier = 1.5
	localRetryMax        = 10000 * time.Millisecond
)

// WorkerConfig describes everything one TunnelWorker needs to run
// independently of the pool that owns it.
type WorkerConfig struct {
	ID string

	// DialRemote opens the broker-facing connection.
	DialRemote func(ctx context.Context) (net.Conn, error)

	// DialLocal opens one local-service connection.
	DialLocal func(ctx context.Context) (net.Conn, error)

	// RewriteHost, when non-empty, is the value the Host header is
	// rewritten to on bytes flowing from the broker to the local
	// service.
	RewriteHost string

	// LocalReconnect controls whether a clean or errored local close
	// re-dials the local service (true) or ends the worker (false).
	LocalReconnect bool

	// LocalRetryMax bounds consecutive local-side failures; 0 means
	// "use the default" (defaultLocalRetryMax).
	LocalRetryMax int

	// Dumper, when non-nil and enabled, receives a paired
	// DumpRequest/DumpResponse call for every complete, non-dropped
	// request that flows through this worker.
	Dumper *dump.Dumper
}

func (c WorkerConfig) retryMax() int {
	if c.LocalRetryMax <= 0 {
		return defaultLocalRetryMax
	}
	return c.LocalRetryMax
}

// Worker is one broker connection paired with a lazily (re)dialed
// local connection. It is a single-owner state machine: external
// code only reads the events it emits on the channel supplied to NewWorker;
// nothing mutates a Worker's internal state from outside.
type Worker struct {
	cfg    WorkerConfig
	events chan<- Event

	deadEmitted bool

	consecutiveFailures int
	refusedCount        int
	droppedCount        int
	lifetimeFailures    int
	failureTimestamps   []time.Time

	backoff *backoff
}

// NewWorker returns a Worker ready to Run.
func NewWorker(cfg WorkerConfig, events chan<- Event) *Worker {
	return &Worker{
		cfg:     cfg,
		events:  events,
		backoff: newBackoff(localRetryBase, localRetryMax, localRetryMultiplier),
	}
}

// Run drives the worker through its full lifecycle: Dialing remote,
// Open, Dialing local (retried per the local-retry policy), Piping,
// Local closed, and finally Dead. It returns once a terminal dead
// event has been emitted or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	remoteConn, err := w.cfg.DialRemote(ctx)
	if err != nil {
		if isRefused(err) {
			w.emit(ErrorEvent(tunnelerr.Wrap(tunnelerr.KindBrokerUnreachable, err, fmt.Sprintf("worker %s: broker unreachable", w.cfg.ID))))
		}
		w.emitDead(true, err)
		return
	}
	defer remoteConn.Close()

	// Closing the broker connection on cancellation ends a round that is
	// still piping, so Run also returns once ctx is done.
	stopOnCancel := context.AfterFunc(ctx, func() { remoteConn.Close() })
	defer stopOnCancel()

	w.emit(Open(w.cfg.ID))

	// One pump for the whole life of this broker connection: it reads
	// ahead of whatever local connection is currently attached, so a
	// local reconnect never costs the broker bytes already in flight
	// for the next request.
	pump := newBrokerPump(remoteConn)

	for {
		localConn, ok := w.dialLocalWithRetry(ctx)
		if !ok {
			w.emitDead(false, tunnelerr.New(tunnelerr.KindLocalGone, "local service unreachable beyond retry limits"))
			return
		}
		if localConn == nil {
			// ctx cancelled while waiting out a retry backoff.
			w.emitDead(true, ctx.Err())
			return
		}

		brokerEnded, localErr := w.pipeOnce(pump, remoteConn, localConn)
		localConn.Close()

		if brokerEnded {
			w.emitDead(true, localErr)
			return
		}

		if !w.cfg.LocalReconnect {
			w.emitDead(false, nil)
			return
		}

		if localErr != nil && !errors.Is(localErr, io.EOF) {
			// Any failure once a local connection is established is a
			// drop, not a refusal - refused_count is reserved for
			// ECONNREFUSED during the dial itself, already recorded in
			// dialLocalWithRetry.
			w.recordFailure(false)
			if w.shouldGiveUp() {
				w.emitDead(false, localErr)
				return
			}
			if !sleepCtx(ctx, w.backoff.Next()) {
				w.emitDead(true, ctx.Err())
				return
			}
		}
		// Clean close: loop immediately back into Dialing local.
	}
}

// dialLocalWithRetry applies the local-retry policy while attempting
// to reach the local service. It returns (nil, true) if ctx was
// cancelled mid-backoff, (nil, false) if the worker should give up,
// or (conn, true) on success.
func (w *Worker) dialLocalWithRetry(ctx context.Context) (net.Conn, bool) {
	for {
		conn, err := w.cfg.DialLocal(ctx)
		if err == nil {
			w.resetFailures()
			return conn, true
		}

		if ctx.Err() != nil {
			return nil, true
		}

		w.recordFailure(isRefused(err))
		if w.shouldGiveUp() {
			return nil, false
		}
		if !sleepCtx(ctx, w.backoff.Next()) {
			return nil, true
		}
	}
}

// pipeOnce relays bytes between the broker pump and localConn until
// either side ends. brokerEnded reports whether the broker connection
// itself ended (fatal for this worker); otherwise the local side
// ended (cleanly, or with err) and the broker pump is left ready for
// the next round, holding onto any broker bytes this round could not
// forward.
func (w *Worker) pipeOnce(pump *brokerPump, remoteConn, localConn net.Conn) (brokerEnded bool, err error) {
	rw := rewriter.New(localConn, w.cfg.RewriteHost)

	scanner := NewFrameScanner(rw, rw.Reset, func(method, path string) {
		w.emit(Request(w.cfg.ID, method, path))
	})

	var respDst io.Writer = remoteConn
	if w.cfg.Dumper != nil && w.cfg.Dumper.Enabled() {
		// Requests and responses are paired in arrival order; a small
		// buffered channel hands each request's dump id across to the
		// response side without the two copy goroutines sharing state.
		ids := make(chan string, 16)
		scanner = scanner.WithCompletionObserver(func(raw []byte) {
			ids <- w.cfg.Dumper.DumpRequest(w.cfg.ID, raw)
		})
		respDst = NewResponseScanner(remoteConn, func(raw []byte) {
			select {
			case id := <-ids:
				w.cfg.Dumper.DumpResponse(w.cfg.ID, id, raw)
			default:
			}
		})
	}

	// stop is closed once the local-to-broker direction ends, so the
	// broker-to-local loop below can stop pulling chunks for this
	// round without having to close localConn out from under a
	// pending write first.
	stop := make(chan struct{})
	localResc := make(chan error, 1)
	go func() {
		_, err := io.Copy(respDst, localConn)
		localResc <- err
		close(stop)
	}()

	for {
		chunk, perr := pump.next(stop)
		if chunk == nil && perr == nil {
			// Local side ended first; nothing pulled this round.
			return false, <-localResc
		}
		if perr != nil {
			// Broker connection ended; unblock the local copy and drain it.
			localConn.Close()
			<-localResc
			if errors.Is(perr, io.EOF) {
				perr = nil
			}
			return true, perr
		}
		if _, werr := scanner.Write(chunk); werr != nil {
			// localConn is already gone; hand the chunk back so the
			// next round (fresh local connection) gets it instead of
			// losing it. Close localConn to unblock the local-to-broker
			// copy in case only the write half had failed so far.
			pump.unread(chunk)
			localConn.Close()
			return false, <-localResc
		}
	}
}

func (w *Worker) resetFailures() {
	w.consecutiveFailures = 0
	w.refusedCount = 0
	w.droppedCount = 0
	w.backoff.Reset()
}

func (w *Worker) recordFailure(refused bool) {
	now := time.Now()
	w.consecutiveFailures++
	w.lifetimeFailures++
	w.failureTimestamps = append(w.failureTimestamps, now)
	if refused {
		w.refusedCount++
	} else {
		w.droppedCount++
	}
}

func (w *Worker) shouldGiveUp() bool {
	if w.lifetimeFailures >= absoluteFailureCap {
		return true
	}

	cutoff := time.Now().Add(-slidingWindow)
	kept := w.failureTimestamps[:0]
	for _, ts := range w.failureTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.failureTimestamps = kept
	if len(w.failureTimestamps) >= absoluteFailureCap {
		return true
	}

	max := w.cfg.retryMax()
	if w.consecutiveFailures >= max {
		return true
	}
	if w.refusedCount >= max {
		return true
	}
	droppedCap := max * 2
	if w.droppedCount >= droppedCap {
		return true
	}
	return false
}

func (w *Worker) emit(e Event) {
	if w.events == nil {
		return
	}
	w.events <- e
}

func (w *Worker) emitDead(retriable bool, err error) {
	if w.deadEmitted {
		return
	}
	w.deadEmitted = true
	w.emit(Dead(w.cfg.ID, retriable, err))
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// DialRemoteTCP returns a WorkerConfig.DialRemote implementation that
// opens a plain, keep-alive TCP connection to addr.
func DialRemoteTCP(addr string) func(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// LocalDialerConfig configures how a worker reaches the local
// service.
type LocalDialerConfig struct {
	Addr     string
	TLS      bool
	CertFile string
	KeyFile  string
	CAFile   string
	Insecure bool
}

// DialLocal returns a WorkerConfig.DialLocal implementation per
// LocalDialerConfig: a plain TCP dial, or a TLS dial with optional
// client certificate and CA pinning.
func DialLocal(cfg LocalDialerConfig) (func(ctx context.Context) (net.Conn, error), error) {
	if !cfg.TLS {
		d := net.Dialer{}
		return func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", cfg.Addr)
		}, nil
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Insecure}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading local client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading local CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	d := tls.Dialer{Config: tlsCfg}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", cfg.Addr)
	}, nil
}
