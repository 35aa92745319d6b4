// Package pump accepts units of work from a listener and drives each of
// them through an application on a worker pool.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/hosting"
	"github.com/searchktools/hostcore/core/observability"
	"github.com/searchktools/hostcore/core/pools"
	"github.com/searchktools/hostcore/internal/otelslog"
)

// Listener produces units of work. Accept must be safe to call from
// several goroutines and must return ErrListenerClosed after Close.
type Listener interface {
	// Listen binds addrs and returns the addresses actually bound.
	// defaults is the server level backstop of every request registry.
	Listen(ctx context.Context, addrs []string, defaults features.Backstop) ([]string, error)
	Accept(ctx context.Context) (corehttp.Transport, error)
	Close() error
}

// State of a MessagePump
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MessagePump accepts requests with a fixed number of accept workers and
// processes each of them concurrently on a worker pool. A pump is started once; Stop drains it
// and Dispose tears it down.
type MessagePump[T any] struct {
	listener Listener
	opts     options
	log      *slog.Logger

	defaults  *features.Defaults
	addresses *serverAddresses
	contexts  *pools.Pool[driverState, *RequestContext[T]]
	limiter   *rate.Limiter

	mu      sync.Mutex
	state   atomic.Int32
	started bool
	app     hosting.Application[T]
	workers *pools.WorkerPool
	group   *errgroup.Group
	cancel  context.CancelFunc

	stopping    atomic.Bool
	outstanding atomic.Int64
	drained     chan struct{}
	drainOnce   sync.Once
	stopped     chan struct{}
	stopOnce    sync.Once
	disposeOnce sync.Once
	disposeErr  error
}

// New creates a pump reading from l
func New[T any](l Listener, opts ...Option) *MessagePump[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}

	p := &MessagePump[T]{
		listener:  l,
		opts:      o,
		log:       o.log,
		defaults:  features.NewDefaults(nil),
		addresses: &serverAddresses{preferHosting: o.preferHostingURLs},
		contexts:  pools.NewPool[driverState](o.maxPooledContexts, newRequestContext[T]),
		limiter:   rate.NewLimiter(o.acceptRetry, 1),
		drained:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	// the capability value is never nil so Set cannot fail
	_ = p.defaults.Set(features.KindServerAddresses, features.ServerAddresses(p.addresses))
	return p
}

// Features is the server level registry. Hosts put their addresses in the
// ServerAddresses capability before Start.
func (p *MessagePump[T]) Features() *features.Defaults {
	return p.defaults
}

// State reports the current lifecycle state
func (p *MessagePump[T]) State() State {
	return State(p.state.Load())
}

// Outstanding reports the number of requests in flight
func (p *MessagePump[T]) Outstanding() int64 {
	return p.outstanding.Load()
}

// ContextPoolStats reports the request context pool statistics
func (p *MessagePump[T]) ContextPoolStats() pools.PoolStats {
	return p.contexts.Stats()
}

// WorkerStats reports the worker pool statistics
func (p *MessagePump[T]) WorkerStats() pools.WorkerPoolStats {
	p.mu.Lock()
	w := p.workers
	p.mu.Unlock()
	if w == nil {
		return pools.WorkerPoolStats{}
	}
	return w.Stats()
}

// Start binds the listener and launches the accept workers
func (p *MessagePump[T]) Start(ctx context.Context, app hosting.Application[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPumpStarted
	}
	p.started = true
	p.state.Store(int32(StateStarting))
	p.app = app

	addrs := resolveAddresses(ctx, p.log, p.opts.addresses, p.addresses.Addresses(), p.addresses.PreferHostingURLs())
	bound, err := p.listener.Listen(ctx, addrs, p.defaults)
	if err != nil {
		p.state.Store(int32(StateStopped))
		return &BindError{Addresses: addrs, Cause: err}
	}
	p.addresses.SetAddresses(bound)

	p.workers = pools.NewWorkerPool(p.opts.workers, p.opts.maxConcurrent)

	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(actx)
	p.group = g
	p.cancel = cancel
	for i := range p.opts.maxAcceptors {
		g.Go(func() (err error) {
			defer errRecover(&err)
			return p.acceptLoop(gctx, i)
		})
	}

	p.state.Store(int32(StateRunning))
	p.log.InfoContext(ctx, "message pump started",
		slog.Any("addresses", bound),
		slog.Int("acceptors", p.opts.maxAcceptors),
	)
	return nil
}

func (p *MessagePump[T]) acceptLoop(ctx context.Context, worker int) error {
	for !p.stopping.Load() {
		t, err := p.accept(ctx)
		if err != nil {
			if p.stopping.Load() || ctx.Err() != nil || errors.Is(err, ErrListenerClosed) {
				p.log.DebugContext(ctx, "accept worker exiting", slog.Int("worker", worker), otelslog.Error(err))
				return nil
			}
			p.opts.metrics.AcceptFailed()
			p.log.ErrorContext(ctx, "failed to accept request", otelslog.Error(&AcceptError{Worker: worker, Cause: err}))
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		p.dispatch(ctx, t)
	}
	return nil
}

func (p *MessagePump[T]) accept(ctx context.Context) (corehttp.Transport, error) {
	ctx, span := p.opts.tracer.Start(ctx, "pump.Accept")
	defer span.End()

	t, err := p.listener.Accept(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return t, err
}

func (p *MessagePump[T]) dispatch(ctx context.Context, t corehttp.Transport) {
	err := p.workers.Submit(ctx, func() {
		p.process(t)
	})
	if err != nil {
		p.opts.metrics.DispatchFailed()
		p.log.ErrorContext(ctx, "failed to dispatch request", otelslog.Error(err))
		t.Abort()
	}
}

func (p *MessagePump[T]) process(t corehttp.Transport) {
	start := time.Now()
	p.outstanding.Add(1)
	p.opts.metrics.RequestStarted()

	outcome := observability.OutcomeCompleted
	defer func() {
		p.opts.metrics.RequestFinished(outcome, time.Since(start))
		p.requestDone()
	}()

	if p.stopping.Load() {
		outcome = observability.OutcomeRejected
		if err := corehttp.WriteFatal(t, stdhttp.StatusServiceUnavailable); err != nil {
			t.Abort()
		}
		return
	}

	ctx, span := p.opts.tracer.Start(t.Context(), "pump.ProcessRequest")
	defer span.End()

	rc := p.contexts.Rent(driverState{transport: t, opts: p.opts.request})
	rc.SetContext(ctx)
	span.SetAttributes(
		attribute.String("http.request.method", rc.Method()),
		attribute.String("url.path", rc.Path()),
	)

	var reusable bool
	outcome, reusable = p.drive(ctx, rc)
	span.SetAttributes(attribute.Int("http.response.status_code", rc.StatusCode()))
	if outcome != observability.OutcomeCompleted {
		span.SetStatus(codes.Error, outcome)
		return
	}
	if reusable {
		p.contexts.Return(rc)
	}
}

// drive runs the application against rc and finishes the response. It
// reports how the request ended and whether rc may be pooled.
func (p *MessagePump[T]) drive(ctx context.Context, rc *RequestContext[T]) (string, bool) {
	var (
		hc      T
		created bool
		err     error
	)
	func() {
		defer errRecover(&err)
		hc, err = p.app.CreateContext(rc.Features())
		created = err == nil
	}()
	if created {
		err = p.invoke(ctx, rc, hc)
	}

	// transports cancel the request context once the response completes
	reusable := err == nil && rc.Reusable()

	outcome := observability.OutcomeCompleted
	if err != nil {
		outcome = p.fail(ctx, rc, err)
	} else if rc.IsAborted() {
		outcome = observability.OutcomeAborted
	} else if cerr := rc.CompleteResponse(ctx); cerr != nil {
		p.log.WarnContext(ctx, "failed to complete response", otelslog.Error(cerr))
		rc.Abort()
		outcome = observability.OutcomeAborted
		reusable = false
	}

	if cerr := p.notifyCompleted(ctx, rc); cerr != nil {
		p.log.ErrorContext(ctx, "completion callback failed", otelslog.Error(cerr))
	}
	if created {
		if derr := p.dispose(hc, err); derr != nil {
			p.log.ErrorContext(ctx, "failed to dispose application context", otelslog.Error(derr))
		}
	}
	return outcome, reusable
}

// invoke runs the application and the starting phase
func (p *MessagePump[T]) invoke(ctx context.Context, rc *RequestContext[T], hc T) (err error) {
	defer errRecover(&err)

	if err := p.app.ProcessRequest(ctx, hc); err != nil {
		return err
	}
	return rc.CommitResponse(ctx)
}

func (p *MessagePump[T]) notifyCompleted(ctx context.Context, rc *RequestContext[T]) (err error) {
	defer errRecover(&err)
	return rc.NotifyCompleted(ctx)
}

func (p *MessagePump[T]) dispose(hc T, cause error) (err error) {
	defer errRecover(&err)
	p.app.DisposeContext(hc, cause)
	return nil
}

// fail ends a request whose application failed: an empty 500 if nothing
// was sent yet, otherwise an abort
func (p *MessagePump[T]) fail(ctx context.Context, rc *RequestContext[T], err error) string {
	trace.SpanFromContext(ctx).RecordError(err)
	if rc.HasStarted() {
		p.log.ErrorContext(ctx, "application failed after the response started, aborting", otelslog.Error(err))
		rc.Abort()
		return observability.OutcomeAborted
	}

	p.log.ErrorContext(ctx, "application failed", otelslog.Error(err))
	if ferr := rc.SendFatal(stdhttp.StatusInternalServerError); ferr != nil {
		p.log.WarnContext(ctx, "failed to send error response, aborting", otelslog.Error(ferr))
		rc.Abort()
		return observability.OutcomeAborted
	}
	return observability.OutcomeFailed
}

func (p *MessagePump[T]) requestDone() {
	if p.outstanding.Add(-1) == 0 && p.stopping.Load() {
		p.signalDrained()
	}
}

func (p *MessagePump[T]) signalDrained() {
	p.drainOnce.Do(func() {
		close(p.drained)
	})
}

func (p *MessagePump[T]) finish() {
	p.stopOnce.Do(func() {
		p.state.Store(int32(StateStopped))
		close(p.stopped)
	})
}

// Stop stops accepting new work and waits for outstanding requests to
// finish. Concurrent and repeated calls share one shutdown; the context of
// the first call bounds it. When that context ends first the remaining
// requests are abandoned and Stop still returns nil. A later caller whose
// own context ends first returns early without affecting the shutdown.
func (p *MessagePump[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	first := !p.stopping.Swap(true)
	if first {
		p.state.Store(int32(StateDraining))
		p.log.InfoContext(ctx, "stopping message pump", slog.Int64("outstanding", p.outstanding.Load()))
		go p.awaitDrain(ctx)
	}
	p.mu.Unlock()

	if p.outstanding.Load() == 0 {
		p.signalDrained()
	}

	// awaitDrain observes the first context, so its caller returns only
	// once the pump has stopped
	if first {
		<-p.stopped
		return nil
	}
	select {
	case <-p.stopped:
	case <-ctx.Done():
	}
	return nil
}

func (p *MessagePump[T]) awaitDrain(ctx context.Context) {
	select {
	case <-p.drained:
	case <-ctx.Done():
		p.log.WarnContext(ctx, fmt.Sprintf("canceled, terminating %d request(s)", p.outstanding.Load()))
	}
	p.finish()
}

// Dispose tears the pump down without waiting for outstanding requests.
// It closes the listener and waits for the accept workers to exit.
func (p *MessagePump[T]) Dispose() error {
	p.disposeOnce.Do(func() {
		p.mu.Lock()
		p.started = true
		running := p.group != nil
		p.mu.Unlock()

		p.stopping.Store(true)
		p.signalDrained()
		p.finish()
		if !running {
			p.disposeErr = p.listener.Close()
			return
		}

		p.cancel()
		lerr := p.listener.Close()
		gerr := p.group.Wait()
		p.workers.Close()
		p.disposeErr = errors.Join(lerr, gerr)
	})
	return p.disposeErr
}
