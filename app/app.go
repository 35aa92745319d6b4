// Package app runs a hostcore server: it builds the configured listener,
// starts the message pump, serves metrics and drains the pump when its
// context is canceled.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/hostcore/config"
	"github.com/searchktools/hostcore/core"
	"github.com/searchktools/hostcore/core/features"
	"github.com/searchktools/hostcore/core/hosting"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/http2"
	"github.com/searchktools/hostcore/core/observability"
	"github.com/searchktools/hostcore/core/pools"
	"github.com/searchktools/hostcore/core/pump"
	"github.com/searchktools/hostcore/internal/otelslog"
)

// Option configures an App
type Option func(*App)

// WithHostingURLs sets the addresses supplied by the host. They compete
// with server.urls as decided by server.prefer_hosting_urls.
func WithHostingURLs(urls ...string) Option {
	return func(a *App) {
		a.hostingURLs = urls
	}
}

// WithOutput redirects logs and exported spans, stdout by default
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		a.out = w
	}
}

// WithRegistry collects metrics in reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registry = reg
	}
}

// OnStarted is called with the bound addresses once the pump runs
func OnStarted(f func(addrs []string)) Option {
	return func(a *App) {
		a.onStarted = f
	}
}

// App is the application instance
type App struct {
	cfg     config.Config
	handler hosting.Handler

	hostingURLs []string
	out         io.Writer
	registry    *prometheus.Registry
	onStarted   func(addrs []string)
}

// New creates an application serving h
func New(cfg config.Config, h hosting.Handler, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		handler: h,
		out:     os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	return a
}

// Run serves until ctx is canceled, then stops the pump within
// server.shutdown_timeout and disposes it
func (a *App) Run(ctx context.Context) (err error) {
	defer errRecover(&err)

	prev := pools.ApplyGCConfig(a.cfg.GC)
	defer pools.ApplyGCConfig(prev)

	log := newLogger(a.out, a.cfg.Logging)

	shutdownTracing, err := initTracing(ctx, a.out, a.cfg.OTel)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err = errors.Join(err, shutdownTracing(sctx))
	}()

	p, listener, err := a.build(log)
	if err != nil {
		return err
	}

	if len(a.hostingURLs) > 0 {
		v, _ := p.Features().Lookup(features.KindServerAddresses)
		v.(features.ServerAddresses).SetAddresses(a.hostingURLs)
	}

	if err := p.Start(ctx, hosting.NewHandlerApplication(a.handler)); err != nil {
		return errors.Join(err, p.Dispose())
	}
	if engine, ok := listener.(*core.Engine); ok {
		log.DebugContext(ctx, "engine pools", slog.String("stats", engine.GetPoolStatsText()))
	}
	if a.onStarted != nil {
		v, _ := p.Features().Lookup(features.KindServerAddresses)
		a.onStarted(v.(features.ServerAddresses).Addresses())
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Metrics.Address != "" {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Address,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		}
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return errors.Join(err, p.Dispose())
		}
		log.InfoContext(ctx, "serving metrics", slog.String("address", ln.Addr().String()))

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.InfoContext(gctx, "shutting down", slog.Int64("outstanding", p.Outstanding()))

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := p.Stop(sctx); err != nil {
			return errors.Join(err, p.Dispose())
		}
		return p.Dispose()
	})
	return g.Wait()
}

// build wires the listener and the pump with their metrics
func (a *App) build(log *slog.Logger) (*pump.MessagePump[*hosting.Context], pump.Listener, error) {
	reg := a.registry

	lm, err := observability.NewListenerMetrics(reg, a.cfg.Server.Backend)
	if err != nil {
		return nil, nil, err
	}

	var listener pump.Listener
	var engine *core.Engine
	switch a.cfg.Server.Backend {
	case config.BackendEventLoop:
		engine = core.NewEngine(a.cfg.Engine, core.WithEngineLogger(log), core.WithEngineMetrics(lm))
		listener = engine
	case config.BackendHTTP2:
		h2cfg := a.cfg.HTTP2
		if a.cfg.Server.TLS.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
			if err != nil {
				return nil, nil, err
			}
			h2cfg.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
		listener = http2.NewServer(h2cfg, http2.WithLogger(log), http2.WithMetrics(lm))
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, a.cfg.Server.Backend)
	}

	pm, err := observability.NewPumpMetrics(reg)
	if err != nil {
		return nil, nil, err
	}

	maxBody := a.cfg.Server.MaxRequestBodySize
	if maxBody == 0 {
		maxBody = a.cfg.Engine.MaxRequestBodySize
	}
	p := pump.New[*hosting.Context](listener,
		pump.WithLogger(log),
		pump.WithTracer(otel.Tracer("github.com/searchktools/hostcore/core/pump")),
		pump.WithMetrics(pm),
		pump.WithAddresses(a.cfg.Server.URLs...),
		pump.WithPreferHostingURLs(a.cfg.Server.PreferHostingURLs),
		pump.WithMaxAcceptors(a.cfg.Server.MaxAcceptors),
		pump.WithWorkers(a.cfg.Server.Workers, a.cfg.Server.MaxConcurrent),
		pump.WithMaxPooledContexts(maxPooled(a.cfg.Server.MaxPooledContexts)),
		pump.WithRequestOptions(corehttp.Options{MaxRequestBodySize: maxBody}),
	)

	errs := []error{
		observability.RegisterPool(reg, "request_context", p.ContextPoolStats),
		observability.RegisterWorkers(reg, p.WorkerStats),
		observability.RegisterGC(reg),
	}
	if engine != nil {
		errs = append(errs, observability.RegisterPool(reg, "connection", engine.ConnectionPoolStats))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return p, listener, nil
}

func maxPooled(n int) int {
	if n <= 0 {
		return pump.DefaultMaxPooledContexts
	}
	return n
}

func (a *App) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return mux
}

// Log is a convenience logger for code running outside of Run
func Log(cfg config.LoggingConfig) *slog.Logger {
	return otelslog.New(newHandler(os.Stderr, cfg))
}
