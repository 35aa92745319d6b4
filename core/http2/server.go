// Package http2 is a listener built on the net/http runtime server. It
// speaks HTTP/1.1, h2 over TLS through ALPN and h2c on cleartext
// addresses. Every request or stream becomes one unit of work for the
// pump.
package http2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/observability"
	"github.com/searchktools/hostcore/core/pump"
	"github.com/searchktools/hostcore/internal/otelslog"
)

// Config contains HTTP/2 server configuration
type Config struct {
	// TLSConfig serves https addresses, h2 is negotiated through ALPN
	TLSConfig *tls.Config `config:"-"`

	MaxConcurrentStreams uint32        `config:"max_concurrent_streams"`
	MaxReadFrameSize     uint32        `config:"max_read_frame_size"`
	IdleTimeout          time.Duration `config:"idle_timeout"`
	ReadHeaderTimeout    time.Duration `config:"read_header_timeout"`

	// QueueSize is the number of requests waiting for the pump
	QueueSize int `config:"queue_size"`
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20 // 1MB
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = slog.New(otelslog.NewHandler(log.Handler()))
	}
}

// WithMetrics records connection handling
func WithMetrics(m *observability.ListenerMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server provides HTTP/2 support with multiplexing and HPACK compression
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observability.ListenerMetrics
	h2      *http2.Server

	defaults features.Backstop
	idPrefix string
	nextConn atomic.Uint64

	mu        sync.Mutex
	listening bool
	servers   []*http.Server
	wg        sync.WaitGroup

	queue     chan corehttp.Transport
	closed    chan struct{}
	closeOnce sync.Once

	// Statistics
	stats struct {
		totalConnections atomic.Uint64
		totalStreams     atomic.Uint64
	}
}

var _ pump.Listener = (*Server)(nil)

// NewServer creates a new HTTP/2 server
func NewServer(cfg Config, opts ...Option) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:      cfg,
		log:      otelslog.Discard(),
		idPrefix: strconv.FormatInt(time.Now().UnixNano(), 36),
		queue:    make(chan corehttp.Transport, cfg.QueueSize),
		closed:   make(chan struct{}),
		h2: &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			MaxReadFrameSize:     cfg.MaxReadFrameSize,
			IdleTimeout:          cfg.IdleTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type connKey struct{}

// connInfo is shared by every request of one connection
type connInfo struct {
	id       string
	features *features.Defaults
}

// Listen binds every address and starts serving
func (s *Server) Listen(ctx context.Context, addrs []string, defaults features.Backstop) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil, errors.New("http2: already listening")
	}
	s.listening = true
	s.defaults = defaults

	type binding struct {
		srv *http.Server
		ln  net.Listener
		url string
	}
	var bindings []binding
	fail := func(err error) ([]string, error) {
		for _, b := range bindings {
			_ = b.ln.Close()
		}
		return nil, err
	}

	var lc net.ListenConfig
	for _, addr := range addrs {
		u, err := url.Parse(addr)
		if err != nil {
			return fail(err)
		}
		secure := u.Scheme == "https"
		if !secure && u.Scheme != "http" {
			return fail(fmt.Errorf("unsupported scheme %q in %s", u.Scheme, addr))
		}
		if secure && s.cfg.TLSConfig == nil {
			return fail(fmt.Errorf("https address %s requires a TLS configuration", addr))
		}

		port := u.Port()
		if port == "" {
			port = "80"
			if secure {
				port = "443"
			}
		}
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
		if err != nil {
			return fail(err)
		}

		srv := s.newHTTPServer(secure)
		if secure {
			srv.TLSConfig = s.cfg.TLSConfig.Clone()
			if err := http2.ConfigureServer(srv, s.h2); err != nil {
				_ = ln.Close()
				return fail(err)
			}
			ln = tls.NewListener(ln, srv.TLSConfig)
			bindings = append(bindings, binding{srv: srv, ln: ln, url: "https://" + ln.Addr().String()})
			continue
		}
		bindings = append(bindings, binding{srv: srv, ln: ln, url: "http://" + ln.Addr().String()})
	}

	bound := make([]string, 0, len(bindings))
	for _, b := range bindings {
		s.servers = append(s.servers, b.srv)
		bound = append(bound, b.url)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := b.srv.Serve(b.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server failed", slog.String("address", b.url), otelslog.Error(err))
			}
		}()
	}

	s.log.InfoContext(ctx, "http2 server listening", slog.Any("addresses", bound))
	return bound, nil
}

func (s *Server) newHTTPServer(secure bool) *http.Server {
	var handler http.Handler = http.HandlerFunc(s.serveHTTP)
	if !secure {
		handler = h2c.NewHandler(handler, s.h2)
	}

	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			s.stats.totalConnections.Add(1)
			return context.WithValue(ctx, connKey{}, &connInfo{
				id:       s.idPrefix + ":" + strconv.FormatUint(s.nextConn.Add(1), 10),
				features: features.NewDefaults(s.defaults),
			})
		},
		ConnState: func(c net.Conn, st http.ConnState) {
			switch st {
			case http.StateNew:
				s.metrics.Accepted()
			case http.StateClosed, http.StateHijacked:
				s.metrics.Closed(st.String())
			}
		},
	}
}

// serveHTTP queues the request for the pump and waits until the pump has
// completed or aborted it
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.stats.totalStreams.Add(1)

	ci, _ := r.Context().Value(connKey{}).(*connInfo)
	if ci == nil {
		ci = &connInfo{features: features.NewDefaults(s.defaults)}
	}
	st := newStream(w, r, ci)

	select {
	case s.queue <- st:
	case <-s.closed:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	select {
	case <-st.done:
	case <-r.Context().Done():
	}
	if st.detach() {
		panic(http.ErrAbortHandler)
	}
}

// Accept returns the next request
func (s *Server) Accept(ctx context.Context) (corehttp.Transport, error) {
	select {
	case t := <-s.queue:
		return t, nil
	case <-s.closed:
		return nil, pump.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes every listener and connection
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		servers := s.servers
		s.mu.Unlock()
		for _, srv := range servers {
			err = errors.Join(err, srv.Close())
		}
		s.wg.Wait()
	})
	return err
}

// Stats reports connection and stream totals
func (s *Server) Stats() (connections, streams uint64) {
	return s.stats.totalConnections.Load(), s.stats.totalStreams.Load()
}
