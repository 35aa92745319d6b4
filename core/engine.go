package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/observability"
	"github.com/searchktools/hostcore/core/poller"
	"github.com/searchktools/hostcore/core/pools"
	"github.com/searchktools/hostcore/core/pump"
	"github.com/searchktools/hostcore/core/sendfile"
	"github.com/searchktools/hostcore/internal/otelslog"
)

// EngineConfig holds the tunables of the event loop listener
type EngineConfig struct {
	// MaxConnections caps open connections, 0 means no cap
	MaxConnections int `config:"max_connections"`

	// IdleTimeout closes keep-alive connections without traffic
	IdleTimeout time.Duration `config:"idle_timeout"`

	// ReadBufferSize is the initial read buffer of a connection
	ReadBufferSize int `config:"read_buffer_size"`

	// MaxHeaderBytes bounds the request line plus headers
	MaxHeaderBytes int `config:"max_header_bytes"`

	// MaxRequestBodySize bounds buffered request bodies, negative means
	// unlimited
	MaxRequestBodySize int64 `config:"max_request_body_size"`

	// FileCacheSize is the number of open file descriptors kept for
	// send-file
	FileCacheSize int `config:"file_cache_size"`

	// QueueSize is the number of parsed requests waiting for the pump
	QueueSize int `config:"queue_size"`
}

// DefaultEngineConfig returns the settings used for zero config values
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConnections:     100000,
		IdleTimeout:        5 * time.Second,
		ReadBufferSize:     8192,
		MaxHeaderBytes:     32 * 1024,
		MaxRequestBodySize: 30_000_000,
		FileCacheSize:      256,
		QueueSize:          1024,
	}
}

func (cfg *EngineConfig) applyDefaults() {
	def := DefaultEngineConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if cfg.FileCacheSize <= 0 {
		cfg.FileCacheSize = def.FileCacheSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
}

// maxBuffer bounds the read buffer of a connection
func (cfg *EngineConfig) maxBuffer() int {
	if cfg.MaxRequestBodySize < 0 {
		return cfg.MaxHeaderBytes + 64<<20
	}
	return cfg.MaxHeaderBytes + int(cfg.MaxRequestBodySize)
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = slog.New(otelslog.NewHandler(log.Handler()))
	}
}

// WithEngineMetrics records connection handling
func WithEngineMetrics(m *observability.ListenerMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine is an epoll/kqueue driven HTTP/1.x listener. One goroutine
// accepts connections, reads and parses requests; complete requests are
// handed to the pump through Accept. While a request is being processed
// its connection is removed from the poller, so every connection has a
// single owner at any time.
type Engine struct {
	cfg     EngineConfig
	log     *slog.Logger
	metrics *observability.ListenerMetrics

	poller    poller.Poller
	listeners map[int]*listenSocket
	defaults  features.Backstop
	idPrefix  string
	nextID    atomic.Uint64

	connMu      sync.Mutex
	connections map[int]*Connection
	// shutdown is set under connMu once Close owns the idle connections
	shutdown bool

	connPool *pools.Pool[connState, *Connection]
	bytePool *pools.BytePool
	bufPool  *pools.BufferPool
	files    *sendfile.FileCache

	ready     chan corehttp.Transport
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	listening atomic.Bool
}

var _ pump.Listener = (*Engine)(nil)

// NewEngine creates a new engine instance
func NewEngine(cfg EngineConfig, opts ...EngineOption) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:         cfg,
		log:         otelslog.Discard(),
		listeners:   make(map[int]*listenSocket),
		idPrefix:    strconv.FormatInt(time.Now().UnixNano(), 36),
		connections: make(map[int]*Connection, 1024),
		bytePool:    pools.NewBytePool(),
		bufPool:     pools.NewBufferPool(),
		files:       sendfile.NewFileCache(cfg.FileCacheSize),
		ready:       make(chan corehttp.Transport, cfg.QueueSize),
		closed:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	e.connPool = pools.NewPool[connState](1024, func() *Connection {
		return &Connection{fd: -1}
	})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type listenSocket struct {
	ln   *net.TCPListener
	file *os.File
	fd   int
	url  string
}

func (ls *listenSocket) close() error {
	return errors.Join(ls.file.Close(), ls.ln.Close())
}

// listenAddr turns a URL such as http://localhost:5000 into a TCP address
func listenAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" {
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, rawURL)
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("path base %q is not supported in %s", u.Path, rawURL)
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "80"
	}
	if host == "*" || host == "+" {
		host = ""
	}
	return net.JoinHostPort(host, port), nil
}

// Listen binds every address and starts the event loop
func (e *Engine) Listen(ctx context.Context, addrs []string, defaults features.Backstop) ([]string, error) {
	if e.listening.Swap(true) {
		return nil, errors.New("engine: already listening")
	}
	e.defaults = defaults

	var bound []string
	fail := func(err error) ([]string, error) {
		for _, ls := range e.listeners {
			_ = ls.close()
		}
		clear(e.listeners)
		return nil, err
	}

	var lc net.ListenConfig
	for _, addr := range addrs {
		hostPort, err := listenAddr(addr)
		if err != nil {
			return fail(err)
		}
		l, err := lc.Listen(ctx, "tcp", hostPort)
		if err != nil {
			return fail(err)
		}
		tl := l.(*net.TCPListener)
		f, err := tl.File()
		if err != nil {
			_ = tl.Close()
			return fail(err)
		}
		fd := int(f.Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = f.Close()
			_ = tl.Close()
			return fail(err)
		}
		ls := &listenSocket{ln: tl, file: f, fd: fd, url: "http://" + tl.Addr().String()}
		e.listeners[fd] = ls
		bound = append(bound, ls.url)
	}

	p, err := poller.NewPoller()
	if err != nil {
		return fail(err)
	}
	for fd := range e.listeners {
		if err := p.Add(fd); err != nil {
			_ = p.Close()
			return fail(err)
		}
	}
	e.poller = p

	go e.loop()
	e.log.InfoContext(ctx, "engine listening", slog.Any("addresses", bound))
	return bound, nil
}

// Accept returns the next parsed request
func (e *Engine) Accept(ctx context.Context) (corehttp.Transport, error) {
	select {
	case t := <-e.ready:
		return t, nil
	case <-e.closed:
		return nil, pump.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the event loop and closes every idle socket. Connections
// with a request in flight have their context canceled and are closed by
// their exchange once it completes or aborts.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.poller == nil {
			return
		}
		<-e.loopDone

		for _, ls := range e.listeners {
			err = errors.Join(err, ls.close())
		}

		var idle []*Connection
		e.connMu.Lock()
		e.shutdown = true
		for _, c := range e.connections {
			if c.state.Load() == connProcessing {
				c.cancel()
				continue
			}
			idle = append(idle, c)
		}
		e.connMu.Unlock()
		for _, c := range idle {
			e.closeConnection(c, "shutdown")
		}

		err = errors.Join(err, e.poller.Close())
		e.files.Close()
	})
	return err
}

// OpenConnections reports the number of connections currently open
func (e *Engine) OpenConnections() int {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return len(e.connections)
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Engine) loop() {
	defer close(e.loopDone)

	lastSweep := time.Now()
	for !e.isClosed() {
		fds, err := e.poller.Wait(100)
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				return
			}
			e.log.Error("poller wait failed", otelslog.Error(err))
			continue
		}

		for _, fd := range fds {
			if ls, ok := e.listeners[fd]; ok {
				e.acceptConnections(ls)
				continue
			}
			e.handleRead(fd)
		}

		if now := time.Now(); now.Sub(lastSweep) >= time.Second {
			e.closeIdle(now)
			lastSweep = now
		}
	}
}

// acceptConnections accepts every pending connection
func (e *Engine) acceptConnections(ls *listenSocket) {
	for {
		nfd, sa, err := unix.Accept(ls.fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.log.Error("accept failed", slog.String("listener", ls.url), otelslog.Error(err))
			}
			return
		}

		if e.cfg.MaxConnections > 0 && e.OpenConnections() >= e.cfg.MaxConnections {
			e.log.Warn("connection limit reached, dropping connection", slog.Int("limit", e.cfg.MaxConnections))
			_ = unix.Close(nfd)
			continue
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		_ = unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

		c := e.connPool.Rent(connState{
			fd:       nfd,
			id:       e.idPrefix + ":" + strconv.FormatUint(e.nextID.Add(1), 10),
			remote:   addrPort(sa),
			readBuf:  e.bytePool.Get(e.cfg.ReadBufferSize),
			defaults: e.defaults,
		})
		if err := e.poller.Add(nfd); err != nil {
			e.bytePool.Put(c.readBuf)
			e.connPool.Return(c)
			_ = unix.Close(nfd)
			continue
		}

		e.connMu.Lock()
		e.connections[nfd] = c
		e.connMu.Unlock()
		e.metrics.Accepted()
	}
}

func (e *Engine) lookup(fd int) *Connection {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.connections[fd]
}

// handleRead reads from a connection owned by the event loop
func (e *Engine) handleRead(fd int) {
	c := e.lookup(fd)
	if c == nil {
		return
	}
	c.touch()

	if c.off == len(*c.readBuf) && !e.growBuffer(c) {
		status := 431
		if c.headComplete() {
			status = 413
		}
		e.reject(c, status)
		return
	}

	n, err := unix.Read(fd, (*c.readBuf)[c.off:])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		e.closeConnection(c, "error")
		return
	case n == 0:
		e.closeConnection(c, "peer")
		return
	}
	c.off += n

	e.serve(c)
}

func (e *Engine) growBuffer(c *Connection) bool {
	size := len(*c.readBuf)
	limit := e.cfg.maxBuffer()
	if size >= limit {
		return false
	}
	buf := e.bytePool.Get(min(size*2, limit))
	copy(*buf, (*c.readBuf)[:c.off])
	e.bytePool.Put(c.readBuf)
	c.readBuf = buf
	return true
}

type serveResult int

const (
	needMore serveResult = iota
	dispatched
	rejected
)

// serve parses the buffered bytes of c and hands a complete request to
// the pump. The caller must own c.
func (e *Engine) serve(c *Connection) serveResult {
	req, consumed, err := corehttp.ParseRequest((*c.readBuf)[:c.off], e.cfg.MaxRequestBodySize)
	switch {
	case errors.Is(err, corehttp.ErrIncomplete):
		e.maybeContinue(c)
		return needMore
	case errors.Is(err, corehttp.ErrBodyTooLarge):
		e.reject(c, 413)
		return rejected
	case errors.Is(err, corehttp.ErrUnsupportedEncoding):
		e.reject(c, 501)
		return rejected
	case err != nil:
		e.reject(c, 400)
		return rejected
	}

	c.off = copy(*c.readBuf, (*c.readBuf)[consumed:c.off])
	c.continueSent = false
	c.state.Store(connProcessing)
	_ = e.poller.Remove(c.fd)

	x := newExchange(e, c, req)
	select {
	case e.ready <- x:
		return dispatched
	case <-e.closed:
		x.cancel()
		e.closeConnection(c, "shutdown")
		return rejected
	}
}

// resume gives a connection back to the event loop after a response. The
// caller owns c until it is registered again.
func (e *Engine) resume(c *Connection) {
	c.touch()
	if c.off > 0 {
		if e.serve(c) != needMore {
			return
		}
	}

	e.connMu.Lock()
	if e.shutdown {
		e.connMu.Unlock()
		e.closeConnection(c, "shutdown")
		return
	}
	c.state.Store(connReading)
	err := e.poller.Add(c.fd)
	e.connMu.Unlock()
	if err != nil {
		e.closeConnection(c, "error")
	}
}

// maybeContinue answers Expect: 100-continue once the head has arrived
func (e *Engine) maybeContinue(c *Connection) {
	if c.continueSent || !c.expectsContinue() {
		return
	}
	c.continueSent = true
	if err := writeAll(c.ctx, c.fd, continueResponse); err != nil {
		e.closeConnection(c, "error")
	}
}

// reject answers a request that cannot be parsed and closes the connection
func (e *Engine) reject(c *Connection, status int) {
	buf := e.bufPool.Get(128)
	*buf = appendFatalResponse(*buf, status)
	ctx, cancel := context.WithTimeout(c.ctx, time.Second)
	_ = writeAll(ctx, c.fd, *buf)
	cancel()
	e.bufPool.Put(buf)
	e.closeConnection(c, "bad_request")
}

// closeIdle closes connections waiting for a request longer than the idle
// timeout
func (e *Engine) closeIdle(now time.Time) {
	var idle []*Connection
	e.connMu.Lock()
	for _, c := range e.connections {
		if c.state.Load() == connReading && now.Sub(c.lastActiveTime()) > e.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	e.connMu.Unlock()

	for _, c := range idle {
		e.closeConnection(c, "idle")
	}
}

// closeConnection closes and cleans up a connection
func (e *Engine) closeConnection(c *Connection, reason string) {
	if !e.untrack(c) {
		return
	}
	_ = e.poller.Remove(c.fd)
	_ = unix.Close(c.fd)
	e.release(c, reason)
}

// untrack removes c from the connection table. It reports false when c
// was already gone.
func (e *Engine) untrack(c *Connection) bool {
	if c.closed.Swap(true) {
		return false
	}
	e.connMu.Lock()
	delete(e.connections, c.fd)
	e.connMu.Unlock()
	return true
}

func (e *Engine) release(c *Connection, reason string) {
	c.cancel()
	e.bytePool.Put(c.readBuf)
	e.metrics.Closed(reason)
	e.connPool.Return(c)
}
