package http2

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"sync"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
)

var (
	// ErrStreamClosed is returned once a stream was completed, aborted or
	// its handler returned
	ErrStreamClosed = errors.New("http2: stream closed")

	// ErrHeadWritten is returned by a second WriteHead
	ErrHeadWritten = errors.New("http2: response head already written")

	// ErrUpgradeUnsupported is returned by Upgrade on HTTP/2 streams
	ErrUpgradeUnsupported = errors.New("http2: upgrade requires HTTP/1.1")
)

// hop-by-hop headers that must not be sent on an HTTP/2 stream
var connectionHeaders = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade"}

// stream is one request as seen by the pump. The net/http handler that
// produced it stays blocked until done is closed.
type stream struct {
	w  http.ResponseWriter
	r  *http.Request
	ci *connInfo

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	headWritten bool
	// pendingUpgrade holds a 101 head until Upgrade writes it on the
	// hijacked connection
	pendingUpgrade http.Header
	finished       bool
	aborted        bool
	detached       bool

	done     chan struct{}
	doneOnce sync.Once
}

var _ corehttp.Transport = (*stream)(nil)

func newStream(w http.ResponseWriter, r *http.Request, ci *connInfo) *stream {
	ctx, cancel := context.WithCancel(r.Context())
	return &stream{
		w:      w,
		r:      r,
		ci:     ci,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (st *stream) Head() corehttp.Head {
	var query string
	if st.r.URL.RawQuery != "" {
		query = "?" + st.r.URL.RawQuery
	}
	scheme := "http"
	if st.r.TLS != nil {
		scheme = "https"
	}
	return corehttp.Head{
		Method:    st.r.Method,
		Scheme:    scheme,
		RawTarget: st.r.RequestURI,
		Path:      st.r.URL.Path,
		Query:     query,
		Header:    st.r.Header,
		Body:      st.r.Body,
	}
}

func (st *stream) Protocol() string            { return st.r.Proto }
func (st *stream) ConnectionID() string        { return st.ci.id }
func (st *stream) TLS() *tls.ConnectionState   { return st.r.TLS }
func (st *stream) Context() context.Context    { return st.ctx }
func (st *stream) Features() features.Backstop { return st.ci.features }
func (st *stream) RemoteAddr() netip.AddrPort  { return parseAddrPort(st.r.RemoteAddr) }

func (st *stream) LocalAddr() netip.AddrPort {
	addr, ok := st.r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok {
		return netip.AddrPort{}
	}
	return parseAddrPort(addr.String())
}

func parseAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// lock acquires the stream unless it can no longer be written to
func (st *stream) lock() error {
	st.mu.Lock()
	if st.finished || st.detached {
		st.mu.Unlock()
		return ErrStreamClosed
	}
	return nil
}

func (st *stream) WriteHead(status int, reason string, header http.Header) error {
	if err := st.lock(); err != nil {
		return err
	}
	defer st.mu.Unlock()
	if st.headWritten {
		return ErrHeadWritten
	}
	st.headWritten = true

	if status == http.StatusSwitchingProtocols {
		st.pendingUpgrade = header.Clone()
		return nil
	}

	dst := st.w.Header()
	for k, v := range header {
		dst[k] = v
	}
	if st.r.ProtoMajor >= 2 {
		for _, k := range connectionHeaders {
			dst.Del(k)
		}
	}
	// reason phrases are not carried by net/http
	st.w.WriteHeader(status)
	return nil
}

func (st *stream) Write(p []byte) (int, error) {
	if err := st.lock(); err != nil {
		return 0, err
	}
	defer st.mu.Unlock()
	return st.w.Write(p)
}

func (st *stream) Flush() error {
	if err := st.lock(); err != nil {
		return err
	}
	defer st.mu.Unlock()
	return http.NewResponseController(st.w).Flush()
}

// SendFile copies through the response writer, which uses sendfile on
// plain HTTP/1.1 connections
func (st *stream) SendFile(ctx context.Context, path string, offset, count int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if count < 0 {
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		count = fi.Size() - offset
	}

	if err := st.lock(); err != nil {
		return err
	}
	defer st.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = io.Copy(st.w, io.NewSectionReader(f, offset, count))
	return err
}

// Upgrade hijacks an HTTP/1.1 connection and writes the pending 101 head
// on it
func (st *stream) Upgrade() (io.ReadWriteCloser, error) {
	if err := st.lock(); err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	if st.r.ProtoMajor >= 2 {
		return nil, ErrUpgradeUnsupported
	}

	conn, rw, err := http.NewResponseController(st.w).Hijack()
	if err != nil {
		return nil, err
	}
	if err := writeSwitchingProtocols(rw.Writer, st.pendingUpgrade); err != nil {
		_ = conn.Close()
		return nil, err
	}
	st.pendingUpgrade = nil
	st.finished = true
	st.release()

	if rw.Reader.Buffered() == 0 {
		return conn, nil
	}
	return &hijackedConn{Conn: conn, r: rw.Reader}, nil
}

func writeSwitchingProtocols(w *bufio.Writer, header http.Header) error {
	_, _ = w.WriteString("HTTP/1.1 " + strconv.Itoa(http.StatusSwitchingProtocols) + " Switching Protocols\r\n")
	if err := header.Write(w); err != nil {
		return err
	}
	_, _ = w.WriteString("\r\n")
	return w.Flush()
}

// Complete releases the handler so net/http can finish the response
func (st *stream) Complete() error {
	if err := st.lock(); err != nil {
		return err
	}
	defer st.mu.Unlock()
	if st.pendingUpgrade != nil {
		for k, v := range st.pendingUpgrade {
			st.w.Header()[k] = v
		}
		st.w.WriteHeader(http.StatusSwitchingProtocols)
		st.pendingUpgrade = nil
	}
	st.finished = true
	st.release()
	return nil
}

// Abort makes the handler reset the stream or close the connection
func (st *stream) Abort() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return
	}
	st.finished = true
	st.aborted = true
	st.release()
}

func (st *stream) release() {
	st.doneOnce.Do(func() {
		st.cancel()
		close(st.done)
	})
}

// detach is called by the handler before it returns. It reports whether
// the stream was aborted.
func (st *stream) detach() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.detached = true
	st.release()
	return st.aborted
}

type hijackedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *hijackedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
