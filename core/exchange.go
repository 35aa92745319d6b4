package core

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	stdhttp "net/http"
	"net/netip"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/pools"
	"github.com/searchktools/hostcore/core/sendfile"
)

// exchange is one request on a Connection as seen by the pump. The
// connection identity is copied so it stays readable after the connection
// went back to its pool.
type exchange struct {
	e   *Engine
	c   *Connection
	req *corehttp.Request

	fd       int
	id       string
	local    netip.AddrPort
	remote   netip.AddrPort
	features *features.Defaults

	ctx    context.Context
	cancel context.CancelFunc

	buf         *[]byte
	keepAlive   bool
	headWritten bool
	bodyless    bool
	chunked     bool
	// remaining is the declared Content-Length still to be written, -1
	// when unknown
	remaining int64
	done      atomic.Bool
}

var _ corehttp.Transport = (*exchange)(nil)

func newExchange(e *Engine, c *Connection, req *corehttp.Request) *exchange {
	ctx, cancel := context.WithCancel(c.ctx)
	return &exchange{
		e:         e,
		c:         c,
		req:       req,
		fd:        c.fd,
		id:        c.id,
		local:     c.localAddr(),
		remote:    c.remote,
		features:  c.features,
		ctx:       ctx,
		cancel:    cancel,
		keepAlive: req.KeepAlive(),
		remaining: -1,
	}
}

func (x *exchange) Head() corehttp.Head {
	return corehttp.Head{
		Method:    x.req.Method,
		Scheme:    "http",
		RawTarget: x.req.RawTarget,
		Path:      x.req.Path,
		Query:     x.req.Query,
		Header:    x.req.Header,
		Body:      bytes.NewReader(x.req.Body),
	}
}

func (x *exchange) Protocol() string            { return x.req.Proto }
func (x *exchange) ConnectionID() string        { return x.id }
func (x *exchange) LocalAddr() netip.AddrPort   { return x.local }
func (x *exchange) RemoteAddr() netip.AddrPort  { return x.remote }
func (x *exchange) TLS() *tls.ConnectionState   { return nil }
func (x *exchange) Context() context.Context    { return x.ctx }
func (x *exchange) Features() features.Backstop { return x.features }

func (x *exchange) check() error {
	if x.done.Load() || x.c.closed.Load() {
		return ErrExchangeDone
	}
	return nil
}

func (x *exchange) WriteHead(status int, reason string, header stdhttp.Header) error {
	if err := x.check(); err != nil {
		return err
	}
	if x.headWritten {
		return ErrHeadWritten
	}
	x.headWritten = true

	switch {
	case status == stdhttp.StatusSwitchingProtocols:
		x.bodyless = true
	case x.req.Method == stdhttp.MethodHead || !bodyAllowed(status):
		x.bodyless = true
	case header.Get(HeaderContentLength) != "":
		n, err := strconv.ParseInt(header.Get(HeaderContentLength), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %q", ErrInvalidContentLength, header.Get(HeaderContentLength))
		}
		x.remaining = n
	case x.req.ProtoAtLeast(1, 1):
		header.Set(HeaderTransferEncoding, "chunked")
		x.chunked = true
	default:
		// HTTP/1.0 without a length: the body ends with the connection
		x.keepAlive = false
	}

	if status != stdhttp.StatusSwitchingProtocols {
		if !x.keepAlive {
			header.Set(HeaderConnection, "close")
		} else if !x.req.ProtoAtLeast(1, 1) {
			header.Set(HeaderConnection, "keep-alive")
		}
	}
	if header.Get(HeaderDate) == "" {
		header.Set(HeaderDate, time.Now().UTC().Format(stdhttp.TimeFormat))
	}

	x.buf = x.e.bufPool.Get(pools.SmallBufferSize)
	*x.buf = appendStatusLine(*x.buf, status, reason)
	if err := header.Write((*appendWriter)(x.buf)); err != nil {
		return err
	}
	*x.buf = append(*x.buf, "\r\n"...)
	return nil
}

func (x *exchange) Write(p []byte) (int, error) {
	if err := x.check(); err != nil {
		return 0, err
	}
	if !x.headWritten {
		return 0, ErrHeadNotWritten
	}
	if x.bodyless || len(p) == 0 {
		return len(p), nil
	}
	if x.remaining >= 0 {
		if int64(len(p)) > x.remaining {
			return 0, ErrContentLengthExceeded
		}
		x.remaining -= int64(len(p))
	}

	if x.chunked {
		*x.buf = strconv.AppendInt(*x.buf, int64(len(p)), 16)
		*x.buf = append(*x.buf, "\r\n"...)
		*x.buf = append(*x.buf, p...)
		*x.buf = append(*x.buf, "\r\n"...)
	} else {
		*x.buf = append(*x.buf, p...)
	}

	if len(*x.buf) >= pools.LargeBufferSize {
		if err := x.flush(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (x *exchange) flush() error {
	if x.buf == nil || len(*x.buf) == 0 {
		return nil
	}
	err := writeAll(x.ctx, x.fd, *x.buf)
	*x.buf = (*x.buf)[:0]
	return err
}

func (x *exchange) Flush() error {
	if err := x.check(); err != nil {
		return err
	}
	return x.flush()
}

func (x *exchange) SendFile(ctx context.Context, path string, offset, count int64) error {
	if err := x.check(); err != nil {
		return err
	}
	if !x.headWritten {
		return ErrHeadNotWritten
	}

	f, err := x.e.files.Open(path)
	if err != nil {
		return err
	}
	defer f.Release()

	if count < 0 {
		count = f.Size - offset
	}
	if x.bodyless || count == 0 {
		return nil
	}
	if x.remaining >= 0 {
		if count > x.remaining {
			return ErrContentLengthExceeded
		}
		x.remaining -= count
	}

	if x.chunked {
		*x.buf = strconv.AppendInt(*x.buf, count, 16)
		*x.buf = append(*x.buf, "\r\n"...)
	}
	if err := x.flush(); err != nil {
		return err
	}
	if _, err := sendfile.Copy(ctx, x.fd, f, offset, count); err != nil {
		return err
	}
	if x.chunked {
		*x.buf = append(*x.buf, "\r\n"...)
	}
	return nil
}

// Upgrade detaches the socket from the engine and returns it as a
// net.Conn. Bytes read past the upgrade request are replayed first.
func (x *exchange) Upgrade() (io.ReadWriteCloser, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	if err := x.flush(); err != nil {
		return nil, err
	}
	if !x.done.CompareAndSwap(false, true) || !x.e.untrack(x.c) {
		return nil, ErrExchangeDone
	}
	x.releaseBuffer()

	c := x.c
	leftover := bytes.Clone((*c.readBuf)[:c.off])
	f := os.NewFile(uintptr(c.fd), "upgrade-"+c.id)
	nc, err := net.FileConn(f)
	_ = f.Close()
	x.e.release(c, "upgrade")
	if err != nil {
		return nil, err
	}
	if len(leftover) == 0 {
		return nc, nil
	}
	return &upgradedConn{Conn: nc, r: io.MultiReader(bytes.NewReader(leftover), nc)}, nil
}

// Complete finishes the response and gives the connection back to the
// event loop, or closes it
func (x *exchange) Complete() error {
	if err := x.check(); err != nil {
		return err
	}
	if x.remaining > 0 {
		x.Abort()
		return fmt.Errorf("%w: %d bytes missing", ErrContentLengthShort, x.remaining)
	}
	if x.chunked {
		*x.buf = append(*x.buf, "0\r\n\r\n"...)
	}
	err := x.flush()
	if !x.done.CompareAndSwap(false, true) {
		return ErrExchangeDone
	}
	x.releaseBuffer()
	x.cancel()

	if err != nil {
		x.e.closeConnection(x.c, "error")
		return err
	}
	if !x.keepAlive {
		x.e.closeConnection(x.c, "client")
		return nil
	}
	x.e.resume(x.c)
	return nil
}

// Abort closes the connection without finishing the response
func (x *exchange) Abort() {
	if !x.done.CompareAndSwap(false, true) {
		return
	}
	x.releaseBuffer()
	x.cancel()
	x.e.closeConnection(x.c, "abort")
}

func (x *exchange) releaseBuffer() {
	if x.buf != nil {
		x.e.bufPool.Put(x.buf)
		x.buf = nil
	}
}

type upgradedConn struct {
	net.Conn
	r io.Reader
}

func (u *upgradedConn) Read(p []byte) (int, error) {
	return u.r.Read(p)
}

// appendWriter lets stdhttp.Header.Write append into a pooled buffer
type appendWriter []byte

func (w *appendWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

func bodyAllowed(status int) bool {
	return status >= 200 && status != stdhttp.StatusNoContent && status != stdhttp.StatusNotModified
}

func appendStatusLine(b []byte, status int, reason string) []byte {
	if reason == "" {
		reason = stdhttp.StatusText(status)
	}
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, ' ')
	b = append(b, reason...)
	return append(b, "\r\n"...)
}

func appendFatalResponse(b []byte, status int) []byte {
	b = appendStatusLine(b, status, "")
	b = append(b, "Content-Length: 0\r\nConnection: close\r\n\r\n"...)
	return b
}

// writeAll writes p to a non-blocking socket, waiting while it is full
func writeAll(ctx context.Context, fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if n > 0 {
			p = p[n:]
		}
		switch {
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := sendfile.WaitWritable(ctx, fd); err != nil {
				return err
			}
		case err != nil:
			return err
		}
	}
	return nil
}
