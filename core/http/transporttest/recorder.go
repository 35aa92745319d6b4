// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
)

// ErrUpgradeUnsupported is returned by Upgrade unless UpgradeConn is set
var ErrUpgradeUnsupported = errors.New("transporttest: upgrade unsupported")

// Recorder records everything written to it
type Recorder struct {
	Req         corehttp.Head
	Proto       string
	ConnID      string
	Local       netip.AddrPort
	Remote      netip.AddrPort
	TLSState    *tls.ConnectionState
	Conn        *features.Defaults
	UpgradeConn net.Conn
	WriteErr    error

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	status     int
	reason     string
	header     http.Header
	body       bytes.Buffer
	headWrites int
	flushes    int
	completed  bool
	aborted    bool
	fetches    map[string]int
	done       chan struct{}
	doneOnce   sync.Once
}

// NewRecorder creates a recorder for a request with method and target
func NewRecorder(method, target string) *Recorder {
	path, query := target, ""
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path, query = target[:i], target[i:]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		Req: corehttp.Head{
			Method:    method,
			Scheme:    "http",
			RawTarget: target,
			Path:      path,
			Query:     query,
			Header:    make(http.Header),
			Body:      bytes.NewReader(nil),
		},
		Proto:   "HTTP/1.1",
		ConnID:  "conn-1",
		Local:   netip.MustParseAddrPort("127.0.0.1:8080"),
		Remote:  netip.MustParseAddrPort("127.0.0.1:50000"),
		ctx:     ctx,
		cancel:  cancel,
		fetches: make(map[string]int),
		done:    make(chan struct{}),
	}
}

func (r *Recorder) fetched(name string) {
	r.mu.Lock()
	r.fetches[name]++
	r.mu.Unlock()
}

// Fetches reports how often a lazily fetched value was read
func (r *Recorder) Fetches(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[name]
}

func (r *Recorder) Head() corehttp.Head { return r.Req }

func (r *Recorder) Protocol() string {
	r.fetched("protocol")
	return r.Proto
}

func (r *Recorder) ConnectionID() string {
	r.fetched("connection-id")
	return r.ConnID
}

func (r *Recorder) LocalAddr() netip.AddrPort {
	r.fetched("local-addr")
	return r.Local
}

func (r *Recorder) RemoteAddr() netip.AddrPort {
	r.fetched("remote-addr")
	return r.Remote
}

func (r *Recorder) TLS() *tls.ConnectionState { return r.TLSState }

func (r *Recorder) Context() context.Context { return r.ctx }

func (r *Recorder) Features() features.Backstop {
	if r.Conn == nil {
		return nil
	}
	return r.Conn
}

func (r *Recorder) WriteHead(status int, reason string, header http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headWrites++
	r.status = status
	r.reason = reason
	r.header = header.Clone()
	return nil
}

func (r *Recorder) Write(p []byte) (int, error) {
	if r.WriteErr != nil {
		return 0, r.WriteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func (r *Recorder) SendFile(ctx context.Context, path string, offset, count int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader = io.NewSectionReader(f, offset, 1<<62)
	if count >= 0 {
		src = io.LimitReader(src, count)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = io.Copy(&r.body, src)
	return err
}

func (r *Recorder) Upgrade() (io.ReadWriteCloser, error) {
	if r.UpgradeConn == nil {
		return nil, ErrUpgradeUnsupported
	}
	return r.UpgradeConn, nil
}

func (r *Recorder) Complete() error {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
	r.finish()
	return nil
}

func (r *Recorder) Abort() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.cancel()
	r.finish()
}

func (r *Recorder) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Disconnect simulates the peer going away
func (r *Recorder) Disconnect() {
	r.cancel()
}

// Done is closed once the exchange completed or was aborted
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Status returns the committed status code, 0 if none
func (r *Recorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Reason returns the committed reason phrase
func (r *Recorder) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Header returns the committed headers
func (r *Recorder) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

// Body returns everything written after the head
func (r *Recorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

// HeadWrites counts WriteHead calls
func (r *Recorder) HeadWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headWrites
}

// Flushes counts Flush calls
func (r *Recorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// Completed reports whether Complete was called
func (r *Recorder) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Aborted reports whether Abort was called
func (r *Recorder) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

var _ corehttp.Transport = (*Recorder)(nil)
