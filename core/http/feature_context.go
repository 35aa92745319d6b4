package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	stdhttp "net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/searchktools/hostcore/core/features"
)

var (
	// ErrResponseStarted is returned when mutating a committed response
	ErrResponseStarted = fmt.Errorf("%w: response has already started", features.ErrInvalidOperation)
	// ErrResponseCompleted is returned when writing after the response completed
	ErrResponseCompleted = fmt.Errorf("%w: response has already completed", features.ErrInvalidOperation)
	// ErrBodyReadOnly is returned when changing the body limit after the body was read
	ErrBodyReadOnly = fmt.Errorf("%w: request body has already been read", features.ErrInvalidOperation)
	// ErrNotUpgradable is returned by Upgrade for requests that did not ask for it
	ErrNotUpgradable = fmt.Errorf("%w: request is not upgradable", features.ErrInvalidOperation)
)

// lazyField marks a field fetched from the transport on first use
type lazyField uint16

const (
	fieldProtocol lazyField = 1 << iota
	fieldLocalAddr
	fieldRemoteAddr
	fieldConnectionID
	fieldTraceIdentifier
	fieldClientCertificate
	fieldRequestAborted
	fieldTLSHandshake
)

// Options carries per-request policy
type Options struct {
	// MaxRequestBodySize limits the request body, negative means unlimited
	MaxRequestBodySize    int64
	AllowSynchronousIO    bool
	EnableResponseCaching bool
	// Now defaults to time.Now
	Now func() time.Time
}

var traceSeq atomic.Uint64

// FeatureContext is the per-request state handed to the application
// through its capability registry. It is pooled: Initialize binds it to a
// transport, Reset returns it to the zero state.
type FeatureContext struct {
	transport Transport
	opts      Options
	host      any
	ctx       context.Context

	collection features.Collection
	std        standardFeatures

	initialized lazyField

	// eager
	head  Head
	isTLS bool

	// lazy
	protocol     string
	localAddr    netip.AddrPort
	remoteAddr   netip.AddrPort
	connectionID string
	traceID      string
	clientCert   *x509.Certificate
	tlsState     *tls.ConnectionState
	aborted      context.Context

	// response
	status        int
	reason        string
	respHeader    stdhttp.Header
	headWritten   bool
	completed     bool
	upgraded      bool
	abortedByApp  atomic.Bool
	cacheTTL      time.Duration
	hasCacheTTL   bool
	starting      callbackChain
	onCompleted   callbackChain
	maxBodySize   int64
	bodyRead      bool
	allowSyncIO   bool
	items         map[any]any
	requestReader bodyReader
}

// NewFeatureContext allocates an uninitialized context
func NewFeatureContext() *FeatureContext {
	return &FeatureContext{
		respHeader: make(stdhttp.Header, 8),
	}
}

// Initialize binds c to t. host is served as the host-context container
// capability when non-nil.
func (c *FeatureContext) Initialize(t Transport, host any, opts Options) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c.transport = t
	c.opts = opts
	c.host = host
	c.ctx = context.Background()
	c.head = t.Head()
	c.isTLS = t.TLS() != nil
	c.initialized = 0
	c.status = stdhttp.StatusOK
	if c.respHeader == nil {
		c.respHeader = make(stdhttp.Header, 8)
	}
	c.maxBodySize = opts.MaxRequestBodySize
	c.allowSyncIO = opts.AllowSynchronousIO
	c.requestReader = bodyReader{c: c, r: c.head.Body}

	c.std.c = c
	c.collection.Init(&c.std)
}

// Reset clears every per-request field
func (c *FeatureContext) Reset() {
	c.transport = nil
	c.opts = Options{}
	c.host = nil
	c.ctx = nil
	c.collection.Reset()
	c.std.c = nil
	c.initialized = 0
	c.head = Head{}
	c.isTLS = false
	c.protocol = ""
	c.localAddr = netip.AddrPort{}
	c.remoteAddr = netip.AddrPort{}
	c.connectionID = ""
	c.traceID = ""
	c.clientCert = nil
	c.tlsState = nil
	c.aborted = nil
	c.status = 0
	c.reason = ""
	clear(c.respHeader)
	c.headWritten = false
	c.completed = false
	c.upgraded = false
	c.abortedByApp.Store(false)
	c.cacheTTL = 0
	c.hasCacheTTL = false
	c.starting.reset()
	c.onCompleted.reset()
	c.maxBodySize = 0
	c.bodyRead = false
	c.allowSyncIO = false
	clear(c.items)
	c.requestReader = bodyReader{}
}

// Features returns the registry of this request
func (c *FeatureContext) Features() *features.Collection {
	return &c.collection
}

// SetContext sets the context passed to callbacks run implicitly by writes
func (c *FeatureContext) SetContext(ctx context.Context) {
	c.ctx = ctx
}

// IsComputed reports whether every given lazy field has been materialized
func (c *FeatureContext) IsComputed(f lazyField) bool {
	return c.initialized&f == f
}

// AnyComputed reports whether any lazy field has been materialized
func (c *FeatureContext) AnyComputed() bool {
	return c.initialized != 0
}

// Reusable reports whether c may go back to a pool
func (c *FeatureContext) Reusable() bool {
	if c.abortedByApp.Load() || c.upgraded {
		return false
	}
	return c.transport == nil || c.transport.Context().Err() == nil
}

// Request capability

func (c *FeatureContext) Protocol() string {
	if c.initialized&fieldProtocol == 0 {
		c.protocol = c.transport.Protocol()
		c.initialized |= fieldProtocol
	}
	return c.protocol
}

func (c *FeatureContext) SetProtocol(proto string) {
	c.protocol = proto
	c.initialized |= fieldProtocol
}

func (c *FeatureContext) Method() string { return c.head.Method }
func (c *FeatureContext) Scheme() string { return c.head.Scheme }
func (c *FeatureContext) Path() string { return c.head.Path }
func (c *FeatureContext) QueryString() string { return c.head.Query }
func (c *FeatureContext) RawTarget() string { return c.head.RawTarget }
func (c *FeatureContext) RequestHeader() stdhttp.Header { return c.head.Header }

func (c *FeatureContext) RequestBody() io.Reader {
	return &c.requestReader
}

func (c *FeatureContext) SetRequestBody(r io.Reader) {
	c.requestReader.r = r
}

// Response capability

func (c *FeatureContext) StatusCode() int { return c.status }

func (c *FeatureContext) SetStatusCode(code int) error {
	if c.headWritten {
		return ErrResponseStarted
	}
	if code < 100 || code > 999 {
		return fmt.Errorf("%w: status code %d", features.ErrInvalidArgument, code)
	}
	c.status = code
	return nil
}

func (c *FeatureContext) ReasonPhrase() string { return c.reason }

func (c *FeatureContext) SetReasonPhrase(reason string) error {
	if c.headWritten {
		return ErrResponseStarted
	}
	c.reason = reason
	return nil
}

func (c *FeatureContext) ResponseHeader() stdhttp.Header { return c.respHeader }

// HasStarted reports whether status and headers were handed to the transport
func (c *FeatureContext) HasStarted() bool { return c.headWritten }

func (c *FeatureContext) OnStarting(cb features.Callback, state any) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", features.ErrInvalidArgument)
	}
	return c.starting.register(cb, state, ErrCallbackAfterStart)
}

func (c *FeatureContext) OnCompleted(cb features.Callback, state any) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", features.ErrInvalidArgument)
	}
	return c.onCompleted.register(cb, state, ErrCallbackAfterCompleted)
}

// NotifyCompleted runs the completed chain once
func (c *FeatureContext) NotifyCompleted(ctx context.Context) error {
	return c.onCompleted.fire(ctx)
}

// ResponseBody capability

func (c *FeatureContext) BodyWriter() io.Writer {
	return responseWriter{c: c}
}

// StartResponse runs the starting chain, computes the cache hint and
// commits the head. Calls after the first are no-ops.
func (c *FeatureContext) StartResponse(ctx context.Context) error {
	return c.startResponse(ctx, false)
}

// CommitResponse starts the response once the application has returned.
// A response whose body was never written is sent with a zero length.
func (c *FeatureContext) CommitResponse(ctx context.Context) error {
	return c.startResponse(ctx, true)
}

func (c *FeatureContext) startResponse(ctx context.Context, final bool) error {
	if err := c.starting.fire(ctx); err != nil {
		return err
	}
	if c.headWritten {
		return nil
	}
	if final && bodyAllowed(c.status) && c.respHeader.Get("Content-Length") == "" && c.respHeader.Get("Transfer-Encoding") == "" {
		c.respHeader.Set("Content-Length", "0")
	}
	c.considerCaching()
	c.headWritten = true
	return c.transport.WriteHead(c.status, c.reason, c.respHeader)
}

func (c *FeatureContext) FlushResponse(ctx context.Context) error {
	if c.completed {
		return ErrResponseCompleted
	}
	if err := c.StartResponse(ctx); err != nil {
		return err
	}
	return c.transport.Flush()
}

// CompleteResponse commits the head if needed and finishes the body
func (c *FeatureContext) CompleteResponse(ctx context.Context) error {
	if c.completed {
		return nil
	}
	if err := c.CommitResponse(ctx); err != nil {
		return err
	}
	c.completed = true
	if c.upgraded {
		return nil
	}
	return c.transport.Complete()
}

// SendFatal replaces any pending response with an empty one carrying
// status. It fails once the head has been committed.
func (c *FeatureContext) SendFatal(status int) error {
	if c.headWritten {
		return ErrResponseStarted
	}
	clear(c.respHeader)
	c.status = status
	c.reason = ""
	c.headWritten = true
	c.completed = true
	return WriteFatal(c.transport, status)
}

// WriteFatal sends an empty response with status directly on t
func WriteFatal(t Transport, status int) error {
	h := stdhttp.Header{"Content-Length": {"0"}}
	err := t.WriteHead(status, stdhttp.StatusText(status), h)
	if err != nil {
		return err
	}
	return t.Complete()
}

func (c *FeatureContext) considerCaching() {
	if !c.opts.EnableResponseCaching {
		return
	}
	ttl, ok := CacheTTL(c.respHeader, c.opts.Now())
	if !ok || ttl <= 0 {
		return
	}
	c.cacheTTL = ttl
	c.hasCacheTTL = true
}

// ResponseCache capability

func (c *FeatureContext) CacheTTL() (time.Duration, bool) {
	return c.cacheTTL, c.hasCacheTTL
}

// SendFile capability

func (c *FeatureContext) SendFile(ctx context.Context, path string, offset, count int64) error {
	if c.completed {
		return ErrResponseCompleted
	}
	if err := c.StartResponse(ctx); err != nil {
		return err
	}
	return c.transport.SendFile(ctx, path, offset, count)
}

// Connection capability

func (c *FeatureContext) ConnectionID() string {
	if c.initialized&fieldConnectionID == 0 {
		c.connectionID = c.transport.ConnectionID()
		c.initialized |= fieldConnectionID
	}
	return c.connectionID
}

func (c *FeatureContext) SetConnectionID(id string) {
	c.connectionID = id
	c.initialized |= fieldConnectionID
}

func (c *FeatureContext) LocalAddr() netip.AddrPort {
	if c.initialized&fieldLocalAddr == 0 {
		c.localAddr = c.transport.LocalAddr()
		c.initialized |= fieldLocalAddr
	}
	return c.localAddr
}

func (c *FeatureContext) SetLocalAddr(addr netip.AddrPort) {
	c.localAddr = addr
	c.initialized |= fieldLocalAddr
}

func (c *FeatureContext) RemoteAddr() netip.AddrPort {
	if c.initialized&fieldRemoteAddr == 0 {
		c.remoteAddr = c.transport.RemoteAddr()
		c.initialized |= fieldRemoteAddr
	}
	return c.remoteAddr
}

func (c *FeatureContext) SetRemoteAddr(addr netip.AddrPort) {
	c.remoteAddr = addr
	c.initialized |= fieldRemoteAddr
}

// TLSConnection capability

func (c *FeatureContext) ClientCertificate(ctx context.Context) (*x509.Certificate, error) {
	if c.initialized&fieldClientCertificate == 0 {
		if st := c.tls(); st != nil && len(st.PeerCertificates) > 0 {
			c.clientCert = st.PeerCertificates[0]
		}
		c.initialized |= fieldClientCertificate
	}
	return c.clientCert, nil
}

func (c *FeatureContext) SetClientCertificate(cert *x509.Certificate) {
	c.clientCert = cert
	c.initialized |= fieldClientCertificate
}

// TLSHandshake capability

func (c *FeatureContext) tls() *tls.ConnectionState {
	if c.initialized&fieldTLSHandshake == 0 {
		c.tlsState = c.transport.TLS()
		c.initialized |= fieldTLSHandshake
	}
	return c.tlsState
}

func (c *FeatureContext) TLSVersion() uint16 {
	if st := c.tls(); st != nil {
		return st.Version
	}
	return 0
}

func (c *FeatureContext) CipherSuite() uint16 {
	if st := c.tls(); st != nil {
		return st.CipherSuite
	}
	return 0
}

func (c *FeatureContext) NegotiatedProtocol() string {
	if st := c.tls(); st != nil {
		return st.NegotiatedProtocol
	}
	return ""
}

func (c *FeatureContext) ServerName() string {
	if st := c.tls(); st != nil {
		return st.ServerName
	}
	return ""
}

// RequestLifetime capability

func (c *FeatureContext) RequestAborted() context.Context {
	if c.initialized&fieldRequestAborted == 0 {
		c.aborted = c.transport.Context()
		c.initialized |= fieldRequestAborted
	}
	return c.aborted
}

// Abort tears down the exchange. The context will not be pooled.
func (c *FeatureContext) Abort() {
	if c.abortedByApp.Swap(true) {
		return
	}
	c.transport.Abort()
}

// IsAborted reports whether Abort was called
func (c *FeatureContext) IsAborted() bool {
	return c.abortedByApp.Load()
}

// RequestIdentifier capability

func (c *FeatureContext) TraceIdentifier() string {
	if c.initialized&fieldTraceIdentifier == 0 {
		c.traceID = c.ConnectionID() + ":" + fmt.Sprintf("%08X", traceSeq.Add(1))
		c.initialized |= fieldTraceIdentifier
	}
	return c.traceID
}

func (c *FeatureContext) SetTraceIdentifier(id string) {
	c.traceID = id
	c.initialized |= fieldTraceIdentifier
}

// MaxRequestBodySize capability

func (c *FeatureContext) IsReadOnly() bool { return c.bodyRead || c.upgraded }

func (c *FeatureContext) MaxRequestBodySize() int64 { return c.maxBodySize }

func (c *FeatureContext) SetMaxRequestBodySize(n int64) error {
	if c.IsReadOnly() {
		return ErrBodyReadOnly
	}
	c.maxBodySize = n
	return nil
}

// BodyControl capability

func (c *FeatureContext) AllowSynchronousIO() bool { return c.allowSyncIO }

func (c *FeatureContext) SetAllowSynchronousIO(allow bool) { c.allowSyncIO = allow }

// Upgrade capability

func (c *FeatureContext) IsUpgradable() bool {
	if c.head.Header == nil {
		return false
	}
	return headerHasToken(c.head.Header, "Connection", "upgrade") && c.head.Header.Get("Upgrade") != ""
}

// Upgrade switches protocols and hands the raw stream to the caller
func (c *FeatureContext) Upgrade(ctx context.Context) (io.ReadWriteCloser, error) {
	if !c.IsUpgradable() {
		return nil, ErrNotUpgradable
	}
	if c.headWritten {
		return nil, ErrResponseStarted
	}
	c.status = stdhttp.StatusSwitchingProtocols
	c.reason = ""
	if c.respHeader.Get("Connection") == "" {
		c.respHeader.Set("Connection", "Upgrade")
	}
	c.respHeader.Del("Content-Length")
	if err := c.StartResponse(ctx); err != nil {
		return nil, err
	}
	rwc, err := c.transport.Upgrade()
	if err != nil {
		return nil, err
	}
	c.upgraded = true
	return rwc, nil
}

// Items capability

func (c *FeatureContext) Items() map[any]any {
	if c.items == nil {
		c.items = make(map[any]any)
	}
	return c.items
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != stdhttp.StatusNoContent && status != stdhttp.StatusNotModified
}

type responseWriter struct {
	c *FeatureContext
}

func (w responseWriter) Write(p []byte) (int, error) {
	if w.c.completed {
		return 0, ErrResponseCompleted
	}
	if err := w.c.StartResponse(w.c.ctx); err != nil {
		return 0, err
	}
	return w.c.transport.Write(p)
}

// bodyReader enforces the request body limit and seals it on first read
type bodyReader struct {
	c    *FeatureContext
	r    io.Reader
	read int64
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.r == nil {
		return 0, io.EOF
	}
	b.c.bodyRead = true
	n, err := b.r.Read(p)
	b.read += int64(n)
	if limit := b.c.maxBodySize; limit >= 0 && b.read > limit {
		return n, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limit)
	}
	return n, err
}
