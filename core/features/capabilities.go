package features

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"net/netip"
	"time"
)

// Callback is a deferred action registered on a response phase
type Callback func(ctx context.Context, state any) error

// Request exposes the request line, headers and body
type Request interface {
	Protocol() string
	SetProtocol(proto string)
	Method() string
	Scheme() string
	Path() string
	QueryString() string
	RawTarget() string
	RequestHeader() http.Header
	RequestBody() io.Reader
	SetRequestBody(r io.Reader)
}

// Response exposes status, headers and the two completion phases.
// Mutating status or headers after HasStarted reports true fails.
type Response interface {
	StatusCode() int
	SetStatusCode(code int) error
	ReasonPhrase() string
	SetReasonPhrase(reason string) error
	ResponseHeader() http.Header
	HasStarted() bool
	OnStarting(cb Callback, state any) error
	OnCompleted(cb Callback, state any) error
}

// ResponseBody writes the response payload
type ResponseBody interface {
	BodyWriter() io.Writer
	StartResponse(ctx context.Context) error
	FlushResponse(ctx context.Context) error
	CompleteResponse(ctx context.Context) error
}

// SendFile transmits a file region as part of the response body.
// A negative count sends to end of file.
type SendFile interface {
	SendFile(ctx context.Context, path string, offset, count int64) error
}

// Connection describes the transport endpoints of a request
type Connection interface {
	ConnectionID() string
	SetConnectionID(id string)
	LocalAddr() netip.AddrPort
	SetLocalAddr(addr netip.AddrPort)
	RemoteAddr() netip.AddrPort
	SetRemoteAddr(addr netip.AddrPort)
}

// TLSConnection gives access to the peer certificate
type TLSConnection interface {
	ClientCertificate(ctx context.Context) (*x509.Certificate, error)
	SetClientCertificate(cert *x509.Certificate)
}

// TLSHandshake summarizes the negotiated session
type TLSHandshake interface {
	TLSVersion() uint16
	CipherSuite() uint16
	NegotiatedProtocol() string
	ServerName() string
}

// RequestLifetime signals and triggers request abort
type RequestLifetime interface {
	RequestAborted() context.Context
	Abort()
}

// RequestIdentifier carries the trace identifier of a request
type RequestIdentifier interface {
	TraceIdentifier() string
	SetTraceIdentifier(id string)
}

// MaxRequestBodySize limits the request body. Negative means unlimited.
type MaxRequestBodySize interface {
	IsReadOnly() bool
	MaxRequestBodySize() int64
	SetMaxRequestBodySize(n int64) error
}

// BodyControl toggles blocking body I/O
type BodyControl interface {
	AllowSynchronousIO() bool
	SetAllowSynchronousIO(allow bool)
}

// Upgrade hands the raw transport stream to the caller
type Upgrade interface {
	IsUpgradable() bool
	Upgrade(ctx context.Context) (io.ReadWriteCloser, error)
}

// Items is a per-request bag shared by collaborators
type Items interface {
	Items() map[any]any
}

// ServerAddresses lists the addresses a server listens on
type ServerAddresses interface {
	Addresses() []string
	SetAddresses(addrs []string)
	PreferHostingURLs() bool
}

// ResponseCache reports the lifetime computed for a cacheable response
type ResponseCache interface {
	CacheTTL() (time.Duration, bool)
}
