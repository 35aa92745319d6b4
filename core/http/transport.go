package http

import (
	"context"
	"crypto/tls"
	"io"
	stdhttp "net/http"
	"net/netip"

	"github.com/searchktools/hostcore/core/features"
)

// Head is the request data a transport has already materialized
type Head struct {
	Method    string
	Scheme    string
	RawTarget string
	Path      string
	Query     string
	Header    stdhttp.Header
	Body      io.Reader
}

// Transport is one accepted unit of work as surfaced by a listener: a
// request on a connection or a stream on a multiplexed connection.
//
// Head is read eagerly when a context is initialized. The remaining
// getters may be costly and are only called on demand.
type Transport interface {
	Head() Head
	Protocol() string
	ConnectionID() string
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	TLS() *tls.ConnectionState
	// Context is canceled when the peer goes away or the request is aborted
	Context() context.Context
	// Features is the connection level backstop, may be nil
	Features() features.Backstop

	// WriteHead commits status and headers. It is called at most once.
	WriteHead(status int, reason string, header stdhttp.Header) error
	Write(p []byte) (int, error)
	Flush() error
	SendFile(ctx context.Context, path string, offset, count int64) error
	Upgrade() (io.ReadWriteCloser, error)
	// Complete finishes a successfully produced response
	Complete() error
	// Abort tears the exchange down without a well-formed response
	Abort()
}
