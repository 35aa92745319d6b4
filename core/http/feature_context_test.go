package http_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/http/transporttest"
)

func newContext(rec *transporttest.Recorder, opts corehttp.Options) *corehttp.FeatureContext {
	c := corehttp.NewFeatureContext()
	c.Initialize(rec, nil, opts)
	return c
}

func unlimited() corehttp.Options {
	return corehttp.Options{MaxRequestBodySize: -1}
}

func TestFeatureContext_Lazy(t *testing.T) {
	t.Run("will fetch transport values once", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		assert.False(t, c.AnyComputed())

		assert.Equal(t, "conn-1", c.ConnectionID())
		assert.Equal(t, "conn-1", c.ConnectionID())
		assert.Equal(t, "HTTP/1.1", c.Protocol())
		assert.Equal(t, "HTTP/1.1", c.Protocol())

		assert.Equal(t, 1, rec.Fetches("connection-id"))
		assert.Equal(t, 1, rec.Fetches("protocol"))
		assert.Equal(t, 0, rec.Fetches("remote-addr"))
		assert.True(t, c.AnyComputed())
	})

	t.Run("will not fetch a value that was set", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())

		c.SetConnectionID("override")
		assert.Equal(t, "override", c.ConnectionID())
		assert.Equal(t, 0, rec.Fetches("connection-id"))
	})

	t.Run("will forget values on reset", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		_ = c.RemoteAddr()
		_ = c.TraceIdentifier()

		c.Reset()
		assert.False(t, c.AnyComputed())

		c.Initialize(rec, nil, unlimited())
		assert.False(t, c.AnyComputed())
		_ = c.RemoteAddr()
		assert.Equal(t, 2, rec.Fetches("remote-addr"))
	})

	t.Run("will derive the trace identifier from the connection", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		a := newContext(rec, unlimited())
		b := newContext(rec, unlimited())

		assert.True(t, strings.HasPrefix(a.TraceIdentifier(), "conn-1:"))
		assert.NotEqual(t, a.TraceIdentifier(), b.TraceIdentifier())
		assert.Equal(t, a.TraceIdentifier(), a.TraceIdentifier())
	})
}

func TestFeatureContext_Features(t *testing.T) {
	t.Run("will serve the standard capabilities", func(t *testing.T) {
		rec := transporttest.NewRecorder("POST", "/items?id=1")
		c := newContext(rec, unlimited())

		req, ok := features.Get[features.Request](c.Features(), features.KindRequest)
		require.True(t, ok)
		assert.Equal(t, "POST", req.Method())
		assert.Equal(t, "/items", req.Path())
		assert.Equal(t, "?id=1", req.QueryString())

		for _, k := range []*features.Kind{
			features.KindResponse, features.KindResponseBody, features.KindConnection,
			features.KindRequestLifetime, features.KindRequestIdentifier, features.KindItems,
			features.KindMaxRequestBodySize, features.KindBodyControl, features.KindUpgrade,
			features.KindSendFile,
		} {
			v, err := c.Features().Get(k)
			require.NoError(t, err)
			assert.Same(t, c, v, k.String())
		}
	})

	t.Run("will hide TLS capabilities on plain connections", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())

		_, ok := c.Features().Lookup(features.KindTLSConnection)
		assert.False(t, ok)
		_, ok = c.Features().Lookup(features.KindTLSHandshake)
		assert.False(t, ok)
	})

	t.Run("will serve TLS capabilities on secure connections", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		cert := &x509.Certificate{Subject: pkix.Name{CommonName: "client"}}
		rec.TLSState = &tls.ConnectionState{
			Version:            tls.VersionTLS13,
			NegotiatedProtocol: "http/1.1",
			ServerName:         "example.com",
			PeerCertificates:   []*x509.Certificate{cert},
		}
		c := newContext(rec, unlimited())

		hs, ok := features.Get[features.TLSHandshake](c.Features(), features.KindTLSHandshake)
		require.True(t, ok)
		assert.EqualValues(t, tls.VersionTLS13, hs.TLSVersion())
		assert.Equal(t, "example.com", hs.ServerName())

		tc, ok := features.Get[features.TLSConnection](c.Features(), features.KindTLSConnection)
		require.True(t, ok)
		got, err := tc.ClientCertificate(context.Background())
		require.NoError(t, err)
		assert.Same(t, cert, got)
	})

	t.Run("will serve the response cache only when enabled", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())
		_, ok := c.Features().Lookup(features.KindResponseCache)
		assert.False(t, ok)

		opts := unlimited()
		opts.EnableResponseCaching = true
		c = newContext(transporttest.NewRecorder("GET", "/"), opts)
		_, ok = c.Features().Lookup(features.KindResponseCache)
		assert.True(t, ok)
	})

	t.Run("will serve the host container", func(t *testing.T) {
		host := &struct{ name string }{name: "host"}
		c := corehttp.NewFeatureContext()
		c.Initialize(transporttest.NewRecorder("GET", "/"), host, unlimited())

		v, err := c.Features().Get(features.KindHostContainer)
		require.NoError(t, err)
		assert.Same(t, host, v)
	})

	t.Run("will fall through to the connection defaults", func(t *testing.T) {
		custom := features.NewKind("tenant")
		rec := transporttest.NewRecorder("GET", "/")
		rec.Conn = features.NewDefaults(nil)
		require.NoError(t, rec.Conn.Set(custom, "acme"))
		c := newContext(rec, unlimited())

		v, err := c.Features().Get(custom)
		require.NoError(t, err)
		assert.Equal(t, "acme", v)

		before := c.Features().Revision()
		require.NoError(t, rec.Conn.Set(custom, "globex"))
		assert.Greater(t, c.Features().Revision(), before)
	})

	t.Run("will let local values shadow the standard ones", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())
		require.NoError(t, c.Features().Set(features.KindItems, "mine"))

		v, err := c.Features().Get(features.KindItems)
		require.NoError(t, err)
		assert.Equal(t, "mine", v)
	})
}

func TestFeatureContext_Response(t *testing.T) {
	ctx := context.Background()

	t.Run("will run starting callbacks before the head", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		var order []string
		require.NoError(t, c.OnStarting(func(_ context.Context, state any) error {
			order = append(order, state.(string))
			c.ResponseHeader().Set("X-First", "1")
			return nil
		}, "first"))
		require.NoError(t, c.OnStarting(func(_ context.Context, state any) error {
			order = append(order, state.(string))
			return nil
		}, "second"))

		_, err := io.WriteString(c.BodyWriter(), "hi")
		require.NoError(t, err)

		assert.Equal(t, []string{"second", "first"}, order)
		assert.Equal(t, "1", rec.Header().Get("X-First"))
		assert.Equal(t, "hi", rec.Body())
		assert.True(t, c.HasStarted())
	})

	t.Run("will reject changes after start", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		require.NoError(t, c.StartResponse(ctx))

		assert.ErrorIs(t, c.SetStatusCode(http.StatusTeapot), corehttp.ErrResponseStarted)
		assert.ErrorIs(t, c.SetReasonPhrase("nope"), corehttp.ErrResponseStarted)
		err := c.OnStarting(func(context.Context, any) error { return nil }, nil)
		assert.ErrorIs(t, err, corehttp.ErrCallbackAfterStart)
		assert.ErrorIs(t, err, features.ErrInvalidOperation)
		assert.Equal(t, 1, rec.HeadWrites())
	})

	t.Run("will reject nil callbacks", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())

		assert.ErrorIs(t, c.OnStarting(nil, nil), features.ErrInvalidArgument)
		assert.ErrorIs(t, c.OnCompleted(nil, nil), features.ErrInvalidArgument)
	})

	t.Run("will reject invalid status codes", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())

		assert.ErrorIs(t, c.SetStatusCode(42), features.ErrInvalidArgument)
		assert.Equal(t, http.StatusOK, c.StatusCode())
	})

	t.Run("will complete an empty response with zero length", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		require.NoError(t, c.SetStatusCode(http.StatusAccepted))

		require.NoError(t, c.CompleteResponse(ctx))
		require.NoError(t, c.CompleteResponse(ctx))

		assert.Equal(t, http.StatusAccepted, rec.Status())
		assert.Equal(t, "0", rec.Header().Get("Content-Length"))
		assert.True(t, rec.Completed())
		assert.Equal(t, 1, rec.HeadWrites())
	})

	t.Run("will commit an unwritten response with zero length", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())

		require.NoError(t, c.CommitResponse(ctx))
		assert.True(t, c.HasStarted())
		assert.Equal(t, "0", rec.Header().Get("Content-Length"))

		require.NoError(t, c.CompleteResponse(ctx))
		assert.Equal(t, 1, rec.HeadWrites())
	})

	t.Run("will not add a length once the body was written", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())

		_, err := io.WriteString(c.BodyWriter(), "streamed")
		require.NoError(t, err)
		require.NoError(t, c.CommitResponse(ctx))
		require.NoError(t, c.CompleteResponse(ctx))

		assert.Empty(t, rec.Header().Get("Content-Length"))
		assert.Equal(t, "streamed", rec.Body())
	})

	t.Run("will not add a length to bodyless statuses", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		require.NoError(t, c.SetStatusCode(http.StatusNoContent))

		require.NoError(t, c.CompleteResponse(ctx))
		assert.Empty(t, rec.Header().Get("Content-Length"))
	})

	t.Run("will refuse writes after completion", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())
		require.NoError(t, c.CompleteResponse(ctx))

		_, err := c.BodyWriter().Write([]byte("late"))
		assert.ErrorIs(t, err, corehttp.ErrResponseCompleted)
		assert.ErrorIs(t, c.FlushResponse(ctx), corehttp.ErrResponseCompleted)
	})

	t.Run("will flush through the transport", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())

		require.NoError(t, c.FlushResponse(ctx))
		assert.Equal(t, 1, rec.Flushes())
		assert.Equal(t, 1, rec.HeadWrites())
	})

	t.Run("will send a fatal response", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		c.ResponseHeader().Set("X-Partial", "1")

		require.NoError(t, c.SendFatal(http.StatusInternalServerError))
		assert.Equal(t, http.StatusInternalServerError, rec.Status())
		assert.Equal(t, "Internal Server Error", rec.Reason())
		assert.Equal(t, "0", rec.Header().Get("Content-Length"))
		assert.Empty(t, rec.Header().Get("X-Partial"))
		assert.True(t, rec.Completed())

		assert.ErrorIs(t, c.SendFatal(http.StatusInternalServerError), corehttp.ErrResponseStarted)
	})

	t.Run("will run completed callbacks once in reverse order", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())
		var order []int
		for i := range 3 {
			require.NoError(t, c.OnCompleted(func(_ context.Context, state any) error {
				order = append(order, state.(int))
				return nil
			}, i))
		}

		require.NoError(t, c.NotifyCompleted(ctx))
		require.NoError(t, c.NotifyCompleted(ctx))
		assert.Equal(t, []int{2, 1, 0}, order)

		err := c.OnCompleted(func(context.Context, any) error { return nil }, nil)
		assert.ErrorIs(t, err, corehttp.ErrCallbackAfterCompleted)
	})

	t.Run("will compute the cache lifetime when the head is committed", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		opts := unlimited()
		opts.EnableResponseCaching = true
		opts.Now = func() time.Time { return now }
		c := newContext(transporttest.NewRecorder("GET", "/"), opts)
		c.ResponseHeader().Set("Cache-Control", "public, max-age=60")

		_, ok := c.CacheTTL()
		assert.False(t, ok)

		require.NoError(t, c.StartResponse(ctx))
		ttl, ok := c.CacheTTL()
		assert.True(t, ok)
		assert.Equal(t, time.Minute, ttl)
	})

	t.Run("will send a file section", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.txt")
		require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())

		require.NoError(t, c.SendFile(ctx, path, 2, 4))
		assert.Equal(t, "2345", rec.Body())
		assert.Equal(t, 1, rec.HeadWrites())
	})
}

func TestFeatureContext_RequestBody(t *testing.T) {
	t.Run("will enforce the body limit", func(t *testing.T) {
		rec := transporttest.NewRecorder("POST", "/")
		rec.Req.Body = strings.NewReader("hello world")
		c := newContext(rec, corehttp.Options{MaxRequestBodySize: 4})

		_, err := io.ReadAll(c.RequestBody())
		assert.ErrorIs(t, err, corehttp.ErrBodyTooLarge)
	})

	t.Run("will seal the limit after the first read", func(t *testing.T) {
		rec := transporttest.NewRecorder("POST", "/")
		rec.Req.Body = strings.NewReader("hello")
		c := newContext(rec, unlimited())

		require.NoError(t, c.SetMaxRequestBodySize(10))
		assert.False(t, c.IsReadOnly())

		body, err := io.ReadAll(c.RequestBody())
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		assert.True(t, c.IsReadOnly())
		assert.ErrorIs(t, c.SetMaxRequestBodySize(20), corehttp.ErrBodyReadOnly)
	})
}

func TestFeatureContext_Reusable(t *testing.T) {
	t.Run("will be reusable after a normal exchange", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())
		require.NoError(t, c.CompleteResponse(context.Background()))
		assert.True(t, c.Reusable())
	})

	t.Run("will not be reusable after the application aborted", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())
		aborted := c.RequestAborted()

		c.Abort()
		c.Abort()

		assert.False(t, c.Reusable())
		assert.True(t, rec.Aborted())
		assert.Error(t, aborted.Err())
	})

	t.Run("will not be reusable after the peer went away", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		c := newContext(rec, unlimited())

		rec.Disconnect()
		assert.False(t, c.Reusable())
	})
}

func TestFeatureContext_Upgrade(t *testing.T) {
	t.Run("will refuse plain requests", func(t *testing.T) {
		c := newContext(transporttest.NewRecorder("GET", "/"), unlimited())

		assert.False(t, c.IsUpgradable())
		_, err := c.Upgrade(context.Background())
		assert.ErrorIs(t, err, corehttp.ErrNotUpgradable)
	})

	t.Run("will switch protocols", func(t *testing.T) {
		server, client := net.Pipe()
		defer client.Close()
		rec := transporttest.NewRecorder("GET", "/chat")
		rec.Req.Header.Set("Connection", "Upgrade")
		rec.Req.Header.Set("Upgrade", "echo")
		rec.UpgradeConn = server
		c := newContext(rec, unlimited())

		require.True(t, c.IsUpgradable())
		stream, err := c.Upgrade(context.Background())
		require.NoError(t, err)
		defer stream.Close()

		assert.Equal(t, http.StatusSwitchingProtocols, rec.Status())
		assert.Equal(t, "Upgrade", rec.Header().Get("Connection"))
		assert.True(t, c.IsReadOnly())
		assert.False(t, c.Reusable())

		require.NoError(t, c.CompleteResponse(context.Background()))
		assert.False(t, rec.Completed())
	})
}
