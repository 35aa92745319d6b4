/*
Package hostcore is the request-processing core of an HTTP server.

A listener turns connections into units of work. A message pump accepts
them with a fixed number of accept workers, binds each one to a pooled
request context and runs the application on a worker pool. The
application sees the request through a capability registry: a typed set
of features such as the request line, the response, send-file, upgrade
or the server addresses. Absent capabilities are unsupported.

Quick Start

	mux := hosting.NewMux()
	mux.HandleFunc(http.MethodGet, "/hello/:name", func(ctx context.Context, c *hosting.Context) error {
		return c.String(http.StatusOK, "Hello, "+c.Param("name"))
	})
	app.Main(mux)

Run it with

	hostcore serve --urls http://localhost:8080 --backend eventloop

Without configured or hosting URLs the server binds http://localhost:5000.

Modules

  - app: command line, lifecycle, telemetry and graceful stop
  - config: YAML, .env and HOSTCORE_ environment configuration
  - core: epoll/kqueue HTTP/1.x listener
  - core/http2: net/http listener with h2 over TLS and h2c
  - core/pump: accept and dispatch pump with graceful drain
  - core/features: capability registry and connection level defaults
  - core/http: pooled request context, completion callbacks, parser
  - core/hosting: application contracts, handlers and routing
  - core/router: radix tree router
  - core/pools: bounded object pools, worker pool, buffers, GC tuning
  - core/poller: I/O multiplexing (epoll/kqueue)
  - core/sendfile: file descriptor cache and sendfile
  - core/observability: prometheus metrics

Stopping

Stop rejects new requests with 503, waits for the outstanding ones and
returns when they are done or when the first caller's context expires.
Dispose closes the listener and every connection.
*/
package hostcore
