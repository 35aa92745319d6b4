// Package middleware composes hosting handlers. Middlewares that observe
// the response hook into the request's starting and completed callback
// chains instead of wrapping the writer.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/searchktools/hostcore/core/features"
	"github.com/searchktools/hostcore/core/hosting"
)

// Middleware wraps a handler
type Middleware func(next hosting.Handler) hosting.Handler

// Pipeline is an ordered list of middlewares
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline(mws ...Middleware) *Pipeline {
	p := &Pipeline{
		middlewares: make([]Middleware, 0, 16),
	}
	return p.Use(mws...)
}

// Use adds middlewares to the pipeline
func (p *Pipeline) Use(mws ...Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, mws...)
	return p
}

// Then returns final wrapped by every middleware. The first middleware
// added runs first.
func (p *Pipeline) Then(final hosting.Handler) hosting.Handler {
	h := final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

func response(c *hosting.Context) (features.Response, bool) {
	return features.Get[features.Response](c.Features(), features.KindResponse)
}

// RequestID echoes the trace identifier in the X-Request-Id response
// header. An incoming X-Request-Id replaces the generated identifier.
func RequestID() Middleware {
	return func(next hosting.Handler) hosting.Handler {
		return hosting.HandlerFunc(func(ctx context.Context, c *hosting.Context) error {
			ident, ok := features.Get[features.RequestIdentifier](c.Features(), features.KindRequestIdentifier)
			resp, rok := response(c)
			if !ok || !rok {
				return next.ServeFeatures(ctx, c)
			}
			if id := c.Header("X-Request-Id"); id != "" {
				ident.SetTraceIdentifier(id)
			}

			err := resp.OnStarting(func(ctx context.Context, state any) error {
				resp := state.(features.Response)
				resp.ResponseHeader().Set("X-Request-Id", ident.TraceIdentifier())
				return nil
			}, resp)
			if err != nil {
				return err
			}
			return next.ServeFeatures(ctx, c)
		})
	}
}

// Logger logs every request once its response has completed
func Logger(log *slog.Logger) Middleware {
	return func(next hosting.Handler) hosting.Handler {
		return hosting.HandlerFunc(func(ctx context.Context, c *hosting.Context) error {
			resp, ok := response(c)
			if !ok {
				return next.ServeFeatures(ctx, c)
			}

			start := time.Now()
			method, path := c.Method(), c.Path()
			err := resp.OnCompleted(func(ctx context.Context, state any) error {
				resp := state.(features.Response)
				log.InfoContext(ctx, "request completed",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("status", resp.StatusCode()),
					slog.Duration("duration", time.Since(start)),
				)
				return nil
			}, resp)
			if err != nil {
				return err
			}
			return next.ServeFeatures(ctx, c)
		})
	}
}

// CORS adds CORS headers and answers preflight requests
func CORS() Middleware {
	return func(next hosting.Handler) hosting.Handler {
		return hosting.HandlerFunc(func(ctx context.Context, c *hosting.Context) error {
			h := c.ResponseHeader()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if c.Method() == http.MethodOptions {
				return c.Status(http.StatusNoContent)
			}
			return next.ServeFeatures(ctx, c)
		})
	}
}

// Timeout cancels the handler context after d
func Timeout(d time.Duration) Middleware {
	return func(next hosting.Handler) hosting.Handler {
		return hosting.HandlerFunc(func(ctx context.Context, c *hosting.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.ServeFeatures(ctx, c)
		})
	}
}
