package hosting

import (
	"context"
	"net/http"
	"strings"

	"github.com/searchktools/hostcore/core/features"
	"github.com/searchktools/hostcore/core/router"
)

// Handler serves one request
type Handler interface {
	ServeFeatures(ctx context.Context, c *Context) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, c *Context) error

// ServeFeatures implements Handler.
func (f HandlerFunc) ServeFeatures(ctx context.Context, c *Context) error {
	return f(ctx, c)
}

// HandlerApplication is an Application running a Handler with a *Context
// per request. The Context is cached in the driver's host context slot
// when one is available.
type HandlerApplication struct {
	handler Handler
}

// NewHandlerApplication returns an application serving h
func NewHandlerApplication(h Handler) *HandlerApplication {
	return &HandlerApplication{handler: h}
}

// CreateContext implements Application.
func (a *HandlerApplication) CreateContext(fc *features.Collection) (*Context, error) {
	container, hasContainer := ContainerFrom[*Context](fc)

	var c *Context
	if hasContainer {
		c, _ = container.HostContext()
	}
	if c == nil {
		c = new(Context)
		if hasContainer {
			container.SetHostContext(c)
		}
	}

	if err := c.bind(fc); err != nil {
		c.reset()
		return nil, err
	}
	return c, nil
}

// ProcessRequest implements Application.
func (a *HandlerApplication) ProcessRequest(ctx context.Context, c *Context) error {
	return a.handler.ServeFeatures(ctx, c)
}

// DisposeContext implements Application.
func (a *HandlerApplication) DisposeContext(c *Context, _ error) {
	c.reset()
}

// Mux dispatches requests to handlers by method and path pattern
type Mux struct {
	tree *router.Tree[Handler]
}

// NewMux creates an empty mux
func NewMux() *Mux {
	return &Mux{tree: router.New[Handler]()}
}

// Handle registers h for method and pattern, see package router for the
// pattern syntax
func (m *Mux) Handle(method, pattern string, h Handler) error {
	return m.tree.Add(method, pattern, h)
}

// HandleFunc registers f for method and pattern
func (m *Mux) HandleFunc(method, pattern string, f func(ctx context.Context, c *Context) error) error {
	return m.tree.Add(method, pattern, HandlerFunc(f))
}

// ServeFeatures implements Handler.
func (m *Mux) ServeFeatures(ctx context.Context, c *Context) error {
	method := c.Method()
	h, params, found := m.tree.Find(method, c.Path())
	if !found && method == http.MethodHead {
		h, params, found = m.tree.Find(http.MethodGet, c.Path())
	}
	if !found {
		if allowed := m.tree.Allowed(c.Path()); len(allowed) > 0 {
			c.ResponseHeader().Set("Allow", strings.Join(allowed, ", "))
			return c.Error(http.StatusMethodNotAllowed, "method not allowed")
		}
		return c.Error(http.StatusNotFound, "not found")
	}

	for _, p := range params {
		c.SetParam(p.Key, p.Value)
	}
	return h.ServeFeatures(ctx, c)
}
