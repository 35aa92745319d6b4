package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/searchktools/hostcore/core/features"
	"github.com/searchktools/hostcore/core/sendfile"
)

// ErrMissingCapability is returned when the request registry lacks a
// capability a Context operation needs
var ErrMissingCapability = errors.New("hosting: missing capability")

// Context is the per-request view handed to a Handler. It resolves the
// standard capabilities once and keeps its parameter storage across
// requests when the driver offers a host context slot.
type Context struct {
	features *features.Collection
	request  features.Request
	response features.Response
	body     features.ResponseBody
	lifetime features.RequestLifetime

	// Path parameters: fixed array with overflow
	paramKeys     [4]string
	paramValues   [4]string
	paramCount    int
	paramOverflow map[string]string

	query url.Values
}

func (c *Context) bind(fc *features.Collection) error {
	c.features = fc

	var ok bool
	if c.request, ok = features.Get[features.Request](fc, features.KindRequest); !ok {
		return fmt.Errorf("%w: %s", ErrMissingCapability, features.KindRequest)
	}
	if c.response, ok = features.Get[features.Response](fc, features.KindResponse); !ok {
		return fmt.Errorf("%w: %s", ErrMissingCapability, features.KindResponse)
	}
	if c.body, ok = features.Get[features.ResponseBody](fc, features.KindResponseBody); !ok {
		return fmt.Errorf("%w: %s", ErrMissingCapability, features.KindResponseBody)
	}
	c.lifetime, _ = features.Get[features.RequestLifetime](fc, features.KindRequestLifetime)
	return nil
}

func (c *Context) reset() {
	c.features = nil
	c.request = nil
	c.response = nil
	c.body = nil
	c.lifetime = nil
	c.paramCount = 0
	clear(c.paramOverflow)
	c.query = nil
}

// Features returns the request registry
func (c *Context) Features() *features.Collection {
	return c.features
}

// Aborted is done when the client goes away or the request is aborted
func (c *Context) Aborted() <-chan struct{} {
	if c.lifetime == nil {
		return nil
	}
	return c.lifetime.RequestAborted().Done()
}

// SetParam records a path parameter
func (c *Context) SetParam(key, value string) {
	if c.paramCount < len(c.paramKeys) {
		c.paramKeys[c.paramCount] = key
		c.paramValues[c.paramCount] = value
		c.paramCount++
		return
	}
	if c.paramOverflow == nil {
		c.paramOverflow = make(map[string]string)
	}
	c.paramOverflow[key] = value
}

// Param returns a path parameter
func (c *Context) Param(key string) string {
	for i := range c.paramCount {
		if c.paramKeys[i] == key {
			return c.paramValues[i]
		}
	}
	return c.paramOverflow[key]
}

// Method returns the HTTP method
func (c *Context) Method() string { return c.request.Method() }

// Path returns the request path
func (c *Context) Path() string { return c.request.Path() }

// Query returns the first value of a query parameter
func (c *Context) Query(key string) string {
	if c.query == nil {
		qs := c.request.QueryString()
		if len(qs) > 0 && qs[0] == '?' {
			qs = qs[1:]
		}
		c.query, _ = url.ParseQuery(qs)
	}
	return c.query.Get(key)
}

// Header returns the first value of a request header
func (c *Context) Header(key string) string {
	return c.request.RequestHeader().Get(key)
}

// Body reads the whole request body
func (c *Context) Body() ([]byte, error) {
	return io.ReadAll(c.request.RequestBody())
}

// Bind decodes a JSON request body into v
func (c *Context) Bind(v any) error {
	return json.NewDecoder(c.request.RequestBody()).Decode(v)
}

// ResponseHeader returns the response headers, mutable until the
// response starts
func (c *Context) ResponseHeader() http.Header {
	return c.response.ResponseHeader()
}

// Status sets the response status code
func (c *Context) Status(code int) error {
	return c.response.SetStatusCode(code)
}

// Write writes to the response body, starting the response
func (c *Context) Write(p []byte) (int, error) {
	return c.body.BodyWriter().Write(p)
}

// Data sends a complete response
func (c *Context) Data(code int, contentType string, data []byte) error {
	if err := c.response.SetStatusCode(code); err != nil {
		return err
	}
	h := c.response.ResponseHeader()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(data)))
	_, err := c.body.BodyWriter().Write(data)
	return err
}

// String sends a text response
func (c *Context) String(code int, s string) error {
	return c.Data(code, "text/plain; charset=utf-8", []byte(s))
}

// Bytes sends a raw bytes response
func (c *Context) Bytes(code int, data []byte) error {
	return c.Data(code, "application/octet-stream", data)
}

// JSON sends a JSON response
func (c *Context) JSON(code int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Data(code, "application/json; charset=utf-8", data)
}

// Error sends a JSON error response
func (c *Context) Error(code int, message string) error {
	return c.JSON(code, map[string]any{
		"code":    code,
		"message": message,
	})
}

// ServeFile sends a file through the send-file capability, falling back
// to a copy through the body writer
func (c *Context) ServeFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c.Error(http.StatusNotFound, "file not found")
		}
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return c.Error(http.StatusNotFound, "file not found")
	}

	h := c.response.ResponseHeader()
	h.Set("Content-Type", sendfile.ContentType(path))
	h.Set("Content-Length", strconv.FormatInt(st.Size(), 10))

	if sf, ok := features.Get[features.SendFile](c.features, features.KindSendFile); ok {
		return sf.SendFile(ctx, path, 0, st.Size())
	}
	_, err = io.Copy(c.body.BodyWriter(), f)
	return err
}
