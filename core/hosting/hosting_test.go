package hosting

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/http/transporttest"
)

type slot struct {
	value *Context
	set   bool
}

func (s *slot) HostContext() (*Context, bool) { return s.value, s.set }
func (s *slot) SetHostContext(c *Context)     { s.value, s.set = c, true }

func request(t *testing.T, rec *transporttest.Recorder, host any) *corehttp.FeatureContext {
	t.Helper()
	fc := corehttp.NewFeatureContext()
	fc.Initialize(rec, host, corehttp.Options{MaxRequestBodySize: -1})
	return fc
}

func serve(t *testing.T, app *HandlerApplication, fc *corehttp.FeatureContext) {
	t.Helper()
	c, err := app.CreateContext(fc.Features())
	require.NoError(t, err)
	err = app.ProcessRequest(context.Background(), c)
	app.DisposeContext(c, err)
	require.NoError(t, err)
	require.NoError(t, fc.CompleteResponse(context.Background()))
}

func TestHandlerApplication_CreateContext(t *testing.T) {
	t.Run("will reuse the context cached in the host slot", func(t *testing.T) {
		app := NewHandlerApplication(HandlerFunc(func(context.Context, *Context) error { return nil }))
		host := &slot{}

		first, err := app.CreateContext(request(t, transporttest.NewRecorder("GET", "/a"), host).Features())
		require.NoError(t, err)
		assert.Equal(t, "/a", first.Path())
		app.DisposeContext(first, nil)

		second, err := app.CreateContext(request(t, transporttest.NewRecorder("GET", "/b"), host).Features())
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Equal(t, "/b", second.Path())
	})

	t.Run("will allocate without a host slot", func(t *testing.T) {
		app := NewHandlerApplication(HandlerFunc(func(context.Context, *Context) error { return nil }))

		a, err := app.CreateContext(request(t, transporttest.NewRecorder("GET", "/"), nil).Features())
		require.NoError(t, err)
		b, err := app.CreateContext(request(t, transporttest.NewRecorder("GET", "/"), nil).Features())
		require.NoError(t, err)
		assert.NotSame(t, a, b)
	})

	t.Run("will return ErrMissingCapability", func(t *testing.T) {
		t.Run("if the registry has no request capability", func(t *testing.T) {
			app := NewHandlerApplication(HandlerFunc(func(context.Context, *Context) error { return nil }))

			_, err := app.CreateContext(features.New(nil))
			assert.ErrorIs(t, err, ErrMissingCapability)
		})
	})
}

func TestMux(t *testing.T) {
	mux := NewMux()
	require.NoError(t, mux.HandleFunc("GET", "/users/:id", func(_ context.Context, c *Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id"), "q": c.Query("q")})
	}))
	require.NoError(t, mux.HandleFunc("POST", "/users", func(_ context.Context, c *Context) error {
		var in struct {
			Name string `json:"name"`
		}
		if err := c.Bind(&in); err != nil {
			return c.Error(http.StatusBadRequest, err.Error())
		}
		return c.String(http.StatusCreated, in.Name)
	}))
	app := NewHandlerApplication(mux)

	t.Run("will route with parameters", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/users/42?q=x%20y")
		serve(t, app, request(t, rec, &slot{}))

		assert.Equal(t, http.StatusOK, rec.Status())
		assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"id":"42","q":"x y"}`, rec.Body())
	})

	t.Run("will bind a JSON body", func(t *testing.T) {
		rec := transporttest.NewRecorder("POST", "/users")
		rec.Req.Body = strings.NewReader(`{"name":"ada"}`)
		serve(t, app, request(t, rec, nil))

		assert.Equal(t, http.StatusCreated, rec.Status())
		assert.Equal(t, "3", rec.Header().Get("Content-Length"))
		assert.Equal(t, "ada", rec.Body())
	})

	t.Run("will answer HEAD with the GET route", func(t *testing.T) {
		rec := transporttest.NewRecorder("HEAD", "/users/1")
		serve(t, app, request(t, rec, nil))

		assert.Equal(t, http.StatusOK, rec.Status())
	})

	t.Run("will answer 404 for unknown paths", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/nope")
		serve(t, app, request(t, rec, nil))

		assert.Equal(t, http.StatusNotFound, rec.Status())
	})

	t.Run("will answer 405 with the allowed methods", func(t *testing.T) {
		rec := transporttest.NewRecorder("DELETE", "/users")
		serve(t, app, request(t, rec, nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Status())
		assert.Equal(t, "POST", rec.Header().Get("Allow"))
	})

	t.Run("will reject duplicate routes", func(t *testing.T) {
		err := mux.HandleFunc("GET", "/users/:id", func(context.Context, *Context) error { return nil })
		assert.Error(t, err)
	})
}

func TestContext(t *testing.T) {
	t.Run("will keep parameters beyond the fixed slots", func(t *testing.T) {
		var c Context
		for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
			c.SetParam(k, strings.ToUpper(k))
		}
		assert.Equal(t, "A", c.Param("a"))
		assert.Equal(t, "F", c.Param("f"))
		assert.Empty(t, c.Param("z"))

		c.reset()
		assert.Empty(t, c.Param("a"))
		assert.Empty(t, c.Param("f"))
	})

	t.Run("will serve files through the send-file capability", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "index.html")
		require.NoError(t, os.WriteFile(path, []byte("<p>hi</p>"), 0o600))

		app := NewHandlerApplication(HandlerFunc(func(ctx context.Context, c *Context) error {
			return c.ServeFile(ctx, path)
		}))
		rec := transporttest.NewRecorder("GET", "/")
		serve(t, app, request(t, rec, nil))

		assert.Equal(t, "<p>hi</p>", rec.Body())
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, "9", rec.Header().Get("Content-Length"))
	})

	t.Run("will answer 404 for missing files", func(t *testing.T) {
		app := NewHandlerApplication(HandlerFunc(func(ctx context.Context, c *Context) error {
			return c.ServeFile(ctx, filepath.Join(t.TempDir(), "missing"))
		}))
		rec := transporttest.NewRecorder("GET", "/")
		serve(t, app, request(t, rec, nil))

		assert.Equal(t, http.StatusNotFound, rec.Status())
	})

	t.Run("will expose the abort signal", func(t *testing.T) {
		rec := transporttest.NewRecorder("GET", "/")
		fc := request(t, rec, nil)
		app := NewHandlerApplication(HandlerFunc(func(context.Context, *Context) error { return nil }))
		c, err := app.CreateContext(fc.Features())
		require.NoError(t, err)

		rec.Disconnect()
		select {
		case <-c.Aborted():
		default:
			t.Fatal("expected the abort signal to fire")
		}
	})
}
