package pump

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hostcore/core/features"
	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/http/transporttest"
	"github.com/searchktools/hostcore/core/hosting"
	"github.com/searchktools/hostcore/internal/otelslog"
)

type chanListener struct {
	queue     chan corehttp.Transport
	closed    chan struct{}
	closeOnce sync.Once

	listenErr error
	bindAs    []string

	mu        sync.Mutex
	requested []string
	defaults  features.Backstop
}

func newChanListener() *chanListener {
	return &chanListener{
		queue:  make(chan corehttp.Transport),
		closed: make(chan struct{}),
	}
}

func (l *chanListener) Listen(_ context.Context, addrs []string, defaults features.Backstop) ([]string, error) {
	if l.listenErr != nil {
		return nil, l.listenErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested = addrs
	l.defaults = defaults
	if l.bindAs != nil {
		return l.bindAs, nil
	}
	return addrs, nil
}

func (l *chanListener) Accept(ctx context.Context) (corehttp.Transport, error) {
	select {
	case t := <-l.queue:
		return t, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *chanListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// send hands a new request to the accept workers
func (l *chanListener) send(t *testing.T, method, target string) *transporttest.Recorder {
	t.Helper()

	rec := l.recorder(method, target)
	select {
	case l.queue <- rec:
	case <-time.After(5 * time.Second):
		t.Fatal("no accept worker took the request")
	}
	return rec
}

// recorder creates a request bound to the server defaults
func (l *chanListener) recorder(method, target string) *transporttest.Recorder {
	l.mu.Lock()
	defaults := l.defaults
	l.mu.Unlock()

	rec := transporttest.NewRecorder(method, target)
	rec.Conn = features.NewDefaults(defaults)
	return rec
}

type testApp struct {
	create  func(fc *features.Collection) error
	process func(ctx context.Context, fc *features.Collection) error

	created  atomic.Int64
	disposed atomic.Int64

	mu   sync.Mutex
	errs []error
}

func (a *testApp) CreateContext(fc *features.Collection) (*features.Collection, error) {
	if a.create != nil {
		if err := a.create(fc); err != nil {
			return nil, err
		}
	}
	a.created.Add(1)
	return fc, nil
}

func (a *testApp) ProcessRequest(ctx context.Context, fc *features.Collection) error {
	if a.process == nil {
		return nil
	}
	return a.process(ctx, fc)
}

func (a *testApp) DisposeContext(_ *features.Collection, err error) {
	a.disposed.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *testApp) disposeErrors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.errs...)
}

func write(fc *features.Collection, s string) error {
	body, ok := features.Get[features.ResponseBody](fc, features.KindResponseBody)
	if !ok {
		return errors.New("response body capability missing")
	}
	_, err := io.WriteString(body.BodyWriter(), s)
	return err
}

func startPump(t *testing.T, app hosting.Application[*features.Collection], opts ...Option) (*MessagePump[*features.Collection], *chanListener) {
	t.Helper()

	l := newChanListener()
	p := New[*features.Collection](l, append([]Option{WithLogger(otelslog.Discard())}, opts...)...)
	require.NoError(t, p.Start(context.Background(), app))
	t.Cleanup(func() {
		assert.NoError(t, p.Dispose())
	})
	return p, l
}

func waitDone(t *testing.T, rec *transporttest.Recorder) {
	t.Helper()
	select {
	case <-rec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}
}

func TestMessagePump_Process(t *testing.T) {
	t.Run("will process every request exactly once", func(t *testing.T) {
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				return write(fc, "ok")
			},
		}
		p, l := startPump(t, app, WithMaxAcceptors(4))

		const n = 64
		recs := make([]*transporttest.Recorder, n)
		var wg sync.WaitGroup
		for i := range n {
			recs[i] = l.recorder(http.MethodGet, "/")
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.queue <- recs[i]
			}()
		}
		wg.Wait()

		for _, rec := range recs {
			waitDone(t, rec)
			assert.Equal(t, http.StatusOK, rec.Status())
			assert.Equal(t, "ok", rec.Body())
			assert.True(t, rec.Completed())
			assert.Equal(t, 1, rec.HeadWrites())
		}

		require.Eventually(t, func() bool { return p.Outstanding() == 0 }, 5*time.Second, time.Millisecond)
		assert.EqualValues(t, n, app.created.Load())
		assert.EqualValues(t, n, app.disposed.Load())
	})

	t.Run("will send an empty 500 when the application fails before responding", func(t *testing.T) {
		appErr := errors.New("boom")
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				return appErr
			},
		}
		_, l := startPump(t, app)

		rec := l.send(t, http.MethodGet, "/")
		waitDone(t, rec)

		assert.Equal(t, http.StatusInternalServerError, rec.Status())
		assert.Empty(t, rec.Body())
		assert.Equal(t, "0", rec.Header().Get("Content-Length"))
		assert.True(t, rec.Completed())
		assert.False(t, rec.Aborted())

		require.Eventually(t, func() bool { return app.disposed.Load() == 1 }, 5*time.Second, time.Millisecond)
		assert.ErrorIs(t, app.disposeErrors()[0], appErr)
	})

	t.Run("will abort when the application fails after the response started", func(t *testing.T) {
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				if err := write(fc, "partial"); err != nil {
					return err
				}
				return errors.New("boom")
			},
		}
		_, l := startPump(t, app)

		rec := l.send(t, http.MethodGet, "/")
		waitDone(t, rec)

		assert.True(t, rec.Aborted())
		assert.False(t, rec.Completed())
		assert.Equal(t, http.StatusOK, rec.Status())
		assert.Equal(t, "partial", rec.Body())
	})

	t.Run("will recover a panicking application", func(t *testing.T) {
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				panic("unexpected")
			},
		}
		_, l := startPump(t, app)

		rec := l.send(t, http.MethodGet, "/")
		waitDone(t, rec)

		assert.Equal(t, http.StatusInternalServerError, rec.Status())
		require.Eventually(t, func() bool { return app.disposed.Load() == 1 }, 5*time.Second, time.Millisecond)

		var perr *RecoveredPanicError
		require.ErrorAs(t, app.disposeErrors()[0], &perr)
		assert.Equal(t, "unexpected", perr.Value)
	})

	t.Run("will not dispose a context that was never created", func(t *testing.T) {
		app := &testApp{
			create: func(fc *features.Collection) error {
				return errors.New("no context")
			},
		}
		p, l := startPump(t, app)

		rec := l.send(t, http.MethodGet, "/")
		waitDone(t, rec)

		assert.Equal(t, http.StatusInternalServerError, rec.Status())
		require.Eventually(t, func() bool { return p.Outstanding() == 0 }, 5*time.Second, time.Millisecond)
		assert.Zero(t, app.created.Load())
		assert.Zero(t, app.disposed.Load())
	})

	t.Run("will fire completion callbacks after the response completed", func(t *testing.T) {
		completedBeforeCallback := make(chan bool, 1)
		var rec *transporttest.Recorder
		var recMu sync.Mutex

		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				resp, ok := features.Get[features.Response](fc, features.KindResponse)
				if !ok {
					return errors.New("response capability missing")
				}
				return resp.OnCompleted(func(ctx context.Context, state any) error {
					recMu.Lock()
					defer recMu.Unlock()
					completedBeforeCallback <- rec.Completed()
					return nil
				}, nil)
			},
		}
		_, l := startPump(t, app)

		recMu.Lock()
		rec = l.send(t, http.MethodGet, "/")
		recMu.Unlock()

		select {
		case completed := <-completedBeforeCallback:
			assert.True(t, completed)
		case <-time.After(5 * time.Second):
			t.Fatal("completion callback did not run")
		}
	})

	t.Run("will send a zero length when the application wrote nothing", func(t *testing.T) {
		_, l := startPump(t, &testApp{})

		rec := l.send(t, http.MethodGet, "/")
		waitDone(t, rec)

		assert.Equal(t, http.StatusOK, rec.Status())
		assert.Equal(t, "0", rec.Header().Get("Content-Length"))
		assert.True(t, rec.Completed())
	})

	t.Run("will not hold a request behind a blocked one", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				req, _ := features.Get[features.Request](fc, features.KindRequest)
				if req.Path() == "/slow" {
					<-release
				}
				return write(fc, "done")
			},
		}
		p, l := startPump(t, app, WithMaxAcceptors(1), WithWorkers(1, 0))

		slow := l.send(t, http.MethodGet, "/slow")
		require.Eventually(t, func() bool { return p.Outstanding() == 1 }, 5*time.Second, time.Millisecond)

		for range 3 {
			fast := l.send(t, http.MethodGet, "/fast")
			waitDone(t, fast)
			assert.Equal(t, "done", fast.Body())
		}
		assert.False(t, slow.Completed())
		assert.Positive(t, p.WorkerStats().Overflow)
	})

	t.Run("will reuse request contexts and keep the host context", func(t *testing.T) {
		var reused atomic.Int64
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				c, ok := hosting.ContainerFrom[*features.Collection](fc)
				if !ok {
					return errors.New("host container missing")
				}
				if _, ok := c.HostContext(); ok {
					reused.Add(1)
				}
				c.SetHostContext(fc)
				return nil
			},
		}
		p, l := startPump(t, app, WithMaxAcceptors(1), WithWorkers(1, 0))

		for range 3 {
			rec := l.send(t, http.MethodGet, "/")
			waitDone(t, rec)
			require.Eventually(t, func() bool { return p.Outstanding() == 0 }, 5*time.Second, time.Millisecond)
		}

		assert.EqualValues(t, 2, reused.Load())
		assert.EqualValues(t, 2, p.ContextPoolStats().Hits)
	})

	t.Run("will not pool the context of a disconnected client", func(t *testing.T) {
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				lt, _ := features.Get[features.RequestLifetime](fc, features.KindRequestLifetime)
				lt.Abort()
				return nil
			},
		}
		p, l := startPump(t, app)

		rec := l.send(t, http.MethodGet, "/")
		waitDone(t, rec)
		require.Eventually(t, func() bool { return p.Outstanding() == 0 }, 5*time.Second, time.Millisecond)

		assert.True(t, rec.Aborted())
		assert.False(t, rec.Completed())
		assert.Zero(t, p.ContextPoolStats().Idle)
	})
}

func TestMessagePump_Stop(t *testing.T) {
	t.Run("will return immediately with nothing outstanding", func(t *testing.T) {
		p, _ := startPump(t, &testApp{})
		assert.Equal(t, StateRunning, p.State())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		start := time.Now()
		require.NoError(t, p.Stop(ctx))
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, StateStopped, p.State())
	})

	t.Run("will wait for every outstanding request", func(t *testing.T) {
		release := make(chan struct{})
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				<-release
				return nil
			},
		}
		p, l := startPump(t, app, WithMaxAcceptors(3))

		recs := []*transporttest.Recorder{
			l.send(t, http.MethodGet, "/a"),
			l.send(t, http.MethodGet, "/b"),
			l.send(t, http.MethodGet, "/c"),
		}
		require.Eventually(t, func() bool { return p.Outstanding() == 3 }, 5*time.Second, time.Millisecond)

		stopped := make(chan error, 1)
		go func() {
			stopped <- p.Stop(context.Background())
		}()
		require.Eventually(t, func() bool { return p.State() == StateDraining }, 5*time.Second, time.Millisecond)

		release <- struct{}{}
		release <- struct{}{}
		require.Eventually(t, func() bool { return p.Outstanding() == 1 }, 5*time.Second, time.Millisecond)
		select {
		case <-stopped:
			t.Fatal("stop returned with a request outstanding")
		case <-time.After(50 * time.Millisecond):
		}

		release <- struct{}{}
		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("stop did not return after the last request")
		}
		for _, rec := range recs {
			assert.True(t, rec.Completed())
		}
		assert.Zero(t, p.Outstanding())
		assert.Equal(t, StateStopped, p.State())
	})

	t.Run("will reject requests accepted while stopping", func(t *testing.T) {
		release := make(chan struct{})
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				<-release
				return nil
			},
		}
		p, l := startPump(t, app, WithMaxAcceptors(1))

		first := l.send(t, http.MethodGet, "/")
		require.Eventually(t, func() bool { return p.Outstanding() == 1 }, 5*time.Second, time.Millisecond)

		stopped := make(chan error, 1)
		go func() {
			stopped <- p.Stop(context.Background())
		}()
		require.Eventually(t, func() bool { return p.State() == StateDraining }, 5*time.Second, time.Millisecond)

		late := l.send(t, http.MethodGet, "/")
		waitDone(t, late)
		assert.Equal(t, http.StatusServiceUnavailable, late.Status())
		assert.Empty(t, late.Body())
		assert.Equal(t, "0", late.Header().Get("Content-Length"))

		close(release)
		waitDone(t, first)
		assert.Equal(t, http.StatusOK, first.Status())
		require.NoError(t, <-stopped)
		assert.EqualValues(t, 1, app.created.Load())
	})

	t.Run("will give up when the first deadline expires", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				<-release
				return nil
			},
		}
		p, l := startPump(t, app)

		l.send(t, http.MethodGet, "/")
		require.Eventually(t, func() bool { return p.Outstanding() == 1 }, 5*time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.NoError(t, p.Stop(ctx))
		assert.Equal(t, StateStopped, p.State())
		assert.EqualValues(t, 1, p.Outstanding())

		// the shutdown is already complete so a later caller returns at once
		require.NoError(t, p.Stop(context.Background()))
	})

	t.Run("will let a later caller leave early", func(t *testing.T) {
		release := make(chan struct{})
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				<-release
				return nil
			},
		}
		p, l := startPump(t, app)

		l.send(t, http.MethodGet, "/")
		require.Eventually(t, func() bool { return p.Outstanding() == 1 }, 5*time.Second, time.Millisecond)

		first := make(chan error, 1)
		go func() {
			first <- p.Stop(context.Background())
		}()
		require.Eventually(t, func() bool { return p.State() == StateDraining }, 5*time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.NoError(t, p.Stop(ctx))
		assert.Equal(t, StateDraining, p.State())

		close(release)
		require.NoError(t, <-first)
		assert.Equal(t, StateStopped, p.State())
	})

	t.Run("will do nothing on a pump that never started", func(t *testing.T) {
		p := New[*features.Collection](newChanListener())
		assert.NoError(t, p.Stop(context.Background()))
		assert.Equal(t, StateStopped, p.State())
		assert.NoError(t, p.Dispose())
	})
}

func TestMessagePump_Start(t *testing.T) {
	t.Run("will return ErrPumpStarted", func(t *testing.T) {
		p, _ := startPump(t, &testApp{})
		assert.ErrorIs(t, p.Start(context.Background(), &testApp{}), ErrPumpStarted)
	})

	t.Run("will return a BindError", func(t *testing.T) {
		l := newChanListener()
		l.listenErr = errors.New("address in use")
		p := New[*features.Collection](l, WithAddresses("http://127.0.0.1:80"))

		err := p.Start(context.Background(), &testApp{})

		var berr *BindError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, []string{"http://127.0.0.1:80"}, berr.Addresses)
		assert.ErrorIs(t, err, l.listenErr)
		assert.Equal(t, StateStopped, p.State())
		assert.NoError(t, p.Dispose())
	})

	t.Run("will report the bound addresses", func(t *testing.T) {
		l := newChanListener()
		l.bindAs = []string{"http://127.0.0.1:43210"}
		p := New[*features.Collection](l, WithAddresses("http://127.0.0.1:0"), WithLogger(otelslog.Discard()))
		require.NoError(t, p.Start(context.Background(), &testApp{}))
		defer p.Dispose()

		v, ok := p.Features().Lookup(features.KindServerAddresses)
		require.True(t, ok)
		assert.Equal(t, l.bindAs, v.(features.ServerAddresses).Addresses())
		assert.Equal(t, []string{"http://127.0.0.1:0"}, l.requested)
	})

	t.Run("will bind hosting addresses when preferred", func(t *testing.T) {
		l := newChanListener()
		p := New[*features.Collection](l, WithAddresses("http://127.0.0.1:1"), WithPreferHostingURLs(true))

		v, ok := p.Features().Lookup(features.KindServerAddresses)
		require.True(t, ok)
		v.(features.ServerAddresses).SetAddresses([]string{"http://127.0.0.1:2"})

		require.NoError(t, p.Start(context.Background(), &testApp{}))
		defer p.Dispose()
		assert.Equal(t, []string{"http://127.0.0.1:2"}, l.requested)
	})

	t.Run("will expose server defaults to requests", func(t *testing.T) {
		got := make(chan []string, 1)
		app := &testApp{
			process: func(ctx context.Context, fc *features.Collection) error {
				sa, ok := features.Get[features.ServerAddresses](fc, features.KindServerAddresses)
				if !ok {
					return errors.New("server addresses missing")
				}
				got <- sa.Addresses()
				return nil
			},
		}
		_, l := startPump(t, app, WithAddresses("http://127.0.0.1:9"))

		l.send(t, http.MethodGet, "/")
		select {
		case addrs := <-got:
			assert.Equal(t, []string{"http://127.0.0.1:9"}, addrs)
		case <-time.After(5 * time.Second):
			t.Fatal("request was not processed")
		}
	})
}

func TestMessagePump_Dispose(t *testing.T) {
	t.Run("will close the listener and stop accepting", func(t *testing.T) {
		l := newChanListener()
		p := New[*features.Collection](l)
		require.NoError(t, p.Start(context.Background(), &testApp{}))

		require.NoError(t, p.Dispose())
		require.NoError(t, p.Dispose())

		assert.Equal(t, StateStopped, p.State())
		select {
		case <-l.closed:
		default:
			t.Fatal("listener was not closed")
		}
		assert.NoError(t, p.Stop(context.Background()))
	})
}

func TestResolveAddresses(t *testing.T) {
	log := otelslog.Discard()
	ctx := context.Background()
	configured := []string{"http://a:1"}
	hosting := []string{"http://b:2"}

	testCases := []struct {
		name       string
		configured []string
		hosting    []string
		prefer     bool
		want       []string
	}{
		{name: "prefers hosting when asked", configured: configured, hosting: hosting, prefer: true, want: hosting},
		{name: "uses configured over hosting", configured: configured, hosting: hosting, want: configured},
		{name: "uses configured alone", configured: configured, prefer: true, want: configured},
		{name: "uses hosting alone", hosting: hosting, want: hosting},
		{name: "falls back to the default", prefer: true, want: []string{DefaultAddress}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := resolveAddresses(ctx, log, tc.configured, tc.hosting, tc.prefer)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "State(9)", State(9).String())
}
