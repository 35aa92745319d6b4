package pump

import (
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	corehttp "github.com/searchktools/hostcore/core/http"
	"github.com/searchktools/hostcore/core/observability"
	"github.com/searchktools/hostcore/internal/otelslog"
)

// DefaultAddress is bound when neither configured nor hosting addresses
// are present
const DefaultAddress = "http://localhost:5000"

// DefaultMaxPooledContexts bounds the request context pool
const DefaultMaxPooledContexts = 512

type options struct {
	log               *slog.Logger
	tracer            trace.Tracer
	metrics           *observability.PumpMetrics
	addresses         []string
	preferHostingURLs bool
	maxAcceptors      int
	workers           int
	maxConcurrent     int
	maxPooledContexts int
	acceptRetry       rate.Limit
	request           corehttp.Options
}

func defaultOptions() options {
	return options{
		log:               otelslog.Discard(),
		tracer:            otel.Tracer("github.com/searchktools/hostcore/core/pump"),
		maxAcceptors:      runtime.GOMAXPROCS(0),
		maxPooledContexts: DefaultMaxPooledContexts,
		acceptRetry:       rate.Every(100 * time.Millisecond),
		request: corehttp.Options{
			MaxRequestBodySize: 30_000_000,
		},
	}
}

// Option configures a MessagePump
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

// WithLogger sets the logger. Records are routed through the otel aware
// handler so they carry the active span.
func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(o *options) {
		o.log = slog.New(otelslog.NewHandler(log.Handler()))
	})
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return optionFunc(func(o *options) {
		o.tracer = t
	})
}

// WithMetrics records request processing
func WithMetrics(m *observability.PumpMetrics) Option {
	return optionFunc(func(o *options) {
		o.metrics = m
	})
}

// WithAddresses sets the configured listen addresses
func WithAddresses(addrs ...string) Option {
	return optionFunc(func(o *options) {
		o.addresses = addrs
	})
}

// WithPreferHostingURLs makes addresses supplied by the host win over the
// configured ones
func WithPreferHostingURLs(prefer bool) Option {
	return optionFunc(func(o *options) {
		o.preferHostingURLs = prefer
	})
}

// WithMaxAcceptors sets the number of accept workers
func WithMaxAcceptors(n int) Option {
	return optionFunc(func(o *options) {
		if n > 0 {
			o.maxAcceptors = n
		}
	})
}

// WithWorkers sizes the pool requests are processed on. workers is the
// number of warm goroutines; a request never waits for a busy one. A
// positive maxConcurrent bounds the requests processed at once, accepting
// pauses while the bound is reached.
func WithWorkers(workers, maxConcurrent int) Option {
	return optionFunc(func(o *options) {
		o.workers = workers
		o.maxConcurrent = maxConcurrent
	})
}

// WithMaxPooledContexts bounds the number of idle request contexts
func WithMaxPooledContexts(n int) Option {
	return optionFunc(func(o *options) {
		o.maxPooledContexts = n
	})
}

// WithAcceptRetry limits how often a failing listener is retried
func WithAcceptRetry(every time.Duration) Option {
	return optionFunc(func(o *options) {
		o.acceptRetry = rate.Every(every)
	})
}

// WithRequestOptions sets the per-request policy
func WithRequestOptions(ro corehttp.Options) Option {
	return optionFunc(func(o *options) {
		o.request = ro
	})
}
