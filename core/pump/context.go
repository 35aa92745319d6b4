package pump

import (
	corehttp "github.com/searchktools/hostcore/core/http"
)

type driverState struct {
	transport corehttp.Transport
	opts      corehttp.Options
}

// RequestContext is the pooled driver of one request. The host context
// slot survives Reset so an application can keep state across rentals.
type RequestContext[T any] struct {
	corehttp.FeatureContext

	hostContext T
	hasHost     bool
}

func newRequestContext[T any]() *RequestContext[T] {
	return &RequestContext[T]{}
}

// Init binds rc to a newly accepted transport
func (rc *RequestContext[T]) Init(s driverState) {
	rc.FeatureContext.Initialize(s.transport, rc, s.opts)
}

// HostContext returns the value cached by a previous request, if any
func (rc *RequestContext[T]) HostContext() (T, bool) {
	return rc.hostContext, rc.hasHost
}

// SetHostContext caches v for the next request served by rc
func (rc *RequestContext[T]) SetHostContext(v T) {
	rc.hostContext = v
	rc.hasHost = true
}
