// Package hosting defines the contract between the request pump and the
// application it drives, plus a small handler-based application.
package hosting

import (
	"context"

	"github.com/searchktools/hostcore/core/features"
)

// Application is driven exactly once per request. CreateContext is called
// at most once per request; DisposeContext is called exactly once for
// every context CreateContext returned, with the error that ended the
// request, if any.
type Application[T any] interface {
	CreateContext(fc *features.Collection) (T, error)
	ProcessRequest(ctx context.Context, hc T) error
	DisposeContext(hc T, err error)
}

// HostContextContainer is a slot on the pooled per-request driver that
// keeps one value across reuse, so an application can cache derived
// state instead of rebuilding it for every request.
type HostContextContainer[T any] interface {
	HostContext() (T, bool)
	SetHostContext(T)
}

// ContainerFrom returns the host context container of a request registry
func ContainerFrom[T any](fc *features.Collection) (HostContextContainer[T], bool) {
	return features.Get[HostContextContainer[T]](fc, features.KindHostContainer)
}
