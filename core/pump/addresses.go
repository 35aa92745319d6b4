package pump

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// serverAddresses is the ServerAddresses capability of a pump
type serverAddresses struct {
	mu            sync.Mutex
	addrs         []string
	preferHosting bool
}

func (s *serverAddresses) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.addrs)
}

func (s *serverAddresses) SetAddresses(addrs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = slices.Clone(addrs)
}

func (s *serverAddresses) PreferHostingURLs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferHosting
}

// resolveAddresses picks the addresses to bind
func resolveAddresses(ctx context.Context, log *slog.Logger, configured, hosting []string, preferHosting bool) []string {
	switch {
	case preferHosting && len(hosting) > 0:
		if len(configured) > 0 {
			log.WarnContext(ctx,
				"overriding configured addresses with hosting addresses",
				slog.String("configured", strings.Join(configured, ", ")),
				slog.String("hosting", strings.Join(hosting, ", ")),
			)
		}
		return slices.Clone(hosting)
	case len(configured) > 0:
		if len(hosting) > 0 {
			log.WarnContext(ctx,
				"overriding hosting addresses with configured addresses, enable prefer hosting urls to use them",
				slog.String("configured", strings.Join(configured, ", ")),
				slog.String("hosting", strings.Join(hosting, ", ")),
			)
		}
		return slices.Clone(configured)
	case len(hosting) > 0:
		return slices.Clone(hosting)
	default:
		log.DebugContext(ctx, "no listening address configured, binding the default", slog.String("address", DefaultAddress))
		return []string{DefaultAddress}
	}
}
