package http

import (
	"iter"

	"github.com/searchktools/hostcore/core/features"
)

// standardFeatures is the backstop of every request registry: the
// FeatureContext itself serves the standard kinds, the transport's
// connection defaults serve the rest.
type standardFeatures struct {
	c *FeatureContext
}

func (s *standardFeatures) own(k *features.Kind) (any, bool) {
	c := s.c
	if c == nil {
		return nil, false
	}
	switch k {
	case features.KindRequest, features.KindResponse, features.KindResponseBody,
		features.KindConnection, features.KindRequestLifetime, features.KindRequestIdentifier,
		features.KindMaxRequestBodySize, features.KindBodyControl, features.KindUpgrade,
		features.KindSendFile, features.KindItems:
		return c, true
	case features.KindResponseCache:
		if c.opts.EnableResponseCaching {
			return c, true
		}
	case features.KindTLSConnection, features.KindTLSHandshake:
		if c.isTLS {
			return c, true
		}
	case features.KindHostContainer:
		if c.host != nil {
			return c.host, true
		}
	}
	return nil, false
}

func (s *standardFeatures) connection() features.Backstop {
	if s.c == nil || s.c.transport == nil {
		return nil
	}
	return s.c.transport.Features()
}

// Lookup implements features.Backstop.
func (s *standardFeatures) Lookup(k *features.Kind) (any, bool) {
	if v, ok := s.own(k); ok {
		return v, true
	}
	if conn := s.connection(); conn != nil {
		return conn.Lookup(k)
	}
	return nil, false
}

// Revision implements features.Backstop.
func (s *standardFeatures) Revision() uint64 {
	if conn := s.connection(); conn != nil {
		return conn.Revision()
	}
	return 0
}

// All implements features.Backstop.
func (s *standardFeatures) All() iter.Seq2[*features.Kind, any] {
	return func(yield func(*features.Kind, any) bool) {
		for _, k := range features.WellKnownKinds() {
			if v, ok := s.own(k); ok && !yield(k, v) {
				return
			}
		}
		conn := s.connection()
		if conn == nil {
			return
		}
		for k, v := range conn.All() {
			if _, shadowed := s.own(k); shadowed {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}
