// Package router matches request paths against route patterns.
//
// Patterns are split on '/'. A segment is either static, a named
// parameter (":id") or a trailing catch-all ("*rest"). Static segments
// win over parameters, parameters win over catch-alls.
package router

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrInvalidPattern is returned by Add for malformed patterns
	ErrInvalidPattern = errors.New("router: invalid pattern")
	// ErrDuplicateRoute is returned by Add when method and pattern are taken
	ErrDuplicateRoute = errors.New("router: duplicate route")
)

// Param is a captured path parameter
type Param struct {
	Key   string
	Value string
}

// Params holds parameters in pattern order
type Params []Param

// Get returns the value captured for key
func (ps Params) Get(key string) string {
	for _, p := range ps {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Tree is a segment tree mapping (method, path) to a handler of type H
type Tree[H any] struct {
	root *node[H]
}

type node[H any] struct {
	static    map[string]*node[H]
	param     *node[H]
	paramName string
	catchAll  *node[H]
	catchName string
	handlers  map[string]H
}

// New creates an empty tree
func New[H any]() *Tree[H] {
	return &Tree[H]{root: &node[H]{}}
}

// Add registers h for method and pattern
func (t *Tree[H]) Add(method, pattern string, h H) error {
	if method == "" || !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("%w: %s %q", ErrInvalidPattern, method, pattern)
	}

	n := t.root
	segments := split(pattern)
	for i, seg := range segments {
		switch seg[0] {
		case ':':
			name := seg[1:]
			if name == "" {
				return fmt.Errorf("%w: unnamed parameter in %q", ErrInvalidPattern, pattern)
			}
			if n.param == nil {
				n.param = &node[H]{}
				n.paramName = name
			} else if n.paramName != name {
				return fmt.Errorf("%w: parameter %q conflicts with %q in %q", ErrInvalidPattern, name, n.paramName, pattern)
			}
			n = n.param
		case '*':
			name := seg[1:]
			if name == "" || i != len(segments)-1 {
				return fmt.Errorf("%w: catch-all must be named and last in %q", ErrInvalidPattern, pattern)
			}
			if n.catchAll == nil {
				n.catchAll = &node[H]{}
				n.catchName = name
			} else if n.catchName != name {
				return fmt.Errorf("%w: catch-all %q conflicts with %q in %q", ErrInvalidPattern, name, n.catchName, pattern)
			}
			n = n.catchAll
		default:
			if n.static == nil {
				n.static = make(map[string]*node[H])
			}
			child, ok := n.static[seg]
			if !ok {
				child = &node[H]{}
				n.static[seg] = child
			}
			n = child
		}
	}

	if n.handlers == nil {
		n.handlers = make(map[string]H)
	}
	if _, exists := n.handlers[method]; exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateRoute, method, pattern)
	}
	n.handlers[method] = h
	return nil
}

// Find returns the handler registered for method on path
func (t *Tree[H]) Find(method, path string) (h H, params Params, found bool) {
	n, params := t.root.match(split(path), nil)
	if n == nil {
		return h, nil, false
	}
	h, found = n.handlers[method]
	if !found {
		return h, nil, false
	}
	return h, params, true
}

// Allowed lists the methods registered for path, sorted
func (t *Tree[H]) Allowed(path string) []string {
	n, _ := t.root.match(split(path), nil)
	if n == nil {
		return nil
	}
	methods := make([]string, 0, len(n.handlers))
	for m := range n.handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

func (n *node[H]) match(segments []string, params Params) (*node[H], Params) {
	if len(segments) == 0 {
		if len(n.handlers) == 0 {
			return nil, nil
		}
		return n, params
	}

	seg := segments[0]
	if child, ok := n.static[seg]; ok {
		if m, ps := child.match(segments[1:], params); m != nil {
			return m, ps
		}
	}
	if n.param != nil && seg != "" {
		if m, ps := n.param.match(segments[1:], append(params, Param{Key: n.paramName, Value: seg})); m != nil {
			return m, ps
		}
	}
	if n.catchAll != nil && len(n.catchAll.handlers) > 0 {
		return n.catchAll, append(params, Param{Key: n.catchName, Value: strings.Join(segments, "/")})
	}
	return nil, nil
}

// split turns "/a/b" into ["a", "b"] and "/" into []
func split(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
