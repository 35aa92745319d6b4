package config

import (
	"encoding"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Store receives key/value pairs from a Source. Keys are dotted paths,
// e.g. "server.max_acceptors".
type Store interface {
	Set(key string, value any)
}

// Source applies its values to a Store
type Source interface {
	Apply(Store) error
}

// Manager manages configuration values under lower-case dotted keys
type Manager struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		values: make(map[string]any),
	}
}

// Read applies every source in order. Later sources override earlier ones.
func Read(srcs ...Source) (*Manager, error) {
	m := NewManager()
	for _, src := range srcs {
		if err := src.Apply(m); err != nil {
			return nil, &ReadError{Source: fmt.Sprintf("%T", src), Cause: err}
		}
	}
	return m, nil
}

// Set sets a configuration value
func (m *Manager) Set(key string, value any) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// a scalar replaces every value nested below it and vice versa
	for k := range m.values {
		if strings.HasPrefix(k, key+".") || strings.HasPrefix(key, k+".") {
			delete(m.values, k)
		}
	}
	m.values[key] = value
}

// Get gets a configuration value
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[strings.ToLower(key)]
	return v, ok
}

// Keys returns every key in sorted order
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Unmarshal decodes the values into v using the "config" struct tag.
// Fields without a value keep what v already holds.
func (m *Manager) Unmarshal(v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "config",
		Result:           v,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			textUnmarshalerHookFunc(),
			timeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(m.nested())
}

// nested expands the dotted keys into a tree of maps
func (m *Manager) nested() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root := make(map[string]any)
	for key, value := range m.values {
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}

var durationType = reflect.TypeOf(time.Duration(0))

func textUnmarshalerHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t == durationType {
			return data, nil
		}
		result := reflect.New(t)
		u, ok := result.Interface().(encoding.TextUnmarshaler)
		if !ok {
			return data, nil
		}
		if err := u.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, &CoercionError{Value: data, Type: t, Cause: err}
		}
		return result.Elem().Interface(), nil
	}
}

func timeDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType {
			return data, nil
		}

		switch f.Kind() {
		case reflect.String:
			d, err := time.ParseDuration(data.(string))
			if err != nil {
				return nil, &CoercionError{Value: data, Type: t, Cause: err}
			}
			return d, nil
		case reflect.Int:
			return time.Duration(int64(data.(int))), nil
		default:
			return data, nil
		}
	}
}
