package config

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix selects the environment variables read by FromEnv
const EnvPrefix = "HOSTCORE_"

// Map is a Source of nested values
type Map map[string]any

// Apply implements Source.
func (src Map) Apply(store Store) error {
	apply(store, "", src)
	return nil
}

func apply(store Store, prefix string, values map[string]any) {
	for k, v := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := v.(type) {
		case map[string]any:
			apply(store, key, v)
		case Map:
			apply(store, key, v)
		default:
			store.Set(key, v)
		}
	}
}

// Yaml is a Source in YAML format
type Yaml struct {
	r io.Reader
}

// FromYaml reads YAML from r. r is closed if it is an io.Closer.
func FromYaml(r io.Reader) Yaml {
	return Yaml{r: r}
}

// Apply implements Source.
func (src Yaml) Apply(store Store) (err error) {
	if c, ok := src.r.(io.Closer); ok {
		defer func() {
			err = errors.Join(err, c.Close())
		}()
	}

	b, err := io.ReadAll(src.r)
	if err != nil {
		return err
	}

	m := make(map[string]any)
	if err := yaml.Unmarshal(b, &m); err != nil {
		return &InvalidYamlError{Cause: err}
	}
	return Map(m).Apply(store)
}

// YamlFile is a Source reading a YAML file. A missing optional file
// applies nothing.
type YamlFile struct {
	Path     string
	Optional bool
}

// Apply implements Source.
func (src YamlFile) Apply(store Store) error {
	f, err := os.Open(src.Path)
	if src.Optional && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return FromYaml(f).Apply(store)
}

// Env is a Source of prefixed environment variables. A double underscore
// separates nesting levels: HOSTCORE_SERVER__MAX_ACCEPTORS sets
// server.max_acceptors.
type Env struct {
	prefix  string
	environ func() []string
}

// FromEnv reads the HOSTCORE_ variables of the current process
func FromEnv() Env {
	return Env{prefix: EnvPrefix, environ: os.Environ}
}

// Apply implements Source.
func (src Env) Apply(store Store) error {
	for _, pair := range src.environ() {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		setEnv(store, src.prefix, k, v)
	}
	return nil
}

// DotEnv is a Source reading a .env file. Only prefixed variables are
// applied, using the same key mapping as Env.
type DotEnv struct {
	Path     string
	Optional bool
}

// Apply implements Source.
func (src DotEnv) Apply(store Store) error {
	vars, err := godotenv.Read(src.Path)
	if src.Optional && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for k, v := range vars {
		setEnv(store, EnvPrefix, k, v)
	}
	return nil
}

func setEnv(store Store, prefix, name, value string) {
	if !strings.HasPrefix(name, prefix) {
		return
	}
	key := strings.TrimPrefix(name, prefix)
	if key == "" {
		return
	}
	key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
	store.Set(key, value)
}
