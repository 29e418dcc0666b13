package sharding

import (
	"fmt"
	"maps"
	"slices"
)

// DefaultBindKey names the default connection inside a resolved bind map.
const DefaultBindKey = "__default__"

// BindSource supplies the current connection configuration: an optional
// default connection string and a mapping of connection identifier to
// connection string.
type BindSource interface {
	Snapshot() (defaultDSN string, binds map[string]string, err error)
}

// StaticBinds is a BindSource over configuration read once at startup.
type StaticBinds struct {
	Default string
	Binds   map[string]string
}

func (s StaticBinds) Snapshot() (string, map[string]string, error) {
	return s.Default, s.Binds, nil
}

// Registry resolves connection identifiers from a BindSource. It holds no
// state of its own; every call reads the source again.
type Registry struct {
	src BindSource
}

func NewRegistry(src BindSource) *Registry {
	return &Registry{src: src}
}

// Resolve returns the explicit binds merged with the default connection
// under DefaultBindKey. The returned map is owned by the caller.
func (r *Registry) Resolve() (map[string]string, error) {
	def, binds, err := r.src.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: read binds: %v", ErrConfiguration, err)
	}

	out := make(map[string]string, len(binds)+1)
	maps.Copy(out, binds)
	if def != "" {
		out[DefaultBindKey] = def
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: neither a default connection nor binds are configured", ErrConfiguration)
	}
	return out, nil
}

// Keys returns every configured connection identifier in lexicographic order.
func (r *Registry) Keys() ([]string, error) {
	binds, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(binds)), nil
}

// DSN returns the connection string of one connection identifier.
func (r *Registry) DSN(key string) (string, error) {
	binds, err := r.Resolve()
	if err != nil {
		return "", err
	}
	dsn, ok := binds[key]
	if !ok {
		return "", fmt.Errorf("%w: unknown shard %q", ErrConfiguration, key)
	}
	return dsn, nil
}

// Validate fails when the configuration is empty, or when any of the given
// entity types resolves to an empty shard group.
func (r *Registry) Validate(types ...*EntityType) error {
	binds, err := r.Resolve()
	if err != nil {
		return err
	}
	for _, et := range types {
		if _, err := group(binds, et); err != nil {
			return err
		}
	}
	return nil
}
