package sharding

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"shardeddb/pkg/types"
)

// HashRule maps a primary key value to a shard index. It must be pure: the
// same identity always yields the same value.
type HashRule func(id any) uint64

// EntityType describes one persisted entity type and how it is routed.
type EntityType struct {
	Name  string
	Table types.Table
	// BindKey selects the shard group. Nil means the default connection.
	BindKey Matcher
	// HashRule picks one shard of the group. Nil means the group must hold
	// exactly one shard.
	HashRule HashRule
}

// Bind returns the effective bind key.
func (et *EntityType) Bind() Matcher {
	if et.BindKey == nil {
		return Exact(DefaultBindKey)
	}
	return et.BindKey
}

func (et *EntityType) String() string {
	return et.Name
}

// Catalog holds the entity types known to a process.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]*EntityType
}

func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]*EntityType)}
}

// Register adds et under et.Name. Registering the same descriptor twice is a
// no-op; a different descriptor under a taken name is rejected.
func (c *Catalog) Register(et *EntityType) error {
	if et == nil {
		return ErrNilEntityType
	}
	if et.Name == "" {
		return ErrEmptyEntityName
	}
	if et.Table.Name == "" {
		et.Table.Name = et.Name
	}
	if err := et.Table.Validate(); err != nil {
		return fmt.Errorf("sharding: register %s: %w", et.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.types[et.Name]; ok {
		if old == et {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflictingEntityType, et.Name)
	}
	c.types[et.Name] = et
	return nil
}

// MustRegister registers every type and panics on the first error.
func (c *Catalog) MustRegister(types ...*EntityType) {
	for _, et := range types {
		if err := c.Register(et); err != nil {
			panic(err)
		}
	}
}

func (c *Catalog) Lookup(name string) (*EntityType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	et, ok := c.types[name]
	return et, ok
}

// Types returns the registered entity types sorted by name.
func (c *Catalog) Types() []*EntityType {
	c.mu.RLock()
	out := make([]*EntityType, 0, len(c.types))
	for _, et := range c.types {
		out = append(out, et)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b *EntityType) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
