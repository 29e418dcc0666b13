package sharding

import (
	"fmt"
	"slices"

	"shardeddb/pkg/types"
)

// Query describes a scan of one entity type.
type Query struct {
	Type *EntityType
	types.Filter
}

// Chooser resolves shards from a Registry. It carries no mutable state:
// every call works on a fresh snapshot of the binds.
type Chooser struct {
	reg *Registry
}

var (
	_ ShardChooser    = (*Chooser)(nil)
	_ IdentityChooser = (*Chooser)(nil)
	_ QueryChooser    = (*Chooser)(nil)
)

func NewChooser(reg *Registry) *Chooser {
	return &Chooser{reg: reg}
}

// Group returns the sorted shard group of et.
func (c *Chooser) Group(et *EntityType) ([]string, error) {
	binds, err := c.reg.Resolve()
	if err != nil {
		return nil, err
	}
	return group(binds, et)
}

// ChooseShard returns the shard an instance of et is written to.
func (c *Chooser) ChooseShard(et *EntityType, row types.Row) (string, error) {
	if et == nil {
		return "", ErrNilEntityType
	}
	id, ok := et.Table.Identity(row)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrMissingIdentity, et.Name, et.Table.PrimaryKey)
	}

	shards, err := c.Group(et)
	if err != nil {
		return "", err
	}
	if et.HashRule != nil {
		return pick(shards, et.HashRule(id)), nil
	}
	if len(shards) != 1 {
		return "", fmt.Errorf("%w: %s matches %v and has no hash rule", ErrAmbiguousShard, et.Name, shards)
	}
	return shards[0], nil
}

// LookupShards returns the shards to probe, in order, for an identity of et.
func (c *Chooser) LookupShards(et *EntityType, id any) ([]string, error) {
	if et == nil {
		return nil, ErrNilEntityType
	}
	shards, err := c.Group(et)
	if err != nil {
		return nil, err
	}
	if et.HashRule != nil {
		return []string{pick(shards, et.HashRule(id))}, nil
	}
	return shards, nil
}

// LookupShardsFor is LookupShards for a lookup spanning several entity
// types. Unless exactly one type is given every configured shard is
// returned.
func (c *Chooser) LookupShardsFor(ets []*EntityType, id any) ([]string, error) {
	if len(ets) == 1 {
		return c.LookupShards(ets[0], id)
	}
	return c.reg.Keys()
}

// QueryShards returns every configured shard.
func (c *Chooser) QueryShards(Query) ([]string, error) {
	return c.reg.Keys()
}

func group(binds map[string]string, et *EntityType) ([]string, error) {
	if et == nil {
		return nil, ErrNilEntityType
	}
	bind := et.Bind()
	var shards []string
	for k := range binds {
		if bind.Matches(k) {
			shards = append(shards, k)
		}
	}
	slices.Sort(shards)
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: bind key %q of %s", ErrEmptyShardGroup, bind, et.Name)
	}
	return shards, nil
}

func pick(shards []string, h uint64) string {
	return shards[h%uint64(len(shards))]
}

// Route explains the placement of one identity of an entity type.
type Route struct {
	Type       string   `json:"type"`
	Identity   any      `json:"identity"`
	BindKey    string   `json:"bind_key"`
	Group      []string `json:"group"`
	Hashed     bool     `json:"hashed"`
	Write      string   `json:"write,omitempty"`
	WriteError string   `json:"write_error,omitempty"`
	Lookup     []string `json:"lookup"`
}

// Explain resolves where id is written and which shards a lookup probes.
// A write that cannot be routed is reported in WriteError, not as an error.
func (c *Chooser) Explain(et *EntityType, id any) (Route, error) {
	if et == nil {
		return Route{}, ErrNilEntityType
	}
	group, err := c.Group(et)
	if err != nil {
		return Route{}, err
	}
	lookup, err := c.LookupShards(et, id)
	if err != nil {
		return Route{}, err
	}

	r := Route{
		Type:     et.Name,
		Identity: id,
		BindKey:  et.Bind().String(),
		Group:    group,
		Hashed:   et.HashRule != nil,
		Lookup:   lookup,
	}
	write, err := c.ChooseShard(et, types.Row{et.Table.PrimaryKey: id})
	if err != nil {
		r.WriteError = err.Error()
	} else {
		r.Write = write
	}
	return r, nil
}
