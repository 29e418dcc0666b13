package sharding

import "shardeddb/pkg/types"

// ShardChooser selects the one shard an instance is written to.
type ShardChooser interface {
	ChooseShard(et *EntityType, row types.Row) (string, error)
}

// IdentityChooser selects the shards to probe, in order, for an identity.
type IdentityChooser interface {
	LookupShards(et *EntityType, id any) ([]string, error)
}

// QueryChooser selects the shards a query fans out to.
type QueryChooser interface {
	QueryShards(q Query) ([]string, error)
}
