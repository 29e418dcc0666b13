package sharding

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means no usable connection is configured.
	ErrConfiguration = errors.New("sharding: configuration error")
	// ErrEmptyShardGroup is returned when a bind key in use matches no
	// configured connection.
	ErrEmptyShardGroup = fmt.Errorf("%w: empty shard group", ErrConfiguration)
	// ErrAmbiguousShard is returned on write when an entity type without a
	// hash rule resolves to more than one shard.
	ErrAmbiguousShard = errors.New("sharding: ambiguous shard")
	// ErrMissingIdentity is returned when an instance carries no primary key.
	ErrMissingIdentity = errors.New("sharding: instance has no identity")
	// ErrShardUnavailable is matched by every *ShardUnavailableError.
	ErrShardUnavailable = errors.New("sharding: shard unavailable")

	ErrNilEntityType         = errors.New("sharding: nil entity type")
	ErrEmptyEntityName       = errors.New("sharding: empty entity type name")
	ErrConflictingEntityType = errors.New("sharding: conflicting entity type registration")
)

// ShardUnavailableError reports a physical connection that could not be
// reached.
type ShardUnavailableError struct {
	Shard string
	Err   error
}

func (e *ShardUnavailableError) Error() string {
	return fmt.Sprintf("sharding: shard %q unavailable: %v", e.Shard, e.Err)
}

func (e *ShardUnavailableError) Unwrap() error { return e.Err }

func (e *ShardUnavailableError) Is(target error) bool {
	return target == ErrShardUnavailable
}
