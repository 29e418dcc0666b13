package store

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"shardeddb/pkg/types"
)

// Store is one physical database behind a connection identifier. Rows
// passed in must be normalized with types.Table.Normalize; rows returned
// are normalized the same way. Every write runs in its own transaction.
type Store interface {
	// CreateTable creates t if it does not exist yet.
	CreateTable(ctx context.Context, t types.Table) error
	HasTable(ctx context.Context, name string) (bool, error)

	// Insert fails with ErrDuplicateKey when the identity is taken.
	Insert(ctx context.Context, t types.Table, row types.Row) error
	// Upsert inserts row or replaces the row with the same identity.
	Upsert(ctx context.Context, t types.Table, row types.Row) error
	// Get reports false when the identity or the table does not exist.
	Get(ctx context.Context, t types.Table, id any) (types.Row, bool, error)
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, t types.Table, id any) (bool, error)
	// Query yields matching rows lazily. A missing table yields nothing.
	Query(ctx context.Context, t types.Table, f types.Filter) iter.Seq2[types.Row, error]

	Ping(ctx context.Context) error
	Close() error
}

// Opener opens the Store behind a connection string.
type Opener func(ctx context.Context, dsn string) (Store, error)

// Open dispatches on the connection string scheme:
//
//	sqlite:///relative/path.db
//	sqlite:////absolute/path.db
//	sqlite:// or sqlite:///:memory:  (private scratch database, removed on Close)
//	memory://name                    (in-process ordered map store)
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		s, err := OpenSQLite(ctx, sqlitePath(strings.TrimPrefix(dsn, "sqlite://")))
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemory(strings.TrimPrefix(dsn, "memory://")), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
	}
}

func sqlitePath(rest string) string {
	switch rest {
	case "", "/", "/:memory:", ":memory:":
		return ":memory:"
	}
	return strings.TrimPrefix(rest, "/")
}
