package session

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shardeddb/pkg/sharding"
	"shardeddb/pkg/store"
	"shardeddb/pkg/types"
)

// FailurePolicy decides what a fan-out query does when a shard fails.
type FailurePolicy uint8

const (
	// FailFast yields the error and ends the query.
	FailFast FailurePolicy = iota
	// SkipAndReport yields the error and goes on with the next shard.
	SkipAndReport
)

func (p FailurePolicy) String() string {
	if p == SkipAndReport {
		return "skip"
	}
	return "fail"
}

// ParseFailurePolicy accepts "fail" and "skip". Empty means fail.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "", "fail":
		return FailFast, nil
	case "skip":
		return SkipAndReport, nil
	default:
		return FailFast, fmt.Errorf("session: unknown failure policy %q", s)
	}
}

// Session routes entity operations to physical shards. One Session is
// created at startup and shared; it is safe for concurrent use.
type Session struct {
	id      uuid.UUID
	chooser *sharding.Chooser
	shards  sharding.ShardChooser
	idents  sharding.IdentityChooser
	queries sharding.QueryChooser
	pool    *pool
	policy  FailurePolicy
	logger  *slog.Logger
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithOpener replaces store.Open, the function that connects a shard.
func WithOpener(open store.Opener) Option {
	return func(s *Session) { s.pool.open = open }
}

func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Session) { s.policy = p }
}

func WithShardChooser(c sharding.ShardChooser) Option {
	return func(s *Session) { s.shards = c }
}

func WithIdentityChooser(c sharding.IdentityChooser) Option {
	return func(s *Session) { s.idents = c }
}

func WithQueryChooser(c sharding.QueryChooser) Option {
	return func(s *Session) { s.queries = c }
}

func New(reg *sharding.Registry, opts ...Option) *Session {
	chooser := sharding.NewChooser(reg)
	s := &Session{
		id:      uuid.New(),
		chooser: chooser,
		shards:  chooser,
		idents:  chooser,
		queries: chooser,
		pool:    newPool(reg, store.Open),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id.String())
	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Insert writes a new instance of et to the shard chosen for it.
func (s *Session) Insert(ctx context.Context, et *sharding.EntityType, row types.Row) error {
	return s.write(ctx, "insert", et, row, store.Store.Insert)
}

// Save inserts the instance or replaces the stored one with the same
// identity. Routing is the same as Insert.
func (s *Session) Save(ctx context.Context, et *sharding.EntityType, row types.Row) error {
	return s.write(ctx, "save", et, row, store.Store.Upsert)
}

func (s *Session) write(
	ctx context.Context,
	op string,
	et *sharding.EntityType,
	row types.Row,
	do func(store.Store, context.Context, types.Table, types.Row) error,
) error {
	if et == nil {
		return sharding.ErrNilEntityType
	}
	norm, err := et.Table.Normalize(row)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, et.Name, err)
	}
	shard, err := s.shards.ChooseShard(et, norm)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, et.Name, err)
	}

	st, err := s.pool.get(ctx, shard)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, et.Name, err)
	}
	if err := do(st, ctx, et.Table, norm); err != nil {
		return fmt.Errorf("%s %s on %s: %w", op, et.Name, shard, err)
	}

	s.logger.DebugContext(ctx, "routed write", "op", op, "type", et.Name, "shard", shard)
	return nil
}

// GetByIdentity probes the candidate shards in order and returns the first
// hit. A missing instance is reported with ok == false and a nil error.
func (s *Session) GetByIdentity(ctx context.Context, et *sharding.EntityType, id any) (types.Row, bool, error) {
	if et == nil {
		return nil, false, sharding.ErrNilEntityType
	}
	nid, err := et.Table.NormalizeIdentity(id)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", et.Name, err)
	}
	shards, err := s.idents.LookupShards(et, nid)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", et.Name, err)
	}

	for _, shard := range shards {
		st, err := s.pool.get(ctx, shard)
		if err != nil {
			return nil, false, fmt.Errorf("get %s: %w", et.Name, err)
		}
		row, ok, err := st.Get(ctx, et.Table, nid)
		if err != nil {
			return nil, false, fmt.Errorf("get %s on %s: %w", et.Name, shard, err)
		}
		if ok {
			s.logger.DebugContext(ctx, "routed lookup", "type", et.Name, "shard", shard, "probed", len(shards))
			return row, true, nil
		}
	}
	return nil, false, nil
}

// Delete removes the instance from the shard it routes to. Only the
// identity of row is used.
func (s *Session) Delete(ctx context.Context, et *sharding.EntityType, row types.Row) (bool, error) {
	if et == nil {
		return false, sharding.ErrNilEntityType
	}
	id, ok := et.Table.Identity(row)
	if !ok {
		return false, fmt.Errorf("delete %s: %w", et.Name, sharding.ErrMissingIdentity)
	}
	nid, err := et.Table.NormalizeIdentity(id)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", et.Name, err)
	}
	shard, err := s.shards.ChooseShard(et, types.Row{et.Table.PrimaryKey: nid})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", et.Name, err)
	}

	st, err := s.pool.get(ctx, shard)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", et.Name, err)
	}
	deleted, err := st.Delete(ctx, et.Table, nid)
	if err != nil {
		return false, fmt.Errorf("delete %s on %s: %w", et.Name, shard, err)
	}

	s.logger.DebugContext(ctx, "routed write", "op", "delete", "type", et.Name, "shard", shard, "deleted", deleted)
	return deleted, nil
}

// RunQuery fans q out to the shards chosen for it and concatenates the
// results in shard order, keeping each shard's own order. Nothing runs
// until the sequence is iterated. Shard failures are yielded as errors and
// handled according to the session's FailurePolicy.
func (s *Session) RunQuery(ctx context.Context, q sharding.Query) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		if q.Type == nil {
			yield(nil, sharding.ErrNilEntityType)
			return
		}
		f, err := q.Type.Table.NormalizeFilter(q.Filter)
		if err != nil {
			yield(nil, fmt.Errorf("query %s: %w", q.Type.Name, err))
			return
		}
		shards, err := s.queries.QueryShards(q)
		if err != nil {
			yield(nil, fmt.Errorf("query %s: %w", q.Type.Name, err))
			return
		}

		s.logger.DebugContext(ctx, "routed query", "type", q.Type.Name, "shards", len(shards), "policy", s.policy.String())

		remaining := f.Limit
		for _, shard := range shards {
			st, err := s.pool.get(ctx, shard)
			if err != nil {
				if !yield(nil, fmt.Errorf("query %s: %w", q.Type.Name, err)) || s.policy == FailFast {
					return
				}
				continue
			}

			pf := f
			pf.Limit = remaining
			for row, err := range st.Query(ctx, q.Type.Table, pf) {
				if err != nil {
					if !yield(nil, fmt.Errorf("query %s on %s: %w", q.Type.Name, shard, err)) || s.policy == FailFast {
						return
					}
					break
				}
				if !yield(row, nil) {
					return
				}
				if f.Limit > 0 {
					remaining--
					if remaining == 0 {
						return
					}
				}
			}
		}
	}
}

// CreateAll creates the table of each entity type on every shard of its
// group. Shards are prepared in parallel.
func (s *Session) CreateAll(ctx context.Context, ets ...*sharding.EntityType) error {
	byShard := make(map[string][]types.Table)
	for _, et := range ets {
		shards, err := s.chooser.Group(et)
		if err != nil {
			return fmt.Errorf("create %s: %w", et, err)
		}
		for _, shard := range shards {
			byShard[shard] = append(byShard[shard], et.Table)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for shard, tables := range byShard {
		g.Go(func() error {
			st, err := s.pool.get(gctx, shard)
			if err != nil {
				return err
			}
			for _, t := range tables {
				if err := st.CreateTable(gctx, t); err != nil {
					return fmt.Errorf("%s: %w", shard, err)
				}
			}
			s.logger.DebugContext(gctx, "tables created", "shard", shard, "tables", len(tables))
			return nil
		})
	}
	return g.Wait()
}

// Health pings every configured shard, opening it if needed. The map holds
// nil for reachable shards.
func (s *Session) Health(ctx context.Context) (map[string]error, error) {
	keys, err := s.chooser.QueryShards(sharding.Query{})
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = make(map[string]error, len(keys))
		g   errgroup.Group
	)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			st, err := s.pool.get(ctx, key)
			if err == nil {
				err = st.Ping(ctx)
			}
			mu.Lock()
			out[key] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// Chooser exposes the default routing rules, e.g. for explaining a route.
func (s *Session) Chooser() *sharding.Chooser {
	return s.chooser
}

// Shards returns the identifiers of the shards connected so far, in order.
func (s *Session) Shards() []string {
	return s.pool.keys()
}

// Close closes every cached shard connection. The session is unusable
// afterwards.
func (s *Session) Close() error {
	return s.pool.close()
}
