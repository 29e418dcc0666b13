package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
	"golang.org/x/sync/singleflight"

	"shardeddb/pkg/sharding"
	"shardeddb/pkg/store"
)

var ErrClosed = errors.New("session: closed")

// pool keeps one open store per connection identifier. Stores are opened
// on first use; concurrent first uses of the same key share one open, and
// keys never wait on each other. Failed opens are not cached. A shared
// open ignores cancellation of whichever caller started it, so one caller
// giving up does not fail the others waiting on the same key.
type pool struct {
	reg    *sharding.Registry
	open   store.Opener
	conns  *skipmap.OrderedMap[string, store.Store]
	opens  singleflight.Group
	closed atomic.Bool
}

func newPool(reg *sharding.Registry, open store.Opener) *pool {
	return &pool{
		reg:   reg,
		open:  open,
		conns: skipmap.New[string, store.Store](),
	}
}

func (p *pool) get(ctx context.Context, key string) (store.Store, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if s, ok := p.conns.Load(key); ok {
		return s, nil
	}

	openCtx := context.WithoutCancel(ctx)
	v, err, _ := p.opens.Do(key, func() (any, error) {
		if s, ok := p.conns.Load(key); ok {
			return s, nil
		}
		dsn, err := p.reg.DSN(key)
		if err != nil {
			return nil, err
		}
		s, err := p.open(openCtx, dsn)
		if err != nil {
			return nil, &sharding.ShardUnavailableError{Shard: key, Err: err}
		}
		p.conns.Store(key, s)
		if p.closed.Load() {
			p.conns.Delete(key)
			_ = s.Close()
			return nil, ErrClosed
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(store.Store), nil
}

// keys returns the identifiers of opened stores in order.
func (p *pool) keys() []string {
	var out []string
	p.conns.Range(func(key string, _ store.Store) bool {
		out = append(out, key)
		return true
	})
	return out
}

func (p *pool) close() error {
	p.closed.Store(true)

	var errs []error
	p.conns.Range(func(key string, s store.Store) bool {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		p.conns.Delete(key)
		return true
	})
	return errors.Join(errs...)
}
