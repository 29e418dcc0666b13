package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"shardeddb/pkg/types"
)

type rowMap = skipmap.FuncMap[any, types.Row]

type memTable struct {
	table types.Table
	rows  *rowMap
}

// Memory is an in-process Store. Tables are ordered maps keyed by identity,
// so scans return rows in primary key order.
type Memory struct {
	name   string
	tables *skipmap.OrderedMap[string, *memTable]
	closed atomic.Bool
}

var _ Store = (*Memory)(nil)

func NewMemory(name string) *Memory {
	return &Memory{
		name:   name,
		tables: skipmap.New[string, *memTable](),
	}
}

func (m *Memory) Name() string {
	return m.name
}

func (m *Memory) CreateTable(_ context.Context, t types.Table) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.tables.LoadOrStoreLazy(t.Name, func() *memTable {
		return &memTable{
			table: t,
			rows: skipmap.NewFunc[any, types.Row](func(a, b any) bool {
				return types.Compare(a, b) < 0
			}),
		}
	})
	return nil
}

func (m *Memory) HasTable(_ context.Context, name string) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	_, ok := m.tables.Load(name)
	return ok, nil
}

func (m *Memory) Insert(_ context.Context, t types.Table, row types.Row) error {
	mt, err := m.table(t.Name)
	if err != nil {
		return err
	}
	id := row[t.PrimaryKey]
	if _, loaded := mt.rows.LoadOrStore(id, row.Clone()); loaded {
		return fmt.Errorf("%w: %s %v", ErrDuplicateKey, t.Name, id)
	}
	return nil
}

func (m *Memory) Upsert(_ context.Context, t types.Table, row types.Row) error {
	mt, err := m.table(t.Name)
	if err != nil {
		return err
	}
	mt.rows.Store(row[t.PrimaryKey], row.Clone())
	return nil
}

func (m *Memory) Get(_ context.Context, t types.Table, id any) (types.Row, bool, error) {
	mt, err := m.table(t.Name)
	if err != nil {
		if errors.Is(err, ErrNoSuchTable) {
			return nil, false, nil
		}
		return nil, false, err
	}
	row, ok := mt.rows.Load(id)
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (m *Memory) Delete(_ context.Context, t types.Table, id any) (bool, error) {
	mt, err := m.table(t.Name)
	if err != nil {
		if errors.Is(err, ErrNoSuchTable) {
			return false, nil
		}
		return false, err
	}
	_, ok := mt.rows.LoadAndDelete(id)
	return ok, nil
}

func (m *Memory) Query(_ context.Context, t types.Table, f types.Filter) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		mt, err := m.table(t.Name)
		if errors.Is(err, ErrNoSuchTable) {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}

		var rows []types.Row
		mt.rows.Range(func(_ any, row types.Row) bool {
			if f.Matches(row) {
				rows = append(rows, row.Clone())
			}
			return true
		})
		if len(f.OrderBy) > 0 {
			slices.SortStableFunc(rows, func(a, b types.Row) int {
				for _, o := range f.OrderBy {
					name, desc := types.SortKey(o)
					c := types.Compare(a[name], b[name])
					if desc {
						c = -c
					}
					if c != 0 {
						return c
					}
				}
				return 0
			})
		}
		if f.Limit > 0 && len(rows) > f.Limit {
			rows = rows[:f.Limit]
		}

		for _, row := range rows {
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (m *Memory) Ping(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Memory) table(name string) (*memTable, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	mt, ok := m.tables.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}
	return mt, nil
}
