package types

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownColumn   = errors.New("unknown column")
	ErrValueKind       = errors.New("value does not fit column kind")
	ErrNullPrimaryKey  = errors.New("primary key is null")
	ErrNoPrimaryKey    = errors.New("table has no primary key column")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrNullValue       = errors.New("null value in non-nullable column")
)

// Kind is the storage class of a column.
type Kind uint8

const (
	KindText Kind = iota
	KindInteger
	KindReal
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindInteger:
		return "INTEGER"
	case KindReal:
		return "REAL"
	case KindTimestamp:
		return "TIMESTAMP"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Row maps column names to values of one entity instance.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Table describes the physical layout of an entity type.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey string
}

// Validate checks that the primary key is a declared column and column
// names are unique.
func (t Table) Validate() error {
	if t.Name == "" {
		return errors.New("table name is empty")
	}
	seen := make(map[string]struct{}, len(t.Columns))
	hasPK := false
	for _, c := range t.Columns {
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("table %s: %w: %s", t.Name, ErrDuplicateColumn, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Name == t.PrimaryKey {
			hasPK = true
		}
	}
	if !hasPK {
		return fmt.Errorf("table %s: %w", t.Name, ErrNoPrimaryKey)
	}
	return nil
}

func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Identity returns the primary key value of row.
func (t Table) Identity(row Row) (any, bool) {
	v, ok := row[t.PrimaryKey]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Normalize converts row values to the canonical Go type of each column:
// string, int64, float64 or UTC time.Time. Unknown columns are rejected,
// absent nullable columns are filled with nil.
func (t Table) Normalize(row Row) (Row, error) {
	for name := range row {
		if _, ok := t.Column(name); !ok {
			return nil, fmt.Errorf("table %s: %w: %s", t.Name, ErrUnknownColumn, name)
		}
	}

	out := make(Row, len(t.Columns))
	for _, c := range t.Columns {
		v, err := NormalizeValue(c.Kind, row[c.Name])
		if err != nil {
			return nil, fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		if v == nil && c.Name == t.PrimaryKey {
			return nil, fmt.Errorf("table %s: %w", t.Name, ErrNullPrimaryKey)
		}
		if v == nil && !c.Nullable {
			return nil, fmt.Errorf("table %s column %s: %w", t.Name, c.Name, ErrNullValue)
		}
		out[c.Name] = v
	}
	return out, nil
}

// NormalizeIdentity converts a primary key value to its column kind.
func (t Table) NormalizeIdentity(id any) (any, error) {
	c, ok := t.Column(t.PrimaryKey)
	if !ok {
		return nil, fmt.Errorf("table %s: %w", t.Name, ErrNoPrimaryKey)
	}
	v, err := NormalizeValue(c.Kind, id)
	if err != nil {
		return nil, fmt.Errorf("table %s identity: %w", t.Name, err)
	}
	if v == nil {
		return nil, fmt.Errorf("table %s: %w", t.Name, ErrNullPrimaryKey)
	}
	return v, nil
}

// NormalizeFilter checks that every referenced column exists and converts
// Where values to their column kinds.
func (t Table) NormalizeFilter(f Filter) (Filter, error) {
	out := Filter{Limit: f.Limit, OrderBy: append([]string(nil), f.OrderBy...)}
	if len(f.Where) > 0 {
		out.Where = make(Row, len(f.Where))
	}
	for name, v := range f.Where {
		c, ok := t.Column(name)
		if !ok {
			return Filter{}, fmt.Errorf("table %s: %w: %s", t.Name, ErrUnknownColumn, name)
		}
		nv, err := NormalizeValue(c.Kind, v)
		if err != nil {
			return Filter{}, fmt.Errorf("table %s column %s: %w", t.Name, name, err)
		}
		out.Where[name] = nv
	}
	for _, o := range f.OrderBy {
		name, _ := SortKey(o)
		if _, ok := t.Column(name); !ok {
			return Filter{}, fmt.Errorf("table %s: %w: %s", t.Name, ErrUnknownColumn, name)
		}
	}
	return out, nil
}

// SortKey splits an OrderBy entry into the column name and direction.
func SortKey(s string) (column string, desc bool) {
	if strings.HasPrefix(s, "-") {
		return s[1:], true
	}
	return s, false
}

// NormalizeValue converts v to the canonical representation of kind.
// A nil value stays nil.
func NormalizeValue(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch kind {
	case KindText:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case fmt.Stringer:
			return x.String(), nil
		}
	case KindInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case uint8:
			return int64(x), nil
		case uint16:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case KindReal:
		switch x := v.(type) {
		case float32:
			return float64(x), nil
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		}
	case KindTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return parseTimestamp(x)
		case []byte:
			return parseTimestamp(string(x))
		}
	}
	return nil, fmt.Errorf("%w: %T as %s", ErrValueKind, v, kind)
}

func parseTimestamp(s string) (any, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValueKind, err)
	}
	return ts.UTC(), nil
}

// Filter narrows a per-table scan. Where is a conjunction of equality
// predicates; OrderBy names columns sorted ascending, a leading '-' sorts
// descending. Limit <= 0 means unlimited.
type Filter struct {
	Where   Row
	OrderBy []string
	Limit   int
}

// Matches reports whether a normalized row satisfies every Where predicate.
// Where values must already be normalized by the caller.
func (f Filter) Matches(row Row) bool {
	for k, want := range f.Where {
		got, ok := row[k]
		if !ok || Compare(got, want) != 0 {
			return false
		}
	}
	return true
}

// Compare orders two normalized values. nil sorts first; values of
// different types compare by type name.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return cmp.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}
