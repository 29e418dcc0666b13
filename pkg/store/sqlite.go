package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"shardeddb/pkg/types"
)

const (
	sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	// fixed width so stored timestamps sort as text
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLite is a Store over one SQLite database file.
type SQLite struct {
	db      *sql.DB
	path    string
	scratch string
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens the database at path and checks that it is reachable.
// The special path ":memory:" opens a private scratch database in a
// temporary WAL file, removed on Close. A scan in progress and a write to
// the same shard use separate connections.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	s := &SQLite{path: path}
	file := path
	if path == ":memory:" {
		dir, err := os.MkdirTemp("", "shardeddb-")
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		s.scratch = dir
		file = filepath.Join(dir, "shard.db")
	}

	db, err := sql.Open("sqlite", file+sqlitePragmas)
	if err != nil {
		s.removeScratch()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		s.removeScratch()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	s.db = db
	return s, nil
}

func (s *SQLite) removeScratch() {
	if s.scratch != "" {
		_ = os.RemoveAll(s.scratch)
	}
}

func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) CreateTable(ctx context.Context, t types.Table) error {
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		def := quote(c.Name) + " " + sqliteType(c.Kind)
		if c.Name == t.PrimaryKey {
			def += " PRIMARY KEY"
		}
		if !c.Nullable || c.Name == t.PrimaryKey {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(t.Name), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (s *SQLite) HasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLite) Insert(ctx context.Context, t types.Table, row types.Row) error {
	return s.write(ctx, t, "INSERT", row)
}

func (s *SQLite) Upsert(ctx context.Context, t types.Table, row types.Row) error {
	return s.write(ctx, t, "INSERT OR REPLACE", row)
}

func (s *SQLite) write(ctx context.Context, t types.Table, verb string, row types.Row) error {
	cols := make([]string, 0, len(t.Columns))
	marks := make([]string, 0, len(t.Columns))
	args := make([]any, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, quote(c.Name))
		marks = append(marks, "?")
		args = append(args, bindValue(row[c.Name]))
	}
	stmt := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, quote(t.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return s.wrapErr(t, err)
		}
		return nil
	})
}

func (s *SQLite) Get(ctx context.Context, t types.Table, id any) (types.Row, bool, error) {
	f := types.Filter{Where: types.Row{t.PrimaryKey: id}, Limit: 1}
	for row, err := range s.Query(ctx, t, f) {
		if err != nil {
			return nil, false, err
		}
		return row, true, nil
	}
	return nil, false, nil
}

func (s *SQLite) Delete(ctx context.Context, t types.Table, id any) (bool, error) {
	ok, err := s.HasTable(ctx, t.Name)
	if err != nil || !ok {
		return false, err
	}

	var n int64
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(t.Name), quote(t.PrimaryKey))
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, bindValue(id))
		if err != nil {
			return s.wrapErr(t, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

func (s *SQLite) Query(ctx context.Context, t types.Table, f types.Filter) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		ok, err := s.HasTable(ctx, t.Name)
		if err != nil {
			yield(nil, err)
			return
		}
		if !ok {
			return
		}

		stmt, args := selectStmt(t, f)
		rows, err := s.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			yield(nil, s.wrapErr(t, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanRow(t, rows)
			if !yield(row, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("scan %s: %w", t.Name, err))
		}
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	err := s.db.Close()
	s.removeScratch()
	return err
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) wrapErr(t types.Table, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %s: %v", ErrDuplicateKey, t.Name, err)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s: %v", ErrDuplicateKey, t.Name, err)
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, t.Name)
	}
	return fmt.Errorf("%s: %w", t.Name, err)
}

func selectStmt(t types.Table, f types.Filter) (string, []any) {
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, quote(c.Name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(cols, ", "), quote(t.Name))

	var args []any
	if len(f.Where) > 0 {
		conds := make([]string, 0, len(f.Where))
		// column order keeps the statement text stable
		for _, c := range t.Columns {
			v, ok := f.Where[c.Name]
			if !ok {
				continue
			}
			conds = append(conds, quote(c.Name)+" IS ?")
			args = append(args, bindValue(v))
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	order := make([]string, 0, len(f.OrderBy)+1)
	for _, o := range f.OrderBy {
		name, desc := types.SortKey(o)
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		order = append(order, quote(name)+" "+dir)
	}
	// without an explicit order the shard returns rows by identity
	order = append(order, quote(t.PrimaryKey)+" ASC")
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(order, ", "))

	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String(), args
}

func scanRow(t types.Table, rows *sql.Rows) (types.Row, error) {
	vals := make([]any, len(t.Columns))
	ptrs := make([]any, len(t.Columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", t.Name, err)
	}

	row := make(types.Row, len(t.Columns))
	for i, c := range t.Columns {
		v, err := types.NormalizeValue(c.Kind, vals[i])
		if err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", t.Name, c.Name, err)
		}
		row[c.Name] = v
	}
	return row, nil
}

// bindValue stores timestamps as RFC 3339 text.
func bindValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(timestampLayout)
	}
	return v
}

func sqliteType(k types.Kind) string {
	switch k {
	case types.KindInteger:
		return "INTEGER"
	case types.KindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
