// Package query answers range, total and top-N questions over persisted
// histogram groups with DuckDB, without loading them into memory.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/persist"
)

// Options configures the query engine.
type Options struct {
	// MemoryLimit is passed to DuckDB, e.g. "512MB". Empty keeps the default.
	MemoryLimit string
}

// Service queries histogram groups under one data directory.
type Service struct {
	dir string
	db  *sql.DB

	queries atomic.Int64
	rows    atomic.Int64
	errs    atomic.Int64
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// New opens an in-memory DuckDB instance over dir.
func New(dir string, opts Options) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", strings.ReplaceAll(opts.MemoryLimit, "'", ""))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{dir: dir, db: db}, nil
}

// Close closes the database.
func (s *Service) Close() error {
	return s.db.Close()
}

// group describes how to read one histogram.
type group struct {
	name  string
	dims  int
	dense bool
	shape []int64
	dir   string
}

func (s *Service) open(name string) (group, error) {
	meta, err := persist.ReadMeta(s.dir, name)
	if err != nil {
		return group{}, err
	}
	kind, err := dataspace.ParseKind(meta.Kind)
	if err != nil {
		return group{}, errors.NewPersistence(name, "query", fmt.Errorf("%v: %w", err, errors.ErrMalformedFile))
	}
	return group{
		name:  name,
		dims:  kind.Dimensions(),
		dense: kind.Dense(),
		shape: meta.Shape,
		dir:   persist.GroupDir(s.dir, name),
	}, nil
}

// source returns the FROM clause and one coordinate expression per dimension.
func (g group) source() (from string, coords []string, args []any) {
	counts := filepath.Join(g.dir, persist.CountsFile)
	if g.dense {
		from = "read_parquet($1, file_row_number = true) c"
		args = []any{counts}
		// Row-major offset to coordinates.
		stride := int64(1)
		coords = make([]string, g.dims)
		for d := g.dims - 1; d >= 0; d-- {
			n := max(g.shape[d], 1)
			coords[d] = fmt.Sprintf("((c.file_row_number // %d) %% %d)", stride, n)
			stride *= n
		}
		return from, coords, args
	}

	from = "read_parquet($1) i POSITIONAL JOIN read_parquet($2) c"
	args = []any{filepath.Join(g.dir, persist.IndicesFile), counts}
	coords = make([]string, g.dims)
	for d := range coords {
		coords[d] = fmt.Sprintf("i.coords[%d]", d+1)
	}
	return from, coords, args
}

func (s *Service) fail(name string, err error) error {
	s.errs.Add(1)
	return errors.NewPersistence(name, "query", err)
}

// Total returns the sum of all bin values of name.
func (s *Service) Total(ctx context.Context, name string) (float64, error) {
	g, err := s.open(name)
	if err != nil {
		return 0, err
	}
	s.queries.Add(1)

	var total float64
	row := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(value), 0)::DOUBLE FROM read_parquet($1)",
		filepath.Join(g.dir, persist.CountsFile))
	if err := row.Scan(&total); err != nil {
		return 0, s.fail(name, err)
	}
	return total, nil
}

// Range returns the non-zero bins of name inside bounds, ordered
// lexicographically. Nil bounds return every non-zero bin.
func (s *Service) Range(ctx context.Context, name string, bounds []dataspace.Bound) ([]dataspace.Entry, error) {
	g, err := s.open(name)
	if err != nil {
		return nil, err
	}
	if bounds != nil && len(bounds) != g.dims {
		return nil, nil
	}

	from, coords, args := g.source()
	where := []string{"c.value <> 0"}
	for d, b := range bounds {
		where = append(where, fmt.Sprintf("%s BETWEEN %d AND %d", coords[d], b.Min, b.Max))
	}

	q := fmt.Sprintf("SELECT %s, c.value FROM %s WHERE %s ORDER BY %s",
		strings.Join(coords, ", "), from, strings.Join(where, " AND "), orderBy(g.dims))
	return s.entries(ctx, g, q, args)
}

// Top returns the n largest bins of name, ties in coordinate order.
func (s *Service) Top(ctx context.Context, name string, n int) ([]dataspace.Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	g, err := s.open(name)
	if err != nil {
		return nil, err
	}

	from, coords, args := g.source()
	q := fmt.Sprintf("SELECT %s, c.value FROM %s WHERE c.value <> 0 ORDER BY c.value DESC, %s LIMIT %d",
		strings.Join(coords, ", "), from, orderBy(g.dims), n)
	return s.entries(ctx, g, q, args)
}

// orderBy sorts by the coordinate columns by position.
func orderBy(dims int) string {
	cols := make([]string, dims)
	for d := range cols {
		cols[d] = fmt.Sprintf("%d", d+1)
	}
	return strings.Join(cols, ", ")
}

func (s *Service) entries(ctx context.Context, g group, q string, args []any) ([]dataspace.Entry, error) {
	s.queries.Add(1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.fail(g.name, err)
	}
	defer rows.Close()

	var out []dataspace.Entry
	raw := make([]int64, g.dims)
	dest := make([]any, g.dims+1)
	for d := range raw {
		dest[d] = &raw[d]
	}
	for rows.Next() {
		var e dataspace.Entry
		dest[g.dims] = &e.Value
		if err := rows.Scan(dest...); err != nil {
			return nil, s.fail(g.name, fmt.Errorf("scan row: %w", err))
		}
		e.Coords = make([]int, g.dims)
		for d, x := range raw {
			e.Coords[d] = int(x)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(g.name, err)
	}

	s.rows.Add(int64(len(out)))
	return out, nil
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	return Stats{
		QueriesExecuted: s.queries.Load(),
		RowsReturned:    s.rows.Load(),
		Errors:          s.errs.Load(),
	}
}
