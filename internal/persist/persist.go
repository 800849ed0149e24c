// Package persist saves and restores histograms as Parquet group
// directories.
//
// Each histogram is one directory named after it:
//
//	<dir>/<name>/meta.parquet     one row: kind, shape, maxima, total
//	<dir>/<name>/axes.parquet     one row per dimension: calibration, domain
//	<dir>/<name>/counts.parquet   bin values
//	<dir>/<name>/indices.parquet  coordinate tuples (sparse kinds only)
//
// Dense kinds store every bin of the observed box, [0, max] per dimension,
// in row-major order. Sparse kinds store the non-zero bins as two parallel
// tables, indices and counts, in row groups of ChunkSize rows. Loading
// replays Add for every stored bin and then recalculates the axes.
package persist

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/axis"
	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/validation"
)

var log = logging.Component("persist")

// Options configures persistence.
type Options struct {
	// Compression is one of snappy, zstd, lz4, gzip, none.
	Compression string

	// ChunkSize is the number of rows per row group.
	ChunkSize int

	// Workers bounds SaveAll and LoadAll parallelism.
	Workers int
}

// DefaultOptions returns default persistence options.
func DefaultOptions() Options {
	return Options{
		Compression: config.DefaultCompression,
		ChunkSize:   config.DefaultChunkSize,
		Workers:     config.DefaultSaveWorkers,
	}
}

// GroupDir returns the directory of histogram name under dir.
func GroupDir(dir, name string) string {
	return filepath.Join(dir, name)
}

func checkName(name string) error {
	return validation.ValidateHistogramName(name)
}

// Save writes space to dir/name, replacing any previous group.
func Save(dir, name string, space *dataspace.Space, opts Options) error {
	start := time.Now()
	snap := space.Snapshot()
	if err := save(dir, name, snap, opts); err != nil {
		return errors.NewPersistence(name, "save", err)
	}
	log.Debug("histogram saved",
		"name", name,
		"kind", snap.Kind.String(),
		"entries", len(snap.Entries),
		"duration", time.Since(start),
	)
	return nil
}

func save(dir, name string, snap dataspace.Snapshot, opts Options) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.MkdirTemp(dir, "."+name+".tmp-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	shape := shapeOf(snap)
	if err := writeMeta(tmp, name, snap, shape); err != nil {
		return err
	}
	if err := writeAxes(tmp, snap.Axes, opts); err != nil {
		return err
	}
	if snap.Kind.Dense() {
		err = writeDense(tmp, snap, shape, opts)
	} else {
		err = writeSparse(tmp, snap, opts)
	}
	if err != nil {
		return err
	}

	final := GroupDir(dir, name)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("remove previous group: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("commit group: %w", err)
	}
	committed = true
	return nil
}

// shapeOf returns the dense box extent, max+1 per dimension.
func shapeOf(snap dataspace.Snapshot) []int64 {
	shape := make([]int64, len(snap.MaxIdx))
	for d, m := range snap.MaxIdx {
		shape[d] = int64(m + 1)
	}
	return shape
}

func writeMeta(dir, name string, snap dataspace.Snapshot, shape []int64) error {
	maxIdx := make([]int64, len(snap.MaxIdx))
	for d, m := range snap.MaxIdx {
		maxIdx[d] = int64(m)
	}

	w, err := createTable[MetaRow](filepath.Join(dir, MetaFile), Options{Compression: "none", ChunkSize: 1})
	if err != nil {
		return err
	}
	err = w.Write(MetaRow{
		Version: FormatVersion,
		Name:    name,
		Kind:    snap.Kind.String(),
		Dims:    int32(len(snap.MaxIdx)),
		Shape:   shape,
		MaxIdx:  maxIdx,
		Total:   snap.Total.String(),
		Entries: int64(len(snap.Entries)),
		SavedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		w.Abort()
		return fmt.Errorf("%s: %w", MetaFile, err)
	}
	return w.Close()
}

func writeAxes(dir string, axes []*axis.Axis, opts Options) error {
	w, err := createTable[AxisRow](filepath.Join(dir, AxesFile), opts)
	if err != nil {
		return err
	}
	for d, a := range axes {
		cal := a.Calibration()
		row := AxisRow{
			Dim:    int32(d),
			From:   cal.From,
			To:     cal.To,
			Model:  cal.Model(),
			Coeffs: cal.Coefficients(),
			Length: int64(a.Len()),
		}
		// Custom transforms cannot be rebuilt; keep their table.
		if row.Model == axis.ModelCustom {
			row.Domain = a.Domain()
		}
		if err := w.Write(row); err != nil {
			w.Abort()
			return fmt.Errorf("%s: %w", AxesFile, err)
		}
	}
	return w.Close()
}

func writeDense(dir string, snap dataspace.Snapshot, shape []int64, opts Options) error {
	size := int64(1)
	for _, n := range shape {
		size *= n
	}

	flat := make([]CountRow, size)
	for _, e := range snap.Entries {
		flat[denseOffset(e.Coords, shape)].Value = e.Value
	}

	w, err := createTable[CountRow](filepath.Join(dir, CountsFile), opts)
	if err != nil {
		return err
	}
	if err := w.Write(flat...); err != nil {
		w.Abort()
		return fmt.Errorf("%s: %w", CountsFile, err)
	}
	return w.Close()
}

// denseOffset returns the row-major offset of c in shape.
func denseOffset(c []int, shape []int64) int64 {
	var off int64
	for d, x := range c {
		off = off*shape[d] + int64(x)
	}
	return off
}

func writeSparse(dir string, snap dataspace.Snapshot, opts Options) error {
	idx, err := createTable[IndexRow](filepath.Join(dir, IndicesFile), opts)
	if err != nil {
		return err
	}
	cnt, err := createTable[CountRow](filepath.Join(dir, CountsFile), opts)
	if err != nil {
		idx.Abort()
		return err
	}

	chunk := idx.chunk
	indices := make([]IndexRow, 0, min(chunk, len(snap.Entries)))
	counts := make([]CountRow, 0, min(chunk, len(snap.Entries)))
	flush := func() error {
		if err := idx.Write(indices...); err != nil {
			return fmt.Errorf("%s: %w", IndicesFile, err)
		}
		if err := cnt.Write(counts...); err != nil {
			return fmt.Errorf("%s: %w", CountsFile, err)
		}
		indices, counts = indices[:0], counts[:0]
		return nil
	}

	for _, e := range snap.Entries {
		coords := make([]int64, len(e.Coords))
		for d, x := range e.Coords {
			coords[d] = int64(x)
		}
		indices = append(indices, IndexRow{Coords: coords})
		counts = append(counts, CountRow{Value: e.Value})
		if len(indices) == chunk {
			if err := flush(); err != nil {
				idx.Abort()
				cnt.Abort()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		idx.Abort()
		cnt.Abort()
		return err
	}

	if err := idx.Close(); err != nil {
		cnt.Abort()
		return err
	}
	return cnt.Close()
}

// Load restores dir/name.
func Load(dir, name string) (*dataspace.Space, error) {
	s, err := load(dir, name)
	if err != nil {
		return nil, errors.NewPersistence(name, "load", err)
	}
	return s, nil
}

func load(dir, name string) (*dataspace.Space, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	group := GroupDir(dir, name)

	meta, err := readMeta(group)
	if err != nil {
		return nil, err
	}
	kind, err := dataspace.ParseKind(meta.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", MetaFile, err, errors.ErrMalformedFile)
	}
	if int(meta.Dims) != kind.Dimensions() || len(meta.Shape) != kind.Dimensions() {
		return nil, fmt.Errorf("%s: %s with %d dimensions: %w",
			MetaFile, kind, meta.Dims, errors.ErrMalformedFile)
	}

	axes, err := readAll[AxisRow](filepath.Join(group, AxesFile), AxesFile)
	if err != nil {
		return nil, err
	}

	s, err := dataspace.New(kind)
	if err != nil {
		return nil, err
	}

	if kind.Dense() {
		err = loadDense(group, s, meta.Shape)
	} else {
		err = loadSparse(group, s, kind.Dimensions())
	}
	if err != nil {
		return nil, err
	}

	for _, row := range axes {
		if row.Dim < 0 || int(row.Dim) >= kind.Dimensions() {
			return nil, fmt.Errorf("%s: dimension %d: %w", AxesFile, row.Dim, errors.ErrMalformedFile)
		}
		cal, err := restoreCalibration(row)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", AxesFile, err)
		}
		a := axis.New(cal)
		a.Expand(int(row.Length))
		s.SetAxis(int(row.Dim), a)
	}
	s.RecalcAxes(0)

	if want, err := decimal.NewFromString(meta.Total); err == nil && !want.Equal(s.Total()) {
		log.Warn("restored total differs from saved total",
			"name", name, "saved", meta.Total, "restored", s.Total().String())
	}
	return s, nil
}

// ReadMeta returns the meta row of dir/name without loading the bins.
func ReadMeta(dir, name string) (MetaRow, error) {
	if err := checkName(name); err != nil {
		return MetaRow{}, errors.NewPersistence(name, "read meta", err)
	}
	meta, err := readMeta(GroupDir(dir, name))
	if err != nil {
		return MetaRow{}, errors.NewPersistence(name, "read meta", err)
	}
	return meta, nil
}

func readMeta(group string) (MetaRow, error) {
	rows, err := readAll[MetaRow](filepath.Join(group, MetaFile), MetaFile)
	if err != nil {
		return MetaRow{}, err
	}
	if len(rows) != 1 {
		return MetaRow{}, fmt.Errorf("%s: expected 1 row, got %d: %w",
			MetaFile, len(rows), errors.ErrMalformedFile)
	}
	if rows[0].Version > FormatVersion {
		return MetaRow{}, fmt.Errorf("%s: format version %d: %w",
			MetaFile, rows[0].Version, errors.ErrMalformedFile)
	}
	return rows[0], nil
}

func restoreCalibration(row AxisRow) (axis.Calibration, error) {
	if row.Model == axis.ModelCustom {
		return axis.Table(row.From, row.To, row.Domain), nil
	}
	return axis.FromModel(row.From, row.To, row.Model, row.Coeffs)
}

// loadBatch is the replay batch size.
const loadBatch = 4096

func loadDense(group string, s *dataspace.Space, shape []int64) error {
	size := int64(1)
	for _, n := range shape {
		if n < 0 {
			return fmt.Errorf("%s: negative shape: %w", MetaFile, errors.ErrMalformedFile)
		}
		size *= n
	}

	r, err := openTable[CountRow](filepath.Join(group, CountsFile), CountsFile)
	if err != nil {
		return err
	}
	defer r.Close()

	if r.NumRows() != size {
		return fmt.Errorf("%s: %d rows for shape %v: %w",
			CountsFile, r.NumRows(), shape, errors.ErrMalformedFile)
	}

	buf := make([]CountRow, loadBatch)
	points := make([]dataspace.Point, 0, loadBatch)
	var offset int64
	for {
		n, err := r.Next(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		points = points[:0]
		for i := 0; i < n; i++ {
			if v := buf[i].Value; v != 0 {
				points = append(points, dataspace.Point{Coords: denseCoords(offset+int64(i), shape), Weight: v})
			}
		}
		s.AddMany(points)
		offset += int64(n)
	}
}

// denseCoords inverts denseOffset.
func denseCoords(off int64, shape []int64) []int {
	c := make([]int, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		c[d] = int(off % shape[d])
		off /= shape[d]
	}
	return c
}

func loadSparse(group string, s *dataspace.Space, dims int) error {
	idx, err := openTable[IndexRow](filepath.Join(group, IndicesFile), IndicesFile)
	if err != nil {
		return err
	}
	defer idx.Close()

	cnt, err := openTable[CountRow](filepath.Join(group, CountsFile), CountsFile)
	if err != nil {
		return err
	}
	defer cnt.Close()

	if idx.NumRows() != cnt.NumRows() {
		return fmt.Errorf("%d indices for %d counts: %w",
			idx.NumRows(), cnt.NumRows(), errors.ErrMalformedFile)
	}

	indices := make([]IndexRow, loadBatch)
	counts := make([]CountRow, loadBatch)
	points := make([]dataspace.Point, 0, loadBatch)
	for {
		n, err := idx.Next(indices)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := readFull(cnt, counts[:n]); err != nil {
			return err
		}

		points = points[:0]
		for i := 0; i < n; i++ {
			row := indices[i].Coords
			if len(row) != dims {
				return fmt.Errorf("%s: tuple of length %d: %w", IndicesFile, len(row), errors.ErrMalformedFile)
			}
			c := make([]int, dims)
			for d, x := range row {
				c[d] = int(x)
			}
			points = append(points, dataspace.Point{Coords: c, Weight: counts[i].Value})
		}
		s.AddMany(points)
	}
}

// readFull fills buf completely from r.
func readFull[T any](r *tableReader[T], buf []T) error {
	for len(buf) > 0 {
		n, err := r.Next(buf)
		if err == io.EOF {
			return fmt.Errorf("%s: short table: %w", r.name, errors.ErrMalformedFile)
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// List returns the histogram names stored under dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), MetaFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SaveAll saves every space in parallel, at most opts.Workers at a time.
func SaveAll(ctx context.Context, dir string, spaces map[string]*dataspace.Space, opts Options) error {
	names := make([]string, 0, len(spaces))
	for name := range spaces {
		names = append(names, name)
	}
	sort.Strings(names)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for _, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return Save(dir, name, spaces[name], opts)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("histograms saved", "dir", dir, "count", len(names))
	return nil
}

// LoadAll loads every group under dir in parallel.
func LoadAll(ctx context.Context, dir string, opts Options) (map[string]*dataspace.Space, error) {
	names, err := List(dir)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make(map[string]*dataspace.Space, len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for _, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := Load(dir, name)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
