package persist

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/spillway/internal/errors"
)

// tableWriter appends rows to one Parquet file, cutting a row group every
// chunk rows.
type tableWriter[T any] struct {
	file    *os.File
	writer  *parquet.GenericWriter[T]
	chunk   int
	pending int
	rows    int64
}

func createTable[T any](path string, opts Options) (*tableWriter[T], error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultOptions().ChunkSize
	}
	return &tableWriter[T]{
		file:   f,
		writer: parquet.NewGenericWriter[T](f, parquet.Compression(codec(opts.Compression))),
		chunk:  chunk,
	}, nil
}

// Write appends rows.
func (w *tableWriter[T]) Write(rows ...T) error {
	for len(rows) > 0 {
		n := min(len(rows), w.chunk-w.pending)
		if _, err := w.writer.Write(rows[:n]); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		rows = rows[n:]
		w.pending += n
		w.rows += int64(n)

		if w.pending == w.chunk {
			if err := w.writer.Flush(); err != nil {
				return fmt.Errorf("flush row group: %w", err)
			}
			w.pending = 0
		}
	}
	return nil
}

// Close finishes the file. The file is synced before it is closed.
func (w *tableWriter[T]) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	return w.file.Close()
}

// Abort discards a partially written file.
func (w *tableWriter[T]) Abort() {
	w.file.Close()
	os.Remove(w.file.Name())
}

// tableReader reads one Parquet file in chunks.
type tableReader[T any] struct {
	file   *os.File
	reader *parquet.GenericReader[T]
	name   string
}

func openTable[T any](path, name string) (*tableReader[T], error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, errors.ErrMissingDataset)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	// NewGenericReader panics on invalid files, so validate first.
	if _, err := parquet.OpenFile(f, stat.Size()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %v: %w", name, err, errors.ErrMalformedFile)
	}

	return &tableReader[T]{
		file:   f,
		reader: parquet.NewGenericReader[T](f),
		name:   name,
	}, nil
}

// Next reads up to len(buf) rows. It returns 0, io.EOF at the end.
func (r *tableReader[T]) Next(buf []T) (int, error) {
	n, err := r.reader.Read(buf)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read %s: %v: %w", r.name, err, errors.ErrMalformedFile)
	}
	if n == 0 && err == io.EOF {
		return 0, io.EOF
	}
	return n, nil
}

// NumRows returns the row count recorded in the file footer.
func (r *tableReader[T]) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *tableReader[T]) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// readAll reads every row of a small table.
func readAll[T any](path, name string) ([]T, error) {
	r, err := openTable[T](path, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	rows := make([]T, r.NumRows())
	total := 0
	for total < len(rows) {
		n, err := r.Next(rows[total:])
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return rows[:total], nil
}
