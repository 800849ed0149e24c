package persist

import (
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// FormatVersion is written to every meta file.
const FormatVersion = 1

// Dataset file names inside a histogram group directory.
const (
	MetaFile    = "meta.parquet"
	AxesFile    = "axes.parquet"
	CountsFile  = "counts.parquet"
	IndicesFile = "indices.parquet"
)

// MetaRow describes one histogram group. There is exactly one row.
type MetaRow struct {
	Version int32   `parquet:"version"`
	Name    string  `parquet:"name"`
	Kind    string  `parquet:"kind"`
	Dims    int32   `parquet:"dims"`
	Shape   []int64 `parquet:"shape,list"`
	MaxIdx  []int64 `parquet:"max_indices,list"`
	Total   string  `parquet:"total"`
	Entries int64   `parquet:"entries"`
	SavedAt int64   `parquet:"saved_at_ms"`
}

// AxisRow stores one dimension's calibration and domain length.
type AxisRow struct {
	Dim    int32     `parquet:"dim"`
	From   string    `parquet:"from"`
	To     string    `parquet:"to"`
	Model  string    `parquet:"model"`
	Coeffs []float64 `parquet:"coeffs,list"`
	Length int64     `parquet:"length"`
	Domain []float64 `parquet:"domain,list"`
}

// CountRow is one bin value. Dense groups store every bin of the observed
// box in row-major order; sparse groups store one row per IndexRow.
type CountRow struct {
	Value float64 `parquet:"value"`
}

// IndexRow is one non-zero coordinate tuple of a sparse group.
type IndexRow struct {
	Coords []int64 `parquet:"coords,list"`
}

// codec maps a configuration name to a parquet-go codec.
func codec(name string) compress.Codec {
	switch name {
	case "snappy":
		return &parquet.Snappy
	case "zstd":
		return &parquet.Zstd
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// ValidCompression reports whether name is a known codec name.
func ValidCompression(name string) bool {
	switch name {
	case "snappy", "zstd", "lz4", "gzip", "none":
		return true
	}
	return false
}
