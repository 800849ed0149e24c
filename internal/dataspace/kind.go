package dataspace

import (
	"fmt"
	"strings"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/errors"
)

// Kind selects a storage representation.
type Kind int

const (
	// Dense1D is a flat growable array, for single-channel spectra.
	Dense1D Kind = iota
	// DenseMatrix2D is a row-major matrix, for narrow 2-D histograms.
	DenseMatrix2D
	// SparseMap2D stores (x, y) -> count, for wide sparsely hit correlations.
	SparseMap2D
	// SparseMap3D stores (x, y, z) -> count.
	SparseMap3D
	// SparseMatrix2D is a compressed row matrix with sorted columns, for
	// symmetry checks and non-zero iteration.
	SparseMatrix2D
)

var kindNames = map[Kind]string{
	Dense1D:        "dense1d",
	DenseMatrix2D:  "dense2d",
	SparseMap2D:    "sparse2d",
	SparseMap3D:    "sparse3d",
	SparseMatrix2D: "csr2d",
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Dimensions returns the fixed dimensionality of the kind.
func (k Kind) Dimensions() int {
	switch k {
	case Dense1D:
		return 1
	case SparseMap3D:
		return 3
	default:
		return 2
	}
}

// Dense reports whether the kind stores a contiguous box.
func (k Kind) Dense() bool {
	return k == Dense1D || k == DenseMatrix2D
}

// maxIndex is the exclusive coordinate bound of dense kinds, 0 otherwise.
func (k Kind) maxIndex() int {
	switch k {
	case Dense1D:
		return config.MaxDense1DIndex
	case DenseMatrix2D:
		return config.MaxDense2DIndex
	default:
		return 0
	}
}

// Valid reports whether k names a known representation.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, errors.ErrUnknownKind)
}

// Bound is an inclusive coordinate interval for one dimension.
type Bound struct {
	Min int
	Max int
}

// Entry is one non-zero bin.
type Entry struct {
	Coords []int
	Value  float64
}

// Point is one weighted coordinate for AddMany.
type Point struct {
	Coords []int
	Weight float64
}

// representation is the payload behind a Space. Implementations see only
// validated input: correct arity, non-negative coordinates, non-zero weight.
// Callers serialize access.
type representation interface {
	add(c []int, w float64)
	get(c []int) float64

	// visit calls fn for every non-zero bin inside the inclusive box
	// [lo, hi], in lexicographic coordinate order. fn must not retain c.
	visit(lo, hi []int, fn func(c []int, v float64) bool)

	clear()
	nonZero() int
}

// symmetric is implemented by 2-D representations.
type symmetric interface {
	isSymmetric() bool
}

func newRepresentation(k Kind) representation {
	switch k {
	case Dense1D:
		return &dense1D{}
	case DenseMatrix2D:
		return &denseMatrix{}
	case SparseMap2D:
		return newSparseMap(2)
	case SparseMap3D:
		return newSparseMap(3)
	case SparseMatrix2D:
		return &sparseMatrix{}
	default:
		return nil
	}
}
