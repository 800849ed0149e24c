// Package axis maps raw histogram coordinates to physical values.
//
// An Axis pairs a Calibration with a lookup table that is extended lazily as
// the observed coordinate range grows. Already computed entries are never
// recomputed, except when the calibration itself is replaced.
package axis

import (
	"fmt"

	"github.com/xtxerr/spillway/internal/errors"
)

// Calibration models that can be rebuilt from their coefficients.
const (
	ModelIdentity = "identity"
	ModelLinear   = "linear"
	ModelScaled   = "scaled"
	ModelTable    = "table"
	ModelCustom   = "custom"
)

// Calibration is an opaque channel to unit transform.
type Calibration struct {
	// From and To name the source and target units, e.g. "ch" and "keV".
	From string
	To   string

	model     string
	coeffs    []float64
	transform func(float64) float64
}

// Identity returns a calibration that maps every coordinate to itself.
func Identity(unit string) Calibration {
	return Calibration{From: unit, To: unit, model: ModelIdentity}
}

// Linear returns x -> offset + slope*x.
func Linear(from, to string, offset, slope float64) Calibration {
	return Calibration{
		From:      from,
		To:        to,
		model:     ModelLinear,
		coeffs:    []float64{offset, slope},
		transform: func(x float64) float64 { return offset + slope*x },
	}
}

// Scaled returns x -> x*multiplier/divider. Both factors must be positive.
func Scaled(from, to string, multiplier, divider float64) (Calibration, error) {
	if !(multiplier > 0) {
		return Calibration{}, fmt.Errorf("multiplier %v must be positive: %w",
			multiplier, errors.ErrInvalidCalibration)
	}
	if !(divider > 0) {
		return Calibration{}, fmt.Errorf("divider %v must be positive: %w",
			divider, errors.ErrInvalidCalibration)
	}
	return Calibration{
		From:      from,
		To:        to,
		model:     ModelScaled,
		coeffs:    []float64{multiplier, divider},
		transform: func(x float64) float64 { return x * multiplier / divider },
	}, nil
}

// Table returns a calibration that looks integral coordinates up in values.
// Coordinates outside the table map to themselves.
func Table(from, to string, values []float64) Calibration {
	table := append([]float64(nil), values...)
	return Calibration{
		From:   from,
		To:     to,
		model:  ModelTable,
		coeffs: table,
		transform: func(x float64) float64 {
			i := int(x)
			if float64(i) == x && i >= 0 && i < len(table) {
				return table[i]
			}
			return x
		},
	}
}

// Func wraps an arbitrary transform, typically the result of a curve fit.
// Func calibrations cannot be rebuilt with FromModel.
func Func(from, to string, fn func(float64) float64) Calibration {
	return Calibration{From: from, To: to, model: ModelCustom, transform: fn}
}

// FromModel rebuilds a calibration from its model name and coefficients.
func FromModel(from, to, model string, coeffs []float64) (Calibration, error) {
	switch model {
	case "", ModelIdentity:
		c := Identity(from)
		c.To = to
		return c, nil
	case ModelLinear:
		if len(coeffs) != 2 {
			return Calibration{}, fmt.Errorf("linear needs 2 coefficients, got %d: %w",
				len(coeffs), errors.ErrInvalidCalibration)
		}
		return Linear(from, to, coeffs[0], coeffs[1]), nil
	case ModelScaled:
		if len(coeffs) != 2 {
			return Calibration{}, fmt.Errorf("scaled needs 2 coefficients, got %d: %w",
				len(coeffs), errors.ErrInvalidCalibration)
		}
		return Scaled(from, to, coeffs[0], coeffs[1])
	case ModelTable:
		return Table(from, to, coeffs), nil
	default:
		return Calibration{}, fmt.Errorf("model %q: %w", model, errors.ErrInvalidCalibration)
	}
}

// Apply transforms one raw coordinate.
func (c Calibration) Apply(x float64) float64 {
	if c.transform == nil {
		return x
	}
	return c.transform(x)
}

// IsIdentity reports whether Apply returns its input unchanged.
func (c Calibration) IsIdentity() bool {
	return c.transform == nil
}

// Model returns the model name, "identity" for the zero value.
func (c Calibration) Model() string {
	if c.model == "" {
		return ModelIdentity
	}
	return c.model
}

// Coefficients returns a copy of the model coefficients.
func (c Calibration) Coefficients() []float64 {
	return append([]float64(nil), c.coeffs...)
}

func (c Calibration) String() string {
	if c.From == "" && c.To == "" {
		return "identity"
	}
	return c.From + "->" + c.To
}
