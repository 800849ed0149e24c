package axis

// Axis caches calibrated values for coordinates 0..Len()-1.
//
// Axis is not safe for concurrent use; the owning dataspace serializes
// access under its lock.
type Axis struct {
	cal    Calibration
	domain []float64
}

// New creates an empty axis.
func New(cal Calibration) *Axis {
	return &Axis{cal: cal}
}

// Calibration returns the axis calibration.
func (a *Axis) Calibration() Calibration {
	return a.cal
}

// SetCalibration replaces the calibration and recomputes every cached entry.
func (a *Axis) SetCalibration(cal Calibration) {
	a.cal = cal
	for i := range a.domain {
		a.domain[i] = cal.Apply(float64(i))
	}
}

// Expand grows the domain to at least n entries. Only new indices are
// computed. A smaller n is a no-op.
func (a *Axis) Expand(n int) {
	old := len(a.domain)
	if n <= old {
		return
	}
	if n <= cap(a.domain) {
		a.domain = a.domain[:n]
	} else {
		grown := make([]float64, n)
		copy(grown, a.domain)
		a.domain = grown
	}
	for i := old; i < n; i++ {
		a.domain[i] = a.cal.Apply(float64(i))
	}
}

// Len returns the number of cached entries.
func (a *Axis) Len() int {
	return len(a.domain)
}

// Value returns the calibrated value of coordinate i. Coordinates outside
// the cached domain are computed without being cached.
func (a *Axis) Value(i int) float64 {
	if i >= 0 && i < len(a.domain) {
		return a.domain[i]
	}
	return a.cal.Apply(float64(i))
}

// Domain returns a copy of the cached table.
func (a *Axis) Domain() []float64 {
	return append([]float64(nil), a.domain...)
}

// Bounds returns the calibrated values of the first and last cached
// coordinates. An empty axis returns zeros.
func (a *Axis) Bounds() (lo, hi float64) {
	if len(a.domain) == 0 {
		return 0, 0
	}
	return a.domain[0], a.domain[len(a.domain)-1]
}

// Clone returns an independent copy.
func (a *Axis) Clone() *Axis {
	return &Axis{cal: a.cal, domain: a.Domain()}
}
