// Package dataspace implements the N-dimensional histogram storage engine.
//
// A Space wraps one of several interchangeable representations (dense
// arrays, coordinate maps, compressed sparse rows) and applies a single
// edge-case policy in front of all of them: coordinate tuples of the wrong
// length, negative coordinates and zero weights are silently ignored. Dense
// kinds also ignore coordinates beyond a fixed bound instead of allocating
// for them.
//
// Reads take a shared lock. Writes first try to take the exclusive lock
// without blocking a bounded number of times, sleeping a fixed backoff in
// between, and then fall back to a blocking Lock. A blocked Lock holds off
// new readers, so writers cannot starve behind a stream of readers.
package dataspace

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/axis"
	"github.com/xtxerr/spillway/internal/errors"
)

// Options tunes writer lock acquisition.
type Options struct {
	// WriteRetries is the number of non-blocking lock attempts.
	WriteRetries int

	// WriteBackoff is the sleep between attempts.
	WriteBackoff time.Duration
}

// DefaultOptions returns the default writer policy.
func DefaultOptions() Options {
	return Options{
		WriteRetries: config.DefaultWriteRetries,
		WriteBackoff: config.DefaultWriteBackoff,
	}
}

// Space is a thread-safe histogram.
type Space struct {
	mu   sync.RWMutex
	opts Options

	kind   Kind
	dims   int
	rep    representation
	axes   []*axis.Axis
	total  decimal.Decimal
	maxIdx []int // -1 until a coordinate is seen

	// Writers that exhausted their retries and blocked
	contended atomic.Uint64
}

// New creates an empty space of the given kind with default options.
func New(kind Kind) (*Space, error) {
	return NewWithOptions(kind, DefaultOptions())
}

// NewWithOptions creates an empty space.
func NewWithOptions(kind Kind, opts Options) (*Space, error) {
	rep := newRepresentation(kind)
	if rep == nil {
		return nil, fmt.Errorf("%v: %w", kind, errors.ErrUnknownKind)
	}
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}

	dims := kind.Dimensions()
	s := &Space{
		opts:   opts,
		kind:   kind,
		dims:   dims,
		rep:    rep,
		axes:   make([]*axis.Axis, dims),
		maxIdx: make([]int, dims),
	}
	for d := range s.axes {
		s.axes[d] = axis.New(axis.Identity(""))
		s.maxIdx[d] = -1
	}
	return s, nil
}

// lockWrite takes the exclusive lock.
func (s *Space) lockWrite() {
	for i := 0; i < s.opts.WriteRetries; i++ {
		if s.mu.TryLock() {
			return
		}
		time.Sleep(s.opts.WriteBackoff)
	}
	s.contended.Add(1)
	s.mu.Lock()
}

// valid applies the coordinate policy.
func (s *Space) valid(c []int) bool {
	if len(c) != s.dims {
		return false
	}
	lim := s.kind.maxIndex()
	for _, x := range c {
		if x < 0 || (lim > 0 && x >= lim) {
			return false
		}
	}
	return true
}

// addLocked accumulates one validated point. Caller holds the write lock.
func (s *Space) addLocked(c []int, w float64) {
	s.rep.add(c, w)
	s.total = s.total.Add(decimal.NewFromFloat(w))
	for d, x := range c {
		if x > s.maxIdx[d] {
			s.maxIdx[d] = x
		}
	}
}

// Add accumulates w into the bin at c.
func (s *Space) Add(c []int, w float64) {
	if w == 0 || !s.valid(c) {
		return
	}
	s.lockWrite()
	defer s.mu.Unlock()
	s.addLocked(c, w)
}

// AddOne adds unit weight at c.
func (s *Space) AddOne(c []int) {
	s.Add(c, 1)
}

// AddMany accumulates a batch under one lock acquisition. Invalid points
// are skipped.
func (s *Space) AddMany(points []Point) {
	if len(points) == 0 {
		return
	}
	s.lockWrite()
	defer s.mu.Unlock()
	for _, p := range points {
		if p.Weight == 0 || !s.valid(p.Coords) {
			continue
		}
		s.addLocked(p.Coords, p.Weight)
	}
}

// Get returns the value at c, zero when unpopulated or invalid.
func (s *Space) Get(c []int) float64 {
	if !s.valid(c) {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.get(c)
}

// Range returns the non-zero bins inside bounds, one inclusive interval
// per dimension, ordered lexicographically by coordinates. Nil bounds
// select the full observed extent. Bounds of the wrong length return nil.
func (s *Space) Range(bounds []Bound) []Entry {
	if bounds != nil && len(bounds) != s.dims {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi, ok := s.box(bounds)
	if !ok {
		return nil
	}

	var out []Entry
	s.rep.visit(lo, hi, func(c []int, v float64) bool {
		out = append(out, Entry{Coords: append([]int(nil), c...), Value: v})
		return true
	})
	return out
}

// box clamps bounds to the observed extent. Caller holds a lock.
func (s *Space) box(bounds []Bound) (lo, hi []int, ok bool) {
	lo = make([]int, s.dims)
	hi = make([]int, s.dims)
	for d := 0; d < s.dims; d++ {
		if s.maxIdx[d] < 0 {
			return nil, nil, false
		}
		lo[d], hi[d] = 0, s.maxIdx[d]
		if bounds != nil {
			lo[d] = max(lo[d], bounds[d].Min)
			hi[d] = min(hi[d], bounds[d].Max)
		}
		if lo[d] > hi[d] {
			return nil, nil, false
		}
	}
	return lo, hi, true
}

// Export calls fn for every non-zero bin in lexicographic order under the
// read lock. fn must not retain coords and must not call back into s.
// Iteration stops at the first error.
func (s *Space) Export(fn func(coords []int, v float64) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi, ok := s.box(nil)
	if !ok {
		return nil
	}
	var err error
	s.rep.visit(lo, hi, func(c []int, v float64) bool {
		err = fn(c, v)
		return err == nil
	})
	return err
}

// Snapshot is a consistent copy of a space's contents.
type Snapshot struct {
	Kind    Kind
	MaxIdx  []int
	Total   decimal.Decimal
	Axes    []*axis.Axis
	Entries []Entry
}

// Snapshot copies all non-zero bins, maxima, total and axes under one
// read lock.
func (s *Space) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Kind:   s.kind,
		MaxIdx: append([]int(nil), s.maxIdx...),
		Total:  s.total,
		Axes:   make([]*axis.Axis, len(s.axes)),
	}
	for d, a := range s.axes {
		snap.Axes[d] = a.Clone()
	}
	if lo, hi, ok := s.box(nil); ok {
		snap.Entries = make([]Entry, 0, s.rep.nonZero())
		s.rep.visit(lo, hi, func(c []int, v float64) bool {
			snap.Entries = append(snap.Entries, Entry{Coords: append([]int(nil), c...), Value: v})
			return true
		})
	}
	return snap
}

// RecalcAxes extends every axis to cover the observed maximum. For dense
// kinds, bits > 0 additionally requests a resolution of 1<<bits entries.
// Axes never shrink.
func (s *Space) RecalcAxes(bits int) {
	s.lockWrite()
	defer s.mu.Unlock()

	for d, a := range s.axes {
		want := s.maxIdx[d] + 1
		if s.kind.Dense() && bits > 0 && bits <= 30 {
			want = max(want, 1<<bits)
		}
		a.Expand(want)
	}
}

// Clear drops all bins and observed maxima. Axes keep their domains.
func (s *Space) Clear() {
	s.lockWrite()
	defer s.mu.Unlock()

	s.rep.clear()
	s.total = decimal.Zero
	for d := range s.maxIdx {
		s.maxIdx[d] = -1
	}
}

// Axis returns a copy of the axis for dimension d, or nil.
func (s *Space) Axis(d int) *axis.Axis {
	if d < 0 || d >= s.dims {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.axes[d].Clone()
}

// SetAxis replaces the axis for dimension d. The new axis is extended to
// the observed maximum.
func (s *Space) SetAxis(d int, a *axis.Axis) {
	if d < 0 || d >= s.dims || a == nil {
		return
	}
	s.lockWrite()
	defer s.mu.Unlock()

	a = a.Clone()
	a.Expand(s.maxIdx[d] + 1)
	s.axes[d] = a
}

// SetCalibration replaces the calibration of dimension d.
func (s *Space) SetCalibration(d int, cal axis.Calibration) {
	if d < 0 || d >= s.dims {
		return
	}
	s.lockWrite()
	defer s.mu.Unlock()
	s.axes[d].SetCalibration(cal)
}

// Total returns the sum of all added weights.
func (s *Space) Total() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// MaxIndices returns the observed maximum per dimension (-1 if none).
func (s *Space) MaxIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.maxIdx...)
}

// NonZero returns the number of populated bins.
func (s *Space) NonZero() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rep.nonZero()
}

// Dimensions returns the dimensionality.
func (s *Space) Dimensions() int {
	return s.dims
}

// Kind returns the representation kind.
func (s *Space) Kind() Kind {
	return s.kind
}

// IsSymmetric reports whether a 2-D space equals its transpose. Always
// false for other dimensionalities.
func (s *Space) IsSymmetric() bool {
	sym, ok := s.rep.(symmetric)
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sym.isSymmetric()
}

// ContendedWrites returns how many writers fell back to a blocking lock.
func (s *Space) ContendedWrites() uint64 {
	return s.contended.Load()
}

// stringLimit bounds the number of bins String renders.
const stringLimit = 16

// String renders a short debug summary under the read lock.
func (s *Space) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s dims=%d total=%s nonzero=%d max=%v",
		s.kind, s.dims, s.total.String(), s.rep.nonZero(), s.maxIdx)

	lo, hi, ok := s.box(nil)
	if !ok {
		return b.String()
	}
	n := 0
	s.rep.visit(lo, hi, func(c []int, v float64) bool {
		if n == stringLimit {
			b.WriteString(" ...")
			return false
		}
		fmt.Fprintf(&b, " %v=%g", c, v)
		n++
		return true
	})
	return b.String()
}
