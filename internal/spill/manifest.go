package spill

import (
	"fmt"
	"time"

	"github.com/xtxerr/spillway/internal/errors"
)

// Timebase converts native producer ticks to nanoseconds:
// ns = ticks * Multiplier / Divider.
type Timebase struct {
	Multiplier int64
	Divider    int64
}

// NewTimebase validates and returns a timebase. Non-positive values are a
// configuration defect.
func NewTimebase(multiplier, divider int64) (Timebase, error) {
	if multiplier <= 0 {
		return Timebase{}, fmt.Errorf("multiplier %d must be positive: %w", multiplier, errors.ErrInvalidTimebase)
	}
	if divider <= 0 {
		return Timebase{}, fmt.Errorf("divider %d must be positive: %w", divider, errors.ErrInvalidTimebase)
	}
	return Timebase{Multiplier: multiplier, Divider: divider}, nil
}

// Nanosecond is the identity timebase.
var Nanosecond = Timebase{Multiplier: 1, Divider: 1}

// Nanoseconds converts native ticks.
func (tb Timebase) Nanoseconds(ticks uint64) float64 {
	if tb.Divider == 0 {
		return float64(ticks)
	}
	return float64(ticks) * float64(tb.Multiplier) / float64(tb.Divider)
}

// Duration converts native ticks to a time.Duration (truncated).
func (tb Timebase) Duration(ticks uint64) time.Duration {
	return time.Duration(tb.Nanoseconds(ticks))
}

// TraceField declares a trace-array field and its dimensions.
type TraceField struct {
	Name string
	Dims []int
}

// Manifest declares the shape of a stream's events and per-spill status.
// Manifests are immutable once attached to a Start spill.
type Manifest struct {
	StreamID string
	Timebase Timebase

	// Values are the names of the scalar event fields, in positional order.
	Values []string

	// Bits optionally declares the resolution of each value field.
	// Zero means unknown.
	Bits []int

	// Traces are the trace-array fields, in positional order.
	Traces []TraceField

	// Status names the per-spill state attributes the stream reports,
	// e.g. "native_time", "dropped_buffers".
	Status []string
}

// ValueIndex resolves a scalar field name.
func (m *Manifest) ValueIndex(name string) (int, bool) {
	if m == nil {
		return -1, false
	}
	for i, v := range m.Values {
		if v == name {
			return i, true
		}
	}
	return -1, false
}

// ValueBits returns the declared resolution of value field i (0 if unknown).
func (m *Manifest) ValueBits(i int) int {
	if m == nil || i < 0 || i >= len(m.Bits) {
		return 0
	}
	return m.Bits[i]
}

// TraceIndex resolves a trace field name.
func (m *Manifest) TraceIndex(name string) (int, bool) {
	if m == nil {
		return -1, false
	}
	for i, tr := range m.Traces {
		if tr.Name == name {
			return i, true
		}
	}
	return -1, false
}

// StatusIndex resolves a status field name.
func (m *Manifest) StatusIndex(name string) (int, bool) {
	if m == nil {
		return -1, false
	}
	for i, s := range m.Status {
		if s == name {
			return i, true
		}
	}
	return -1, false
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Values = append([]string(nil), m.Values...)
	out.Bits = append([]int(nil), m.Bits...)
	out.Status = append([]string(nil), m.Status...)
	out.Traces = make([]TraceField, len(m.Traces))
	for i, tr := range m.Traces {
		out.Traces[i] = TraceField{Name: tr.Name, Dims: append([]int(nil), tr.Dims...)}
	}
	return &out
}
