package sink

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/metrics"
	"github.com/xtxerr/spillway/internal/spill"
)

// HistogramConfig describes what a histogram accumulates.
type HistogramConfig struct {
	Name string

	// Stream selects the stream to bin. Empty matches every data stream;
	// session bracketing spills are never binned.
	Stream string

	// Fields are value field names, one per dimension.
	Fields []string

	// Shift right-shifts each field before binning. Empty means no shift.
	Shift []uint

	// WeightField names a value field used as the event weight. Empty
	// gives every event unit weight.
	WeightField string

	// Bits is the axis resolution passed to RecalcAxes. Zero derives it
	// from the manifest's declared resolution of the first field. Events
	// with a binned coordinate at or above 1<<Bits are skipped; with zero
	// Bits each field is bounded by its own declared resolution.
	Bits int
}

// HistogramStats counts histogram input. OutOfRange events are also
// counted in Skipped.
type HistogramStats struct {
	Binned     uint64
	Skipped    uint64
	OutOfRange uint64
	Spills     uint64
}

// binding holds field positions resolved from a stream's manifest.
type binding struct {
	fields []int
	limits []int // exclusive coordinate bound per field, 0 for none
	weight int   // -1 for unit weight
}

// Histogram accumulates event fields into a Space.
//
// Field names are resolved against the manifest of each stream's Start
// spill, once per session. Spills from streams without a resolved binding
// are ignored. Stop spills and Flush recompute the axes.
type Histogram struct {
	cfg     HistogramConfig
	metrics *metrics.Registry

	mu       sync.Mutex
	space    *dataspace.Space
	bindings map[string]*binding
	bits     int
	points   []dataspace.Point

	binned     atomic.Uint64
	skipped    atomic.Uint64
	outOfRange atomic.Uint64
	spills     atomic.Uint64
}

// NewHistogram validates cfg against space.
func NewHistogram(cfg HistogramConfig, space *dataspace.Space, reg *metrics.Registry) (*Histogram, error) {
	if cfg.Name == "" {
		return nil, errors.NewMissingField("histogram.name")
	}
	if space == nil {
		return nil, errors.NewMissingField("histogram.space")
	}
	if len(cfg.Fields) != space.Dimensions() {
		return nil, errors.NewInvalidValue("histogram.fields", cfg.Fields,
			"need one field per dimension of "+space.Kind().String())
	}
	if len(cfg.Shift) != 0 && len(cfg.Shift) != len(cfg.Fields) {
		return nil, errors.NewInvalidValue("histogram.shift", cfg.Shift, "need one shift per field")
	}
	if cfg.Bits < 0 {
		return nil, errors.NewInvalidValue("histogram.bits", cfg.Bits, "must not be negative")
	}
	return &Histogram{
		cfg:      cfg,
		metrics:  reg,
		space:    space,
		bindings: make(map[string]*binding),
		bits:     cfg.Bits,
	}, nil
}

// Name returns the histogram name.
func (h *Histogram) Name() string {
	return h.cfg.Name
}

// Config returns the histogram configuration.
func (h *Histogram) Config() HistogramConfig {
	return h.cfg
}

// Space returns the current storage.
func (h *Histogram) Space() *dataspace.Space {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.space
}

// SetSpace replaces the storage, e.g. with a loaded one. The kind must match.
func (h *Histogram) SetSpace(s *dataspace.Space) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.Kind() != h.space.Kind() {
		return errors.NewInvalidValue("histogram.kind", s.Kind(), "expected "+h.space.Kind().String())
	}
	h.space = s
	return nil
}

// Stats returns input counters.
func (h *Histogram) Stats() HistogramStats {
	return HistogramStats{
		Binned:     h.binned.Load(),
		Skipped:    h.skipped.Load(),
		OutOfRange: h.outOfRange.Load(),
		Spills:     h.spills.Load(),
	}
}

func (h *Histogram) matches(stream string) bool {
	return h.cfg.Stream == "" || h.cfg.Stream == stream
}

// PushSpill routes one spill.
func (h *Histogram) PushSpill(s *spill.Spill) {
	if s == nil || s.StreamID == "" || !h.matches(s.StreamID) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch s.Phase {
	case spill.PhaseStart:
		h.bind(s)
	case spill.PhaseRunning:
		h.accumulate(s)
	case spill.PhaseStop:
		delete(h.bindings, s.StreamID)
		h.space.RecalcAxes(h.bits)
	}
}

// bind resolves field names against the Start spill's manifest. Caller
// holds mu.
func (h *Histogram) bind(s *spill.Spill) {
	delete(h.bindings, s.StreamID)

	m := s.Manifest
	b := &binding{
		fields: make([]int, len(h.cfg.Fields)),
		limits: make([]int, len(h.cfg.Fields)),
		weight: -1,
	}
	for i, name := range h.cfg.Fields {
		idx, ok := m.ValueIndex(name)
		if !ok {
			log.Warn("histogram field not in manifest",
				"histogram", h.cfg.Name,
				"stream", s.StreamID,
				"field", name)
			return
		}
		b.fields[i] = idx
		bits := h.cfg.Bits
		if bits == 0 {
			bits = m.ValueBits(idx) - int(h.shift(i))
		}
		if bits > 0 {
			b.limits[i] = 1 << bits
		}
	}
	if h.cfg.WeightField != "" {
		idx, ok := m.ValueIndex(h.cfg.WeightField)
		if !ok {
			log.Warn("histogram weight field not in manifest",
				"histogram", h.cfg.Name,
				"stream", s.StreamID,
				"field", h.cfg.WeightField)
			return
		}
		b.weight = idx
	}

	if h.cfg.Bits == 0 {
		if bits := m.ValueBits(b.fields[0]) - int(h.shift(0)); bits > 0 {
			h.bits = bits
		}
	}

	h.bindings[s.StreamID] = b
	log.Debug("histogram bound",
		"histogram", h.cfg.Name,
		"stream", s.StreamID,
		"fields", b.fields,
		"bits", h.bits)
}

func (h *Histogram) shift(i int) uint {
	if i < len(h.cfg.Shift) {
		return h.cfg.Shift[i]
	}
	return 0
}

// accumulate bins every event of a Running spill. Caller holds mu.
func (h *Histogram) accumulate(s *spill.Spill) {
	n := s.EventCount()
	b, ok := h.bindings[s.StreamID]
	if !ok {
		h.skip(n)
		h.metrics.ObserveBinning(h.cfg.Name, 0, n)
		return
	}
	h.spills.Add(1)

	h.points = h.points[:0]
	coords := make([]int, n*len(b.fields))
	skipped, outOfRange := 0, 0
	for _, ev := range s.Events.All() {
		c := coords[:len(b.fields):len(b.fields)]
		coords = coords[len(b.fields):]
		ok, inRange := h.coordinates(ev, b, c)
		if !ok {
			skipped++
			if !inRange {
				outOfRange++
			}
			continue
		}
		w := 1.0
		if b.weight >= 0 {
			if b.weight >= len(ev.Values) || ev.Values[b.weight] == 0 {
				skipped++
				continue
			}
			w = float64(ev.Values[b.weight])
		}
		h.points = append(h.points, dataspace.Point{Coords: c, Weight: w})
	}

	h.space.AddMany(h.points)
	h.binned.Add(uint64(len(h.points)))
	h.skip(skipped)
	if outOfRange > 0 {
		h.outOfRange.Add(uint64(outOfRange))
	}
	h.metrics.ObserveBinning(h.cfg.Name, len(h.points), skipped)
}

// coordinates fills out from ev. inRange is false when a coordinate
// exceeds its field limit.
func (h *Histogram) coordinates(ev spill.Event, b *binding, out []int) (ok, inRange bool) {
	for i, idx := range b.fields {
		if idx >= len(ev.Values) || ev.Values[idx] < 0 {
			return false, true
		}
		x := ev.Values[idx] >> h.shift(i)
		if lim := b.limits[i]; lim > 0 && x >= int64(lim) {
			return false, false
		}
		out[i] = int(x)
	}
	return true, true
}

func (h *Histogram) skip(n int) {
	if n > 0 {
		h.skipped.Add(uint64(n))
	}
}

// Flush recomputes the axes.
func (h *Histogram) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.space.RecalcAxes(h.bits)
}
