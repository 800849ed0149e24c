package sink

import (
	"testing"
	"time"

	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/spill"
)

var adcManifest = &spill.Manifest{
	StreamID: "adc0",
	Values:   []string{"time", "energy", "channel"},
	Bits:     []int{0, 12, 4},
}

func running(stream string, values ...[]int64) *spill.Spill {
	buf := spill.NewEventBuffer(len(values))
	for i, v := range values {
		buf.Append(spill.Event{Timestamp: uint64(i), Values: v})
	}
	return spill.NewRunning(stream, time.Now(), buf)
}

func newSpace(t *testing.T, kind dataspace.Kind) *dataspace.Space {
	t.Helper()
	s, err := dataspace.New(kind)
	if err != nil {
		t.Fatalf("New(%s): %v", kind, err)
	}
	return s
}

func TestNewHistogramValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  HistogramConfig
		kind dataspace.Kind
	}{
		{"missing name", HistogramConfig{Fields: []string{"energy"}}, dataspace.Dense1D},
		{"field arity", HistogramConfig{Name: "h", Fields: []string{"energy", "channel"}}, dataspace.Dense1D},
		{"shift arity", HistogramConfig{Name: "h", Fields: []string{"energy"}, Shift: []uint{1, 2}}, dataspace.Dense1D},
		{"negative bits", HistogramConfig{Name: "h", Fields: []string{"energy"}, Bits: -1}, dataspace.Dense1D},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHistogram(tt.cfg, newSpace(t, tt.kind), nil)
			if !errors.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestHistogramBinning(t *testing.T) {
	space := newSpace(t, dataspace.Dense1D)
	h, err := NewHistogram(HistogramConfig{
		Name:   "energy",
		Stream: "adc0",
		Fields: []string{"energy"},
		Shift:  []uint{2},
	}, space, nil)
	if err != nil {
		t.Fatalf("NewHistogram: %v", err)
	}

	h.PushSpill(spill.NewStart("adc0", time.Now(), adcManifest))
	h.PushSpill(running("adc0",
		[]int64{0, 0, 0},
		[]int64{1, 4, 0},
		[]int64{2, 5, 0},
		[]int64{3, 8, 0},
		[]int64{4, -1, 0},
		[]int64{5},
	))

	if got := space.Get([]int{1}); got != 2 {
		t.Errorf("expected bin 1 = 2, got %v", got)
	}
	if got := space.Get([]int{2}); got != 1 {
		t.Errorf("expected bin 2 = 1, got %v", got)
	}
	st := h.Stats()
	if st.Binned != 4 || st.Skipped != 2 || st.Spills != 1 {
		t.Errorf("expected binned=4 skipped=2 spills=1, got %+v", st)
	}

	h.PushSpill(spill.NewStop("adc0", time.Now()))

	// 12 declared bits minus a shift of 2
	if got := space.Axis(0).Len(); got != 1<<10 {
		t.Errorf("expected axis length %d after stop, got %d", 1<<10, got)
	}

	// The binding is gone after Stop.
	h.PushSpill(running("adc0", []int64{0, 4, 0}))
	if got := space.Get([]int{1}); got != 2 {
		t.Errorf("spill after stop should be ignored, bin 1 = %v", got)
	}
}

func TestHistogramIgnoresOtherStreams(t *testing.T) {
	space := newSpace(t, dataspace.Dense1D)
	h, _ := NewHistogram(HistogramConfig{Name: "h", Stream: "adc0", Fields: []string{"energy"}}, space, nil)

	h.PushSpill(spill.NewStart("adc1", time.Now(), adcManifest))
	h.PushSpill(running("adc1", []int64{0, 3, 0}))
	h.PushSpill(spill.NewStart("", time.Now(), nil))

	if space.NonZero() != 0 {
		t.Error("other streams must not be binned")
	}
	if st := h.Stats(); st.Skipped != 0 {
		t.Errorf("filtered streams are not counted, got %+v", st)
	}
}

func TestHistogramUnknownStream(t *testing.T) {
	space := newSpace(t, dataspace.Dense1D)
	h, _ := NewHistogram(HistogramConfig{Name: "h", Fields: []string{"energy"}}, space, nil)

	h.PushSpill(running("adc0", []int64{0, 3, 0}, []int64{0, 3, 0}))

	if space.NonZero() != 0 {
		t.Error("stream without Start must not be binned")
	}
	if st := h.Stats(); st.Skipped != 2 {
		t.Errorf("expected 2 skipped, got %+v", st)
	}
}

func TestHistogramUnresolvedField(t *testing.T) {
	space := newSpace(t, dataspace.Dense1D)
	h, _ := NewHistogram(HistogramConfig{Name: "h", Fields: []string{"amplitude"}}, space, nil)

	h.PushSpill(spill.NewStart("adc0", time.Now(), adcManifest))
	h.PushSpill(running("adc0", []int64{0, 3, 0}))

	if space.NonZero() != 0 {
		t.Error("unresolved field must not bin")
	}
	if st := h.Stats(); st.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %+v", st)
	}
}

func TestHistogramWeightAnd2D(t *testing.T) {
	space := newSpace(t, dataspace.SparseMap2D)
	h, err := NewHistogram(HistogramConfig{
		Name:        "energy_vs_channel",
		Fields:      []string{"channel", "energy"},
		WeightField: "time",
		Bits:        4,
	}, space, nil)
	if err != nil {
		t.Fatalf("NewHistogram: %v", err)
	}

	h.PushSpill(spill.NewStart("adc0", time.Now(), adcManifest))
	h.PushSpill(running("adc0",
		[]int64{2, 10, 1},
		[]int64{3, 10, 1},
		[]int64{0, 7, 2}, // zero weight
	))
	h.Flush()

	if got := space.Get([]int{1, 10}); got != 5 {
		t.Errorf("expected weighted bin (1,10) = 5, got %v", got)
	}
	if got := space.Get([]int{2, 7}); got != 0 {
		t.Errorf("zero weight should not populate, got %v", got)
	}
	if st := h.Stats(); st.Binned != 2 || st.Skipped != 1 {
		t.Errorf("expected binned=2 skipped=1, got %+v", st)
	}
	if got := space.Total().String(); got != "5" {
		t.Errorf("expected total 5, got %s", got)
	}
}

func TestHistogramOutOfRangeSkipped(t *testing.T) {
	tests := []struct {
		name string
		cfg  HistogramConfig
		kind dataspace.Kind
		in   []int64
	}{
		// 12 declared bits, no shift
		{"declared bits", HistogramConfig{Name: "h", Fields: []string{"energy"}}, dataspace.Dense1D, []int64{0, 1 << 12, 0}},
		{"configured bits", HistogramConfig{Name: "h", Fields: []string{"energy"}, Bits: 8}, dataspace.Dense1D, []int64{0, 256, 0}},
		{"huge value", HistogramConfig{Name: "h", Fields: []string{"energy"}}, dataspace.Dense1D, []int64{0, 1 << 40, 0}},
		{"second dimension", HistogramConfig{Name: "h", Fields: []string{"energy", "channel"}}, dataspace.DenseMatrix2D, []int64{0, 5, 16}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			space := newSpace(t, tt.kind)
			h, err := NewHistogram(tt.cfg, space, nil)
			if err != nil {
				t.Fatalf("NewHistogram: %v", err)
			}
			h.PushSpill(spill.NewStart("adc0", time.Now(), adcManifest))
			h.PushSpill(running("adc0", tt.in, []int64{0, 3, 1}))

			st := h.Stats()
			if st.Binned != 1 || st.Skipped != 1 || st.OutOfRange != 1 {
				t.Errorf("expected binned=1 skipped=1 out_of_range=1, got %+v", st)
			}
			if space.NonZero() != 1 {
				t.Errorf("expected one bin, got %d", space.NonZero())
			}
		})
	}
}

func TestHistogramRebindOnNewSession(t *testing.T) {
	space := newSpace(t, dataspace.Dense1D)
	h, _ := NewHistogram(HistogramConfig{Name: "h", Fields: []string{"energy"}}, space, nil)

	h.PushSpill(spill.NewStart("adc0", time.Now(), adcManifest))
	h.PushSpill(running("adc0", []int64{0, 3, 0}))
	h.PushSpill(spill.NewStop("adc0", time.Now()))

	// Same stream, different field order.
	reordered := &spill.Manifest{StreamID: "adc0", Values: []string{"energy", "time"}}
	h.PushSpill(spill.NewStart("adc0", time.Now(), reordered))
	h.PushSpill(running("adc0", []int64{3, 99}))

	if got := space.Get([]int{3}); got != 2 {
		t.Errorf("expected bin 3 = 2 across sessions, got %v", got)
	}
}

func TestHistogramSetSpace(t *testing.T) {
	h, _ := NewHistogram(HistogramConfig{Name: "h", Fields: []string{"energy"}}, newSpace(t, dataspace.Dense1D), nil)

	if err := h.SetSpace(newSpace(t, dataspace.SparseMap2D)); !errors.IsConfiguration(err) {
		t.Errorf("expected kind mismatch error, got %v", err)
	}
	loaded := newSpace(t, dataspace.Dense1D)
	if err := h.SetSpace(loaded); err != nil {
		t.Fatalf("SetSpace: %v", err)
	}
	if h.Space() != loaded {
		t.Error("expected the replacement space")
	}
}

type captureConsumer struct {
	got     []*spill.Spill
	flushed int
}

func (c *captureConsumer) PushSpill(s *spill.Spill) { c.got = append(c.got, s) }
func (c *captureConsumer) Flush()                   { c.flushed++ }

func TestFanoutIsolatesConsumers(t *testing.T) {
	first := &captureConsumer{}
	last := &captureConsumer{}
	f := NewFanout(first)
	f.Add(last)

	s := running("adc0", []int64{1, 2, 3})
	f.PushSpill(s)
	f.Flush()

	if len(first.got) != 1 || len(last.got) != 1 {
		t.Fatalf("expected one spill per consumer, got %d and %d", len(first.got), len(last.got))
	}
	if first.got[0] == s {
		t.Error("first consumer should receive a copy")
	}
	if last.got[0] != s {
		t.Error("last consumer should receive the original")
	}

	first.got[0].Events.All()[0].Values[0] = 42
	if s.Events.At(0).Values[0] != 1 {
		t.Error("modifying a copy changed the original")
	}
	if first.flushed != 1 || last.flushed != 1 {
		t.Error("expected every consumer flushed")
	}
}

func TestFanoutSpaces(t *testing.T) {
	a, _ := NewHistogram(HistogramConfig{Name: "a", Fields: []string{"energy"}}, newSpace(t, dataspace.Dense1D), nil)
	b, _ := NewHistogram(HistogramConfig{Name: "b", Fields: []string{"energy", "channel"}}, newSpace(t, dataspace.SparseMatrix2D), nil)
	f := NewFanout(a, &captureConsumer{}, b)

	spaces := f.Spaces()
	if len(spaces) != 2 || spaces["a"] != a.Space() || spaces["b"] != b.Space() {
		t.Errorf("unexpected spaces: %v", spaces)
	}
	if f.Len() != 3 {
		t.Errorf("expected 3 consumers, got %d", f.Len())
	}
}

func TestRecorder(t *testing.T) {
	dir := t.TempDir()
	w, err := journal.NewWriter(dir, journal.Options{SyncMode: journal.SyncWrite})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	r := NewRecorder(w)

	r.PushSpill(spill.NewStart("adc0", time.Now(), adcManifest))
	r.PushSpill(running("adc0", []int64{1, 2, 3}, []int64{4, 5, 6}))
	r.PushSpill(spill.NewStop("adc0", time.Now()))
	r.Flush()
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if r.Errors() != 0 {
		t.Errorf("expected no write errors, got %d", r.Errors())
	}
	if st := r.Stats(); st.RecordsWritten != 3 {
		t.Errorf("expected 3 records, got %d", st.RecordsWritten)
	}

	var phases []spill.Phase
	events := 0
	if _, err := journal.Replay(dir, func(s *spill.Spill) error {
		phases = append(phases, s.Phase)
		events += s.EventCount()
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(phases) != 3 || phases[0] != spill.PhaseStart || phases[2] != spill.PhaseStop {
		t.Errorf("unexpected replayed phases %v", phases)
	}
	if events != 2 {
		t.Errorf("expected 2 events, got %d", events)
	}

	// Writes after close are counted, not fatal.
	r.PushSpill(spill.NewStop("adc0", time.Now()))
	if r.Errors() != 1 {
		t.Errorf("expected 1 error after close, got %d", r.Errors())
	}
}
