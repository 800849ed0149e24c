package simulator

import (
	"testing"
	"time"

	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/queue"
	"github.com/xtxerr/spillway/internal/sink"
	"github.com/xtxerr/spillway/internal/spill"
	testhelp "github.com/xtxerr/spillway/internal/testing"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Streams = []string{"a", "b"}
	cfg.SpillInterval = time.Millisecond
	cfg.EventsPerSpill = 10
	cfg.Spills = 3
	return cfg
}

func drain(q *queue.Queue) []*spill.Spill {
	var out []*spill.Spill
	for {
		s, ok := q.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no streams", func(c *Config) { c.Streams = nil }, true},
		{"empty stream id", func(c *Config) { c.Streams = []string{""} }, true},
		{"duplicate stream", func(c *Config) { c.Streams = []string{"a", "a"} }, true},
		{"zero interval", func(c *Config) { c.SpillInterval = 0 }, true},
		{"zero events", func(c *Config) { c.EventsPerSpill = 0 }, true},
		{"bits too large", func(c *Config) { c.Bits = 31 }, true},
		{"background above one", func(c *Config) { c.Background = 1.5 }, true},
		{"bad peak", func(c *Config) { c.Peaks = []Peak{{Center: 1, Sigma: 0, Weight: 1}} }, true},
		{"background only", func(c *Config) { c.Peaks = nil; c.Background = 1 }, false},
		{"bad timebase", func(c *Config) { c.Timebase = spill.Timebase{Multiplier: 1, Divider: 0} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBootAndStatus(t *testing.T) {
	sim := New(fastConfig())
	if sim.Status().Has(daq.StatusCanRun) {
		t.Error("unbooted simulator must not report can_run")
	}
	if sim.Start(queue.New(queue.Options{})) {
		t.Error("Start before Boot should fail")
	}
	if err := sim.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !sim.Status().Has(daq.StatusBooted | daq.StatusCanRun) {
		t.Errorf("expected booted status, got %s", sim.Status())
	}

	sim.Die()
	if sim.Status().Has(daq.StatusBooted) {
		t.Error("Die should unboot")
	}
}

func TestBootFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.FailBoot = true
	if err := New(cfg).Boot(); !errors.Is(err, errors.ErrBootFailed) {
		t.Errorf("expected ErrBootFailed, got %v", err)
	}

	cfg = fastConfig()
	cfg.Bits = 0
	if err := New(cfg).Boot(); !errors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestFiniteRun(t *testing.T) {
	cfg := fastConfig()
	sim := New(cfg)
	sim.Boot()

	q := queue.New(queue.Options{})
	if !sim.Start(q) {
		t.Fatal("Start failed")
	}
	if err := testhelp.Eventually(5*time.Second, time.Millisecond, func() bool { return !sim.Running() }); err != nil {
		t.Fatal(err)
	}

	perStream := map[string][]spill.Phase{}
	top := int64(1)<<cfg.Bits - 1
	for _, s := range drain(q) {
		perStream[s.StreamID] = append(perStream[s.StreamID], s.Phase)
		if s.Phase == spill.PhaseStart && s.Manifest == nil {
			t.Errorf("start spill of %s has no manifest", s.StreamID)
		}
		if s.Phase != spill.PhaseRunning {
			continue
		}
		if s.EventCount() != cfg.EventsPerSpill {
			t.Errorf("expected %d events, got %d", cfg.EventsPerSpill, s.EventCount())
		}
		for _, ev := range s.Events.All() {
			if e := ev.Values[1]; e < 0 || e > top {
				t.Errorf("energy %d outside [0, %d]", e, top)
			}
			if c := ev.Values[2]; c < 0 || c >= int64(cfg.Channels) {
				t.Errorf("channel %d outside [0, %d)", c, cfg.Channels)
			}
		}
	}

	want := []spill.Phase{spill.PhaseStart, spill.PhaseRunning, spill.PhaseRunning, spill.PhaseRunning, spill.PhaseStop}
	for _, id := range cfg.Streams {
		got := perStream[id]
		if len(got) != len(want) {
			t.Fatalf("stream %s: expected %v, got %v", id, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("stream %s: expected %v, got %v", id, want, got)
				break
			}
		}
	}

	spills, events := sim.Counts()
	if spills != 6 || events != 60 {
		t.Errorf("expected 6 spills and 60 events, got %d and %d", spills, events)
	}
}

func TestStopEndsStreams(t *testing.T) {
	cfg := fastConfig()
	cfg.Spills = 0
	sim := New(cfg)
	sim.Boot()

	q := queue.New(queue.Options{})
	sim.Start(q)
	if err := testhelp.Eventually(5*time.Second, time.Millisecond, func() bool { return q.Size() > 4 }); err != nil {
		t.Fatal(err)
	}
	sim.Stop()
	if err := testhelp.Eventually(5*time.Second, time.Millisecond, func() bool { return !sim.Running() }); err != nil {
		t.Fatal(err)
	}

	last := map[string]spill.Phase{}
	for _, s := range drain(q) {
		last[s.StreamID] = s.Phase
	}
	for _, id := range cfg.Streams {
		if last[id] != spill.PhaseStop {
			t.Errorf("stream %s did not end with a stop spill", id)
		}
	}
}

func TestDeterministicSeed(t *testing.T) {
	cfg := fastConfig()
	a := newStream("a", 0, cfg).spill()
	b := newStream("a", 0, cfg).spill()
	other := newStream("b", 1, cfg).spill()

	same := true
	differs := false
	for i := range a.Events.Len() {
		if a.Events.At(i).Values[1] != b.Events.At(i).Values[1] {
			same = false
		}
		if a.Events.At(i).Values[1] != other.Events.At(i).Values[1] {
			differs = true
		}
	}
	if !same {
		t.Error("same seed and stream index should give identical events")
	}
	if !differs {
		t.Error("different streams should not give identical events")
	}
}

func TestPeaksDominate(t *testing.T) {
	cfg := fastConfig()
	cfg.Background = 0
	cfg.Peaks = []Peak{{Center: 500, Sigma: 5, Weight: 1}}
	cfg.EventsPerSpill = 2000

	s := newStream("a", 0, cfg).spill()
	near := 0
	for _, ev := range s.Events.All() {
		if e := ev.Values[1]; e >= 480 && e <= 520 {
			near++
		}
	}
	if near < 1990 {
		t.Errorf("expected nearly all events within 4 sigma, got %d of 2000", near)
	}
}

func TestAcquisitionEndToEnd(t *testing.T) {
	cfg := fastConfig()
	cfg.Spills = 5
	sim := New(cfg)

	space, err := dataspace.New(dataspace.Dense1D)
	if err != nil {
		t.Fatal(err)
	}
	h, err := sink.NewHistogram(sink.HistogramConfig{Name: "energy", Fields: []string{FieldEnergy}}, space, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctrl := daq.New(daq.Options{
		PollInterval: 2 * time.Millisecond,
		Queue:        queue.Options{DropEnabled: false},
	}, sim)
	if _, err := ctrl.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	report := ctrl.Acquire(sink.NewFanout(h), nil, 0)
	if !report.Started || report.Reason != daq.ReasonFinished {
		t.Fatalf("unexpected report: %+v", report)
	}

	_, events := sim.Counts()
	if got := space.Total().IntPart(); got != int64(events) {
		t.Errorf("expected total %d, got %d", events, got)
	}
	if st := h.Stats(); st.Binned != events || st.Skipped != 0 {
		t.Errorf("expected %d binned, got %+v", events, st)
	}
	if got := space.Axis(0).Len(); got != 1<<cfg.Bits {
		t.Errorf("expected axis length %d, got %d", 1<<cfg.Bits, got)
	}
}
