// Package throughput tracks how fast the acquisition worker moves spills
// into the sink. Per-spill sink latency and spill sizes are summarized
// with DDSketch so the worker can log percentiles without keeping samples.
package throughput

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// sketchAccuracy is the relative accuracy of the quantile sketches.
const sketchAccuracy = 0.01

// Tracker accumulates statistics for one acquisition session.
type Tracker struct {
	mu sync.Mutex

	start time.Time
	last  time.Time

	spills uint64
	events uint64

	minLatency time.Duration
	maxLatency time.Duration

	// Nil if the sketch could not be created
	latency *ddsketch.DDSketch
	sizes   *ddsketch.DDSketch

	now func() time.Time
}

// New creates a tracker whose clock starts now.
func New() *Tracker {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Tracker {
	t := &Tracker{now: now}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	t.start = t.now()
	t.last = time.Time{}
	t.spills, t.events = 0, 0
	t.minLatency = time.Duration(math.MaxInt64)
	t.maxLatency = 0
	t.latency = newSketch()
	t.sizes = newSketch()
}

func newSketch() *ddsketch.DDSketch {
	s, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return nil
	}
	return s
}

// Observe records one spill of events events that took latency to process.
func (t *Tracker) Observe(events int, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.spills++
	t.events += uint64(max(events, 0))
	t.last = t.now()

	if latency < t.minLatency {
		t.minLatency = latency
	}
	if latency > t.maxLatency {
		t.maxLatency = latency
	}

	// DDSketch rejects negative values.
	if t.latency != nil && latency >= 0 {
		t.latency.Add(float64(latency))
	}
	if t.sizes != nil && events >= 0 {
		t.sizes.Add(float64(events))
	}
}

// Reset restarts the tracker for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Summary holds throughput statistics.
type Summary struct {
	Spills  uint64
	Events  uint64
	Elapsed time.Duration

	SpillsPerSecond float64
	EventsPerSecond float64

	LatencyMin time.Duration
	LatencyP50 time.Duration
	LatencyP90 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration

	EventsPerSpillP50 float64
	EventsPerSpillP99 float64
}

// Summary computes statistics up to now.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		Spills:  t.spills,
		Events:  t.events,
		Elapsed: t.now().Sub(t.start),
	}
	if s.Elapsed > 0 {
		secs := s.Elapsed.Seconds()
		s.SpillsPerSecond = float64(s.Spills) / secs
		s.EventsPerSecond = float64(s.Events) / secs
	}
	if t.spills == 0 {
		return s
	}

	s.LatencyMin = t.minLatency
	s.LatencyMax = t.maxLatency
	if t.latency != nil && t.latency.GetCount() > 0 {
		p50, _ := t.latency.GetValueAtQuantile(0.50)
		p90, _ := t.latency.GetValueAtQuantile(0.90)
		p99, _ := t.latency.GetValueAtQuantile(0.99)
		s.LatencyP50 = time.Duration(p50)
		s.LatencyP90 = time.Duration(p90)
		s.LatencyP99 = time.Duration(p99)
	}
	if t.sizes != nil && t.sizes.GetCount() > 0 {
		s.EventsPerSpillP50, _ = t.sizes.GetValueAtQuantile(0.50)
		s.EventsPerSpillP99, _ = t.sizes.GetValueAtQuantile(0.99)
	}
	return s
}

// LogAttrs returns the summary as slog key-value pairs.
func (s Summary) LogAttrs() []any {
	return []any{
		"spills", s.Spills,
		"events", s.Events,
		"elapsed", s.Elapsed.Round(time.Millisecond),
		"spills_per_sec", math.Round(s.SpillsPerSecond*10) / 10,
		"events_per_sec", math.Round(s.EventsPerSecond),
		"latency_p50", s.LatencyP50,
		"latency_p99", s.LatencyP99,
		"latency_max", s.LatencyMax,
	}
}
