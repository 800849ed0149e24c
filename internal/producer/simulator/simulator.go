// Package simulator provides a synthetic producer for tests, demos and
// bench runs.
//
// Each simulated stream runs on its own goroutine. It sends a Start spill
// with its manifest, then Running spills paced by a rate limiter, and a
// Stop spill when asked to stop or after a fixed number of spills. Energy
// values are drawn from gaussian peaks over a flat background and clipped
// to the configured ADC resolution.
package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/queue"
	"github.com/xtxerr/spillway/internal/spill"
)

var log = logging.Component("simulator")

// Field names of simulated events, in positional order.
const (
	FieldTime    = "time"
	FieldEnergy  = "energy"
	FieldChannel = "channel"
)

// Peak is a gaussian line in ADC units.
type Peak struct {
	Center float64
	Sigma  float64
	Weight float64 // relative intensity
}

// Config configures a simulator.
type Config struct {
	Name string

	// Streams are the stream ids to simulate.
	Streams []string

	SpillInterval  time.Duration
	EventsPerSpill int

	// Spills stops each stream after this many Running spills. Zero runs
	// until stopped.
	Spills int

	// Bits is the ADC resolution of the energy field.
	Bits int

	// Channels is the number of distinct channel values per stream.
	Channels int

	Peaks []Peak

	// Background is the fraction of events drawn uniformly.
	Background float64

	Seed uint64

	// Timebase converts event timestamps; ticks are nanoseconds by default.
	Timebase spill.Timebase

	// FailBoot makes Boot fail.
	FailBoot bool
}

// DefaultConfig returns a two-stream simulator with two lines.
func DefaultConfig() Config {
	return Config{
		Name:           "simulator",
		Streams:        []string{"adc0", "adc1"},
		SpillInterval:  config.DefaultSpillInterval,
		EventsPerSpill: config.DefaultEventsPerSpill,
		Bits:           config.DefaultSimulatorBits,
		Channels:       16,
		Peaks: []Peak{
			{Center: 1000, Sigma: 12, Weight: 3},
			{Center: 2600, Sigma: 20, Weight: 1},
		},
		Background: 0.2,
		Seed:       1,
		Timebase:   spill.Nanosecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	v := errors.NewValidationErrors()
	if c.Name == "" {
		v.AddMissing("simulator.name")
	}
	if len(c.Streams) == 0 {
		v.AddMissing("simulator.streams")
	}
	seen := make(map[string]bool)
	for _, id := range c.Streams {
		if id == "" {
			v.AddField("simulator.streams", "stream id must not be empty")
		}
		if seen[id] {
			v.Add(errors.NewInvalidValue("simulator.streams", id, "duplicate stream id"))
		}
		seen[id] = true
	}
	if c.SpillInterval <= 0 {
		v.Add(errors.NewInvalidValue("simulator.spill_interval", c.SpillInterval, "must be positive"))
	}
	if c.EventsPerSpill <= 0 {
		v.Add(errors.NewInvalidValue("simulator.events_per_spill", c.EventsPerSpill, "must be positive"))
	}
	if c.Bits <= 0 || c.Bits > 30 {
		v.Add(errors.NewInvalidValue("simulator.bits", c.Bits, "must be in 1..30"))
	}
	if c.Channels <= 0 {
		v.Add(errors.NewInvalidValue("simulator.channels", c.Channels, "must be positive"))
	}
	if c.Background < 0 || c.Background > 1 {
		v.Add(errors.NewInvalidValue("simulator.background", c.Background, "must be in 0..1"))
	}
	if len(c.Peaks) == 0 && c.Background == 0 {
		v.AddField("simulator.peaks", "need a peak or background")
	}
	for _, p := range c.Peaks {
		if p.Sigma <= 0 || p.Weight <= 0 {
			v.Add(errors.NewInvalidValue("simulator.peaks", p, "sigma and weight must be positive"))
		}
	}
	if _, err := spill.NewTimebase(c.Timebase.Multiplier, c.Timebase.Divider); err != nil {
		v.Add(err)
	}
	return v.Err()
}

// Simulator is a synthetic daq.Producer.
type Simulator struct {
	cfg Config

	mu     sync.Mutex
	booted bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Int32 // streams still emitting
	spills  atomic.Uint64
	events  atomic.Uint64
}

// New creates a simulator. The configuration is validated on Boot.
func New(cfg Config) *Simulator {
	if cfg.Timebase == (spill.Timebase{}) {
		cfg.Timebase = spill.Nanosecond
	}
	return &Simulator{cfg: cfg}
}

func (s *Simulator) Name() string { return s.cfg.Name }

// Boot validates the configuration.
func (s *Simulator) Boot() error {
	if s.cfg.FailBoot {
		return fmt.Errorf("simulated boot failure: %w", errors.ErrBootFailed)
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.booted = true
	s.mu.Unlock()
	return nil
}

// Die stops any running streams and unboots.
func (s *Simulator) Die() {
	s.Stop()
	s.wg.Wait()
	s.mu.Lock()
	s.booted = false
	s.mu.Unlock()
}

// Status reports capabilities.
func (s *Simulator) Status() daq.Status {
	st := daq.StatusLoaded | daq.StatusCanBoot
	s.mu.Lock()
	if s.booted {
		st |= daq.StatusBooted | daq.StatusCanRun
	}
	s.mu.Unlock()
	if s.Running() {
		st |= daq.StatusRunning
	}
	return st
}

// Start launches one goroutine per stream.
func (s *Simulator) Start(q *queue.Queue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.booted || s.running.Load() > 0 {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running.Store(int32(len(s.cfg.Streams)))

	for i, id := range s.cfg.Streams {
		st := newStream(id, i, s.cfg)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.running.Add(-1)
			st.run(ctx, q, s)
		}()
	}

	log.Info("simulator started", "name", s.cfg.Name, "streams", len(s.cfg.Streams))
	return true
}

// Stop asks every stream to send its Stop spill and exit.
func (s *Simulator) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Running reports whether any stream is still emitting.
func (s *Simulator) Running() bool {
	return s.running.Load() > 0
}

// Counts returns the spills and events produced so far.
func (s *Simulator) Counts() (spills, events uint64) {
	return s.spills.Load(), s.events.Load()
}

// Manifest returns the manifest a stream announces.
func (s *Simulator) Manifest(stream string) *spill.Manifest {
	return manifest(stream, s.cfg)
}

func manifest(stream string, cfg Config) *spill.Manifest {
	return &spill.Manifest{
		StreamID: stream,
		Timebase: cfg.Timebase,
		Values:   []string{FieldTime, FieldEnergy, FieldChannel},
		Bits:     []int{0, cfg.Bits, bitsFor(cfg.Channels)},
		Status:   []string{spill.StateNativeTime, spill.StateProducer},
	}
}

func bitsFor(n int) int {
	if n <= 1 {
		return 1
	}
	return int(math.Ceil(math.Log2(float64(n))))
}

// stream generates the events of one stream.
type stream struct {
	id    string
	cfg   Config
	rng   *rand.Rand
	ticks uint64
	top   int64 // largest ADC value

	weights []float64 // cumulative peak weights
}

func newStream(id string, index int, cfg Config) *stream {
	st := &stream{
		id:  id,
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, uint64(index)+1)),
		top: int64(1)<<cfg.Bits - 1,
	}
	var sum float64
	for _, p := range cfg.Peaks {
		sum += p.Weight
		st.weights = append(st.weights, sum)
	}
	return st
}

func (st *stream) run(ctx context.Context, q *queue.Queue, sim *Simulator) {
	q.Enqueue(spill.NewStart(st.id, time.Now(), manifest(st.id, st.cfg)))

	limiter := rate.NewLimiter(rate.Every(st.cfg.SpillInterval), 1)
	for n := 0; st.cfg.Spills == 0 || n < st.cfg.Spills; n++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		sp := st.spill()
		sim.spills.Add(1)
		sim.events.Add(uint64(sp.EventCount()))
		q.Enqueue(sp)
	}

	q.Enqueue(spill.NewStop(st.id, time.Now()))
	log.Debug("stream finished", "stream", st.id)
}

// spill builds one Running spill.
func (st *stream) spill() *spill.Spill {
	buf := spill.NewEventBuffer(st.cfg.EventsPerSpill)
	for range st.cfg.EventsPerSpill {
		st.ticks += uint64(1 + st.rng.IntN(1000))
		buf.Append(spill.Event{
			Timestamp: st.ticks,
			Values: []int64{
				int64(st.cfg.Timebase.Nanoseconds(st.ticks)),
				st.energy(),
				int64(st.rng.IntN(st.cfg.Channels)),
			},
		})
	}
	sp := spill.NewRunning(st.id, time.Now(), buf)
	sp.SetState(spill.StateNativeTime, float64(st.ticks))
	sp.SetState(spill.StateProducer, st.cfg.Name)
	return sp
}

// energy draws one ADC value.
func (st *stream) energy() int64 {
	if len(st.weights) == 0 || st.rng.Float64() < st.cfg.Background {
		return st.rng.Int64N(st.top + 1)
	}
	pick := st.rng.Float64() * st.weights[len(st.weights)-1]
	p := st.cfg.Peaks[len(st.cfg.Peaks)-1]
	for i, w := range st.weights {
		if pick < w {
			p = st.cfg.Peaks[i]
			break
		}
	}
	v := int64(math.Round(p.Center + st.rng.NormFloat64()*p.Sigma))
	return min(max(v, 0), st.top)
}
