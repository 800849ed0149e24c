// Package daq implements the acquisition controller.
//
// The controller boots a set of producers, and for each acquisition
// session creates a fresh queue, starts a worker goroutine that drains the
// queue into a sink, starts every capable producer and then polls. Polling
// sleeps a fixed interval between checks of the interruptor flag, the
// timeout and producer liveness, so stop latency is bounded by the poll
// interval. When every producer reports not-running the controller
// enqueues the session-stop spill, waits for the queue to drain, stops the
// queue and joins the worker.
//
// Sessions are bracketed on the empty stream id: a Start spill carrying
// the session id and settings, and a Stop spill carrying the final drop
// counters.
package daq

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/metrics"
	"github.com/xtxerr/spillway/internal/queue"
	"github.com/xtxerr/spillway/internal/spill"
	"github.com/xtxerr/spillway/internal/throughput"
)

var log = logging.Component("daq")

// SessionStream is the stream id of session bracketing spills.
const SessionStream = ""

// Options configures the controller.
type Options struct {
	// PollInterval is the sleep between checks in the poll loop and the
	// drain loop.
	PollInterval time.Duration

	// ProgressInterval is how often progress is emitted.
	ProgressInterval time.Duration

	// DrainTimeout caps the wait for the queue to empty. Zero waits forever.
	DrainTimeout time.Duration

	// Queue is the drop policy of each session's queue.
	Queue queue.Options

	// Settings are attached to the session-start spill.
	Settings map[string]any

	// Metrics is optional.
	Metrics *metrics.Registry

	// OnStatus receives the running status spill after every spill the
	// worker delivers. It runs on the worker goroutine.
	OnStatus func(*spill.Spill)

	// OnProgress receives periodic progress from the poll loop.
	OnProgress func(Progress)
}

// DefaultOptions returns the default controller options.
func DefaultOptions() Options {
	return Options{
		PollInterval:     config.DefaultPollInterval,
		ProgressInterval: config.DefaultProgressInterval,
		DrainTimeout:     config.DefaultDrainTimeout,
		Queue:            queue.DefaultOptions(),
	}
}

// Progress is a live view of a running acquisition.
type Progress struct {
	SessionID     string
	Elapsed       time.Duration
	Remaining     time.Duration // zero when running indefinitely
	Spills        uint64
	Events        uint64
	QueueSize     int
	DroppedSpills uint64
	DroppedEvents uint64
	Running       int
}

// LogAttrs returns slog key/value pairs.
func (p Progress) LogAttrs() []any {
	attrs := []any{
		"elapsed", p.Elapsed.Round(time.Millisecond),
		"spills", p.Spills,
		"events", p.Events,
		"queue_size", p.QueueSize,
		"dropped_spills", p.DroppedSpills,
		"dropped_events", p.DroppedEvents,
		"producers_running", p.Running,
	}
	if p.Remaining > 0 {
		attrs = append(attrs, "eta", p.Remaining.Round(time.Second))
	}
	return attrs
}

// Report summarizes one Acquire call.
type Report struct {
	// Started is false when the acquisition was refused.
	Started bool
	Err     error

	SessionID string
	Reason    StopReason
	Elapsed   time.Duration

	Producers []string // producers that were started
	Lost      []string // producers that stopped early with their capability degraded

	DroppedSpills uint64
	DroppedEvents uint64
	Discarded     int // spills cleared after the drain timeout

	Throughput throughput.Summary
}

// Controller orchestrates producers for acquisition sessions.
//
// Controller is safe for concurrent use. Only one acquisition runs at a time.
type Controller struct {
	opts      Options
	producers []Producer

	mu     sync.Mutex
	state  State
	booted map[Producer]bool
	queue  *queue.Queue

	lastStatus atomic.Pointer[spill.Spill]
	progress   atomic.Pointer[Progress]
}

// New creates a controller in the Idle state.
func New(opts Options, producers ...Producer) *Controller {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = def.ProgressInterval
	}
	return &Controller{
		opts:      opts,
		producers: producers,
		booted:    make(map[Producer]bool),
	}
}

// Producers returns the managed producers.
func (c *Controller) Producers() []Producer {
	return append([]Producer(nil), c.producers...)
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Aggregate ORs the status of every successfully booted producer. Producers
// that were not booted contribute only their Loaded flag. It is computed on
// each call so a producer lost mid-run shows up immediately.
func (c *Controller) Aggregate() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregateLocked()
}

func (c *Controller) aggregateLocked() Status {
	var agg Status
	for _, p := range c.producers {
		st := p.Status()
		if c.booted[p] {
			agg |= st
		} else {
			agg |= st & StatusLoaded
		}
	}
	return agg
}

// Boot boots every producer that reports CanBoot. A failing producer is
// logged and skipped. Boot fails only when no producer booted.
func (c *Controller) Boot() (Status, error) {
	c.mu.Lock()
	if c.state == StateRunning || c.state == StateStopping || c.state == StateBooting {
		c.mu.Unlock()
		return 0, errors.ErrBusy
	}
	c.state = StateBooting
	c.mu.Unlock()

	booted := make(map[Producer]bool)
	var failures []error
	for _, p := range c.producers {
		if !p.Status().Has(StatusCanBoot) {
			log.Debug("producer cannot boot", "producer", p.Name())
			continue
		}
		if err := p.Boot(); err != nil {
			log.Warn("producer boot failed", "producer", p.Name(), "error", err)
			failures = append(failures, errors.Wrapf(err, "boot %s", p.Name()))
			continue
		}
		booted[p] = true
		log.Info("producer booted", "producer", p.Name(), "status", p.Status())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.booted = booted
	agg := c.aggregateLocked()
	if len(booted) == 0 {
		c.state = StateIdle
		failures = append(failures, errors.ErrBootFailed)
		return agg, errors.Join(failures...)
	}

	c.state = StateReady
	log.Info("boot complete",
		"booted", len(booted),
		"failed", len(failures),
		"status", agg)
	return agg, nil
}

// Die stops and tears down every producer and resets the aggregated
// status. It is safe in any state.
func (c *Controller) Die() {
	for _, p := range c.producers {
		if p.Running() {
			p.Stop()
		}
		p.Die()
	}

	c.mu.Lock()
	c.booted = make(map[Producer]bool)
	if c.state != StateRunning && c.state != StateStopping {
		c.state = StateIdle
	}
	c.mu.Unlock()

	log.Info("producers torn down", "count", len(c.producers))
}

// Queue returns the active session's queue, or nil when idle.
func (c *Controller) Queue() *queue.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// LastStatus returns a copy of the latest running status spill.
func (c *Controller) LastStatus() *spill.Spill {
	return c.lastStatus.Load().Clone()
}

// Progress returns the latest progress snapshot.
func (c *Controller) Progress() (Progress, bool) {
	p := c.progress.Load()
	if p == nil {
		return Progress{}, false
	}
	return *p, true
}

// Acquire runs one acquisition session and blocks until it is over. The
// interruptor may be nil. A zero timeout runs until the interruptor is set
// or every producer finishes.
//
// Acquire refuses to start, logging a warning and returning a report with
// Started false, unless the aggregated status includes CanRun.
func (c *Controller) Acquire(sink Sink, interruptor *atomic.Bool, timeout time.Duration) Report {
	c.mu.Lock()
	if c.state == StateRunning || c.state == StateStopping || c.state == StateBooting {
		c.mu.Unlock()
		log.Warn("acquisition refused", "reason", "busy")
		return Report{Err: errors.ErrBusy}
	}
	if !c.aggregateLocked().Has(StatusCanRun) {
		agg := c.aggregateLocked()
		c.mu.Unlock()
		log.Warn("acquisition refused", "reason", "no capable producer", "status", agg)
		return Report{Err: errors.ErrNoCapableProducer}
	}

	var capable []Producer
	for _, p := range c.producers {
		if c.booted[p] && p.Status().Has(StatusCanRun) {
			capable = append(capable, p)
		}
	}

	q := queue.New(c.opts.Queue)
	c.queue = q
	c.state = StateRunning
	c.mu.Unlock()

	s := &session{
		c:           c,
		id:          uuid.NewString(),
		q:           q,
		sink:        sink,
		tracker:     throughput.New(),
		interruptor: interruptor,
		timeout:     timeout,
	}
	s.log = log.With("session_id", s.id)
	c.opts.Metrics.WatchQueue(q)

	report := s.run(capable)

	c.opts.Metrics.WatchQueue(nil)
	c.opts.Metrics.SetProducersRunning(0)
	c.opts.Metrics.AcquisitionDone(string(report.Reason))

	c.mu.Lock()
	c.queue = nil
	c.state = StateIdle
	c.mu.Unlock()

	return report
}

// session holds the state of one Acquire call.
type session struct {
	c           *Controller
	id          string
	q           *queue.Queue
	sink        Sink
	tracker     *throughput.Tracker
	interruptor *atomic.Bool
	timeout     time.Duration
	log         *slog.Logger

	lastProgress time.Time
}

func (s *session) run(capable []Producer) Report {
	opts := s.c.opts
	report := Report{Started: true, SessionID: s.id}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.work()
	}()

	start := time.Now()
	s.lastProgress = start
	s.q.Enqueue(s.startSpill(start, capable))

	var started []Producer
	for _, p := range capable {
		if p.Start(s.q) {
			started = append(started, p)
			report.Producers = append(report.Producers, p.Name())
		} else {
			s.log.Warn("producer failed to start", "producer", p.Name())
		}
	}
	s.log.Info("acquisition started",
		"producers", len(started),
		"timeout", s.timeout,
		"drop_enabled", opts.Queue.DropEnabled,
		"max_running", opts.Queue.MaxRunning)

	var deadline time.Time
	if s.timeout > 0 {
		deadline = start.Add(s.timeout)
	}

	lost := make(map[Producer]bool)
	stopping := false
	for {
		time.Sleep(opts.PollInterval)
		now := time.Now()

		if !stopping {
			switch {
			case s.interruptor != nil && s.interruptor.Load():
				report.Reason = ReasonInterrupted
			case s.timeout > 0 && !now.Before(deadline):
				report.Reason = ReasonTimeout
			}
			if report.Reason != ReasonNone {
				stopping = true
				s.stopProducers(started, report.Reason)
			}
		}

		running := 0
		for _, p := range started {
			if p.Running() {
				running++
				continue
			}
			if !stopping && !lost[p] && !p.Status().Has(StatusBooted|StatusCanRun) {
				lost[p] = true
				report.Lost = append(report.Lost, p.Name())
				s.log.Warn("producer stopped during acquisition",
					"producer", p.Name(),
					"status", s.c.Aggregate())
			}
		}
		opts.Metrics.SetProducersRunning(running)

		if running == 0 {
			if !stopping {
				report.Reason = ReasonFinished
				s.stopProducers(started, report.Reason)
			}
			break
		}

		if now.Sub(s.lastProgress) >= opts.ProgressInterval {
			s.lastProgress = now
			s.emitProgress(start, now, running)
		}
	}

	s.q.Enqueue(s.stopSpill(time.Now()))
	report.Discarded = s.drain()
	s.q.Stop()
	<-workerDone

	report.Elapsed = time.Since(start)
	report.DroppedSpills = s.q.DroppedSpills()
	report.DroppedEvents = s.q.DroppedEvents()
	report.Throughput = s.tracker.Summary()
	s.emitProgress(start, time.Now(), 0)

	s.log.Info("acquisition finished",
		"reason", report.Reason,
		"elapsed", report.Elapsed.Round(time.Millisecond),
		"dropped_spills", report.DroppedSpills,
		"dropped_events", report.DroppedEvents,
		"lost_producers", len(report.Lost))
	return report
}

func (s *session) stopProducers(started []Producer, reason StopReason) {
	s.c.setState(StateStopping)
	s.log.Info("stopping producers", "reason", reason)
	for _, p := range started {
		if !p.Stop() {
			s.log.Warn("producer refused stop", "producer", p.Name())
		}
	}
}

// drain busy-polls the queue size until it is empty. On drain timeout the
// remaining spills are discarded and their count returned.
func (s *session) drain() int {
	opts := s.c.opts
	var deadline time.Time
	if opts.DrainTimeout > 0 {
		deadline = time.Now().Add(opts.DrainTimeout)
	}
	for s.q.Size() > 0 {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			n := s.q.Size()
			s.log.Warn("drain timeout, discarding spills", "remaining", n)
			s.q.Clear()
			return n
		}
		time.Sleep(opts.PollInterval)
	}
	return 0
}

func (s *session) emitProgress(start, now time.Time, running int) {
	sum := s.tracker.Summary()
	p := Progress{
		SessionID:     s.id,
		Elapsed:       now.Sub(start),
		Spills:        sum.Spills,
		Events:        sum.Events,
		QueueSize:     s.q.Size(),
		DroppedSpills: s.q.DroppedSpills(),
		DroppedEvents: s.q.DroppedEvents(),
		Running:       running,
	}
	if s.timeout > 0 {
		p.Remaining = max(s.timeout-p.Elapsed, 0)
	}
	s.c.progress.Store(&p)

	if running > 0 {
		s.log.Info("acquisition progress", p.LogAttrs()...)
	}
	if s.c.opts.OnProgress != nil {
		s.c.opts.OnProgress(p)
	}
}

func (s *session) startSpill(t time.Time, capable []Producer) *spill.Spill {
	sp := spill.NewStart(SessionStream, t, nil)
	names := make([]any, len(capable))
	for i, p := range capable {
		names[i] = p.Name()
	}
	if err := sp.SetStates(s.c.opts.Settings); err != nil {
		s.log.Warn("settings not attached to session spill", "error", err)
	}
	sp.SetState(spill.StateSessionID, s.id)
	sp.SetState(spill.StateProducer, names)
	return sp
}

func (s *session) stopSpill(t time.Time) *spill.Spill {
	sp := spill.NewStop(SessionStream, t)
	err := sp.SetStates(map[string]any{
		spill.StateSessionID:     s.id,
		spill.StateDroppedSpills: float64(s.q.DroppedSpills()),
		spill.StateDroppedEvents: float64(s.q.DroppedEvents()),
	})
	if err != nil {
		s.log.Warn("state not attached to session stop spill", "error", err)
	}
	return sp
}
