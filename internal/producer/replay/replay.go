// Package replay provides a producer that feeds a recorded journal back
// into the acquisition engine.
//
// Session bracketing spills in the journal are skipped since the
// controller brackets the new session itself. Replayed spills are
// restamped with the time they are enqueued, which keeps the recorded
// delivery order; the original time is kept in the "recorded_at" state
// attribute. If the replay is stopped early, every stream that was opened
// gets a Stop spill so framing stays intact.
package replay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/queue"
	"github.com/xtxerr/spillway/internal/spill"
)

var log = logging.Component("replay")

// StateRecordedAt is the state attribute holding the recorded spill time.
const StateRecordedAt = "recorded_at"

// Config configures a replay producer.
type Config struct {
	Name string
	Dir  string

	// Rate limits replayed spills per second. Zero replays as fast as
	// the queue accepts them.
	Rate float64
}

// Stats counts replay progress.
type Stats struct {
	Replayed       uint64
	Skipped        uint64
	CorruptRecords int64
}

// Producer replays a journal directory.
type Producer struct {
	cfg Config

	mu     sync.Mutex
	booted bool
	cancel context.CancelFunc
	done   chan struct{}

	running  atomic.Bool
	replayed atomic.Uint64
	skipped  atomic.Uint64
	corrupt  atomic.Int64
}

// New creates a replay producer.
func New(cfg Config) *Producer {
	if cfg.Name == "" {
		cfg.Name = "replay"
	}
	return &Producer{cfg: cfg}
}

func (p *Producer) Name() string { return p.cfg.Name }

// Boot checks that the journal has segments.
func (p *Producer) Boot() error {
	if p.cfg.Dir == "" {
		return errors.NewMissingField("replay.dir")
	}
	if p.cfg.Rate < 0 {
		return errors.NewInvalidValue("replay.rate", p.cfg.Rate, "must not be negative")
	}
	segments, err := journal.ListSegments(p.cfg.Dir)
	if err != nil {
		return fmt.Errorf("list journal %s: %w", p.cfg.Dir, err)
	}
	if len(segments) == 0 {
		return fmt.Errorf("journal %s: %w", p.cfg.Dir, errors.ErrMissingDataset)
	}

	p.mu.Lock()
	p.booted = true
	p.mu.Unlock()
	log.Info("replay booted", "dir", p.cfg.Dir, "segments", len(segments))
	return nil
}

// Die stops the replay and unboots.
func (p *Producer) Die() {
	p.Stop()
	p.mu.Lock()
	done := p.done
	p.booted = false
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status reports capabilities.
func (p *Producer) Status() daq.Status {
	st := daq.StatusLoaded | daq.StatusCanBoot
	p.mu.Lock()
	if p.booted {
		st |= daq.StatusBooted | daq.StatusCanRun
	}
	p.mu.Unlock()
	if p.running.Load() {
		st |= daq.StatusRunning
	}
	return st
}

// Start replays the journal into q from a new goroutine. The producer
// reports not-running once the journal is exhausted.
func (p *Producer) Start(q *queue.Queue) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.booted || p.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)

	go func(done chan struct{}) {
		defer close(done)
		defer p.running.Store(false)
		p.run(ctx, q)
	}(p.done)
	return true
}

func (p *Producer) run(ctx context.Context, q *queue.Queue) {
	var limiter *rate.Limiter
	if p.cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.Rate), 1)
	}
	open := make(map[string]bool)

	stats, err := journal.Replay(p.cfg.Dir, func(s *spill.Spill) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.StreamID == daq.SessionStream {
			p.skipped.Add(1)
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		switch s.Phase {
		case spill.PhaseStart:
			open[s.StreamID] = true
		case spill.PhaseStop:
			delete(open, s.StreamID)
		}

		s.SetState(StateRecordedAt, s.Time.Format(time.RFC3339Nano))
		s.Time = time.Now()
		q.Enqueue(s)
		p.replayed.Add(1)
		return nil
	})
	p.corrupt.Add(stats.CorruptRecords)

	switch {
	case errors.Is(err, context.Canceled):
		log.Info("replay stopped", "replayed", p.replayed.Load())
	case err != nil:
		log.Error("replay failed", "dir", p.cfg.Dir, "error", err)
	default:
		log.Info("replay finished",
			"replayed", p.replayed.Load(),
			"skipped", p.skipped.Load(),
			"corrupt", stats.CorruptRecords)
	}

	for id := range open {
		q.Enqueue(spill.NewStop(id, time.Now()))
	}
}

// Stop cancels the replay.
func (p *Producer) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	return true
}

// Running reports whether the replay goroutine is active.
func (p *Producer) Running() bool {
	return p.running.Load()
}

// Stats returns replay counters.
func (p *Producer) Stats() Stats {
	return Stats{
		Replayed:       p.replayed.Load(),
		Skipped:        p.skipped.Load(),
		CorruptRecords: p.corrupt.Load(),
	}
}
