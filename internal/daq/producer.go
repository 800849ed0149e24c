package daq

import (
	"github.com/xtxerr/spillway/internal/queue"
	"github.com/xtxerr/spillway/internal/spill"
)

// Producer is a data source driven by the controller. Producers push
// spills into the queue handed to Start from their own goroutines and
// must not touch a spill after enqueueing it.
type Producer interface {
	// Name identifies the producer in logs and reports.
	Name() string

	// Boot prepares the producer. A failing producer is left out of the
	// aggregated status.
	Boot() error

	// Die tears the producer down unconditionally.
	Die()

	// Status returns the current capability bitmask.
	Status() Status

	// Start begins pushing spills into q.
	Start(q *queue.Queue) bool

	// Stop asks the producer to stop. It may keep running briefly.
	Stop() bool

	// Running reports whether the producer is still pushing spills.
	Running() bool
}

// Sink consumes dequeued spills on the worker goroutine.
type Sink interface {
	PushSpill(s *spill.Spill)

	// Flush makes buffered aggregation state visible.
	Flush()
}

// SinkFunc adapts a function to Sink with a no-op Flush.
type SinkFunc func(*spill.Spill)

func (f SinkFunc) PushSpill(s *spill.Spill) { f(s) }
func (f SinkFunc) Flush()                   {}
