// Package sink implements the aggregation sink the acquisition worker
// delivers spills to.
//
// A Fanout hands every spill to each registered consumer. Consumers run on
// the worker goroutine, one after another. Every consumer but the last
// receives its own deep copy, so no two consumers share a mutable spill.
package sink

import (
	"sync"

	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/spill"
)

var log = logging.Component("sink")

// Consumer receives spills from a Fanout.
type Consumer interface {
	PushSpill(s *spill.Spill)
	Flush()
}

// Fanout forwards spills to its consumers.
type Fanout struct {
	mu        sync.RWMutex
	consumers []Consumer
}

// NewFanout creates a fanout over consumers.
func NewFanout(consumers ...Consumer) *Fanout {
	return &Fanout{consumers: consumers}
}

// Add registers a consumer.
func (f *Fanout) Add(c Consumer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers = append(f.consumers, c)
}

// Len returns the number of consumers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.consumers)
}

// PushSpill delivers s to every consumer. The last consumer receives s
// itself.
func (f *Fanout) PushSpill(s *spill.Spill) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	last := len(f.consumers) - 1
	for i, c := range f.consumers {
		if i == last {
			c.PushSpill(s)
		} else {
			c.PushSpill(s.Clone())
		}
	}
}

// Flush flushes every consumer.
func (f *Fanout) Flush() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.consumers {
		c.Flush()
	}
}

// Histograms returns the histogram consumers by name.
func (f *Fanout) Histograms() map[string]*Histogram {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]*Histogram)
	for _, c := range f.consumers {
		if h, ok := c.(*Histogram); ok {
			out[h.Name()] = h
		}
	}
	return out
}

// Spaces returns the storage of every histogram consumer by name.
func (f *Fanout) Spaces() map[string]*dataspace.Space {
	out := make(map[string]*dataspace.Space)
	for name, h := range f.Histograms() {
		out[name] = h.Space()
	}
	return out
}
