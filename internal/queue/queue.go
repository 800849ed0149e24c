// Package queue implements the multi-stream spill queue that sits between
// producers and the acquisition worker.
//
// Each stream id gets its own FIFO. Enqueue never blocks: when the drop
// policy is enabled and a stream already buffers MaxRunning Running spills,
// further Running spills for that stream are discarded and counted. Start
// and Stop spills are never dropped, so session framing survives heavy loss.
//
// Dequeue merges streams approximately chronologically: it pops the front
// of the stream whose front spill is oldest. Ties are broken by ascending
// stream id (byte-wise string order), which is also the order Streams()
// reports. The empty stream id, used for session bracketing, is an ordinary
// key and sorts first only because "" is the smallest string.
package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/spill"
)

// Options configures the drop policy.
type Options struct {
	// DropEnabled enables dropping Running spills over MaxRunning.
	DropEnabled bool

	// MaxRunning is the per-stream cap of buffered Running spills.
	MaxRunning int
}

// DefaultOptions returns the default drop policy.
func DefaultOptions() Options {
	return Options{
		DropEnabled: config.DefaultDropEnabled,
		MaxRunning:  config.DefaultMaxRunningSpills,
	}
}

// Queue is a thread-safe multi-stream spill queue.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts    Options
	streams map[string]*streamBuffer
	ids     []string // sorted stream ids
	stopped bool

	// Counters readable without the lock
	size          atomic.Int64
	enqueued      atomic.Uint64
	dequeued      atomic.Uint64
	droppedSpills atomic.Uint64
	droppedEvents atomic.Uint64
}

// New creates an empty queue.
func New(opts Options) *Queue {
	if opts.MaxRunning < 0 {
		opts.MaxRunning = 0
	}
	q := &Queue{
		opts:    opts,
		streams: make(map[string]*streamBuffer),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue hands s to the queue. The caller gives up ownership of s.
// Returns false if the spill was dropped by the drop policy.
func (q *Queue) Enqueue(s *spill.Spill) bool {
	if s == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	buf := q.stream(s.StreamID)

	if q.opts.DropEnabled &&
		s.Phase == spill.PhaseRunning &&
		buf.running >= q.opts.MaxRunning {
		q.droppedSpills.Add(1)
		q.droppedEvents.Add(uint64(s.EventCount()))
		return false
	}

	buf.push(s)
	q.size.Add(1)
	q.enqueued.Add(1)
	q.cond.Signal()

	return true
}

// stream returns the buffer for id, creating it if needed. Caller holds mu.
func (q *Queue) stream(id string) *streamBuffer {
	buf, ok := q.streams[id]
	if !ok {
		buf = newStreamBuffer(id)
		q.streams[id] = buf
		i := sort.SearchStrings(q.ids, id)
		q.ids = append(q.ids, "")
		copy(q.ids[i+1:], q.ids[i:])
		q.ids[i] = id
	}
	return buf
}

// Dequeue blocks until a spill is available or the queue is stopped and
// empty. The second return value is false exactly when no more data will
// arrive.
func (q *Queue) Dequeue() (*spill.Spill, bool) {
	return q.DequeueContext(context.Background())
}

// DequeueContext is Dequeue that also returns (nil, false) when ctx is done.
func (q *Queue) DequeueContext(ctx context.Context) (*spill.Spill, bool) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer stop()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size.Load() == 0 && !q.stopped && ctx.Err() == nil {
		q.cond.Wait()
	}

	if q.size.Load() == 0 || (ctx.Err() != nil) {
		return nil, false
	}

	return q.popOldest(), true
}

// TryDequeue pops the oldest spill without blocking.
func (q *Queue) TryDequeue() (*spill.Spill, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size.Load() == 0 {
		return nil, false
	}
	return q.popOldest(), true
}

// popOldest selects the non-empty stream with the smallest earliest time.
// Iterating ids in sorted order with a strict comparison makes the lowest
// stream id win ties. Caller holds mu and guarantees size > 0.
func (q *Queue) popOldest() *spill.Spill {
	var best *streamBuffer
	for _, id := range q.ids {
		buf := q.streams[id]
		if buf.empty() {
			continue
		}
		if best == nil || buf.earliest.Before(best.earliest) {
			best = buf
		}
	}

	s := best.pop()
	q.size.Add(-1)
	q.dequeued.Add(1)
	return s
}

// Stop raises the stop signal and wakes all waiters. Buffered spills are
// still delivered by subsequent Dequeue calls. Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}

// Stopped reports whether Stop was called.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Clear discards all buffered spills without counting them as drops.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, buf := range q.streams {
		buf.clear()
	}
	q.size.Store(0)
}

// Size returns the total number of buffered spills.
func (q *Queue) Size() int {
	return int(q.size.Load())
}

// DroppedSpills returns the number of spills discarded by the drop policy.
func (q *Queue) DroppedSpills() uint64 {
	return q.droppedSpills.Load()
}

// DroppedEvents returns the number of events in dropped spills.
func (q *Queue) DroppedEvents() uint64 {
	return q.droppedEvents.Load()
}

// Streams returns the known stream ids in tie-break order.
func (q *Queue) Streams() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

// StreamLen returns the number of spills buffered for one stream.
func (q *Queue) StreamLen(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if buf, ok := q.streams[id]; ok {
		return buf.count
	}
	return 0
}

// Options returns the drop policy.
func (q *Queue) Options() Options {
	return q.opts
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	return Stats{
		Size:          q.Size(),
		Enqueued:      q.enqueued.Load(),
		Dequeued:      q.dequeued.Load(),
		DroppedSpills: q.droppedSpills.Load(),
		DroppedEvents: q.droppedEvents.Load(),
	}
}

// Stats holds queue statistics.
type Stats struct {
	Size          int
	Enqueued      uint64
	Dequeued      uint64
	DroppedSpills uint64
	DroppedEvents uint64
}
