package daq

import (
	"time"

	"github.com/xtxerr/spillway/internal/spill"
)

// work drains the session queue into the sink until the queue reports the
// terminal signal, then flushes the sink and logs throughput.
func (s *session) work() {
	metrics := s.c.opts.Metrics
	for {
		sp, ok := s.q.Dequeue()
		if !ok {
			break
		}

		events := sp.EventCount()
		start := time.Now()
		s.sink.PushSpill(sp)
		latency := time.Since(start)

		s.tracker.Observe(events, latency)
		metrics.ObserveSpill(events, latency)
		s.publishStatus()
	}

	s.sink.Flush()
	s.log.Info("worker finished", s.tracker.Summary().LogAttrs()...)
}

// publishStatus emits a running status spill with queue diagnostics. It
// is handed to observers and never enqueued.
func (s *session) publishStatus() {
	st := spill.New(SessionStream, spill.PhaseRunning, time.Now())
	err := st.SetStates(map[string]any{
		spill.StateSessionID:     s.id,
		spill.StateQueueSize:     float64(s.q.Size()),
		spill.StateDroppedSpills: float64(s.q.DroppedSpills()),
		spill.StateDroppedEvents: float64(s.q.DroppedEvents()),
	})
	if err != nil {
		s.log.Warn("state not attached to status spill", "error", err)
	}
	s.c.lastStatus.Store(st)
	if s.c.opts.OnStatus != nil {
		s.c.opts.OnStatus(st.Clone())
	}
}
