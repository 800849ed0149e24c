package sink

import (
	"sync/atomic"

	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/spill"
)

// Recorder writes every spill, session spills included, to a journal so
// the session can be replayed later.
type Recorder struct {
	w      *journal.Writer
	errors atomic.Uint64
}

// NewRecorder records into w. The recorder owns w.
func NewRecorder(w *journal.Writer) *Recorder {
	return &Recorder{w: w}
}

// PushSpill appends s to the journal. Write failures are logged and counted.
func (r *Recorder) PushSpill(s *spill.Spill) {
	if err := r.w.Write(s); err != nil {
		if r.errors.Add(1) == 1 {
			log.Error("journal write failed", "dir", r.w.Dir(), "error", err)
		}
	}
}

// Flush syncs the journal.
func (r *Recorder) Flush() {
	if err := r.w.Sync(); err != nil {
		log.Error("journal sync failed", "dir", r.w.Dir(), "error", err)
	}
}

// Errors returns the number of failed writes.
func (r *Recorder) Errors() uint64 {
	return r.errors.Load()
}

// Stats returns the journal writer statistics.
func (r *Recorder) Stats() journal.WriterStats {
	return r.w.Stats()
}

// Segment returns the path of the segment being written.
func (r *Recorder) Segment() string {
	return r.w.CurrentSegment()
}

// Close closes the journal.
func (r *Recorder) Close() error {
	return r.w.Close()
}
