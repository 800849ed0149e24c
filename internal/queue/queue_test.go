package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/spillway/internal/spill"
	testhelp "github.com/xtxerr/spillway/internal/testing"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func running(stream string, ms, events int) *spill.Spill {
	buf := spill.NewEventBuffer(events)
	for i := 0; i < events; i++ {
		buf.Append(spill.Event{Timestamp: uint64(i)})
	}
	return spill.NewRunning(stream, at(ms), buf)
}

func drain(t *testing.T, q *Queue) []*spill.Spill {
	t.Helper()
	var out []*spill.Spill
	for {
		s, ok := q.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func TestQueue_Empty(t *testing.T) {
	q := New(DefaultOptions())

	if q.Size() != 0 {
		t.Errorf("expected size=0, got %d", q.Size())
	}
	if _, ok := q.TryDequeue(); ok {
		t.Error("TryDequeue on empty queue should fail")
	}
	if q.Enqueue(nil) {
		t.Error("nil spill should not be accepted")
	}
}

func TestQueue_DocumentedScenario(t *testing.T) {
	q := New(Options{DropEnabled: true, MaxRunning: 1})

	q.Enqueue(spill.NewStart("A", at(0), nil))
	q.Enqueue(running("A", 1000, 3))
	q.Enqueue(running("B", 500, 2))
	q.Enqueue(spill.NewStop("A", at(2000)))

	got := drain(t, q)
	want := []struct {
		stream string
		phase  spill.Phase
	}{
		{"A", spill.PhaseStart},
		{"B", spill.PhaseRunning},
		{"A", spill.PhaseRunning},
		{"A", spill.PhaseStop},
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d spills, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].StreamID != w.stream || got[i].Phase != w.phase {
			t.Errorf("position %d: expected %s(%s), got %s(%s)",
				i, w.phase, w.stream, got[i].Phase, got[i].StreamID)
		}
	}
	if q.DroppedSpills() != 0 {
		t.Errorf("expected 0 dropped spills, got %d", q.DroppedSpills())
	}
}

func TestQueue_FIFOPerStream(t *testing.T) {
	q := New(Options{})

	// Interleave three streams with timestamps that are not monotonic
	// within a stream, so only FIFO order can explain the output.
	streams := []string{"a", "b", "c"}
	for i := 0; i < 30; i++ {
		s := running(streams[i%3], (i*7919)%101, 1)
		s.Events.All()[0].Timestamp = uint64(i)
		q.Enqueue(s)
	}

	last := map[string]int64{"a": -1, "b": -1, "c": -1}
	for _, s := range drain(t, q) {
		seq := int64(s.Events.At(0).Timestamp)
		if seq <= last[s.StreamID] {
			t.Errorf("stream %s: sequence %d delivered after %d", s.StreamID, seq, last[s.StreamID])
		}
		last[s.StreamID] = seq
	}
}

func TestQueue_ChronologicalMerge(t *testing.T) {
	q := New(Options{})

	// Disjoint, interleaved timestamps: A even, B odd.
	for i := 0; i < 20; i++ {
		q.Enqueue(running("A", i*20, 1))
		q.Enqueue(running("B", i*20+10, 1))
	}

	got := drain(t, q)
	if len(got) != 40 {
		t.Fatalf("expected 40 spills, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time.Before(got[i-1].Time) {
			t.Errorf("position %d: %s before %s", i, got[i].Time, got[i-1].Time)
		}
	}
}

func TestQueue_TieBreakByStreamID(t *testing.T) {
	q := New(Options{})

	q.Enqueue(running("zeta", 5, 1))
	q.Enqueue(running("alpha", 5, 1))
	q.Enqueue(running("mid", 5, 1))
	q.Enqueue(spill.NewStart("", at(5), nil))

	var order []string
	for _, s := range drain(t, q) {
		order = append(order, s.StreamID)
	}

	want := []string{"", "alpha", "mid", "zeta"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, order)
	}

	if fmt.Sprint(q.Streams()) != fmt.Sprint(want) {
		t.Errorf("Streams() should report tie-break order, got %v", q.Streams())
	}
}

func TestQueue_Backpressure(t *testing.T) {
	const threshold = 4
	q := New(Options{DropEnabled: true, MaxRunning: threshold})

	if !q.Enqueue(spill.NewStart("A", at(0), nil)) {
		t.Fatal("start spill must be accepted")
	}
	for i := 0; i < threshold; i++ {
		if !q.Enqueue(running("A", i+1, 10)) {
			t.Fatalf("running spill %d should be accepted", i)
		}
	}
	if q.Enqueue(running("A", 100, 7)) {
		t.Error("running spill over threshold should be dropped")
	}
	if !q.Enqueue(spill.NewStop("A", at(200))) {
		t.Error("stop spill must never be dropped")
	}
	if !q.Enqueue(spill.NewStart("A", at(300), nil)) {
		t.Error("start spill must never be dropped")
	}

	// Other streams are unaffected.
	if !q.Enqueue(running("B", 1, 3)) {
		t.Error("stream B has its own budget")
	}

	if q.DroppedSpills() != 1 {
		t.Errorf("expected 1 dropped spill, got %d", q.DroppedSpills())
	}
	if q.DroppedEvents() != 7 {
		t.Errorf("expected 7 dropped events, got %d", q.DroppedEvents())
	}
	if q.StreamLen("A") != threshold+3 {
		t.Errorf("expected %d spills buffered for A, got %d", threshold+3, q.StreamLen("A"))
	}
	if q.Size() != threshold+4 {
		t.Errorf("expected size=%d, got %d", threshold+4, q.Size())
	}

	// Start(A), then Running(A) at t=1 beats Running(B) at t=1 on id,
	// then Running(B) since A's front is now t=2.
	q.TryDequeue()
	if s, _ := q.TryDequeue(); s.StreamID != "A" {
		t.Errorf("expected tie won by A, got %s", s.StreamID)
	}
	s, _ := q.TryDequeue()
	if s.Phase != spill.PhaseRunning {
		t.Fatalf("expected running spill, got %s", s)
	}
	if s.StreamID != "B" {
		t.Errorf("expected B, got %s", s.StreamID)
	}
	if !q.Enqueue(running("A", 400, 1)) {
		t.Error("running spill should be accepted after a slot is freed")
	}
}

func TestQueue_DropDisabled(t *testing.T) {
	q := New(Options{DropEnabled: false, MaxRunning: 1})

	for i := 0; i < 10; i++ {
		if !q.Enqueue(running("A", i, 1)) {
			t.Fatalf("spill %d dropped with drop policy disabled", i)
		}
	}
	if q.DroppedSpills() != 0 {
		t.Errorf("expected no drops, got %d", q.DroppedSpills())
	}
}

func TestQueue_DrainAfterStop(t *testing.T) {
	q := New(Options{})

	for i := 0; i < 5; i++ {
		q.Enqueue(running("A", i, 1))
	}
	q.Stop()
	q.Stop() // idempotent

	for i := 0; i < 5; i++ {
		s, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: expected buffered spill after stop", i)
		}
		if !s.Time.Equal(at(i)) {
			t.Errorf("dequeue %d: expected t=%s, got %s", i, at(i), s.Time)
		}
	}

	if _, ok := q.Dequeue(); ok {
		t.Error("expected terminal signal once drained")
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("terminal signal should persist")
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(Options{})

	got := make(chan *spill.Spill, 1)
	go func() {
		s, _ := q.Dequeue()
		got <- s
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue(running("A", 1, 1))

	select {
	case s := <-got:
		if s == nil || s.StreamID != "A" {
			t.Errorf("unexpected spill %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue not woken by enqueue")
	}
}

func TestQueue_StopWakesWaiters(t *testing.T) {
	q := New(Options{})

	const waiters = 4
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, ok := q.Dequeue()
			results <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Stop()

	for i := 0; i < waiters; i++ {
		select {
		case ok := <-results:
			if ok {
				t.Error("expected terminal signal")
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by stop")
		}
	}
}

func TestQueue_DequeueContext(t *testing.T) {
	q := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.DequeueContext(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("expected no spill after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("DequeueContext not woken by cancel")
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New(Options{DropEnabled: true, MaxRunning: 2})
	q.Enqueue(running("A", 1, 1))
	q.Enqueue(running("A", 2, 1))
	q.Clear()

	if q.Size() != 0 {
		t.Errorf("expected size=0 after clear, got %d", q.Size())
	}
	if !q.Enqueue(running("A", 3, 1)) {
		t.Error("running budget should reset after clear")
	}
	if q.DroppedSpills() != 0 {
		t.Error("clear must not count drops")
	}
}

func TestQueue_StreamBufferGrowth(t *testing.T) {
	q := New(Options{})
	const n = initialStreamCapacity*4 + 3

	// Pop a few first so the ring wraps before it grows.
	for i := 0; i < 5; i++ {
		q.Enqueue(running("A", i, 1))
	}
	for i := 0; i < 3; i++ {
		q.TryDequeue()
	}
	for i := 5; i < n; i++ {
		q.Enqueue(running("A", i, 1))
	}

	got := drain(t, q)
	if len(got) != n-3 {
		t.Fatalf("expected %d spills, got %d", n-3, len(got))
	}
	for i, s := range got {
		if !s.Time.Equal(at(i + 3)) {
			t.Fatalf("position %d: expected t=%s, got %s", i, at(i+3), s.Time)
		}
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New(Options{})
	const producers = 4
	const perProducer = 500

	gt := testhelp.NewGoroutineTest(t)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		stream := fmt.Sprintf("s%d", p)
		gt.Go(func() error {
			defer wg.Done()
			q.Enqueue(spill.NewStart(stream, time.Now(), nil))
			for i := 0; i < perProducer; i++ {
				q.Enqueue(spill.NewRunning(stream, time.Now(), nil))
			}
			q.Enqueue(spill.NewStop(stream, time.Now()))
			return nil
		})
	}

	// Concurrent readers of the counters must not block or race.
	gt.Go(func() error {
		for i := 0; i < 1000; i++ {
			_ = q.Size() + int(q.DroppedSpills()) + int(q.DroppedEvents())
		}
		return nil
	})

	received := make(map[string]int)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			s, ok := q.Dequeue()
			if !ok {
				return
			}
			received[s.StreamID]++
		}
	}()

	wg.Wait()
	q.Stop()
	<-consumed
	gt.Wait()

	for p := 0; p < producers; p++ {
		stream := fmt.Sprintf("s%d", p)
		if received[stream] != perProducer+2 {
			t.Errorf("stream %s: expected %d spills, got %d", stream, perProducer+2, received[stream])
		}
	}

	stats := q.Stats()
	if stats.Enqueued != stats.Dequeued {
		t.Errorf("expected enqueued=dequeued, got %d/%d", stats.Enqueued, stats.Dequeued)
	}
}

func BenchmarkQueue_EnqueueDequeue(b *testing.B) {
	q := New(Options{})
	s := spill.NewRunning("A", epoch, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Enqueue(s)
		q.TryDequeue()
	}
}
