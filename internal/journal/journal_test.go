package journal

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/spill"
)

func sampleSpills() []*spill.Spill {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &spill.Manifest{
		StreamID: "adc0",
		Timebase: spill.Timebase{Multiplier: 10, Divider: 4},
		Values:   []string{"energy", "channel"},
		Bits:     []int{14, 4},
		Traces:   []spill.TraceField{{Name: "waveform", Dims: []int{8}}},
		Status:   []string{spill.StateNativeTime},
	}
	start := spill.NewStart("adc0", t0, m)
	start.SetState(spill.StateProducer, "sim")

	events := spill.NewEventBuffer(3)
	events.Append(spill.Event{Timestamp: 100, Values: []int64{1234, 2}})
	events.Append(spill.Event{Timestamp: 250, Values: []int64{-5, 1}, Traces: [][]int32{{1, -2, 3}}})
	events.Append(spill.Event{Timestamp: 400})
	running := spill.NewRunning("adc0", t0.Add(time.Second), events)
	running.SetStates(map[string]any{spill.StateQueueSize: 3, spill.StateNativeTime: 400})

	empty := spill.NewRunning("adc0", t0.Add(2*time.Second), spill.NewEventBuffer(0))
	stop := spill.NewStop("adc0", t0.Add(3*time.Second))
	return []*spill.Spill{start, running, empty, stop}
}

func equalSpill(t *testing.T, want, got *spill.Spill) {
	t.Helper()
	if got.StreamID != want.StreamID || got.Phase != want.Phase || !got.Time.Equal(want.Time) {
		t.Errorf("header mismatch: expected %s, got %s", want, got)
	}
	if !reflect.DeepEqual(got.Manifest, want.Manifest) {
		t.Errorf("manifest mismatch: expected %+v, got %+v", want.Manifest, got.Manifest)
	}
	if (want.Events == nil) != (got.Events == nil) {
		t.Fatalf("event buffer presence mismatch")
	}
	if !reflect.DeepEqual(got.Events.All(), want.Events.All()) && got.EventCount()+want.EventCount() > 0 {
		t.Errorf("events mismatch: expected %v, got %v", want.Events.All(), got.Events.All())
	}
	for k := range want.State.GetFields() {
		wn, wok := want.StateNumber(k)
		gn, gok := got.StateNumber(k)
		ws, _ := want.StateString(k)
		gs, _ := got.StateString(k)
		if wok != gok || wn != gn || ws != gs {
			t.Errorf("state %q mismatch", k)
		}
	}
}

func readAll(t *testing.T, dir string) ([]*spill.Spill, ReaderStats) {
	t.Helper()
	var out []*spill.Spill
	stats, err := Replay(dir, func(s *spill.Spill) error {
		out = append(out, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return out, stats
}

func TestWriteAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	want := sampleSpills()
	for _, s := range want {
		if err := w.Write(s); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st := w.Stats()
	if st.RecordsWritten != 4 || st.EventsWritten != 3 {
		t.Errorf("unexpected writer stats %+v", st)
	}

	got, rs := readAll(t, dir)
	if len(got) != len(want) {
		t.Fatalf("expected %d spills, got %d", len(want), len(got))
	}
	for i := range want {
		equalSpill(t, want[i], got[i])
	}
	if rs.RecordsRead != 4 || rs.EventsRead != 3 || rs.CorruptRecords != 0 {
		t.Errorf("unexpected reader stats %+v", rs)
	}
	if !got[1].Events.Finalized() {
		t.Error("replayed buffers should be finalized")
	}
	if got[3].Events != nil {
		t.Error("stop spill should have no event buffer")
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, Options{MaxSegmentSize: 200, SyncMode: SyncWrite})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		for _, s := range sampleSpills() {
			if err := w.Write(s); err != nil {
				t.Fatal(err)
			}
		}
	}
	w.Close()

	paths, err := ListSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) < 3 {
		t.Errorf("expected several segments, got %d", len(paths))
	}
	if paths[0] != filepath.Join(dir, "0000000000000000.journal") {
		t.Errorf("unexpected first segment %s", paths[0])
	}

	got, _ := readAll(t, dir)
	if len(got) != 40 {
		t.Errorf("expected 40 spills across segments, got %d", len(got))
	}
	phases := []spill.Phase{spill.PhaseStart, spill.PhaseRunning, spill.PhaseRunning, spill.PhaseStop}
	for i, s := range got {
		if s.Phase != phases[i%4] {
			t.Fatalf("spill %d out of order: %s", i, s)
		}
	}
}

func TestReopenAppendsNewSegment(t *testing.T) {
	dir := t.TempDir()
	for round := 0; round < 2; round++ {
		w, err := NewWriter(dir, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		w.Write(sampleSpills()[0])
		w.Close()
	}

	paths, _ := ListSegments(dir)
	if len(paths) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(paths))
	}
	got, _ := readAll(t, dir)
	if len(got) != 2 {
		t.Errorf("expected 2 spills, got %d", len(got))
	}
}

func TestCorruptRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, DefaultOptions())
	for _, s := range sampleSpills() {
		w.Write(s)
	}
	path := w.CurrentSegment()
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[headerSize+recordHeaderSize+3] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	got, stats := readAll(t, dir)
	if len(got) != 3 {
		t.Errorf("expected 3 intact spills, got %d", len(got))
	}
	if stats.CorruptRecords != 1 {
		t.Errorf("expected 1 corrupt record, got %d", stats.CorruptRecords)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); !errors.Is(err, errors.ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", err)
	}
	if s, err := r.Next(); err != nil || s.Phase != spill.PhaseRunning {
		t.Errorf("reader should continue after a corrupt record, got %v %v", s, err)
	}
}

func TestTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, DefaultOptions())
	for _, s := range sampleSpills() {
		w.Write(s)
	}
	path := w.CurrentSegment()
	w.Close()

	info, _ := os.Stat(path)
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	got, _ := readAll(t, dir)
	if len(got) != 3 {
		t.Errorf("expected 3 spills before truncation, got %d", len(got))
	}
}

func TestInvalidSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), segmentName(0))
	os.WriteFile(path, []byte("definitely not a journal"), 0644)

	if _, err := NewReader(path); !errors.Is(err, errors.ErrMalformedFile) {
		t.Errorf("expected ErrMalformedFile, got %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, _ := NewWriter(t.TempDir(), DefaultOptions())
	w.Close()
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := w.Write(sampleSpills()[0]); !errors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}
}

func TestInvalidSyncMode(t *testing.T) {
	_, err := NewWriter(t.TempDir(), Options{SyncMode: "never"})
	if !errors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, DefaultOptions())
	for _, s := range sampleSpills() {
		w.Write(s)
	}
	w.Close()

	stop := errors.New("enough")
	n := 0
	_, err := Replay(dir, func(*spill.Spill) error {
		n++
		return stop
	})
	if err != stop || n != 1 {
		t.Errorf("expected to stop after one spill, n=%d err=%v", n, err)
	}
}

func writeSegments(t *testing.T, dir string, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		w, err := NewWriter(dir, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range sampleSpills() {
			w.Write(s)
		}
		w.Close()
	}
	paths, err := ListSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	return paths
}

func TestPruneByAge(t *testing.T) {
	dir := t.TempDir()
	paths := writeSegments(t, dir, 3)
	old := time.Now().Add(-2 * time.Hour)
	for _, p := range paths[:2] {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	result, err := Prune(dir, Retention{MaxAge: time.Hour}, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.SegmentsDeleted != 2 || result.SegmentsKept != 1 {
		t.Errorf("expected 2 deleted and 1 kept, got %+v", result)
	}
	left, _ := ListSegments(dir)
	if len(left) != 1 || left[0] != paths[2] {
		t.Errorf("expected newest segment to remain, got %v", left)
	}
}

func TestPruneBySizeKeepsActive(t *testing.T) {
	dir := t.TempDir()
	paths := writeSegments(t, dir, 4)
	u, err := DiskUsage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if u.Segments != 4 {
		t.Fatalf("expected 4 segments, got %d", u.Segments)
	}

	// Room for roughly one segment, and the oldest one is active.
	result, err := Prune(dir, Retention{MaxBytes: u.TotalSize / 4}, paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if result.SegmentsDeleted != 3 {
		t.Errorf("expected 3 deleted, got %+v", result)
	}
	left, _ := ListSegments(dir)
	if len(left) != 1 || left[0] != paths[0] {
		t.Errorf("expected active segment to remain, got %v", left)
	}
}

func TestRetentionDisabled(t *testing.T) {
	if (Retention{}).Enabled() {
		t.Error("zero retention should be disabled")
	}
	dir := t.TempDir()
	writeSegments(t, dir, 2)
	result, _ := Prune(dir, Retention{}, "")
	if result.SegmentsDeleted != 0 || result.SegmentsKept != 2 {
		t.Errorf("expected nothing pruned, got %+v", result)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{3 * 1024 * 1024, "3.00 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
