package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/persist"
	"github.com/xtxerr/spillway/internal/settings"
	"github.com/xtxerr/spillway/internal/spill"
)

func testConfig(t *testing.T) *settings.Config {
	t.Helper()
	cfg := settings.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Acquisition.PollInterval = 2 * time.Millisecond
	cfg.Acquisition.ProgressInterval = 10 * time.Millisecond
	cfg.Acquisition.DropEnabled = false

	p := &cfg.Producers[0]
	p.SpillInterval = time.Millisecond
	p.EventsPerSpill = 40
	p.Spills = 5
	p.Bits = 10

	cfg.Histograms = append(cfg.Histograms, settings.HistogramConfig{
		Name:   "energy_channel",
		Kind:   "sparse2d",
		Stream: "adc0",
		Fields: []string{"energy", "channel"},
	})
	cfg.Journal.Enabled = true
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestEngineAcquireSaveLoad(t *testing.T) {
	cfg := testConfig(t)

	var statuses, progress atomic.Int64
	e, err := New(cfg, Hooks{
		OnStatus:   func(*spill.Spill) { statuses.Add(1) },
		OnProgress: func(daq.Progress) { progress.Add(1) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if e.Status().Has(daq.StatusCanRun) {
		t.Error("expected no can_run before boot")
	}
	if _, err := e.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	report, err := e.Acquire(context.Background(), -1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !report.Started || report.Reason != daq.ReasonFinished {
		t.Fatalf("unexpected report %+v", report)
	}
	if statuses.Load() == 0 || progress.Load() == 0 {
		t.Error("expected status and progress callbacks")
	}

	energy, err := e.Histogram("energy")
	if err != nil {
		t.Fatal(err)
	}
	// Two streams, five spills of 40 events each.
	if got := energy.Space().Total().IntPart(); got != 400 {
		t.Errorf("expected energy total 400, got %d", got)
	}
	matrix, _ := e.Histogram("energy_channel")
	if got := matrix.Space().Total().IntPart(); got != 200 {
		t.Errorf("expected adc0-only total 200, got %d", got)
	}

	names, err := persist.List(cfg.Persistence.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("expected 2 saved histograms, got %v", names)
	}

	svc, err := e.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	total, err := svc.Total(context.Background(), "energy")
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total != 400 {
		t.Errorf("expected queried total 400, got %v", total)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The journal holds both session brackets and every data spill.
	stats, err := journal.Replay(cfg.Journal.Dir, func(*spill.Spill) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(2 + 2*(5+2)); stats.RecordsRead != want {
		t.Errorf("expected %d journal records, got %d", want, stats.RecordsRead)
	}

	// A new engine restores the saved spaces.
	cfg.Persistence.LoadOnStart = true
	cfg.Journal.Enabled = false
	restored, err := New(cfg, Hooks{})
	if err != nil {
		t.Fatalf("New with load: %v", err)
	}
	defer restored.Close()
	h, _ := restored.Histogram("energy")
	if !h.Space().Total().Equal(energy.Space().Total()) {
		t.Errorf("expected restored total %s, got %s", energy.Space().Total(), h.Space().Total())
	}
}

func TestEngineUnknownHistogram(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = false
	e, err := New(cfg, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if _, err := e.Histogram("nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := e.Save(context.Background(), "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Save, got %v", err)
	}
	if got := e.Names(); len(got) != 2 || got[0] != "energy" {
		t.Errorf("unexpected names %v", got)
	}
}

func TestEngineAcquireWithoutBoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = false
	cfg.Persistence.SaveOnExit = true
	e, err := New(cfg, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	report, err := e.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Started || !errors.Is(report.Err, errors.ErrNoCapableProducer) {
		t.Errorf("expected refusal, got %+v", report)
	}
	if names, _ := persist.List(cfg.Persistence.Dir); len(names) != 0 {
		t.Errorf("refused acquisition must not save, got %v", names)
	}
}

func TestEngineInterrupt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = false
	cfg.Persistence.SaveOnExit = false
	cfg.Producers[0].Spills = 0
	e, err := New(cfg, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	e.Boot()

	go func() {
		time.Sleep(30 * time.Millisecond)
		e.Interrupt()
	}()
	report, _ := e.Acquire(context.Background(), 0)
	if report.Reason != daq.ReasonInterrupted {
		t.Errorf("expected interrupted, got %q", report.Reason)
	}
}

func TestEngineLoadRefusedDuringAcquire(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = false
	cfg.Persistence.SaveOnExit = false
	cfg.Producers[0].Spills = 0
	e, err := New(cfg, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	e.Boot()

	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	done := make(chan daq.Report, 1)
	go func() {
		report, _ := e.Acquire(context.Background(), 0)
		done <- report
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.runMu.Lock()
		started := e.acquiring > 0
		e.runMu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("acquisition did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := e.Load(context.Background()); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("expected ErrBusy during acquisition, got %v", err)
	}

	e.Interrupt()
	report := <-done
	if !report.Started {
		t.Fatalf("expected acquisition to start, got %v", report.Err)
	}
	if err := e.Load(context.Background()); err != nil {
		t.Errorf("expected load after acquisition, got %v", err)
	}
}
