// Package app wires producers, histograms, the journal, persistence and
// metrics into one acquisition engine built from a settings.Config.
//
// The engine owns the controller and a fanout sink. Histograms keep their
// identity across acquisitions, so Load replaces the underlying spaces in
// place and later sessions keep accumulating into them.
package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/metrics"
	"github.com/xtxerr/spillway/internal/persist"
	"github.com/xtxerr/spillway/internal/query"
	"github.com/xtxerr/spillway/internal/settings"
	"github.com/xtxerr/spillway/internal/sink"
	"github.com/xtxerr/spillway/internal/spill"
)

var log = logging.Component("app")

// Hooks receive live acquisition updates. Both are optional.
type Hooks struct {
	OnStatus   func(*spill.Spill)
	OnProgress func(daq.Progress)
}

// Engine is a configured acquisition system.
type Engine struct {
	cfg     *settings.Config
	metrics *metrics.Registry
	ctrl    *daq.Controller
	fanout  *sink.Fanout

	histograms map[string]*sink.Histogram
	names      []string
	recorder   *sink.Recorder

	interrupt atomic.Bool

	// runMu serializes Load against the start and end of acquisitions.
	runMu     sync.Mutex
	acquiring int

	mu    sync.Mutex
	query *query.Service
}

// New builds an engine. The configuration must be validated.
func New(cfg *settings.Config, hooks Hooks) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		metrics:    metrics.New(),
		fanout:     sink.NewFanout(),
		histograms: make(map[string]*sink.Histogram),
	}

	spaceOpts := cfg.Acquisition.SpaceOptions()
	for i := range cfg.Histograms {
		hc := &cfg.Histograms[i]
		space, err := hc.Space(spaceOpts)
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", hc.Name, err)
		}
		h, err := sink.NewHistogram(hc.SinkConfig(), space, e.metrics)
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", hc.Name, err)
		}
		e.histograms[hc.Name] = h
		e.names = append(e.names, hc.Name)
		e.fanout.Add(h)
	}
	sort.Strings(e.names)

	if cfg.Journal.Enabled {
		w, err := journal.NewWriter(cfg.Journal.Dir, cfg.Journal.Options())
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		e.recorder = sink.NewRecorder(w)
		e.fanout.Add(e.recorder)
	}

	producers := make([]daq.Producer, len(cfg.Producers))
	for i := range cfg.Producers {
		producers[i] = cfg.Producers[i].Producer()
	}

	opts := cfg.Acquisition.DaqOptions()
	opts.Metrics = e.metrics
	opts.OnStatus = hooks.OnStatus
	opts.OnProgress = hooks.OnProgress
	opts.Settings = e.sessionSettings()
	e.ctrl = daq.New(opts, producers...)

	if cfg.Persistence.LoadOnStart {
		if err := e.Load(context.Background()); err != nil {
			e.closeRecorder()
			return nil, fmt.Errorf("load histograms: %w", err)
		}
	}

	log.Info("engine ready",
		"producers", len(producers),
		"histograms", len(e.names),
		"journal", cfg.Journal.Enabled)
	return e, nil
}

// sessionSettings are attached to every session start spill.
func (e *Engine) sessionSettings() map[string]any {
	hists := make([]any, len(e.names))
	for i, n := range e.names {
		hists[i] = n
	}
	return map[string]any{
		"data_dir":   e.cfg.DataDir,
		"histograms": hists,
		"journal":    e.cfg.Journal.Enabled,
		"timeout_s":  e.cfg.Acquisition.Timeout.Seconds(),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() *settings.Config { return e.cfg }

// Controller returns the acquisition controller.
func (e *Engine) Controller() *daq.Controller { return e.ctrl }

// Metrics returns the metrics registry.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// Status returns the aggregate producer status.
func (e *Engine) Status() daq.Status { return e.ctrl.Aggregate() }

// Boot boots every bootable producer.
func (e *Engine) Boot() (daq.Status, error) { return e.ctrl.Boot() }

// Die unboots every producer.
func (e *Engine) Die() { e.ctrl.Die() }

// Interrupt asks a running acquisition to stop.
func (e *Engine) Interrupt() { e.interrupt.Store(true) }

// Acquire runs one acquisition and blocks until it has drained. A
// negative timeout uses the configured one. With save_on_exit the
// histograms are saved afterwards; a save failure is returned separately
// from the report.
func (e *Engine) Acquire(ctx context.Context, timeout time.Duration) (daq.Report, error) {
	if timeout < 0 {
		timeout = e.cfg.Acquisition.Timeout
	}
	e.interrupt.Store(false)
	e.runMu.Lock()
	e.acquiring++
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		e.acquiring--
		e.runMu.Unlock()
	}()

	report := e.ctrl.Acquire(e.fanout, &e.interrupt, timeout)
	if !report.Started {
		return report, nil
	}

	log.Info("acquisition finished",
		"session_id", report.SessionID,
		"reason", report.Reason,
		"elapsed", report.Elapsed.Round(time.Millisecond),
		"dropped_spills", report.DroppedSpills)

	e.pruneJournal()

	if e.cfg.Persistence.SaveOnExit {
		if err := e.Save(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

// pruneJournal applies the journal retention limits. The active segment
// is kept.
func (e *Engine) pruneJournal() {
	r := e.cfg.Journal.Retention()
	if e.recorder == nil || !r.Enabled() {
		return
	}
	result, err := journal.Prune(e.cfg.Journal.Dir, r, e.recorder.Segment())
	if err != nil {
		log.Warn("journal prune failed", "dir", e.cfg.Journal.Dir, "error", err)
		return
	}
	for _, err := range result.Errors {
		log.Warn("journal prune", "error", err)
	}
}

// Names returns the histogram names, sorted.
func (e *Engine) Names() []string {
	return append([]string(nil), e.names...)
}

// Histogram returns a histogram by name.
func (e *Engine) Histogram(name string) (*sink.Histogram, error) {
	h, ok := e.histograms[name]
	if !ok {
		return nil, fmt.Errorf("histogram %q: %w", name, errors.ErrNotFound)
	}
	return h, nil
}

// Save writes the named histograms, or all of them, to the persistence
// directory.
func (e *Engine) Save(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = e.names
	}
	spaces := make(map[string]*dataspace.Space, len(names))
	for _, n := range names {
		h, err := e.Histogram(n)
		if err != nil {
			return err
		}
		spaces[n] = h.Space()
	}

	dir := e.cfg.Persistence.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persistence dir: %w", err)
	}
	return persist.SaveAll(ctx, dir, spaces, e.cfg.Persistence.Options())
}

// Load restores saved histograms into the configured ones. Saved groups
// without a configured histogram are ignored. Loading during an
// acquisition is refused.
func (e *Engine) Load(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.busy() {
		return errors.ErrBusy
	}
	spaces, err := persist.LoadAll(ctx, e.cfg.Persistence.Dir, e.cfg.Persistence.Options())
	if err != nil {
		return err
	}

	loaded := 0
	for name, space := range spaces {
		h, ok := e.histograms[name]
		if !ok {
			log.Debug("ignoring saved histogram", "histogram", name)
			continue
		}
		if err := h.SetSpace(space); err != nil {
			return fmt.Errorf("histogram %s: %w", name, err)
		}
		loaded++
	}
	log.Info("histograms loaded", "dir", e.cfg.Persistence.Dir, "count", loaded)
	return nil
}

// busy reports whether an acquisition is in progress. Caller holds runMu.
func (e *Engine) busy() bool {
	st := e.ctrl.State()
	return e.acquiring > 0 || st == daq.StateRunning || st == daq.StateStopping
}

// Query returns the query service over the persistence directory,
// opening it on first use.
func (e *Engine) Query() (*query.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.query != nil {
		return e.query, nil
	}
	svc, err := query.New(e.cfg.Persistence.Dir, e.cfg.Query.Options())
	if err != nil {
		return nil, err
	}
	e.query = svc
	return svc, nil
}

// Recorder returns the journal recorder, or nil when recording is off.
func (e *Engine) Recorder() *sink.Recorder { return e.recorder }

func (e *Engine) closeRecorder() error {
	if e.recorder == nil {
		return nil
	}
	return e.recorder.Close()
}

// Close stops producers and releases the journal and query engine.
func (e *Engine) Close() error {
	e.Interrupt()
	e.ctrl.Die()

	var errs []error
	if err := e.closeRecorder(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	e.mu.Lock()
	if e.query != nil {
		if err := e.query.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close query: %w", err))
		}
		e.query = nil
	}
	e.mu.Unlock()
	return errors.Join(errs...)
}
