// spillway is the spill-based data acquisition engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/xtxerr/spillway/internal/app"
	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/settings"
	"github.com/xtxerr/spillway/internal/shell"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "spillway.yaml", "config file path")
	timeout := flag.Duration("timeout", -1, "acquisition timeout, 0 runs until interrupted (overrides config)")
	out := flag.String("out", "", "histogram output directory (overrides config)")
	interactive := flag.Bool("shell", false, "start the interactive shell")
	metricsListen := flag.String("metrics-listen", "", "Prometheus listen address (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	jsonLogs := flag.Bool("json-logs", false, "log as JSON")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("spillway", Version)
		return 0
	}

	cfg, err := settings.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 2
		}
		cfg = settings.DefaultConfig()
	}

	// CLI overrides
	if *out != "" {
		cfg.Persistence.Dir = *out
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLogs {
		cfg.Logging.JSON = true
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 2
	}

	logging.InitWriter(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("main")
	log.Info("spillway starting", "version", Version, "config", *cfgPath, "data_dir", cfg.DataDir)

	stdoutTTY := term.IsTerminal(int(os.Stdout.Fd()))
	stderrTTY := term.IsTerminal(int(os.Stderr.Fd()))

	var hooks app.Hooks
	if stderrTTY && !*interactive && !cfg.Logging.JSON {
		hooks.OnProgress = func(p daq.Progress) {
			fmt.Fprintf(os.Stderr, "\r%s  spills=%d events=%d queue=%d dropped=%d   ",
				p.Elapsed.Round(time.Second), p.Spills, p.Events, p.QueueSize, p.DroppedSpills)
		}
	}

	engine, err := app.New(cfg, hooks)
	if err != nil {
		log.Error("create engine", "error", err)
		return 1
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("close engine", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := engine.Metrics().Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Error("metrics endpoint", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
		log.Info("metrics enabled", "addr", cfg.Metrics.Listen)
	}

	if *interactive {
		shell.New(engine, os.Stdout, termWidth()).Run()
		return 0
	}

	// =========================================================================
	// Signal Handling
	// =========================================================================

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			log.Info("interrupt received, stopping acquisition")
			engine.Interrupt()
		}
	}()

	if _, err := engine.Boot(); err != nil {
		log.Error("boot failed", "error", err)
		return 1
	}

	report, err := engine.Acquire(ctx, *timeout)
	if hooks.OnProgress != nil {
		fmt.Fprintln(os.Stderr)
	}
	if !report.Started {
		log.Error("acquisition refused", "error", report.Err)
		return 1
	}
	if err != nil {
		log.Error("save histograms", "error", err)
		return 1
	}

	fmt.Printf("session %s: %s after %s\n", report.SessionID, report.Reason, report.Elapsed.Round(time.Millisecond))
	fmt.Printf("  spills=%d events=%d dropped_spills=%d dropped_events=%d discarded=%d\n",
		report.Throughput.Spills, report.Throughput.Events,
		report.DroppedSpills, report.DroppedEvents, report.Discarded)
	if len(report.Lost) > 0 {
		fmt.Printf("  lost producers: %v\n", report.Lost)
	}

	if stdoutTTY {
		width := termWidth()
		for _, name := range engine.Names() {
			h, _ := engine.Histogram(name)
			if h.Space().Dimensions() != 1 {
				continue
			}
			fmt.Printf("\n%s (total %s)\n", name, h.Space().Total())
			shell.Spectrum(os.Stdout, h.Space(), width, 12)
		}
	}
	return 0
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
