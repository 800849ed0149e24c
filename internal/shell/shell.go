// Package shell is the interactive spillway console.
//
// Commands run against an app.Engine. An acquisition runs in the
// background so stop, status and get stay usable while it is live.
package shell

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/spillway/internal/app"
	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/logging"
)

var log = logging.Component("shell")

// maxRows bounds range and top output.
const maxRows = 50

type command struct {
	name string
	args string
	help string
	run  func(s *Shell, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{name: "help", help: "list commands", run: (*Shell).help},
		{name: "boot", help: "boot every producer", run: (*Shell).boot},
		{name: "die", help: "stop and unboot every producer", run: (*Shell).die},
		{name: "status", help: "show producer and acquisition status", run: (*Shell).status},
		{name: "acquire", args: "[timeout]", help: "start an acquisition in the background", run: (*Shell).acquire},
		{name: "stop", help: "interrupt the running acquisition", run: (*Shell).stop},
		{name: "wait", help: "wait for the running acquisition to finish", run: (*Shell).wait},
		{name: "list", help: "list histograms", run: (*Shell).list},
		{name: "get", args: "<histogram> <coord>...", help: "read one bin", run: (*Shell).get},
		{name: "range", args: "<histogram> [min:max]...", help: "list non-zero bins in a box", run: (*Shell).rangeCmd},
		{name: "plot", args: "<histogram>", help: "draw a 1-D spectrum", run: (*Shell).plot},
		{name: "save", args: "[histogram]...", help: "save histograms", run: (*Shell).save},
		{name: "load", help: "restore saved histograms", run: (*Shell).load},
		{name: "total", args: "<histogram>", help: "sum of a saved histogram", run: (*Shell).total},
		{name: "top", args: "<histogram> [n]", help: "largest bins of a saved histogram", run: (*Shell).top},
		{name: "journal", help: "show journal disk usage", run: (*Shell).journal},
		{name: "exit", help: "leave the shell"},
	}
}

// lockedWriter serializes output from background acquisitions.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Shell executes console commands.
type Shell struct {
	engine *app.Engine
	out    io.Writer
	width  int

	mu     sync.Mutex
	active bool
	done   chan struct{}
	last   *daq.Report
}

// New creates a shell writing to out. Width bounds plot output.
func New(engine *app.Engine, out io.Writer, width int) *Shell {
	if width <= 0 {
		width = 80
	}
	return &Shell{engine: engine, out: &lockedWriter{w: out}, width: width}
}

// Run reads commands until exit or end of input.
func (s *Shell) Run() {
	p := prompt.New(
		func(line string) { s.Execute(line) },
		s.complete,
		prompt.OptionPrefix("spillway> "),
		prompt.OptionTitle("spillway"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
	s.finish()
}

func isExit(line string) bool {
	f := strings.Fields(line)
	return len(f) == 1 && (f[0] == "exit" || f[0] == "quit")
}

func (s *Shell) complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	fields := strings.Fields(before)
	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		sugg := make([]prompt.Suggest, len(commands))
		for i, c := range commands {
			sugg[i] = prompt.Suggest{Text: c.name, Description: c.help}
		}
		return prompt.FilterHasPrefix(sugg, d.GetWordBeforeCursor(), true)
	}

	switch fields[0] {
	case "get", "range", "plot", "save", "total", "top":
		var sugg []prompt.Suggest
		for _, n := range s.engine.Names() {
			sugg = append(sugg, prompt.Suggest{Text: n})
		}
		return prompt.FilterHasPrefix(sugg, d.GetWordBeforeCursor(), true)
	}
	return nil
}

// Execute runs one command line. It reports whether the shell should exit.
func (s *Shell) Execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	if isExit(line) {
		return true
	}

	for _, c := range commands {
		if c.name != fields[0] || c.run == nil {
			continue
		}
		if err := c.run(s, fields[1:]); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			log.Debug("command failed", "command", c.name, "error", err)
		}
		return false
	}
	fmt.Fprintf(s.out, "unknown command %q, try help\n", fields[0])
	return false
}

func (s *Shell) help(_ []string) error {
	for _, c := range commands {
		usage := c.name
		if c.args != "" {
			usage += " " + c.args
		}
		fmt.Fprintf(s.out, "  %-32s %s\n", usage, c.help)
	}
	return nil
}

func (s *Shell) boot(_ []string) error {
	st, err := s.engine.Boot()
	fmt.Fprintf(s.out, "status: %s\n", st)
	return err
}

func (s *Shell) die(_ []string) error {
	s.engine.Die()
	fmt.Fprintf(s.out, "status: %s\n", s.engine.Status())
	return nil
}

func (s *Shell) status(_ []string) error {
	ctrl := s.engine.Controller()
	fmt.Fprintf(s.out, "state: %s\nstatus: %s\n", ctrl.State(), s.engine.Status())
	for _, p := range ctrl.Producers() {
		fmt.Fprintf(s.out, "  %-16s %s\n", p.Name(), p.Status())
	}
	if p, ok := ctrl.Progress(); ok {
		fmt.Fprintf(s.out, "session %s: %s elapsed, %d spills, %d events, queue %d, dropped %d/%d\n",
			p.SessionID, p.Elapsed.Round(time.Millisecond), p.Spills, p.Events,
			p.QueueSize, p.DroppedSpills, p.DroppedEvents)
	}
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		fmt.Fprintf(s.out, "last acquisition: %s\n", describe(*last))
	}
	return nil
}

func describe(r daq.Report) string {
	if !r.Started {
		return fmt.Sprintf("refused: %v", r.Err)
	}
	return fmt.Sprintf("%s after %s, %d spills, %d events, dropped %d spills",
		r.Reason, r.Elapsed.Round(time.Millisecond), r.Throughput.Spills, r.Throughput.Events, r.DroppedSpills)
}

func (s *Shell) acquire(args []string) error {
	timeout := time.Duration(-1)
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d < 0 {
			return fmt.Errorf("bad timeout %q", args[0])
		}
		timeout = d
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.ErrBusy
	}
	s.active = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	fmt.Fprintln(s.out, "acquisition started")
	go func() {
		defer close(done)
		report, err := s.engine.Acquire(context.Background(), timeout)
		s.mu.Lock()
		s.last = &report
		s.active = false
		s.mu.Unlock()
		fmt.Fprintf(s.out, "acquisition %s\n", describe(report))
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}()
	return nil
}

func (s *Shell) stop(_ []string) error {
	s.engine.Interrupt()
	return nil
}

func (s *Shell) wait(_ []string) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	fmt.Fprintf(s.out, "last acquisition: %s\n", describe(*last))
	return nil
}

// finish interrupts and waits for a running acquisition.
func (s *Shell) finish() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active {
		s.engine.Interrupt()
		<-s.done
	}
}

func (s *Shell) list(_ []string) error {
	for _, n := range s.engine.Names() {
		h, _ := s.engine.Histogram(n)
		space := h.Space()
		st := h.Stats()
		fmt.Fprintf(s.out, "  %-20s %-9s total=%s bins=%d skipped=%d\n",
			n, space.Kind(), space.Total(), space.NonZero(), st.Skipped)
	}
	return nil
}

func (s *Shell) space(args []string) (*dataspace.Space, error) {
	if len(args) == 0 {
		return nil, errors.NewMissingField("histogram")
	}
	h, err := s.engine.Histogram(args[0])
	if err != nil {
		return nil, err
	}
	return h.Space(), nil
}

func (s *Shell) get(args []string) error {
	space, err := s.space(args)
	if err != nil {
		return err
	}
	if len(args)-1 != space.Dimensions() {
		return fmt.Errorf("need %d coordinates", space.Dimensions())
	}
	coords := make([]int, space.Dimensions())
	for i, a := range args[1:] {
		if coords[i], err = strconv.Atoi(a); err != nil {
			return fmt.Errorf("bad coordinate %q", a)
		}
	}
	fmt.Fprintf(s.out, "%v\n", space.Get(coords))
	return nil
}

func parseBounds(args []string, dims int) ([]dataspace.Bound, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) != dims {
		return nil, fmt.Errorf("need %d bounds", dims)
	}
	bounds := make([]dataspace.Bound, dims)
	for i, a := range args {
		lo, hi, ok := strings.Cut(a, ":")
		if !ok {
			return nil, fmt.Errorf("bad bound %q, want min:max", a)
		}
		var err error
		if bounds[i].Min, err = strconv.Atoi(lo); err != nil {
			return nil, fmt.Errorf("bad bound %q", a)
		}
		if bounds[i].Max, err = strconv.Atoi(hi); err != nil {
			return nil, fmt.Errorf("bad bound %q", a)
		}
	}
	return bounds, nil
}

func (s *Shell) rangeCmd(args []string) error {
	space, err := s.space(args)
	if err != nil {
		return err
	}
	bounds, err := parseBounds(args[1:], space.Dimensions())
	if err != nil {
		return err
	}
	s.printEntries(space.Range(bounds))
	return nil
}

func (s *Shell) printEntries(entries []dataspace.Entry) {
	for i, e := range entries {
		if i == maxRows {
			fmt.Fprintf(s.out, "  ... %d more\n", len(entries)-maxRows)
			break
		}
		fmt.Fprintf(s.out, "  %v %v\n", e.Coords, e.Value)
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "  (empty)")
	}
}

func (s *Shell) plot(args []string) error {
	space, err := s.space(args)
	if err != nil {
		return err
	}
	return Spectrum(s.out, space, s.width, 12)
}

func (s *Shell) save(args []string) error {
	if err := s.engine.Save(context.Background(), args...); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "saved to %s\n", s.engine.Config().Persistence.Dir)
	return nil
}

func (s *Shell) load(_ []string) error {
	if err := s.engine.Load(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "loaded")
	return nil
}

func (s *Shell) total(args []string) error {
	if len(args) != 1 {
		return errors.NewMissingField("histogram")
	}
	svc, err := s.engine.Query()
	if err != nil {
		return err
	}
	total, err := svc.Total(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%v\n", total)
	return nil
}

func (s *Shell) journal(_ []string) error {
	jc := s.engine.Config().Journal
	if !jc.Enabled {
		fmt.Fprintln(s.out, "journal disabled")
		return nil
	}
	u, err := journal.DiskUsage(jc.Dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: %d segments, %s\n", jc.Dir, u.Segments, journal.FormatBytes(u.TotalSize))
	if rec := s.engine.Recorder(); rec != nil {
		st := rec.Stats()
		fmt.Fprintf(s.out, "  written: %d records, %d events, %d write errors\n",
			st.RecordsWritten, st.EventsWritten, rec.Errors())
	}
	return nil
}

func (s *Shell) top(args []string) error {
	if len(args) == 0 {
		return errors.NewMissingField("histogram")
	}
	n := 10
	if len(args) > 1 {
		var err error
		if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 {
			return fmt.Errorf("bad count %q", args[1])
		}
	}
	svc, err := s.engine.Query()
	if err != nil {
		return err
	}
	entries, err := svc.Top(context.Background(), args[0], min(n, maxRows))
	if err != nil {
		return err
	}
	s.printEntries(entries)
	return nil
}
