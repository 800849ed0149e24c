package settings

import (
	"github.com/xtxerr/spillway/internal/daq"
	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/persist"
	"github.com/xtxerr/spillway/internal/producer/replay"
	"github.com/xtxerr/spillway/internal/producer/simulator"
	"github.com/xtxerr/spillway/internal/query"
	"github.com/xtxerr/spillway/internal/queue"
	"github.com/xtxerr/spillway/internal/sink"
	"github.com/xtxerr/spillway/internal/spill"
)

// QueueOptions returns the queue drop policy.
func (c *AcquisitionConfig) QueueOptions() queue.Options {
	return queue.Options{
		DropEnabled: c.DropEnabled,
		MaxRunning:  c.MaxRunningSpills,
	}
}

// DaqOptions returns controller options. Callbacks and metrics are left
// for the caller.
func (c *AcquisitionConfig) DaqOptions() daq.Options {
	opts := daq.DefaultOptions()
	opts.PollInterval = c.PollInterval
	opts.ProgressInterval = c.ProgressInterval
	opts.DrainTimeout = c.DrainTimeout
	opts.Queue = c.QueueOptions()
	return opts
}

// SpaceOptions returns the histogram writer policy.
func (c *AcquisitionConfig) SpaceOptions() dataspace.Options {
	return dataspace.Options{
		WriteRetries: c.WriteRetries,
		WriteBackoff: c.WriteBackoff,
	}
}

// SimulatorConfig converts a simulator producer entry.
func (c *ProducerConfig) SimulatorConfig() simulator.Config {
	peaks := make([]simulator.Peak, len(c.Peaks))
	for i, p := range c.Peaks {
		peaks[i] = simulator.Peak{Center: p.Center, Sigma: p.Sigma, Weight: p.Weight}
	}
	return simulator.Config{
		Name:           c.Name,
		Streams:        c.Streams,
		SpillInterval:  c.SpillInterval,
		EventsPerSpill: c.EventsPerSpill,
		Spills:         c.Spills,
		Bits:           c.Bits,
		Channels:       c.Channels,
		Peaks:          peaks,
		Background:     c.Background,
		Seed:           c.Seed,
		Timebase:       spill.Timebase{Multiplier: c.Timebase.Multiplier, Divider: c.Timebase.Divider},
		FailBoot:       c.FailBoot,
	}
}

// ReplayConfig converts a replay producer entry.
func (c *ProducerConfig) ReplayConfig() replay.Config {
	return replay.Config{Name: c.Name, Dir: c.Dir, Rate: c.Rate}
}

// Producer builds the producer the entry describes.
func (c *ProducerConfig) Producer() daq.Producer {
	if c.Type == ProducerReplay {
		return replay.New(c.ReplayConfig())
	}
	return simulator.New(c.SimulatorConfig())
}

// SinkConfig converts a histogram entry into its sink binding.
func (c *HistogramConfig) SinkConfig() sink.HistogramConfig {
	return sink.HistogramConfig{
		Name:        c.Name,
		Stream:      c.Stream,
		Fields:      c.Fields,
		Shift:       c.Shift,
		WeightField: c.WeightField,
		Bits:        c.Bits,
	}
}

// Space creates the empty dataspace with its axis calibrations applied.
func (c *HistogramConfig) Space(opts dataspace.Options) (*dataspace.Space, error) {
	kind, err := dataspace.ParseKind(c.Kind)
	if err != nil {
		return nil, err
	}
	space, err := dataspace.NewWithOptions(kind, opts)
	if err != nil {
		return nil, err
	}
	for d, cc := range c.Calibration {
		cal, err := cc.Calibration()
		if err != nil {
			return nil, err
		}
		space.SetCalibration(d, cal)
	}
	return space, nil
}

// Options returns persistence options.
func (c *PersistenceConfig) Options() persist.Options {
	return persist.Options{
		Compression: c.Compression,
		ChunkSize:   c.ChunkSize,
		Workers:     c.Workers,
	}
}

// Options returns journal writer options.
func (c *JournalConfig) Options() journal.Options {
	return journal.Options{
		MaxSegmentSize: c.MaxSegmentSize,
		SyncMode:       c.SyncMode,
		BufferSize:     c.BufferSize,
	}
}

// Retention returns the journal pruning limits.
func (c *JournalConfig) Retention() journal.Retention {
	return journal.Retention{MaxAge: c.MaxAge, MaxBytes: c.MaxBytes}
}

// Options returns query engine options.
func (c *QueryConfig) Options() query.Options {
	return query.Options{MemoryLimit: c.MemoryLimit}
}
