// Package settings loads the spillway YAML configuration and converts it
// into the option structs of the individual components.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/spillway/config"
)

// Producer types.
const (
	ProducerSimulator = "simulator"
	ProducerReplay    = "replay"
)

// Config is the complete spillway configuration.
type Config struct {
	// DataDir is the root directory for histograms and journals.
	DataDir string `yaml:"data_dir"`

	Logging     LoggingConfig     `yaml:"logging"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Producers   []ProducerConfig  `yaml:"producers"`
	Histograms  []HistogramConfig `yaml:"histograms"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Journal     JournalConfig     `yaml:"journal"`
	Query       QueryConfig       `yaml:"query"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON switches to JSON output.
	JSON bool `yaml:"json"`
}

// AcquisitionConfig configures the controller and its queue.
type AcquisitionConfig struct {
	// Timeout ends an acquisition. Zero runs until interrupted.
	Timeout time.Duration `yaml:"timeout"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`

	// DropEnabled and MaxRunningSpills form the queue drop policy.
	DropEnabled      bool `yaml:"drop_enabled"`
	MaxRunningSpills int  `yaml:"max_running_spills"`

	// WriteRetries and WriteBackoff tune histogram writer locking.
	WriteRetries int           `yaml:"write_retries"`
	WriteBackoff time.Duration `yaml:"write_backoff"`
}

// ProducerConfig configures one producer. Type selects which fields apply.
type ProducerConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Simulator
	Streams        []string       `yaml:"streams"`
	SpillInterval  time.Duration  `yaml:"spill_interval"`
	EventsPerSpill int            `yaml:"events_per_spill"`
	Spills         int            `yaml:"spills"`
	Bits           int            `yaml:"bits"`
	Channels       int            `yaml:"channels"`
	Peaks          []PeakConfig   `yaml:"peaks"`
	Background     float64        `yaml:"background"`
	Seed           uint64         `yaml:"seed"`
	Timebase       TimebaseConfig `yaml:"timebase"`
	FailBoot       bool           `yaml:"fail_boot"`

	// Replay
	Dir  string  `yaml:"dir"`
	Rate float64 `yaml:"rate"`
}

// PeakConfig is a simulated gaussian line.
type PeakConfig struct {
	Center float64 `yaml:"center"`
	Sigma  float64 `yaml:"sigma"`
	Weight float64 `yaml:"weight"`
}

// TimebaseConfig converts native ticks to nanoseconds.
type TimebaseConfig struct {
	Multiplier int64 `yaml:"multiplier"`
	Divider    int64 `yaml:"divider"`
}

// HistogramConfig configures one histogram.
type HistogramConfig struct {
	Name        string              `yaml:"name"`
	Kind        string              `yaml:"kind"`
	Stream      string              `yaml:"stream"`
	Fields      []string            `yaml:"fields"`
	Shift       []uint              `yaml:"shift"`
	WeightField string              `yaml:"weight_field"`
	Bits        int                 `yaml:"bits"`
	Calibration []CalibrationConfig `yaml:"calibration"`
}

// CalibrationConfig calibrates one axis.
type CalibrationConfig struct {
	From   string    `yaml:"from"`
	To     string    `yaml:"to"`
	Model  string    `yaml:"model"` // identity, linear, scaled, table
	Coeffs []float64 `yaml:"coeffs"`
}

// PersistenceConfig configures histogram files.
type PersistenceConfig struct {
	// Dir defaults to {DataDir}/histograms.
	Dir string `yaml:"dir"`

	// Compression is snappy, zstd, lz4, gzip or none.
	Compression string `yaml:"compression"`

	ChunkSize int `yaml:"chunk_size"`
	Workers   int `yaml:"workers"`

	// SaveOnExit writes every histogram after an acquisition.
	SaveOnExit bool `yaml:"save_on_exit"`

	// LoadOnStart restores saved histograms before the first acquisition.
	LoadOnStart bool `yaml:"load_on_start"`
}

// JournalConfig configures spill recording.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir defaults to {DataDir}/journal.
	Dir string `yaml:"dir"`

	SyncMode       string `yaml:"sync_mode"`
	MaxSegmentSize int64  `yaml:"max_segment_size"`
	BufferSize     int    `yaml:"buffer_size"`

	// MaxAge and MaxBytes prune old segments after each acquisition.
	MaxAge   time.Duration `yaml:"max_age"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// QueryConfig configures the DuckDB query service.
type QueryConfig struct {
	MemoryLimit string `yaml:"memory_limit"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen address, e.g. ":9464". Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Load loads configuration from a YAML file. Environment variables in the
// file are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with one simulator and one
// energy spectrum.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Logging: LoggingConfig{Level: "info"},
		Acquisition: AcquisitionConfig{
			PollInterval:     config.DefaultPollInterval,
			ProgressInterval: config.DefaultProgressInterval,
			DrainTimeout:     config.DefaultDrainTimeout,
			DropEnabled:      config.DefaultDropEnabled,
			MaxRunningSpills: config.DefaultMaxRunningSpills,
			WriteRetries:     config.DefaultWriteRetries,
			WriteBackoff:     config.DefaultWriteBackoff,
		},
		Producers: []ProducerConfig{{
			Name:           "simulator",
			Type:           ProducerSimulator,
			Streams:        []string{"adc0", "adc1"},
			SpillInterval:  config.DefaultSpillInterval,
			EventsPerSpill: config.DefaultEventsPerSpill,
			Bits:           config.DefaultSimulatorBits,
			Channels:       16,
			Peaks: []PeakConfig{
				{Center: 1000, Sigma: 12, Weight: 3},
				{Center: 2600, Sigma: 20, Weight: 1},
			},
			Background: 0.2,
			Seed:       1,
			Timebase:   TimebaseConfig{Multiplier: 1, Divider: 1},
		}},
		Histograms: []HistogramConfig{{
			Name:   "energy",
			Kind:   "dense1d",
			Fields: []string{"energy"},
		}},
		Persistence: PersistenceConfig{
			Compression: config.DefaultCompression,
			ChunkSize:   config.DefaultChunkSize,
			Workers:     config.DefaultSaveWorkers,
			SaveOnExit:  true,
		},
		Journal: JournalConfig{
			SyncMode:       config.DefaultJournalSyncMode,
			MaxSegmentSize: config.DefaultJournalSegmentSize,
			BufferSize:     64 * 1024,
		},
	}
}

// ApplyDefaults fills values that depend on other fields or that YAML
// list entries cannot inherit from DefaultConfig. Parse calls it.
func (c *Config) ApplyDefaults() {
	if c.Persistence.Dir == "" && c.DataDir != "" {
		c.Persistence.Dir = filepath.Join(c.DataDir, "histograms")
	}
	if c.Journal.Dir == "" && c.DataDir != "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	for i := range c.Producers {
		p := &c.Producers[i]
		if p.Type != ProducerSimulator {
			continue
		}
		if p.SpillInterval == 0 {
			p.SpillInterval = config.DefaultSpillInterval
		}
		if p.EventsPerSpill == 0 {
			p.EventsPerSpill = config.DefaultEventsPerSpill
		}
		if p.Bits == 0 {
			p.Bits = config.DefaultSimulatorBits
		}
		if p.Channels == 0 {
			p.Channels = 1
		}
		if p.Timebase == (TimebaseConfig{}) {
			p.Timebase = TimebaseConfig{Multiplier: 1, Divider: 1}
		}
	}
}
