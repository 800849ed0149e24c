package settings

import (
	"fmt"

	"github.com/xtxerr/spillway/internal/axis"
	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/journal"
	"github.com/xtxerr/spillway/internal/persist"
	"github.com/xtxerr/spillway/internal/validation"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.NewMissingField("data_dir"))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if err := c.Acquisition.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("acquisition: %w", err))
	}

	names := make(map[string]bool)
	for i := range c.Producers {
		p := &c.Producers[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("producers[%d]: %w", i, err))
		}
		if names[p.Name] {
			errs = append(errs, errors.NewInvalidValue(fmt.Sprintf("producers[%d].name", i), p.Name, "duplicate name"))
		}
		names[p.Name] = true
	}

	names = make(map[string]bool)
	for i := range c.Histograms {
		h := &c.Histograms[i]
		if err := h.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("histograms[%d]: %w", i, err))
		}
		if names[h.Name] {
			errs = append(errs, errors.NewInvalidValue(fmt.Sprintf("histograms[%d].name", i), h.Name, "duplicate name"))
		}
		names[h.Name] = true
	}

	if err := c.Persistence.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("persistence: %w", err))
	}

	if err := c.Journal.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return errors.NewInvalidValue("level", c.Level, "must be debug, info, warn or error")
}

// Validate checks the acquisition configuration.
func (c *AcquisitionConfig) Validate() error {
	var errs []error

	if c.Timeout < 0 {
		errs = append(errs, errors.NewInvalidValue("timeout", c.Timeout, "must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.NewInvalidValue("poll_interval", c.PollInterval, "must be positive"))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, errors.NewInvalidValue("progress_interval", c.ProgressInterval, "must be positive"))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, errors.NewInvalidValue("drain_timeout", c.DrainTimeout, "must not be negative"))
	}
	if c.DropEnabled && c.MaxRunningSpills <= 0 {
		errs = append(errs, errors.NewInvalidValue("max_running_spills", c.MaxRunningSpills, "must be positive when dropping is enabled"))
	}
	if c.WriteRetries < 0 {
		errs = append(errs, errors.NewInvalidValue("write_retries", c.WriteRetries, "must not be negative"))
	}
	if c.WriteBackoff < 0 {
		errs = append(errs, errors.NewInvalidValue("write_backoff", c.WriteBackoff, "must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks one producer. Simulator fields are checked by the
// simulator itself.
func (c *ProducerConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.NewMissingField("name"))
	} else if err := validation.ValidateProducerName(c.Name); err != nil {
		errs = append(errs, err)
	}
	switch c.Type {
	case ProducerSimulator:
		if err := c.SimulatorConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
		for _, id := range c.Streams {
			if id == "" {
				continue // reported by the simulator
			}
			if err := validation.ValidateStreamID(id); err != nil {
				errs = append(errs, err)
			}
		}
	case ProducerReplay:
		if c.Dir == "" {
			errs = append(errs, errors.NewMissingField("dir"))
		}
		if c.Rate < 0 {
			errs = append(errs, errors.NewInvalidValue("rate", c.Rate, "must not be negative"))
		}
	default:
		errs = append(errs, errors.NewInvalidValue("type", c.Type, "must be simulator or replay"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks one histogram.
func (c *HistogramConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.NewMissingField("name"))
	} else if err := validation.ValidateHistogramName(c.Name); err != nil {
		errs = append(errs, err)
	}
	if c.Stream != "" {
		if err := validation.ValidateStreamID(c.Stream); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range c.Fields {
		if err := validation.ValidateFieldName(f); err != nil {
			errs = append(errs, err)
		}
	}
	if c.WeightField != "" {
		if err := validation.ValidateFieldName(c.WeightField); err != nil {
			errs = append(errs, err)
		}
	}
	kind, err := dataspace.ParseKind(c.Kind)
	if err != nil {
		errs = append(errs, err)
	} else {
		dims := kind.Dimensions()
		if len(c.Fields) != dims {
			errs = append(errs, errors.NewInvalidValue("fields", c.Fields, fmt.Sprintf("%s needs %d fields", kind, dims)))
		}
		if len(c.Shift) != 0 && len(c.Shift) != dims {
			errs = append(errs, errors.NewInvalidValue("shift", c.Shift, fmt.Sprintf("need %d shifts", dims)))
		}
		if len(c.Calibration) > dims {
			errs = append(errs, errors.NewInvalidValue("calibration", len(c.Calibration), fmt.Sprintf("at most %d axes", dims)))
		}
	}
	if c.Bits < 0 || c.Bits > 30 {
		errs = append(errs, errors.NewInvalidValue("bits", c.Bits, "must be in 0..30"))
	}
	for i, cal := range c.Calibration {
		if _, err := cal.Calibration(); err != nil {
			errs = append(errs, fmt.Errorf("calibration[%d]: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Calibration builds the axis calibration.
func (c CalibrationConfig) Calibration() (axis.Calibration, error) {
	return axis.FromModel(c.From, c.To, c.Model, c.Coeffs)
}

// Validate checks the persistence configuration.
func (c *PersistenceConfig) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.NewMissingField("dir"))
	}
	if c.Compression != "" && !persist.ValidCompression(c.Compression) {
		errs = append(errs, errors.NewInvalidValue("compression", c.Compression, "must be snappy, zstd, lz4, gzip or none"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.NewInvalidValue("chunk_size", c.ChunkSize, "must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.NewInvalidValue("workers", c.Workers, "must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the journal configuration.
func (c *JournalConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.NewMissingField("dir"))
	}
	if !journal.ValidSyncMode(c.SyncMode) {
		errs = append(errs, errors.NewInvalidValue("sync_mode", c.SyncMode, "must be async, sync or fsync"))
	}
	if c.MaxSegmentSize <= 0 {
		errs = append(errs, errors.NewInvalidValue("max_segment_size", c.MaxSegmentSize, "must be positive"))
	}
	if c.MaxAge < 0 {
		errs = append(errs, errors.NewInvalidValue("max_age", c.MaxAge, "must not be negative"))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.NewInvalidValue("max_bytes", c.MaxBytes, "must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
