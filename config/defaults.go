// Package config provides configuration defaults and utilities
// for the spillway application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Acquisition Defaults
// =============================================================================

const (
	// DefaultPollInterval is how long the acquisition loop sleeps between
	// checks of the interruptor, the timeout and producer state. It bounds
	// both stop latency and the drain busy-poll period.
	// Override via config: acquisition.poll_interval
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultProgressInterval is how often live progress is reported
	// while an acquisition is running.
	// Override via config: acquisition.progress_interval
	DefaultProgressInterval = 3 * time.Second

	// DefaultDrainTimeout caps how long the controller waits for the queue
	// to empty after every producer stopped. Zero waits forever.
	// Override via config: acquisition.drain_timeout
	DefaultDrainTimeout = 0
)

// =============================================================================
// Queue Defaults
// =============================================================================

const (
	// DefaultDropEnabled enables dropping Running spills for streams whose
	// buffer already holds MaxRunningSpills Running spills.
	// Override via config: acquisition.drop_enabled
	DefaultDropEnabled = true

	// DefaultMaxRunningSpills is the per-stream cap of buffered Running spills.
	// Start and Stop spills never count against it and are never dropped.
	// Override via config: acquisition.max_running_spills
	DefaultMaxRunningSpills = 32
)

// =============================================================================
// Dataspace Defaults
// =============================================================================

const (
	// DefaultWriteRetries is how many times a histogram writer tries to take
	// the exclusive lock without blocking before it queues behind readers.
	DefaultWriteRetries = 50

	// DefaultWriteBackoff is the sleep between two non-blocking write attempts.
	DefaultWriteBackoff = 20 * time.Microsecond

	// MaxDense1DIndex bounds coordinates of dense 1-D spaces (128 MiB of bins).
	// Larger coordinates are ignored like any other invalid point.
	MaxDense1DIndex = 1 << 24

	// MaxDense2DIndex bounds each coordinate of dense 2-D spaces.
	MaxDense2DIndex = 1 << 12
)

// =============================================================================
// Persistence Defaults
// =============================================================================

const (
	// DefaultChunkSize is the number of rows per Parquet row group when
	// writing histogram datasets.
	// Override via config: persistence.chunk_size
	DefaultChunkSize = 65536

	// DefaultCompression is the Parquet compression codec.
	// Override via config: persistence.compression
	DefaultCompression = "zstd"

	// DefaultSaveWorkers bounds how many histograms are written in parallel.
	// Override via config: persistence.workers
	DefaultSaveWorkers = 4
)

// =============================================================================
// Journal Defaults
// =============================================================================

const (
	// DefaultJournalSegmentSize is the maximum journal segment size before rotation.
	// Override via config: journal.max_segment_size
	DefaultJournalSegmentSize = 64 * 1024 * 1024

	// DefaultJournalSyncMode is the journal sync mode: async, sync, fsync.
	// Override via config: journal.sync_mode
	DefaultJournalSyncMode = "async"

	// DefaultMaxRecordSize rejects journal records larger than this on replay.
	DefaultMaxRecordSize = 256 * 1024 * 1024
)

// =============================================================================
// Simulator Defaults
// =============================================================================

const (
	// DefaultSpillInterval is how often a simulated stream emits a Running spill.
	DefaultSpillInterval = 50 * time.Millisecond

	// DefaultEventsPerSpill is the simulated spill payload size.
	DefaultEventsPerSpill = 1000

	// DefaultSimulatorBits is the ADC resolution of simulated value fields.
	DefaultSimulatorBits = 12
)
