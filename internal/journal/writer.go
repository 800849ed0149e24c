// Package journal records spills to a segmented append-only log so that an
// acquisition can be replayed later.
//
// Segment format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//
// Segments are named %016d.journal and rotate when they would exceed
// MaxSegmentSize.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/spill"
)

// Sync modes.
const (
	SyncAsync = "async" // buffered, flushed on Sync, rotation and Close
	SyncWrite = "sync"  // flushed after each record
	SyncFsync = "fsync" // flushed and fsynced after each record
)

// Options configures the journal writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	MaxSegmentSize int64

	// SyncMode is one of async, sync, fsync.
	SyncMode string

	// BufferSize is the size of the write buffer.
	BufferSize int
}

// DefaultOptions returns default journal options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: config.DefaultJournalSegmentSize,
		SyncMode:       config.DefaultJournalSyncMode,
		BufferSize:     64 * 1024,
	}
}

// ValidSyncMode reports whether mode is a known sync mode.
func ValidSyncMode(mode string) bool {
	return mode == SyncAsync || mode == SyncWrite || mode == SyncFsync
}

// WriterStats holds journal writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	EventsWritten   int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	journalMagic     = 0x53504C4A524E0001 // "SPLJRN" + version 1
	journalVersion   = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	segmentSuffix    = ".journal"
)

// Writer appends spills to the journal.
type Writer struct {
	mu sync.Mutex

	dir         string
	segment     *os.File
	segmentPath string
	segmentSize int64
	nextSeq     int64
	writer      *bufio.Writer
	closed      bool

	opts  Options
	stats WriterStats
}

// NewWriter opens a journal in dir. Existing segments are kept and new
// records go to a fresh segment after them.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}
	if !ValidSyncMode(opts.SyncMode) {
		return nil, errors.NewInvalidValue("journal.sync_mode", opts.SyncMode, "must be async, sync or fsync")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	w := &Writer{dir: dir, opts: opts}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.nextSeq = segments[len(segments)-1].seq + 1
	}

	if err := w.rotateLocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}
	return w, nil
}

// Write appends one spill. It does not take ownership of s.
func (w *Writer) Write(s *spill.Spill) error {
	if s == nil {
		return nil
	}
	payload, err := encodeSpill(s)
	if err != nil {
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return fmt.Errorf("encode spill: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.segmentSize > headerSize && w.segmentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.EventsWritten += int64(s.EventCount())
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode != SyncAsync {
		if err := w.syncLocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

func (w *Writer) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	w.segmentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered records, and fsyncs in fsync mode.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.ErrWriterClosed
	}
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == SyncFsync {
		if err := w.segment.Sync(); err != nil {
			return err
		}
	}
	w.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current segment and starts a new one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.ErrWriterClosed
	}
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if w.segment != nil {
		if err := w.writer.Flush(); err != nil {
			return err
		}
		if err := w.segment.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(w.dir, segmentName(w.nextSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], journalMagic)
	binary.LittleEndian.PutUint32(header[8:12], journalVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	w.segment = f
	w.segmentPath = path
	w.segmentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.nextSeq++
	w.stats.SegmentsCreated++
	return nil
}

// Close flushes and closes the journal. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		w.segment.Close()
		return err
	}
	return w.segment.Close()
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the path of the segment being written.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentPath
}

// Dir returns the journal directory.
func (w *Writer) Dir() string {
	return w.dir
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%016d%s", seq, segmentSuffix)
}

type segmentInfo struct {
	path string
	seq  int64
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) != 16+len(segmentSuffix) || name[16:] != segmentSuffix {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(name[:16], "%d", &seq); err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(dir, name), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}

// ListSegments returns the segment paths in dir in write order.
func ListSegments(dir string) ([]string, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}
