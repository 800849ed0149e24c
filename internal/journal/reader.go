package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/spillway/config"
	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/spill"
)

var log = logging.Component("journal")

// ReaderStats holds journal reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	EventsRead     int64
	BytesRead      int64
	CorruptRecords int64
}

// Reader reads spills from one segment.
type Reader struct {
	path   string
	file   *os.File
	reader *bufio.Reader
	stats  ReaderStats
}

// NewReader opens a segment and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	r := bufio.NewReaderSize(f, 64*1024)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %v: %w", err, errors.ErrMalformedFile)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != journalMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x: %w", journalMagic, magic, errors.ErrMalformedFile)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != journalVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version %d: %w", version, errors.ErrMalformedFile)
	}

	return &Reader{path: path, file: f, reader: r}, nil
}

// Next returns the next spill. It returns io.EOF at the end of the segment
// and io.ErrUnexpectedEOF for a truncated trailing record. A record whose
// checksum or payload is bad returns ErrCorruptRecord; the reader stays
// positioned on the next record.
func (r *Reader) Next() (*spill.Spill, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expected := binary.LittleEndian.Uint32(header[4:8])

	// An implausible length means framing is lost.
	if length > config.DefaultMaxRecordSize {
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("record too large: %d bytes: %w", length, io.ErrUnexpectedEOF)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	if actual := crc32.ChecksumIEEE(payload); actual != expected {
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x: %w", expected, actual, errors.ErrCorruptRecord)
	}

	s, err := decodeSpill(payload)
	if err != nil {
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("decode spill: %w", err)
	}

	r.stats.RecordsRead++
	r.stats.EventsRead += int64(s.EventCount())
	return s, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// Replay calls fn for every readable spill in dir, segment by segment.
// Corrupt records are skipped and a truncated segment tail ends that
// segment; both are logged. Replay stops at the first error from fn.
func Replay(dir string, fn func(*spill.Spill) error) (ReaderStats, error) {
	var total ReaderStats

	paths, err := ListSegments(dir)
	if err != nil {
		return total, fmt.Errorf("list segments: %w", err)
	}

	for _, path := range paths {
		stats, err := replaySegment(path, fn)
		total.RecordsRead += stats.RecordsRead
		total.EventsRead += stats.EventsRead
		total.BytesRead += stats.BytesRead
		total.CorruptRecords += stats.CorruptRecords
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func replaySegment(path string, fn func(*spill.Spill) error) (ReaderStats, error) {
	r, err := NewReader(path)
	if err != nil {
		return ReaderStats{}, fmt.Errorf("segment %s: %w", path, err)
	}
	defer r.Close()

	for {
		s, err := r.Next()
		switch {
		case err == io.EOF:
			return r.Stats(), nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			log.Warn("truncated journal segment", "path", path, "records", r.stats.RecordsRead)
			return r.Stats(), nil
		case errors.Is(err, errors.ErrCorruptRecord):
			log.Warn("skipping corrupt journal record", "path", path, "error", err)
			continue
		case err != nil:
			return r.Stats(), err
		}

		if err := fn(s); err != nil {
			return r.Stats(), err
		}
	}
}
