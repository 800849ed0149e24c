package journal

import (
	"fmt"
	"os"
	"time"
)

// Retention bounds the journal on disk. Zero fields disable that limit.
type Retention struct {
	// MaxAge removes segments last written before now-MaxAge.
	MaxAge time.Duration

	// MaxBytes removes the oldest segments until the total fits.
	MaxBytes int64
}

// Enabled reports whether any limit is set.
func (r Retention) Enabled() bool {
	return r.MaxAge > 0 || r.MaxBytes > 0
}

// PruneResult holds the result of a prune.
type PruneResult struct {
	SegmentsDeleted int
	BytesFreed      int64
	SegmentsKept    int
	BytesKept       int64
	Errors          []error
}

// Usage describes the segments of a journal directory.
type Usage struct {
	Segments  int
	TotalSize int64
}

type segmentFile struct {
	segmentInfo
	size    int64
	modTime time.Time
}

func statSegments(dir string) ([]segmentFile, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	files := make([]segmentFile, 0, len(segments))
	for _, s := range segments {
		info, err := os.Stat(s.path)
		if err != nil {
			continue
		}
		files = append(files, segmentFile{segmentInfo: s, size: info.Size(), modTime: info.ModTime()})
	}
	return files, nil
}

// DiskUsage returns the segment count and size of dir.
func DiskUsage(dir string) (Usage, error) {
	files, err := statSegments(dir)
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, f := range files {
		u.Segments++
		u.TotalSize += f.size
	}
	return u, nil
}

// Prune deletes the oldest segments of dir that violate r. The segment
// at the active path is never deleted; pass the writer's CurrentSegment
// while it is open, or "" when no writer is open.
func Prune(dir string, r Retention, active string) (PruneResult, error) {
	var result PruneResult
	files, err := statSegments(dir)
	if err != nil {
		return result, err
	}

	var total int64
	for _, f := range files {
		total += f.size
	}
	cutoff := time.Now().Add(-r.MaxAge)

	for _, f := range files {
		expired := r.MaxAge > 0 && f.modTime.Before(cutoff)
		oversize := r.MaxBytes > 0 && total > r.MaxBytes
		if f.path == active || (!expired && !oversize) {
			result.SegmentsKept++
			result.BytesKept += f.size
			continue
		}
		if err := os.Remove(f.path); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
			result.SegmentsKept++
			result.BytesKept += f.size
			continue
		}
		result.SegmentsDeleted++
		result.BytesFreed += f.size
		total -= f.size
	}

	if result.SegmentsDeleted > 0 {
		log.Info("journal pruned",
			"dir", dir,
			"deleted", result.SegmentsDeleted,
			"freed", FormatBytes(result.BytesFreed),
			"kept", result.SegmentsKept)
	}
	return result, nil
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
