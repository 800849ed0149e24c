package journal

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/spillway/internal/errors"
	"github.com/xtxerr/spillway/internal/spill"
)

// Spill encoding format (binary, little-endian):
//   - StreamID length (2 bytes) + StreamID
//   - Phase (1 byte)
//   - Time (8 bytes, unix nanoseconds)
//   - State length (4 bytes) + protobuf-encoded structpb.Struct
//   - Manifest flag (1 byte), then the manifest if set
//   - Event count (4 bytes, noEvents for a nil buffer), then the events
//
// Manifest: StreamID, timebase multiplier and divider (8 bytes each),
// value names, value bits, traces (name + dims), status names; every list
// is prefixed by a 2 byte count.
//
// Event: timestamp (8 bytes), value count (2 bytes) + int64 values, trace
// count (2 bytes) + per trace sample count (4 bytes) + int32 samples.

const noEvents = math.MaxUint32

func encodeSpill(s *spill.Spill) ([]byte, error) {
	buf := make([]byte, 0, 64+s.EventCount()*32)

	buf = appendString(buf, s.StreamID)
	buf = append(buf, byte(s.Phase))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.Time.UnixNano()))

	if s.State != nil {
		state, err := proto.Marshal(s.State)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(state)))
		buf = append(buf, state...)
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	}

	if m := s.Manifest; m != nil {
		buf = append(buf, 1)
		buf = appendManifest(buf, m)
	} else {
		buf = append(buf, 0)
	}

	if s.Events == nil {
		buf = binary.LittleEndian.AppendUint32(buf, noEvents)
		return buf, nil
	}
	events := s.Events.All()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(events)))
	for _, e := range events {
		buf = binary.LittleEndian.AppendUint64(buf, e.Timestamp)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Values)))
		for _, v := range e.Values {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Traces)))
		for _, tr := range e.Traces {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tr)))
			for _, x := range tr {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(x))
			}
		}
	}
	return buf, nil
}

func appendManifest(buf []byte, m *spill.Manifest) []byte {
	buf = appendString(buf, m.StreamID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Timebase.Multiplier))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Timebase.Divider))
	buf = appendStrings(buf, m.Values)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Bits)))
	for _, b := range m.Bits {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Traces)))
	for _, tr := range m.Traces {
		buf = appendString(buf, tr.Name)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tr.Dims)))
		for _, d := range tr.Dims {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
		}
	}
	return appendStrings(buf, m.Status)
}

// decoder reads fields in order and remembers the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) need(n int, what string) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.data) {
		d.err = fmt.Errorf("data too short for %s: %w", what, errors.ErrCorruptRecord)
		return false
	}
	return true
}

func (d *decoder) u8(what string) byte {
	if !d.need(1, what) {
		return 0
	}
	v := d.data[d.off]
	d.off++
	return v
}

func (d *decoder) u16(what string) int {
	if !d.need(2, what) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.off:])
	d.off += 2
	return int(v)
}

func (d *decoder) u32(what string) uint32 {
	if !d.need(4, what) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64(what string) uint64 {
	if !d.need(8, what) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) bytes(n int, what string) []byte {
	if !d.need(n, what) {
		return nil
	}
	v := d.data[d.off : d.off+n]
	d.off += n
	return v
}

func (d *decoder) str(what string) string {
	n := d.u16(what)
	return string(d.bytes(n, what))
}

func (d *decoder) strs(what string) []string {
	n := d.u16(what)
	if n == 0 || d.err != nil {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = d.str(what)
	}
	return out
}

func decodeSpill(data []byte) (*spill.Spill, error) {
	d := &decoder{data: data}

	s := &spill.Spill{}
	s.StreamID = d.str("stream id")
	s.Phase = spill.Phase(d.u8("phase"))
	s.Time = time.Unix(0, int64(d.u64("time")))

	if n := int(d.u32("state length")); n > 0 {
		raw := d.bytes(n, "state")
		if d.err == nil {
			st := &structpb.Struct{}
			if err := proto.Unmarshal(raw, st); err != nil {
				return nil, fmt.Errorf("unmarshal state: %v: %w", err, errors.ErrCorruptRecord)
			}
			s.State = st
		}
	}

	if d.u8("manifest flag") == 1 {
		s.Manifest = decodeManifest(d)
	}

	count := d.u32("event count")
	if d.err == nil && count != noEvents {
		// Every event takes at least 12 bytes.
		if uint64(count)*12 > uint64(len(d.data)-d.off) {
			return nil, fmt.Errorf("event count %d exceeds record: %w", count, errors.ErrCorruptRecord)
		}
		buf := spill.NewEventBuffer(int(count))
		for i := 0; i < int(count) && d.err == nil; i++ {
			buf.Append(decodeEvent(d))
		}
		buf.Finalize()
		s.Events = buf
	}

	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(d.data) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(d.data)-d.off, errors.ErrCorruptRecord)
	}
	return s, nil
}

func decodeManifest(d *decoder) *spill.Manifest {
	m := &spill.Manifest{}
	m.StreamID = d.str("manifest stream id")
	m.Timebase.Multiplier = int64(d.u64("timebase multiplier"))
	m.Timebase.Divider = int64(d.u64("timebase divider"))
	m.Values = d.strs("value names")
	if n := d.u16("value bits"); n > 0 {
		m.Bits = make([]int, n)
		for i := range m.Bits {
			m.Bits[i] = int(int32(d.u32("value bits")))
		}
	}
	if n := d.u16("traces"); n > 0 {
		m.Traces = make([]spill.TraceField, n)
		for i := range m.Traces {
			m.Traces[i].Name = d.str("trace name")
			if k := d.u16("trace dims"); k > 0 {
				m.Traces[i].Dims = make([]int, k)
				for j := range m.Traces[i].Dims {
					m.Traces[i].Dims[j] = int(int32(d.u32("trace dims")))
				}
			}
		}
	}
	m.Status = d.strs("status names")
	return m
}

func decodeEvent(d *decoder) spill.Event {
	e := spill.Event{Timestamp: d.u64("event timestamp")}
	if n := d.u16("event values"); n > 0 {
		e.Values = make([]int64, n)
		for i := range e.Values {
			e.Values[i] = int64(d.u64("event value"))
		}
	}
	if n := d.u16("event traces"); n > 0 {
		e.Traces = make([][]int32, n)
		for i := range e.Traces {
			k := int(d.u32("trace length"))
			if !d.need(4*k, "trace samples") {
				break
			}
			e.Traces[i] = make([]int32, k)
			for j := range e.Traces[i] {
				e.Traces[i][j] = int32(d.u32("trace sample"))
			}
		}
	}
	return e
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendStrings(buf []byte, ss []string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ss)))
	for _, s := range ss {
		buf = appendString(buf, s)
	}
	return buf
}
