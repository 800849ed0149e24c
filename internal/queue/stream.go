package queue

import (
	"time"

	"github.com/xtxerr/spillway/internal/spill"
)

// streamBuffer is a FIFO of spills for one stream. It is a growable
// circular buffer; the owning Queue serializes all access.
//
// Invariants:
//   - earliest is the Time of the front spill (zero when empty)
//   - running counts buffered spills with PhaseRunning
type streamBuffer struct {
	id       string
	data     []*spill.Spill
	head     int // Next write position
	tail     int // Oldest data position
	count    int
	running  int
	earliest time.Time
}

const initialStreamCapacity = 16

func newStreamBuffer(id string) *streamBuffer {
	return &streamBuffer{
		id:   id,
		data: make([]*spill.Spill, initialStreamCapacity),
	}
}

// push appends s at the back.
func (b *streamBuffer) push(s *spill.Spill) {
	if b.count == len(b.data) {
		b.grow()
	}

	b.data[b.head] = s
	b.head = (b.head + 1) % len(b.data)
	b.count++

	if s.Phase == spill.PhaseRunning {
		b.running++
	}
	if b.count == 1 {
		b.earliest = s.Time
	}
}

// pop removes and returns the front spill.
func (b *streamBuffer) pop() *spill.Spill {
	if b.count == 0 {
		return nil
	}

	s := b.data[b.tail]
	b.data[b.tail] = nil // Clear for GC
	b.tail = (b.tail + 1) % len(b.data)
	b.count--

	if s.Phase == spill.PhaseRunning {
		b.running--
	}
	if b.count == 0 {
		b.earliest = time.Time{}
	} else {
		b.earliest = b.data[b.tail].Time
	}

	return s
}

// grow doubles capacity, unrolling the ring so tail starts at index 0.
func (b *streamBuffer) grow() {
	next := make([]*spill.Spill, len(b.data)*2)
	for i := 0; i < b.count; i++ {
		next[i] = b.data[(b.tail+i)%len(b.data)]
	}
	b.data = next
	b.tail = 0
	b.head = b.count
}

func (b *streamBuffer) empty() bool {
	return b.count == 0
}

// clear drops all buffered spills.
func (b *streamBuffer) clear() {
	for i := range b.data {
		b.data[i] = nil
	}
	b.head, b.tail, b.count, b.running = 0, 0, 0, 0
	b.earliest = time.Time{}
}
