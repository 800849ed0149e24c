package spill

// Event is a single detector hit. Values and Traces are positional; their
// meaning comes from the stream's Manifest.
type Event struct {
	// Timestamp in native ticks of the producing stream (see Timebase).
	Timestamp uint64

	// Values holds one scalar per Manifest.Values entry.
	Values []int64

	// Traces holds one sample array per Manifest.Traces entry.
	Traces [][]int32
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := Event{Timestamp: e.Timestamp}
	if e.Values != nil {
		out.Values = append([]int64(nil), e.Values...)
	}
	if e.Traces != nil {
		out.Traces = make([][]int32, len(e.Traces))
		for i, tr := range e.Traces {
			out.Traces[i] = append([]int32(nil), tr...)
		}
	}
	return out
}

// EventBuffer is a fixed-capacity event list. Producers fill it with Append
// until it reports full, then Finalize it before handing the spill over.
// A finalized buffer rejects further appends.
type EventBuffer struct {
	events    []Event
	finalized bool
}

// NewEventBuffer creates a buffer that holds up to capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &EventBuffer{events: make([]Event, 0, capacity)}
}

// Append adds an event. Returns false if the buffer is full or finalized.
func (b *EventBuffer) Append(e Event) bool {
	if b.finalized || len(b.events) == cap(b.events) {
		return false
	}
	b.events = append(b.events, e)
	return true
}

// Full reports whether another Append would fail for lack of capacity.
func (b *EventBuffer) Full() bool {
	return len(b.events) == cap(b.events)
}

// Finalize trims unused capacity and freezes the buffer.
func (b *EventBuffer) Finalize() {
	if b.finalized {
		return
	}
	b.events = b.events[:len(b.events):len(b.events)]
	b.finalized = true
}

// Finalized reports whether Finalize was called.
func (b *EventBuffer) Finalized() bool {
	return b.finalized
}

// Len returns the number of events.
func (b *EventBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.events)
}

// Cap returns the capacity.
func (b *EventBuffer) Cap() int {
	if b == nil {
		return 0
	}
	return cap(b.events)
}

// At returns the i-th event.
func (b *EventBuffer) At(i int) Event {
	return b.events[i]
}

// All returns the events. Callers must not modify the returned slice.
func (b *EventBuffer) All() []Event {
	if b == nil {
		return nil
	}
	return b.events
}

// Clone returns a deep copy, preserving the finalized flag and capacity.
func (b *EventBuffer) Clone() *EventBuffer {
	if b == nil {
		return nil
	}
	out := &EventBuffer{events: make([]Event, len(b.events), cap(b.events)), finalized: b.finalized}
	for i, e := range b.events {
		out.events[i] = e.Clone()
	}
	return out
}
