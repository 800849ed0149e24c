// Package spill defines the unit of transfer through the acquisition engine:
// a batch of events plus stream identity, session phase, wall-clock time and
// an opaque set of state attributes.
//
// A spill is owned by exactly one party at a time. Producers build and fill
// it, hand it to the queue on Enqueue and must not touch it afterwards; the
// worker receives ownership on Dequeue and passes it to the sink. Consumers
// that need to keep or modify a spill call Clone.
package spill

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Phase is the session lifecycle position of a spill.
type Phase int

const (
	// PhaseStart opens a stream's session and carries its Manifest.
	PhaseStart Phase = iota
	// PhaseRunning carries event data.
	PhaseRunning
	// PhaseStop closes a stream's session.
	PhaseStop
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseRunning:
		return "running"
	case PhaseStop:
		return "stop"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Well-known state attribute keys.
const (
	StateQueueSize     = "queue_size"
	StateDroppedSpills = "dropped_spills"
	StateDroppedEvents = "dropped_events"
	StateNativeTime    = "native_time"
	StateSessionID     = "session_id"
	StateProducer      = "producer"
)

// Spill is a batch of events with lifecycle metadata.
type Spill struct {
	StreamID string
	Phase    Phase
	Time     time.Time

	// State is a free-form attribute set (queue depth, drop counters,
	// producer settings). Nil means no attributes.
	State *structpb.Struct

	// Manifest describes the stream's event shape. Producers attach it to
	// Start spills; it may be nil on Running and Stop spills.
	Manifest *Manifest

	// Events is nil for spills without payload.
	Events *EventBuffer
}

// New creates an empty spill.
func New(streamID string, phase Phase, t time.Time) *Spill {
	return &Spill{StreamID: streamID, Phase: phase, Time: t}
}

// NewStart creates a Start spill carrying the stream manifest.
func NewStart(streamID string, t time.Time, m *Manifest) *Spill {
	s := New(streamID, PhaseStart, t)
	s.Manifest = m
	return s
}

// NewRunning creates a Running spill. The buffer is finalized.
func NewRunning(streamID string, t time.Time, events *EventBuffer) *Spill {
	s := New(streamID, PhaseRunning, t)
	if events != nil {
		events.Finalize()
	}
	s.Events = events
	return s
}

// NewStop creates a Stop spill.
func NewStop(streamID string, t time.Time) *Spill {
	return New(streamID, PhaseStop, t)
}

// EventCount returns the number of events carried.
func (s *Spill) EventCount() int {
	if s == nil {
		return 0
	}
	return s.Events.Len()
}

// SetState sets one state attribute. It must only be called by the owner
// before the spill is enqueued.
func (s *Spill) SetState(key string, v any) error {
	val, err := structpb.NewValue(v)
	if err != nil {
		return fmt.Errorf("state %q: %w", key, err)
	}
	if s.State == nil {
		s.State = &structpb.Struct{Fields: make(map[string]*structpb.Value)}
	}
	if s.State.Fields == nil {
		s.State.Fields = make(map[string]*structpb.Value)
	}
	s.State.Fields[key] = val
	return nil
}

// SetStates sets several attributes at once.
func (s *Spill) SetStates(attrs map[string]any) error {
	for k, v := range attrs {
		if err := s.SetState(k, v); err != nil {
			return err
		}
	}
	return nil
}

// StateNumber returns a numeric state attribute.
func (s *Spill) StateNumber(key string) (float64, bool) {
	if s == nil || s.State == nil {
		return 0, false
	}
	v, ok := s.State.Fields[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

// StateString returns a string state attribute.
func (s *Spill) StateString(key string) (string, bool) {
	if s == nil || s.State == nil {
		return "", false
	}
	v, ok := s.State.Fields[key]
	if !ok {
		return "", false
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return str.StringValue, true
}

// Clone returns a deep copy that shares nothing with s.
func (s *Spill) Clone() *Spill {
	if s == nil {
		return nil
	}
	out := &Spill{
		StreamID: s.StreamID,
		Phase:    s.Phase,
		Time:     s.Time,
		Manifest: s.Manifest.Clone(),
		Events:   s.Events.Clone(),
	}
	if s.State != nil {
		out.State = proto.Clone(s.State).(*structpb.Struct)
	}
	return out
}

// String returns a short description for logs.
func (s *Spill) String() string {
	return fmt.Sprintf("%s[%q t=%s events=%d]",
		s.Phase, s.StreamID, s.Time.Format(time.RFC3339Nano), s.EventCount())
}
