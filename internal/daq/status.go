package daq

import "strings"

// Status is a producer capability bitmask.
type Status uint32

const (
	StatusLoaded Status = 1 << iota
	StatusBooted
	StatusRunning
	StatusCanBoot
	StatusCanRun
	StatusCanOscil
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusLoaded, "loaded"},
	{StatusBooted, "booted"},
	{StatusRunning, "running"},
	{StatusCanBoot, "can_boot"},
	{StatusCanRun, "can_run"},
	{StatusCanOscil, "can_oscil"},
}

// Has reports whether every bit of flag is set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

// String lists the set flags, e.g. "loaded|booted|can_run".
func (s Status) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateBooting
	StateReady
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBooting:
		return "booting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StopReason says why an acquisition ended.
type StopReason string

const (
	ReasonNone        StopReason = ""
	ReasonInterrupted StopReason = "interrupted"
	ReasonTimeout     StopReason = "timeout"
	ReasonFinished    StopReason = "producers_finished"
)
