// Package segment turns a stream of decoded samples into voice segments
// using short-term energy with hysteresis.
package segment

import "fmt"

// Phase is the coarse phase of the voice state machine.
type Phase int

const (
	// PhaseIdle - no voice, waiting for energy to cross the threshold.
	PhaseIdle Phase = iota
	// PhaseActive - inside a segment, energy at or above threshold.
	PhaseActive
	// PhaseTrailing - inside a segment, counting consecutive quiet windows.
	PhaseTrailing
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseActive:
		return "ACTIVE"
	case PhaseTrailing:
		return "TRAILING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// VoiceState is the current state of the machine: Idle, Active or
// Trailing(Count).
type VoiceState struct {
	Phase Phase `json:"phase"`
	// Count is the number of consecutive below-threshold observations;
	// only meaningful while Trailing.
	Count int `json:"count"`
}

// Idle returns the initial state.
func Idle() VoiceState { return VoiceState{Phase: PhaseIdle} }

// Active returns the in-voice state.
func Active() VoiceState { return VoiceState{Phase: PhaseActive} }

// Trailing returns the trailing-silence state with the given count.
func Trailing(count int) VoiceState { return VoiceState{Phase: PhaseTrailing, Count: count} }

// String returns "IDLE", "ACTIVE" or "TRAILING(n)".
func (s VoiceState) String() string {
	if s.Phase == PhaseTrailing {
		return fmt.Sprintf("TRAILING(%d)", s.Count)
	}
	return s.Phase.String()
}

// InSegment returns true while samples are being accumulated.
func (s VoiceState) InSegment() bool {
	return s.Phase == PhaseActive || s.Phase == PhaseTrailing
}
