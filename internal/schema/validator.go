// Package schema checks outgoing events for required fields before they are
// published.
package schema

import (
	"errors"
	"fmt"

	"serial-voice-ingress/internal/models"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validator checks events against their required fields.
type Validator struct{}

// New creates a validator.
func New() *Validator {
	return &Validator{}
}

// Validate returns an error naming the first missing field. Types this
// package does not know are rejected.
func (v *Validator) Validate(event any) error {
	switch e := event.(type) {
	case models.SegmentStarted:
		return first(
			is(e.EventType == models.EventSegmentStarted, "eventType"),
			is(e.SessionID != "", "sessionId"),
			is(e.SegmentID != "", "segmentId"),
			is(e.Timestamp > 0, "timestamp"),
		)
	case models.SegmentCompleted:
		return first(
			is(e.EventType == models.EventSegmentCompleted, "eventType"),
			is(e.SessionID != "", "sessionId"),
			is(e.SegmentID != "", "segmentId"),
			is(e.Timestamp > 0, "timestamp"),
			is(e.Samples > 0, "samples"),
			is(e.Reason != "", "reason"),
		)
	case models.TranscriptFinal:
		return first(
			is(e.EventType == models.EventTranscriptFinal, "eventType"),
			is(e.SessionID != "", "sessionId"),
			is(e.SegmentID != "", "segmentId"),
			is(e.Timestamp > 0, "timestamp"),
			is(e.Provider != "", "provider"),
			is(e.Confidence >= 0 && e.Confidence <= 1, "confidence"),
		)
	case models.DecoderStats:
		return first(
			is(e.EventType == models.EventDecoderStats, "eventType"),
			is(e.SessionID != "", "sessionId"),
			is(e.Timestamp > 0, "timestamp"),
		)
	default:
		return fmt.Errorf("%w: unknown event type %T", ErrInvalidEvent, event)
	}
}

func is(ok bool, field string) string {
	if ok {
		return ""
	}
	return field
}

func first(fields ...string) error {
	for _, f := range fields {
		if f != "" {
			return fmt.Errorf("%w: field %s missing or out of range", ErrInvalidEvent, f)
		}
	}
	return nil
}
