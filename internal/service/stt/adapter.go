// Package stt defines the interface for Speech-to-Text adapters and hands
// finished voice segments to them.
package stt

import (
	"context"
	"encoding/binary"
)

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(text string)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnEndOfUtterance is called once the provider has nothing more to say
	// about the audio it was sent.
	OnEndOfUtterance()

	// OnError is called when an error occurs during transcription.
	OnError(err error)
}

// Adapter defines the interface for STT providers (Google, mock).
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources. Results for audio
	// already sent may still arrive afterwards.
	Close() error
}

// Request is one finished segment to transcribe.
type Request struct {
	SegmentID  string
	Samples    []int16
	Label      string
	StartIndex uint64
}

// Factory opens a fresh adapter for one request.
type Factory func(ctx context.Context, req Request) (Adapter, error)

// PCMBytes encodes samples as LINEAR16 little-endian bytes.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
