package main

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"serial-voice-ingress/internal/protocol"
	"serial-voice-ingress/internal/serialport"
	"serial-voice-ingress/internal/service/keyword"
)

func decodeAll(t *testing.T, stream []byte) ([]protocol.Frame, protocol.Stats) {
	t.Helper()
	d := protocol.NewDecoder(serialport.NewReplay(bytes.NewReader(stream)), protocol.DefaultConfig())
	var frames []protocol.Frame
	for {
		res, err := d.Next()
		if err != nil {
			if !errors.Is(err, protocol.ErrSourceClosed) {
				t.Fatalf("unexpected error: %v", err)
			}
			return frames, d.Stats()
		}
		if res.Status == protocol.StatusFrame {
			frames = append(frames, res.Frame)
		}
	}
}

func TestEncodeStream_Clean(t *testing.T) {
	samples := render(syntheticPattern(8000), 8000, 8000)
	stream, intact := encodeStream(samples, 256, Impairments{}, rand.New(rand.NewPCG(1, 1)))

	frames, stats := decodeAll(t, stream)
	want := (len(samples) + 255) / 256
	if intact != want || len(frames) != want {
		t.Fatalf("expected %d frames, got %d decoded (%d intact)", want, len(frames), intact)
	}
	if stats.Errors != 0 {
		t.Errorf("expected no errors, got %+v", stats)
	}

	var got []int16
	for _, f := range frames {
		got = append(got, f.Samples...)
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples back, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d differs", i)
		}
	}
}

func TestEncodeStream_Impaired(t *testing.T) {
	samples := render(syntheticPattern(8000), 8000, 8000)
	imp := Impairments{Garbage: 0.3, Corrupt: 0.2}
	stream, intact := encodeStream(samples, 256, imp, rand.New(rand.NewPCG(7, 7)))

	frames, stats := decodeAll(t, stream)
	if len(frames) != intact {
		t.Errorf("expected every intact frame to survive, got %d of %d", len(frames), intact)
	}
	total := (len(samples) + 255) / 256
	if stats.Checksum != uint64(total-intact) {
		t.Errorf("expected %d checksum errors, got %d", total-intact, stats.Checksum)
	}
}

func TestSyntheticPattern_Labels(t *testing.T) {
	c := keyword.New(keyword.DefaultConfig())
	bursts := syntheticPattern(8000)

	high := render(bursts[1:2], 8000, 8000)
	low := render(bursts[3:4], 8000, 8000)

	if got := c.Classify(high).Label; got != "word-class-A" {
		t.Errorf("high tone: expected word-class-A, got %q", got)
	}
	if got := c.Classify(low).Label; got != "word-class-B" {
		t.Errorf("low tone: expected word-class-B, got %q", got)
	}
}
