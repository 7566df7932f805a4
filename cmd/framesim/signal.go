package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"serial-voice-ingress/internal/protocol"
)

// burst is one piece of the synthetic pattern.
type burst struct {
	hz      float64 // zero is silence
	samples int
}

// syntheticPattern alternates a high tone, silence, a low tone and silence.
// At 8 kHz the high tone crosses zero far more often than the default
// threshold and the low tone far less.
func syntheticPattern(rate int) []burst {
	half := rate / 2
	return []burst{
		{0, half},
		{2000, rate / 4},
		{0, half},
		{40, rate / 4},
		{0, half},
	}
}

// render turns bursts into samples.
func render(bursts []burst, rate, amplitude int) []int16 {
	var out []int16
	for _, b := range bursts {
		for i := 0; i < b.samples; i++ {
			var v float64
			if b.hz > 0 {
				v = float64(amplitude) * math.Sin(2*math.Pi*b.hz*float64(i)/float64(rate))
			}
			out = append(out, int16(v))
		}
	}
	return out
}

// readWAV loads a mono 16-bit WAV file.
func readWAV(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: not a valid wav file", path)
	}
	var buf *audio.IntBuffer
	buf, err = d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: read pcm: %w", path, err)
	}
	if buf.Format.NumChannels != 1 {
		return nil, 0, fmt.Errorf("%s: expected mono, got %d channels", path, buf.Format.NumChannels)
	}
	if buf.SourceBitDepth != 16 {
		return nil, 0, fmt.Errorf("%s: expected 16-bit samples, got %d", path, buf.SourceBitDepth)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, buf.Format.SampleRate, nil
}

// Impairments injects faults into the encoded stream.
type Impairments struct {
	// Garbage is the probability of random bytes before a frame.
	Garbage float64
	// Corrupt is the probability of a frame's checksum being damaged.
	Corrupt float64
	// Truncate is the probability of a frame being cut short.
	Truncate float64
}

// encodeStream splits samples into frames of frameSize and applies the
// impairments. It returns the stream and the number of intact frames.
func encodeStream(samples []int16, frameSize int, imp Impairments, rng *rand.Rand) ([]byte, int) {
	var out []byte
	intact := 0
	for off := 0; off < len(samples); off += frameSize {
		end := min(off+frameSize, len(samples))

		if imp.Garbage > 0 && rng.Float64() < imp.Garbage {
			n := 1 + rng.IntN(16)
			for i := 0; i < n; i++ {
				b := byte(rng.UintN(256))
				if b == protocol.SyncHi {
					b = 0
				}
				out = append(out, b)
			}
		}

		start := len(out)
		out = protocol.AppendFrame(out, samples[off:end])
		switch {
		case imp.Corrupt > 0 && rng.Float64() < imp.Corrupt:
			out[len(out)-1] ^= 0x5A
		case imp.Truncate > 0 && rng.Float64() < imp.Truncate:
			out = out[:start+protocol.HeaderSize+(len(out)-start-protocol.HeaderSize)/2]
		default:
			intact++
		}
	}
	return out, intact
}
