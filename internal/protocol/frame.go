// Package protocol implements the framed PCM wire format streamed by the
// microcontroller over the serial link.
//
// Wire layout, all integers little-endian:
//
//	byte[2]   sync     = 0xAA 0x55
//	byte[2]   length   uint16, N = sample count
//	byte[N*2] payload  N signed 16-bit samples
//	byte[2]   checksum uint16 = sum of unsigned sample reprs mod 65536
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sync marker bytes.
const (
	SyncHi byte = 0xAA
	SyncLo byte = 0x55
)

// HeaderSize is the sync marker plus the length field.
const HeaderSize = 4

// TrailerSize is the checksum field.
const TrailerSize = 2

// MaxWireSamples is the largest sample count the length field can carry.
const MaxWireSamples = 0xFFFF

// StartTrigger asks the device to begin streaming. It is a one-shot control
// write and is not framed.
var StartTrigger = []byte("start\n")

// ErrTooManySamples is returned by Encode when the sample count does not fit
// the length field.
var ErrTooManySamples = errors.New("too many samples for one frame")

// Sample is one signed 16-bit amplitude value.
type Sample = int16

// Frame is one validated protocol unit. It is handed to the caller and never
// retained by the decoder.
type Frame struct {
	// Seq is the 1-based count of valid frames decoded so far.
	Seq uint64
	// Samples holds the decoded payload.
	Samples []Sample
	// ByteLen is the payload length in bytes (always len(Samples)*2).
	ByteLen int
	// Checksum is the checksum carried on the wire.
	Checksum uint16
}

// Checksum returns the sum of the unsigned 16-bit representation of every
// sample, modulo 65536.
func Checksum(samples []Sample) uint16 {
	var sum uint16
	for _, s := range samples {
		sum += uint16(s)
	}
	return sum
}

// FrameSize returns the encoded size of a frame holding n samples.
func FrameSize(n int) int {
	return HeaderSize + n*2 + TrailerSize
}

// Encode returns the wire form of samples.
func Encode(samples []Sample) ([]byte, error) {
	if len(samples) > MaxWireSamples {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManySamples, len(samples), MaxWireSamples)
	}
	return AppendFrame(make([]byte, 0, FrameSize(len(samples))), samples), nil
}

// AppendFrame appends the wire form of samples to dst. The caller must keep
// len(samples) within MaxWireSamples.
func AppendFrame(dst []byte, samples []Sample) []byte {
	dst = append(dst, SyncHi, SyncLo)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(samples)))
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return binary.LittleEndian.AppendUint16(dst, Checksum(samples))
}

// decodeSamples converts little-endian payload bytes into samples. Values
// above 32767 wrap to negative by two's complement.
func decodeSamples(payload []byte) []Sample {
	out := make([]Sample, len(payload)/2)
	for i := range out {
		out[i] = Sample(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out
}
