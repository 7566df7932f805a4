// Command framesim encodes audio into the serial wire format. The output
// goes to a capture file for -replay or to a serial port wired in loopback
// to the service.
package main

import (
	"flag"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"serial-voice-ingress/internal/serialport"
)

func main() {
	audioFile := flag.String("audio", "", "Path to WAV file (mono 16-bit); empty uses a synthetic pattern")
	outFile := flag.String("out", "capture.bin", "Output capture file")
	port := flag.String("port", "", "Write to this serial device instead of a file")
	baud := flag.Int("baud", 921600, "Serial baud rate")
	frameSize := flag.Int("frame", 256, "Samples per frame")
	rate := flag.Int("rate", 8000, "Sample rate of the synthetic pattern")
	amplitude := flag.Int("amplitude", 8000, "Peak amplitude of the synthetic pattern")
	repeat := flag.Int("repeat", 1, "Repeat the audio this many times")
	garbage := flag.Float64("garbage", 0, "Probability of noise bytes before each frame")
	corrupt := flag.Float64("corrupt", 0, "Probability of a damaged checksum")
	truncate := flag.Float64("truncate", 0, "Probability of a frame being cut short")
	seed := flag.Uint64("seed", 1, "Random seed for impairments")
	realtime := flag.Bool("realtime", false, "Pace output at the sample rate")
	flag.Parse()

	var (
		samples    []int16
		sampleRate = *rate
		err        error
	)
	if *audioFile != "" {
		samples, sampleRate, err = readWAV(*audioFile)
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}
		log.Printf("WAV file: %d samples at %d Hz", len(samples), sampleRate)
	} else {
		samples = render(syntheticPattern(sampleRate), sampleRate, *amplitude)
		log.Printf("Synthetic pattern: %d samples at %d Hz", len(samples), sampleRate)
	}

	all := make([]int16, 0, len(samples)*max(*repeat, 1))
	for i := 0; i < max(*repeat, 1); i++ {
		all = append(all, samples...)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed))
	stream, intact := encodeStream(all, *frameSize, Impairments{
		Garbage:  *garbage,
		Corrupt:  *corrupt,
		Truncate: *truncate,
	}, rng)
	frames := (len(all) + *frameSize - 1) / *frameSize
	log.Printf("Encoded %d frames (%d intact), %d bytes", frames, intact, len(stream))

	var out io.WriteCloser
	if *port != "" {
		p, err := serialport.Open(serialport.Config{Device: *port, BaudRate: *baud})
		if err != nil {
			log.Fatalf("Failed to open port: %v", err)
		}
		out = p
	} else {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Fatalf("Failed to create output: %v", err)
		}
		out = f
	}
	defer out.Close()

	if !*realtime {
		if _, err := out.Write(stream); err != nil {
			log.Fatalf("Failed to write: %v", err)
		}
		log.Printf("Wrote %d bytes", len(stream))
		return
	}

	// 100ms worth of wire bytes per write.
	chunk := max(sampleRate/10*2, 1)
	start := time.Now()
	for off := 0; off < len(stream); off += chunk {
		end := min(off+chunk, len(stream))
		if _, err := out.Write(stream[off:end]); err != nil {
			log.Fatalf("Failed to write: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("Finished streaming %d bytes in %v", len(stream), time.Since(start))
}
