package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"

	shellwords "github.com/mattn/go-shellwords"
)

// CommandDevice captures audio by spawning an external recorder that writes
// raw signed 16-bit little-endian mono PCM to stdout, for example
// "sox -d -t raw -r 16000 -e signed -b 16 -c 1 -" or an arecord equivalent.
type CommandDevice struct {
	Command string
	Rate    int
}

const captureFrameBytes = 3200 // 100ms of s16le mono at 16kHz

func (d CommandDevice) Open(ctx context.Context) (<-chan []float32, int, error) {
	args, err := shellwords.Parse(d.Command)
	if err != nil {
		return nil, 0, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, 0, fmt.Errorf("empty capture command")
	}

	rate := d.Rate
	if rate <= 0 {
		rate = 16000
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("start capture command: %w", err)
	}

	out := make(chan []float32, 8)
	go func() {
		defer close(out)
		defer cmd.Wait()

		buf := make([]byte, captureFrameBytes)
		for {
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				frame := pcm16ToFloat32(buf[:n-n%2])
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return out, rate, nil
}

func pcm16ToFloat32(raw []byte) []float32 {
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return samples
}
