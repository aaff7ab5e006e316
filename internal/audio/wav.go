package audio

import (
	"bytes"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV renders the recording as 16-bit PCM mono WAV, the format every
// engine adapter accepts.
func EncodeWAV(rec Recording) ([]byte, error) {
	if rec.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", rec.SampleRate)
	}

	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: rec.SampleRate},
		Data:   make([]int, len(rec.Samples)),
	}
	for i, sample := range rec.Samples {
		buffer.Data[i] = int(clampPCM16(sample))
	}

	var ws memWriteSeeker
	enc := wav.NewEncoder(&ws, rec.SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return ws.buf, nil
}

// DecodeWAV parses a WAV payload into float32 samples, downmixing
// multi-channel audio to mono.
func DecodeWAV(data []byte) (Recording, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Recording{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return Recording{}, fmt.Errorf("wav payload missing format")
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bits := int(dec.BitDepth)
	if bits <= 0 {
		bits = 16
	}
	scale := float32(int(1) << (bits - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		samples[i] = sum / float32(channels)
	}

	return Recording{SampleRate: buf.Format.SampleRate, Samples: samples}, nil
}

// PCM16Bytes converts float32 frames to little-endian PCM16, the raw frame
// format streaming providers take on the socket.
func PCM16Bytes(frame []float32) []byte {
	out := make([]byte, len(frame)*2)
	for i, sample := range frame {
		v := clampPCM16(sample)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func clampPCM16(sample float32) int16 {
	scaled := sample * 32767
	switch {
	case scaled > 32767:
		return 32767
	case scaled < -32768:
		return -32768
	default:
		return int16(scaled)
	}
}

// memWriteSeeker satisfies the encoder's io.WriteSeeker without a temp file.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if needed := m.pos + len(p); needed > len(m.buf) {
		grown := make([]byte, needed)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = m.pos + int(offset)
	case io.SeekEnd:
		next = len(m.buf) + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	m.pos = next
	return int64(next), nil
}
