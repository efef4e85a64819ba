package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strings"
)

// Decoder turns an audio file into common-format samples.
type Decoder interface {
	Decode(ctx context.Context, path string) ([]int16, error)
}

// FFmpegDecoder decodes any container ffmpeg understands.
type FFmpegDecoder struct {
	Path string // ffmpeg binary, defaults to "ffmpeg"
}

// Decode runs FFmpeg to decode an audio file to raw PCM int16 samples.
// Returns interleaved stereo samples at 48kHz.
func (d FFmpegDecoder) Decode(ctx context.Context, path string) ([]int16, error) {
	bin := d.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		return nil, fmt.Errorf("%w: ffmpeg decode %s: %v: %s", ErrFormatMismatch, path, err, msg)
	}
	return BytesToSamples(out), nil
}

// BytesToSamples converts little-endian bytes to int16 samples, dropping a
// trailing odd byte.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
