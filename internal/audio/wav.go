package audio

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DecodeWAV reads a 16-bit PCM WAV stream into a clip.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: not a valid wav stream", ErrFormatMismatch)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if d.BitDepth != 16 {
		return Clip{}, fmt.Errorf("%w: %d-bit wav", ErrFormatMismatch, d.BitDepth)
	}
	if buf.Format == nil {
		return Clip{}, fmt.Errorf("%w: wav without format chunk", ErrFormatMismatch)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return Clip{
		Rate:     buf.Format.SampleRate,
		Channels: buf.Format.NumChannels,
		Samples:  samples,
	}, nil
}

// EncodeWAV writes common-format samples as a 16-bit PCM WAV file.
func EncodeWAV(w io.WriteSeeker, samples []int16) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: Channels, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: BitDepth,
	}

	enc := wav.NewEncoder(w, SampleRate, BitDepth, Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
