package stream

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/satindergrewal/airwaves/internal/audio"
)

// Encoder turns a raw common-format PCM byte stream into a compressed stream.
// The returned reader ends when pcm is exhausted or ctx is cancelled.
type Encoder interface {
	Encode(ctx context.Context, pcm io.Reader) (io.ReadCloser, error)
	ContentType() string
}

// MP3Encoder encodes with an ffmpeg subprocess (libmp3lame).
type MP3Encoder struct {
	FFmpegPath string
	Bitrate    int // kbps
}

func (e MP3Encoder) ContentType() string { return "audio/mpeg" }

// Encode starts ffmpeg reading PCM from pcm and returns its MP3 output.
// Closing the returned reader waits for the process to exit.
func (e MP3Encoder) Encode(ctx context.Context, pcm io.Reader) (io.ReadCloser, error) {
	bin := e.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	bitrate := e.Bitrate
	if bitrate <= 0 {
		bitrate = 128
	}

	// FFmpeg: PCM stdin -> MP3 stdout
	cmd := exec.CommandContext(ctx, bin,
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", strconv.Itoa(bitrate)+"k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = pcm

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}
	return &procReader{ReadCloser: stdout, cmd: cmd}, nil
}

type procReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *procReader) Close() error {
	p.ReadCloser.Close()
	return p.cmd.Wait()
}

// pcmFeed copies frames from a listener into w until ctx ends, the listener
// is unsubscribed or a write fails.
func pcmFeed(ctx context.Context, l *Listener, w io.WriteCloser) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case frame, ok := <-l.C:
			if !ok {
				return
			}
			if _, err := w.Write(audio.SamplesToBytes(frame)); err != nil {
				return
			}
		}
	}
}
