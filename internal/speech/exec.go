package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/satindergrewal/airwaves/internal/audio"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

// Exec runs a local TTS program (piper, espeak-ng, ...). The script goes to
// stdin and a WAV file is read from stdout. A "{voice}" argument is replaced
// with the requested voice.
type Exec struct {
	cmd []string
	mu  sync.Mutex
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	if err := checkText(text); err != nil {
		return audio.Clip{}, err
	}

	// one synthesis at a time, local engines are usually single-threaded
	e.mu.Lock()
	defer e.mu.Unlock()

	args := make([]string, 0, len(e.cmd)-1)
	for _, a := range e.cmd[1:] {
		args = append(args, strings.ReplaceAll(a, "{voice}", voice))
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		return audio.Clip{}, fmt.Errorf("%w: %s: %v: %s", upstream.ErrUnavailable, e.cmd[0], err, msg)
	}

	clip, err := audio.DecodeWAV(bytes.NewReader(out))
	if err != nil {
		return audio.Clip{}, err
	}
	if err := checkClip(clip); err != nil {
		return audio.Clip{}, err
	}
	return clip, nil
}
