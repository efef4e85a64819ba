// Package speech turns bulletin scripts into voice clips.
package speech

import (
	"context"
	"fmt"
	"strings"

	"github.com/satindergrewal/airwaves/internal/audio"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

// Synthesizer renders text as a clip. The clip may be in any PCM format;
// the mixer converts it to the common format.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (audio.Clip, error)
}

func checkText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", upstream.ErrMalformed)
	}
	return nil
}

func checkClip(c audio.Clip) error {
	if c.Rate <= 0 || c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("%w: %d Hz, %d channels", audio.ErrFormatMismatch, c.Rate, c.Channels)
	}
	if len(c.Samples) == 0 {
		return fmt.Errorf("%w: no audio returned", upstream.ErrMalformed)
	}
	return nil
}
