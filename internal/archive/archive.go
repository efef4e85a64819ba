package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/audio"
)

// Meta is the JSON sidecar written next to each archived segment.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Topics    []string  `json:"topics"`
	Bed       string    `json:"bed,omitempty"`
	Script    string    `json:"script,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Seconds   float64   `json:"seconds"`
}

type job struct {
	seg    *audio.Segment
	script string
}

// Archiver writes segments in the background. Submit never blocks the
// producer; when the backlog is full the segment is skipped.
type Archiver struct {
	store  FileStore
	jobs   chan job
	logger zerolog.Logger
}

// New creates an archiver with room for backlog pending segments.
func New(store FileStore, backlog int, logger zerolog.Logger) *Archiver {
	if backlog <= 0 {
		backlog = 8
	}
	return &Archiver{
		store:  store,
		jobs:   make(chan job, backlog),
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Key returns the object path for a segment: YYYY/MM/DD/<id>.
func Key(seg *audio.Segment) string {
	t := seg.CreatedAt.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s", t.Year(), t.Month(), t.Day(), seg.ID)
}

// Submit queues seg for archiving.
func (a *Archiver) Submit(seg *audio.Segment, script string) bool {
	select {
	case a.jobs <- job{seg: seg, script: script}:
		return true
	default:
		a.logger.Warn().Str("segment", seg.ID).Msg("archive backlog full, skipping")
		return false
	}
}

// Run drains the backlog until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-a.jobs:
			if err := a.Store(ctx, j.seg, j.script); err != nil {
				a.logger.Warn().Err(err).Str("segment", j.seg.ID).Msg("archive failed")
			}
		}
	}
}

// Store writes seg as WAV plus its metadata sidecar.
func (a *Archiver) Store(ctx context.Context, seg *audio.Segment, script string) error {
	key := Key(seg)
	if ok, err := a.store.Exists(ctx, key+".wav"); err == nil && ok {
		return nil
	}

	// the wav encoder patches its header on close, so it needs a seekable file
	tmp, err := os.CreateTemp("", "airwaves-*.wav")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := audio.EncodeWAV(tmp, seg.Samples); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := a.put(ctx, key+".wav", tmp); err != nil {
		return fmt.Errorf("write %s.wav: %w", key, err)
	}

	meta, err := json.MarshalIndent(Meta{
		ID:        seg.ID,
		Title:     seg.Title,
		Topics:    seg.Topics,
		Bed:       seg.Bed,
		Script:    script,
		CreatedAt: seg.CreatedAt,
		Seconds:   seg.Duration().Seconds(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := a.putBytes(ctx, key+".json", meta); err != nil {
		return fmt.Errorf("write %s.json: %w", key, err)
	}

	a.logger.Debug().Str("key", key).Msg("archived")
	return nil
}

func (a *Archiver) put(ctx context.Context, path string, r io.Reader) error {
	w, err := a.store.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (a *Archiver) putBytes(ctx context.Context, path string, b []byte) error {
	w, err := a.store.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
