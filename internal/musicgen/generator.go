// Package musicgen keeps the music library stocked with generated beds when
// it runs low, using an ACE-Step server.
package musicgen

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Catalog is the library being topped up.
type Catalog interface {
	Len() int
	Dir() string
	Refresh() error
}

// Backend runs generation tasks. *Client implements it.
type Backend interface {
	Submit(ctx context.Context, req Request) (string, error)
	Wait(ctx context.Context, taskID string, interval time.Duration) (string, error)
}

// Captioner writes captions and names with an LLM. Both return "" on
// failure.
type Captioner interface {
	GenerateCaption(ctx context.Context, genre string) string
	GenerateName(ctx context.Context, genre, caption string) string
}

// Options configures a Generator.
type Options struct {
	MinTracks     int
	TrackDuration time.Duration
	StartingGenre string
	AudioFormat   string
	CheckEvery    time.Duration // how often the catalog size is checked
	PollEvery     time.Duration // task poll interval
	LLMTimeout    time.Duration
}

// Status is a snapshot of generator activity.
type Status struct {
	Genre       string    `json:"genre"`
	Generated   int       `json:"generated"`
	Failures    int       `json:"failures"`
	LastCaption string    `json:"last_caption,omitempty"`
	LastTrack   string    `json:"last_track,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastAt      time.Time `json:"last_at"`
}

// Generator adds beds to the catalog until it holds MinTracks.
type Generator struct {
	backend   Backend
	catalog   Catalog
	captioner Captioner
	opts      Options
	logger    zerolog.Logger
	rand      *rand.Rand

	mu     sync.Mutex
	status Status
}

// New creates a generator. captioner may be nil for static captions.
func New(backend Backend, catalog Catalog, captioner Captioner, opts Options, logger zerolog.Logger) *Generator {
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = 30 * time.Second
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 3 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 15 * time.Second
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "mp3"
	}
	genre := opts.StartingGenre
	if _, ok := beds[genre]; !ok {
		genre = Genres()[0]
	}
	return &Generator{
		backend:   backend,
		catalog:   catalog,
		captioner: captioner,
		opts:      opts,
		logger:    logger.With().Str("component", "musicgen").Logger(),
		rand:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		status:    Status{Genre: genre},
	}
}

// Status returns the current generator state.
func (g *Generator) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Run checks the catalog every CheckEvery and generates one bed at a time
// while it is below MinTracks. Blocks until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info().Int("min_tracks", g.opts.MinTracks).Str("genre", g.Status().Genre).Msg("bed generator started")
	for {
		if g.catalog.Len() < g.opts.MinTracks {
			if err := g.GenerateOne(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				g.logger.Error().Err(err).Msg("bed generation failed")
				// wait before retrying a failing server
				if sleep(ctx, g.opts.CheckEvery) != nil {
					return nil
				}
			}
			continue
		}
		if err := sleep(ctx, g.opts.CheckEvery); err != nil {
			return nil
		}
	}
}

// GenerateOne produces a single bed, copies it into the catalog directory
// and refreshes the catalog. The genre then drifts to a neighbour.
func (g *Generator) GenerateOne(ctx context.Context) error {
	genre := g.Status().Genre

	caption := g.llm(ctx, func(ctx context.Context) string {
		return g.captioner.GenerateCaption(ctx, genre)
	})
	if caption == "" {
		caption = Caption(genre)
	}

	err := g.generate(ctx, genre, caption)

	g.mu.Lock()
	g.status.LastCaption = caption
	g.status.LastAt = time.Now()
	if err != nil {
		g.status.Failures++
		g.status.LastError = err.Error()
	} else {
		g.status.Generated++
		g.status.LastError = ""
		g.status.Genre = Next(genre, g.rand)
	}
	g.mu.Unlock()
	return err
}

func (g *Generator) generate(ctx context.Context, genre, caption string) error {
	g.logger.Info().Str("genre", genre).Msg("generating bed")
	taskID, err := g.backend.Submit(ctx, Request{
		Caption:       caption,
		Lyrics:        "[Instrumental]",
		Duration:      int(g.opts.TrackDuration.Seconds()),
		Seed:          -1,
		UseRandomSeed: true,
		BatchSize:     1,
		AudioFormat:   g.opts.AudioFormat,
	})
	if err != nil {
		return err
	}
	src, err := g.backend.Wait(ctx, taskID, g.opts.PollEvery)
	if err != nil {
		return err
	}

	name := g.llm(ctx, func(ctx context.Context) string {
		return g.captioner.GenerateName(ctx, genre, caption)
	})
	if name == "" {
		name = TrackName(genre, taskID)
	}

	dst := filepath.Join(g.catalog.Dir(), fileName(name, taskID, g.opts.AudioFormat))
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("store bed: %w", err)
	}
	if err := g.catalog.Refresh(); err != nil {
		return fmt.Errorf("refresh catalog: %w", err)
	}

	g.mu.Lock()
	g.status.LastTrack = name
	g.mu.Unlock()
	g.logger.Info().Str("track", name).Str("task", taskID).Str("path", dst).Msg("bed ready")
	return nil
}

// llm runs fn under the LLM timeout; it returns "" without a captioner.
func (g *Generator) llm(ctx context.Context, fn func(context.Context) string) string {
	if g.captioner == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()
	return fn(ctx)
}

func fileName(name, taskID, format string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
	slug = strings.Trim(slug, "-")
	if len(taskID) > 8 {
		taskID = taskID[:8]
	}
	return fmt.Sprintf("%s-%s.%s", slug, taskID, strings.TrimPrefix(format, "."))
}

// copyFile writes via a hidden temp name so a library scan never picks up a
// partial file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".part")
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
