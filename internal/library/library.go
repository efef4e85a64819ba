// Package library keeps the catalog of music tracks available for beds and
// music segments. Refreshes build a new immutable snapshot and swap it in
// atomically, so readers never see a half-built catalog.
package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Extensions the library picks up, lower-case.
var Extensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".flac": true,
	".m4a":  true,
	".opus": true,
}

// Track is one playable file.
type Track struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type snapshot struct {
	tracks []Track
	index  map[string]int
}

// Options configures a Library.
type Options struct {
	Dir     string
	Shuffle bool
	Seed    uint64 // shuffle seed; same seed and files give the same order
}

// Library is safe for concurrent use.
type Library struct {
	opts   Options
	logger zerolog.Logger
	snap   atomic.Pointer[snapshot]

	mu     sync.Mutex
	cursor int
}

// New creates a library. Call Refresh to load the catalog.
func New(opts Options, logger zerolog.Logger) *Library {
	l := &Library{
		opts:   opts,
		logger: logger.With().Str("component", "library").Logger(),
	}
	l.snap.Store(&snapshot{index: map[string]int{}})
	return l
}

// Dir returns the scanned directory.
func (l *Library) Dir() string {
	return l.opts.Dir
}

// ListTracks returns the current catalog in playback order.
func (l *Library) ListTracks() []Track {
	s := l.snap.Load()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Len returns the number of tracks in the catalog.
func (l *Library) Len() int {
	return len(l.snap.Load().tracks)
}

// NextTrack returns the track under the cursor and advances it, wrapping at
// the end. Returns false when the catalog is empty.
func (l *Library) NextTrack() (Track, bool) {
	s := l.snap.Load()
	if len(s.tracks) == 0 {
		return Track{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.cursor % len(s.tracks)
	l.cursor = (i + 1) % len(s.tracks)
	return s.tracks[i], true
}

// Peek returns the track under the cursor without advancing it.
func (l *Library) Peek() (Track, bool) {
	s := l.snap.Load()
	if len(s.tracks) == 0 {
		return Track{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return s.tracks[l.cursor%len(s.tracks)], true
}

// Refresh rescans the directory and swaps in the new catalog. The cursor
// stays on the same file if it still exists.
func (l *Library) Refresh() error {
	tracks, err := scan(l.opts.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn().Str("dir", l.opts.Dir).Msg("music directory missing, catalog empty")
			tracks = nil
		} else {
			return fmt.Errorf("scan %s: %w", l.opts.Dir, err)
		}
	}

	if l.opts.Shuffle {
		r := rand.New(rand.NewPCG(l.opts.Seed, l.opts.Seed^0x9e3779b97f4a7c15))
		r.Shuffle(len(tracks), func(i, j int) { tracks[i], tracks[j] = tracks[j], tracks[i] })
	}

	next := &snapshot{tracks: tracks, index: make(map[string]int, len(tracks))}
	for i, t := range tracks {
		next.index[t.Path] = i
	}

	l.mu.Lock()
	prev := l.snap.Load()
	cursor := 0
	if len(prev.tracks) > 0 {
		cur := prev.tracks[l.cursor%len(prev.tracks)]
		if i, ok := next.index[cur.Path]; ok {
			cursor = i
		} else if len(tracks) > 0 {
			cursor = l.cursor % len(tracks)
		}
	}
	l.cursor = cursor
	l.snap.Store(next)
	l.mu.Unlock()

	if len(prev.tracks) != len(tracks) {
		l.logger.Info().Int("tracks", len(tracks)).Int("previous", len(prev.tracks)).Msg("catalog refreshed")
	}
	return nil
}

// Run refreshes the catalog every interval until ctx is cancelled. A zero
// interval only waits for cancellation.
func (l *Library) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(); err != nil {
				l.logger.Error().Err(err).Msg("refresh failed")
			}
		}
	}
}

func scan(dir string) ([]Track, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	var tracks []Track
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !Extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		tracks = append(tracks, Track{
			Path:    path,
			Name:    strings.TrimSuffix(d.Name(), filepath.Ext(path)),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Path < tracks[j].Path })
	return tracks, nil
}
