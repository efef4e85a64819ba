package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/audio"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

func TestOpenAISynthesize(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("path = %q, want /v1/audio/speech", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(audio.SamplesToBytes([]int16{1, 2, 3, 4}))
	}))
	defer srv.Close()

	s, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "tts-1"})
	if err != nil {
		t.Fatal(err)
	}
	clip, err := s.Synthesize(context.Background(), "Hello", "alloy")
	if err != nil {
		t.Fatal(err)
	}
	if clip.Rate != 24000 || clip.Channels != 1 {
		t.Errorf("format = %d/%d, want 24000/1", clip.Rate, clip.Channels)
	}
	if len(clip.Samples) != 4 || clip.Samples[3] != 4 {
		t.Errorf("samples = %v, want [1 2 3 4]", clip.Samples)
	}
	if got["response_format"] != "pcm" || got["voice"] != "alloy" || got["speed"] != 1.0 {
		t.Errorf("request = %v", got)
	}
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, upstream.ErrRateLimited},
		{"unavailable", http.StatusBadGateway, upstream.ErrUnavailable},
		{"empty audio", http.StatusOK, upstream.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s, _ := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "tts-1"})
			_, err := s.Synthesize(context.Background(), "Hello", "alloy")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEmptyTextRejected(t *testing.T) {
	s, _ := NewOpenAI(OpenAIConfig{APIKey: "k", Model: "tts-1"})
	if _, err := s.Synthesize(context.Background(), "  ", "alloy"); !errors.Is(err, upstream.ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func writeWAV(t *testing.T, samples []int16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := audio.EncodeWAV(f, samples); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func TestExecSynthesize(t *testing.T) {
	path := writeWAV(t, []int16{10, -10, 20, -20})

	s, err := NewExec("cat '" + path + "'")
	if err != nil {
		t.Fatal(err)
	}
	clip, err := s.Synthesize(context.Background(), "Hello", "amy")
	if err != nil {
		t.Fatal(err)
	}
	if clip.Rate != audio.SampleRate || clip.Channels != audio.Channels {
		t.Errorf("format = %d/%d, want %d/%d", clip.Rate, clip.Channels, audio.SampleRate, audio.Channels)
	}
	if len(clip.Samples) != 4 || clip.Samples[1] != -10 {
		t.Errorf("samples = %v, want [10 -10 20 -20]", clip.Samples)
	}
}

func TestExecFailures(t *testing.T) {
	if _, err := NewExec("   "); err == nil {
		t.Error("empty command should fail")
	}
	if _, err := NewExec(`piper "unterminated`); err == nil {
		t.Error("unterminated quote should fail")
	}

	s, _ := NewExec("false")
	if _, err := s.Synthesize(context.Background(), "Hello", "x"); !errors.Is(err, upstream.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}

	s, _ = NewExec("echo not-a-wav")
	if _, err := s.Synthesize(context.Background(), "Hello", "x"); !errors.Is(err, audio.ErrFormatMismatch) {
		t.Errorf("err = %v, want ErrFormatMismatch", err)
	}
}

type countingSynth struct {
	calls int
}

func (c *countingSynth) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	c.calls++
	if text == "fail" {
		return audio.Clip{}, upstream.ErrUnavailable
	}
	return audio.Clip{Rate: 24000, Channels: 1, Samples: []int16{int16(len(text)), 7}}, nil
}

func TestCache(t *testing.T) {
	inner := &countingSynth{}
	c, err := NewCache(inner, CacheOptions{InMemory: true, Speed: 1}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	first, err := c.Synthesize(ctx, "ident", "alloy")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Synthesize(ctx, "ident", "alloy")
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
	if second.Rate != first.Rate || second.Channels != first.Channels || len(second.Samples) != 2 || second.Samples[0] != 5 {
		t.Errorf("cached clip = %+v, want %+v", second, first)
	}

	c.Synthesize(ctx, "ident", "nova")
	if inner.calls != 2 {
		t.Errorf("different voice should miss, calls = %d", inner.calls)
	}

	if _, err := c.Synthesize(ctx, "fail", "alloy"); err == nil {
		t.Error("expected error to pass through")
	}
	if _, err := c.Synthesize(ctx, "fail", "alloy"); err == nil {
		t.Error("failures must not be cached")
	}
}

func TestCacheKey(t *testing.T) {
	k := CacheKey("hello", "alloy", 1)
	if len(k) != 16 {
		t.Errorf("len(key) = %d, want 16", len(k))
	}
	if k != CacheKey("hello", "alloy", 1) {
		t.Error("key should be stable")
	}
	if k == CacheKey("hello", "alloy", 1.25) {
		t.Error("speed should change the key")
	}
}

func TestCacheRequiresDir(t *testing.T) {
	if _, err := NewCache(&countingSynth{}, CacheOptions{}, zerolog.Nop()); err == nil {
		t.Error("expected error without dir")
	}
}
