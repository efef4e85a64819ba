package musicgen

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBedGraphIsSymmetric(t *testing.T) {
	for name, b := range beds {
		for _, adj := range b.next {
			neighbour, ok := beds[adj]
			if !ok {
				t.Errorf("genre %q lists unknown neighbour %q", name, adj)
				continue
			}
			found := false
			for _, back := range neighbour.next {
				if back == name {
					found = true
				}
			}
			if !found {
				t.Errorf("edge %q -> %q has no way back", name, adj)
			}
		}
	}
}

func TestBedGraphIsConnected(t *testing.T) {
	start := Genres()[0]
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, adj := range beds[cur].next {
			if !visited[adj] {
				visited[adj] = true
				queue = append(queue, adj)
			}
		}
	}
	if len(visited) != len(beds) {
		t.Errorf("reached %d of %d genres from %q", len(visited), len(beds), start)
	}
}

func TestCaptions(t *testing.T) {
	for _, g := range Genres() {
		if c := Caption(g); len(c) < 20 {
			t.Errorf("Caption(%q) too short: %q", g, c)
		}
	}
	if c := Caption("polka"); !strings.Contains(c, "polka") {
		t.Errorf("fallback caption = %q, want genre mentioned", c)
	}
}

func TestNextFollowsEdges(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		got := Next("jazz", r)
		if got != "lofi hip hop" {
			t.Fatalf("Next(jazz) = %q, want lofi hip hop", got)
		}
	}
	if got := Next("unknown", r); beds[got].caption == "" {
		t.Errorf("Next(unknown) = %q, want a known genre", got)
	}
}

func TestTrackName(t *testing.T) {
	a := TrackName("jazz", "abc12345")
	if a == "" || a != TrackName("jazz", "abc12345") {
		t.Errorf("TrackName not deterministic: %q", a)
	}
	if !strings.HasSuffix(a, " jazz") {
		t.Errorf("TrackName = %q, want genre suffix", a)
	}
	if TrackName("", "x") != "" || TrackName("jazz", "") != "" {
		t.Error("TrackName with empty input should be empty")
	}
	if got := TrackName("polka", "x"); got != "polka bed" {
		t.Errorf("TrackName(polka) = %q", got)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name, id, format, want string
	}{
		{"Smoky Jazz", "task_0123456789", "mp3", "smoky-jazz-task_012.mp3"},
		{"neon/chrome", "t1", ".wav", "neon-chrome-t1.wav"},
	}
	for _, tt := range tests {
		if got := fileName(tt.name, tt.id, tt.format); got != tt.want {
			t.Errorf("fileName(%q, %q, %q) = %q, want %q", tt.name, tt.id, tt.format, got, tt.want)
		}
	}
}

// aceServer fakes the ACE-Step API. The task reports running for the first
// poll and then finishes with status.
func aceServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /release_task", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Caption == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			json.NewEncoder(w).Encode(map[string]any{"code": 401, "error": "unauthorized"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": map[string]string{"task_id": "task_42"}})
	})
	mux.HandleFunc("POST /query_result", func(w http.ResponseWriter, r *http.Request) {
		st := 0
		if polls.Add(1) > 1 {
			st = status
		}
		result, _ := json.Marshal([]map[string]any{{"file": "/v1/audio?path=outputs/task_42/0.mp3"}})
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": []map[string]any{{"task_id": "task_42", "status": st, "result": string(result)}},
		})
	})
	mux.HandleFunc("GET /v1/audio", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ID3 fake mp3"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestClientSubmitAndDownload(t *testing.T) {
	srv, polls := aceServer(t, 1)
	c := NewClient(srv.URL, "k", "", zerolog.Nop())
	ctx := context.Background()

	if err := c.WaitForHealthy(ctx, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	id, err := c.Submit(ctx, Request{Caption: "bed", Duration: 30})
	if err != nil {
		t.Fatal(err)
	}
	if id != "task_42" {
		t.Errorf("task id = %q, want task_42", id)
	}

	path, err := c.Wait(ctx, id, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(path)
	if polls.Load() != 2 {
		t.Errorf("polls = %d, want 2", polls.Load())
	}
	b, _ := os.ReadFile(path)
	if string(b) != "ID3 fake mp3" {
		t.Errorf("downloaded %q", b)
	}
}

func TestClientPrefersSharedVolume(t *testing.T) {
	srv, _ := aceServer(t, 1)
	dir := t.TempDir()
	local := filepath.Join(dir, "outputs", "task_42", "0.mp3")
	os.MkdirAll(filepath.Dir(local), 0o755)
	os.WriteFile(local, []byte("shared"), 0o644)

	c := NewClient(srv.URL, "k", dir, zerolog.Nop())
	path, err := c.Wait(context.Background(), "task_42", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if path != local {
		t.Errorf("path = %q, want %q", path, local)
	}
}

func TestClientErrors(t *testing.T) {
	srv, _ := aceServer(t, 2)
	ctx := context.Background()

	if _, err := NewClient(srv.URL, "wrong", "", zerolog.Nop()).Submit(ctx, Request{Caption: "x"}); err == nil {
		t.Error("Submit with bad key should fail")
	}

	c := NewClient(srv.URL, "k", "", zerolog.Nop())
	if _, err := c.Wait(ctx, "task_42", time.Millisecond); !errors.Is(err, ErrTaskFailed) {
		t.Errorf("Wait error = %v, want ErrTaskFailed", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := NewClient("http://127.0.0.1:1", "", "", zerolog.Nop()).WaitForHealthy(cctx, time.Millisecond); err == nil {
		t.Error("WaitForHealthy on cancelled ctx should fail")
	}
}

type fakeCatalog struct {
	dir       string
	refreshes int
}

func (c *fakeCatalog) Dir() string { return c.dir }

func (c *fakeCatalog) Len() int {
	entries, _ := os.ReadDir(c.dir)
	n := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

func (c *fakeCatalog) Refresh() error {
	c.refreshes++
	return nil
}

type fakeBackend struct {
	src     string
	err     error
	request Request
}

func (b *fakeBackend) Submit(ctx context.Context, req Request) (string, error) {
	b.request = req
	if b.err != nil {
		return "", b.err
	}
	return "task_abcdef123", nil
}

func (b *fakeBackend) Wait(ctx context.Context, taskID string, interval time.Duration) (string, error) {
	return b.src, nil
}

type fakeCaptioner struct{}

func (fakeCaptioner) GenerateCaption(ctx context.Context, genre string) string {
	return "llm caption for " + genre
}

func (fakeCaptioner) GenerateName(ctx context.Context, genre, caption string) string {
	return "quiet hours"
}

func TestGenerateOne(t *testing.T) {
	src := filepath.Join(t.TempDir(), "out.mp3")
	os.WriteFile(src, []byte("audio"), 0o644)
	cat := &fakeCatalog{dir: t.TempDir()}
	backend := &fakeBackend{src: src}

	g := New(backend, cat, fakeCaptioner{}, Options{
		MinTracks:     1,
		TrackDuration: 90 * time.Second,
		StartingGenre: "jazz",
	}, zerolog.Nop())

	if err := g.GenerateOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.request.Caption != "llm caption for jazz" {
		t.Errorf("caption = %q", backend.request.Caption)
	}
	if backend.request.Duration != 90 || backend.request.AudioFormat != "mp3" {
		t.Errorf("request = %+v", backend.request)
	}
	if _, err := os.Stat(filepath.Join(cat.dir, "quiet-hours-task_abc.mp3")); err != nil {
		t.Errorf("bed not stored: %v", err)
	}
	if cat.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", cat.refreshes)
	}

	st := g.Status()
	if st.Generated != 1 || st.LastTrack != "quiet hours" {
		t.Errorf("status = %+v", st)
	}
	if st.Genre != "lofi hip hop" {
		t.Errorf("genre after jazz = %q, want lofi hip hop", st.Genre)
	}
}

func TestGenerateOneStaticCaptionAndFailure(t *testing.T) {
	cat := &fakeCatalog{dir: t.TempDir()}
	backend := &fakeBackend{err: errors.New("server down")}
	g := New(backend, cat, nil, Options{StartingGenre: "ambient"}, zerolog.Nop())

	if err := g.GenerateOne(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if backend.request.Caption != Caption("ambient") {
		t.Errorf("caption = %q, want static", backend.request.Caption)
	}
	st := g.Status()
	if st.Failures != 1 || st.LastError == "" || st.Genre != "ambient" {
		t.Errorf("status = %+v", st)
	}
}

func TestRunStopsWhenStocked(t *testing.T) {
	src := filepath.Join(t.TempDir(), "out.mp3")
	os.WriteFile(src, []byte("audio"), 0o644)
	cat := &fakeCatalog{dir: t.TempDir()}
	g := New(&fakeBackend{src: src}, cat, nil, Options{
		MinTracks:     2,
		StartingGenre: "jazz",
		CheckEvery:    5 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	if n := cat.Len(); n != 2 {
		t.Errorf("catalog has %d beds, want 2", n)
	}
	if g.Status().Generated != 2 {
		t.Errorf("generated = %d, want 2", g.Status().Generated)
	}
}
