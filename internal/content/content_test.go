package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/news"
	"github.com/satindergrewal/airwaves/internal/ollama"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

var testTopics = []news.Topic{
	{Title: "Rover finds ice", Summary: "Water ice found near the pole.", Category: "science"},
	{Title: "Chip prices fall", Summary: strings.Repeat("x", 300), Category: "tech"},
}

func chatServer(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q, want .../chat/completions", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "x",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(t *testing.T, url string) *OpenAI {
	t.Helper()
	b, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: url + "/v1", Model: "m", MaxTokens: 100})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestGenerateSegmentText(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "**Good evening.**\n\n## Headlines\nRover finds ice.")
	g := NewGenerator(newTestOpenAI(t, srv.URL), "en", "casual", zerolog.Nop())

	got, err := g.GenerateSegmentText(context.Background(), testTopics)
	if err != nil {
		t.Fatal(err)
	}
	want := "Good evening.\n\nHeadlines\nRover finds ice."
	if got != want {
		t.Errorf("script = %q, want %q", got, want)
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, "", upstream.ErrRateLimited},
		{"server error", http.StatusInternalServerError, "", upstream.ErrUnavailable},
		{"empty reply", http.StatusOK, "   ", upstream.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.reply)
			g := NewGenerator(newTestOpenAI(t, srv.URL), "en", "professional", zerolog.Nop())
			_, err := g.GenerateSegmentText(context.Background(), testTopics)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, upstream.ErrUnavailable) {
				t.Errorf("err = %v, should match upstream.ErrUnavailable", err)
			}
		})
	}
}

func TestGenerateNoTopics(t *testing.T) {
	g := NewGenerator(&OpenAI{cfg: OpenAIConfig{Model: "m"}}, "en", "", zerolog.Nop())
	if _, err := g.GenerateSegmentText(context.Background(), nil); !errors.Is(err, upstream.ErrMalformed) {
		t.Errorf("err = %v, want upstream.ErrMalformed", err)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{Model: "m"}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOllamaBackend(t *testing.T) {
	var gotOptions map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			System  string         `json:"system"`
			Options map[string]any `json:"options"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotOptions = body.Options
		if body.System == "" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "<think>hmm</think> Hello listeners.", "done": true})
	}))
	defer srv.Close()

	backend := NewOllama(ollama.NewClient(srv.URL, "qwen3", zerolog.Nop()), 500, 0.5)
	if backend.Name() != "ollama:qwen3" {
		t.Errorf("Name() = %q, want ollama:qwen3", backend.Name())
	}

	g := NewGenerator(backend, "en", "professional", zerolog.Nop())
	got, err := g.GenerateSegmentText(context.Background(), testTopics)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello listeners." {
		t.Errorf("script = %q, want %q", got, "Hello listeners.")
	}
	if gotOptions["num_predict"] != float64(500) {
		t.Errorf("num_predict = %v, want 500", gotOptions["num_predict"])
	}

	_, err = backend.Complete(context.Background(), "", "hi")
	if !errors.Is(err, upstream.ErrRateLimited) {
		t.Errorf("err = %v, want upstream.ErrRateLimited", err)
	}

	srv.Close()
	_, err = backend.Complete(context.Background(), "s", "hi")
	if !errors.Is(err, upstream.ErrUnavailable) || errors.Is(err, upstream.ErrRateLimited) {
		t.Errorf("err = %v, want plain upstream.ErrUnavailable", err)
	}
}

func TestPrompts(t *testing.T) {
	sys := SystemPrompt("sr", "dramatic")
	if !strings.Contains(sys, "srpskom") || !strings.Contains(sys, "energičan") {
		t.Errorf("serbian system prompt missing language or style: %q", sys)
	}
	if SystemPrompt("xx", "unknown") != SystemPrompt("en", "professional") {
		t.Error("unknown language/style should fall back to en/professional")
	}

	user := UserPrompt("en", "casual", testTopics)
	if !strings.Contains(user, "1. [SCIENCE] Rover finds ice") {
		t.Errorf("user prompt missing first item: %q", user)
	}
	if !strings.Contains(user, strings.Repeat("x", 200)+"...") || strings.Contains(user, strings.Repeat("x", 201)) {
		t.Error("summary should be cut to 200 runes plus ellipsis")
	}
}

func TestCleanScript(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Quoted."`, "Quoted."},
		{"<think>plan</think>\nHi.", "Hi."},
		{"# Title\n\n\n\nBody __text__", "Title\n\nBody text"},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := CleanScript(tt.in); got != tt.want {
			t.Errorf("CleanScript(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
