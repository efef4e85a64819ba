package ollama

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CaptionGenerator uses an LLM to write music-generation captions for news
// beds, one per genre, avoiding repeats.
type CaptionGenerator struct {
	client *Client
	logger zerolog.Logger

	mu          sync.Mutex
	lastCaption map[string]string // genre -> last caption used
}

// NewCaptionGenerator creates a caption generator backed by an Ollama client.
func NewCaptionGenerator(client *Client) *CaptionGenerator {
	return &CaptionGenerator{
		client:      client,
		logger:      client.logger.With().Str("task", "caption").Logger(),
		lastCaption: make(map[string]string),
	}
}

var captionOptions = Options{Temperature: 0.9, TopP: 0.95, NumPredict: 128, RepeatPenalty: 1.1}

const captionSystemPrompt = `You are a caption generator for an AI music model that produces background beds for a news radio station.

Given a genre, output ONE caption of 20-40 words describing an instrumental bed that will sit under a speaking voice.

Caption rules:
- Describe the SOUND: instruments, timbre, tempo, mood, production style
- Keep it understated: steady rhythm, no sudden drops, no lead melody that competes with speech
- Name real instruments and techniques: "muted electric piano", "brushed snare", "warm analog pad"
- Include tempo guidance as BPM or tempo words
- Each caption MUST be meaningfully different from any previous caption

NEVER include lyrics, vocals, artist names, explanations, quotes or formatting.

Output ONLY the caption text.

/no_think`

// GenerateCaption creates a caption for genre. Returns "" on failure and the
// caller falls back to a static caption.
func (g *CaptionGenerator) GenerateCaption(ctx context.Context, genre string) string {
	g.mu.Lock()
	lastCaption := g.lastCaption[genre]
	g.mu.Unlock()

	prompt := fmt.Sprintf("Genre: %s", genre)
	if lastCaption != "" {
		prompt += fmt.Sprintf("\nPrevious caption (do NOT repeat this): %s", lastCaption)
	}

	caption, err := g.client.Generate(ctx, captionSystemPrompt, prompt, captionOptions)
	if err != nil {
		g.logger.Warn().Err(err).Str("genre", genre).Msg("caption generation failed")
		return ""
	}

	caption = cleanCaption(caption)
	if len(caption) < 15 {
		g.logger.Warn().Str("caption", caption).Msg("unusable caption")
		return ""
	}

	g.mu.Lock()
	g.lastCaption[genre] = caption
	g.mu.Unlock()

	g.logger.Debug().Str("genre", genre).Str("caption", caption).Msg("caption")
	return caption
}

const nameSystemPrompt = `You are a track name generator for a radio station's music library.

Given a genre and a music caption, generate a short evocative track name (2-4 words).

Rules:
- Evocative and atmospheric, not literal
- No genre name in the title
- No numbers, no "Track 1", no "Untitled"
- Lowercase only

Output ONLY the track name.

/no_think`

// GenerateName creates a short track name. Returns "" on failure.
func (g *CaptionGenerator) GenerateName(ctx context.Context, genre, caption string) string {
	prompt := fmt.Sprintf("Genre: %s\nCaption: %s", genre, caption)

	name, err := g.client.Generate(ctx, nameSystemPrompt, prompt, captionOptions)
	if err != nil {
		g.logger.Warn().Err(err).Msg("name generation failed")
		return ""
	}

	name = strings.ToLower(cleanCaption(name))
	if name == "" || len(name) > 60 || strings.Count(name, " ") > 4 {
		g.logger.Warn().Str("name", name).Msg("unusable name")
		return ""
	}
	return name
}

// cleanCaption strips common LLM artifacts from output.
func cleanCaption(s string) string {
	s = strings.TrimSpace(s)

	// thinking-mode leakage
	if idx := strings.Index(s, "</think>"); idx >= 0 {
		s = strings.TrimSpace(s[idx+len("</think>"):])
	}

	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	prefixes := []string{
		"Here's a caption:",
		"Here is a caption:",
		"Caption:",
		"Here's the caption:",
	}
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}

	return strings.TrimSpace(s)
}
