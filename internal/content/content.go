// Package content turns ranked news topics into a spoken bulletin script.
package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/news"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

// Completer is a chat-style text backend.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

// Generator writes bulletin scripts.
type Generator struct {
	backend Completer
	lang    string
	style   string
	logger  zerolog.Logger
}

// NewGenerator creates a generator writing in lang with the given style.
func NewGenerator(backend Completer, lang, style string, logger zerolog.Logger) *Generator {
	return &Generator{
		backend: backend,
		lang:    lang,
		style:   style,
		logger:  logger.With().Str("component", "content").Str("backend", backend.Name()).Logger(),
	}
}

// GenerateSegmentText writes one bulletin covering topics.
func (g *Generator) GenerateSegmentText(ctx context.Context, topics []news.Topic) (string, error) {
	if len(topics) == 0 {
		return "", fmt.Errorf("%w: no topics", upstream.ErrMalformed)
	}

	system := SystemPrompt(g.lang, g.style)
	user := UserPrompt(g.lang, g.style, topics)

	raw, err := g.backend.Complete(ctx, system, user)
	if err != nil {
		return "", err
	}

	script := CleanScript(raw)
	if script == "" {
		return "", fmt.Errorf("%w: empty script", upstream.ErrMalformed)
	}
	g.logger.Info().Int("topics", len(topics)).Int("chars", len(script)).Msg("bulletin written")
	return script, nil
}

// CleanScript strips LLM artifacts that should not be read aloud: thinking
// blocks, markdown emphasis and headings, surrounding quotes.
func CleanScript(s string) string {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "</think>"); idx >= 0 {
		s = strings.TrimSpace(s[idx+len("</think>"):])
	}

	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "#")
		line = strings.ReplaceAll(line, "**", "")
		line = strings.ReplaceAll(line, "__", "")
		line = strings.TrimSpace(line)
		if line == "" {
			if len(out) > 0 && out[len(out)-1] != "" {
				out = append(out, "")
			}
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
