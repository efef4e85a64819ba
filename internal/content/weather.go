package content

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/news"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

var weatherSystem = map[string]string{
	"en": "You are a radio host reading the weather. Be brief and natural. Plain text only, no emoji.",
	"sr": "Ti si radio voditelj koji čita vremensku prognozu. Budi kratak i prirodan. Samo običan tekst, bez emodžija.",
	"ru": "Ты ведущий, читаешь прогноз погоды. Кратко и естественно. Только простой текст, без эмодзи.",
}

var weatherUser = map[string]string{
	"en": "Write a short weather report for the radio.\nCity: %s\nConditions: %s\n\nStyle: natural, friendly, short (2-3 sentences).",
	"sr": "Napravi kratku vremensku prognozu za radio.\nGrad: %s\nUslovi: %s\n\nStil: prirodan, prijateljski, kratak (2-3 rečenice).",
	"ru": "Напиши короткий прогноз погоды для радио.\nГород: %s\nУсловия: %s\n\nСтиль: естественный, дружелюбный, короткий (2-3 предложения).",
}

// weatherFallback is read when no model is reachable.
var weatherFallback = map[string]string{
	"en": "The weather in %s: %s.",
	"sr": "Vremenska prognoza za %s: %s.",
	"ru": "Погода в городе %s: %s.",
}

// WeatherWriter turns a weather topic (city in Title, conditions in Summary)
// into a short report. When the model fails the report falls back to a
// plain reading of the conditions, so the slot still airs.
type WeatherWriter struct {
	backend Completer
	lang    string
	logger  zerolog.Logger
}

// NewWeatherWriter creates a weather writer in lang.
func NewWeatherWriter(backend Completer, lang string, logger zerolog.Logger) *WeatherWriter {
	return &WeatherWriter{
		backend: backend,
		lang:    lang,
		logger:  logger.With().Str("component", "weather_writer").Str("backend", backend.Name()).Logger(),
	}
}

// GenerateSegmentText writes the report for the first topic.
func (w *WeatherWriter) GenerateSegmentText(ctx context.Context, topics []news.Topic) (string, error) {
	if len(topics) == 0 {
		return "", fmt.Errorf("%w: no weather", upstream.ErrMalformed)
	}
	t := topics[0]
	l := lang(w.lang)

	raw, err := w.backend.Complete(ctx, weatherSystem[l], fmt.Sprintf(weatherUser[l], t.Title, t.Summary))
	if err == nil {
		if script := CleanScript(raw); script != "" {
			return script, nil
		}
		err = fmt.Errorf("%w: empty weather script", upstream.ErrMalformed)
	}
	if ctx.Err() != nil {
		return "", err
	}
	w.logger.Warn().Err(err).Msg("weather model failed, reading conditions as is")
	return WeatherFallback(w.lang, t.Title, t.Summary), nil
}

// WeatherFallback renders the conditions without a model.
func WeatherFallback(language, city, conditions string) string {
	return fmt.Sprintf(weatherFallback[lang(language)], city, conditions)
}
