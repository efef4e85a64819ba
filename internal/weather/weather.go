// Package weather fetches current conditions from a wttr.in compatible
// service for the weather report.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/news"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

// Category marks weather topics.
const Category = "weather"

// Report is one observation.
type Report struct {
	City        string
	TempC       string
	FeelsLikeC  string
	Description string
	Humidity    string // percent
	WindKmph    string
	WindDir     string // 16-point compass, e.g. "NW"
}

// Options configures a Fetcher.
type Options struct {
	BaseURL   string // defaults to https://wttr.in
	City      string
	Language  string // description language: en, sr, ru
	Timeout   time.Duration
	Tries     uint
	UserAgent string
}

// Fetcher reads current conditions for one city.
type Fetcher struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
}

// New creates a fetcher.
func New(opts Options, logger zerolog.Logger) *Fetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://wttr.in"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Tries == 0 {
		opts.Tries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "airwaves/1.0"
	}
	return &Fetcher{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "weather").Str("city", opts.City).Logger(),
	}
}

// wttr.in format=j1, reduced to what the report reads.
type j1 struct {
	CurrentCondition []map[string]json.RawMessage `json:"current_condition"`
}

type valueList []struct {
	Value string `json:"value"`
}

// Current fetches the latest observation. Transient failures are retried
// with backoff; bad responses and rate limits are not.
func (f *Fetcher) Current(ctx context.Context) (Report, error) {
	op := func() (Report, error) {
		r, err := f.fetch(ctx)
		if err != nil && (ctx.Err() != nil || errors.Is(err, upstream.ErrMalformed) || errors.Is(err, upstream.ErrRateLimited)) {
			return r, backoff.Permanent(err)
		}
		return r, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	r, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(f.opts.Tries),
		backoff.WithNotify(func(err error, d time.Duration) {
			f.logger.Warn().Err(err).Dur("retry_in", d).Msg("weather fetch failed")
		}),
	)
	if err != nil {
		return Report{}, err
	}
	f.logger.Debug().Str("temp_c", r.TempC).Str("desc", r.Description).Msg("weather fetched")
	return r, nil
}

func (f *Fetcher) fetch(ctx context.Context) (Report, error) {
	u := strings.TrimSuffix(f.opts.BaseURL, "/") + "/" + url.PathEscape(f.opts.City) + "?format=j1"
	if f.opts.Language != "" && f.opts.Language != "en" {
		u += "&lang=" + url.QueryEscape(f.opts.Language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("%w: weather: %w", upstream.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Report{}, upstream.FromStatus(resp.StatusCode,
			fmt.Errorf("weather: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	var doc j1
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Report{}, fmt.Errorf("%w: weather: %w", upstream.ErrMalformed, err)
	}
	if len(doc.CurrentCondition) == 0 {
		return Report{}, fmt.Errorf("%w: weather: no current condition", upstream.ErrMalformed)
	}
	cur := doc.CurrentCondition[0]

	r := Report{
		City:       cityName(f.opts.City),
		TempC:      str(cur["temp_C"]),
		FeelsLikeC: str(cur["FeelsLikeC"]),
		Humidity:   str(cur["humidity"]),
		WindKmph:   str(cur["windspeedKmph"]),
		WindDir:    str(cur["winddir16Point"]),
	}
	r.Description = first(cur["lang_"+f.opts.Language])
	if r.Description == "" {
		r.Description = first(cur["weatherDesc"])
	}
	if r.TempC == "" {
		return Report{}, fmt.Errorf("%w: weather: no temperature", upstream.ErrMalformed)
	}
	return r, nil
}

func str(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func first(raw json.RawMessage) string {
	var v valueList
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || len(v) == 0 {
		return ""
	}
	return strings.TrimSpace(v[0].Value)
}

// cityName drops the country suffix: "Belgrade,RS" reads as "Belgrade".
func cityName(city string) string {
	name, _, _ := strings.Cut(city, ",")
	return strings.TrimSpace(strings.ReplaceAll(name, "+", " "))
}

// Summary renders the facts a host reads, e.g.
// "12°C, feels like 10°C, light rain, humidity 80%, wind 10 km/h NW".
func (r Report) Summary() string {
	parts := []string{r.TempC + "°C"}
	if r.FeelsLikeC != "" && r.FeelsLikeC != r.TempC {
		parts = append(parts, "feels like "+r.FeelsLikeC+"°C")
	}
	if r.Description != "" {
		parts = append(parts, strings.ToLower(r.Description))
	}
	if r.Humidity != "" {
		parts = append(parts, "humidity "+r.Humidity+"%")
	}
	if r.WindKmph != "" {
		wind := "wind " + r.WindKmph + " km/h"
		if r.WindDir != "" {
			wind += " " + r.WindDir
		}
		parts = append(parts, wind)
	}
	return strings.Join(parts, ", ")
}

// Fetch returns the current report as a single topic, so the weather can
// run through the same production pipeline as the news.
func (f *Fetcher) Fetch(ctx context.Context) ([]news.Topic, error) {
	r, err := f.Current(ctx)
	if err != nil {
		return nil, err
	}
	return []news.Topic{{
		Title:     r.City,
		Summary:   r.Summary(),
		Source:    "wttr.in",
		Category:  Category,
		Published: time.Now(),
	}}, nil
}
