// Package news discovers topics for the next bulletin from Reddit hot lists
// and RSS/Atom feeds.
package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrNoTopics is returned when no source produced a usable topic.
var ErrNoTopics = errors.New("no news topics available")

const (
	perSourceItems = 5
	summaryLimit   = 500
)

// Topic is one candidate story.
type Topic struct {
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Source    string    `json:"source"`
	URL       string    `json:"url"`
	Category  string    `json:"category"`
	Published time.Time `json:"published"`
	Score     float64   `json:"score"`
}

// Key identifies a story for dedup and history: the first five lower-cased
// words of the title.
func (t Topic) Key() string {
	return TitleKey(t.Title)
}

// TitleKey returns the dedup key for a title.
func TitleKey(title string) string {
	words := strings.Fields(strings.ToLower(title))
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ")
}

// History reports whether a topic already aired.
type History interface {
	TopicUsed(ctx context.Context, key string) (bool, error)
}

// Options configures a Fetcher.
type Options struct {
	Subreddits []string
	Feeds      []string
	MaxItems   int
	UserAgent  string
	RedditBase string // defaults to https://www.reddit.com
	Client     *http.Client
	History    History
	// Limit paces outgoing requests; zero means one request every 500ms.
	Limit rate.Limit
}

// Fetcher aggregates and ranks topics.
type Fetcher struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	parser  *gofeed.Parser
	logger  zerolog.Logger
	now     func() time.Time
}

// NewFetcher creates a topic fetcher.
func NewFetcher(opts Options, logger zerolog.Logger) *Fetcher {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 5
	}
	if opts.RedditBase == "" {
		opts.RedditBase = "https://www.reddit.com"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "airwaves/1.0"
	}
	if opts.Limit == 0 {
		opts.Limit = rate.Every(500 * time.Millisecond)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(opts.Limit, 2),
		parser:  gofeed.NewParser(),
		logger:  logger.With().Str("component", "news").Logger(),
		now:     time.Now,
	}
}

// Fetch gathers topics from every source, ranks them by score then
// recency, removes near-duplicates and already-aired stories, and returns at
// most MaxItems. Individual source failures are logged and skipped.
func (f *Fetcher) Fetch(ctx context.Context) ([]Topic, error) {
	var (
		mu  sync.Mutex
		all []Topic
	)
	collect := func(ts []Topic) {
		mu.Lock()
		all = append(all, ts...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range f.opts.Subreddits {
		g.Go(func() error {
			ts, err := f.fetchReddit(gctx, sub)
			if err != nil {
				f.logger.Warn().Err(err).Str("subreddit", sub).Msg("reddit fetch failed")
				return nil
			}
			collect(ts)
			return nil
		})
	}
	for _, feed := range f.opts.Feeds {
		g.Go(func() error {
			ts, err := f.fetchFeed(gctx, feed)
			if err != nil {
				f.logger.Warn().Err(err).Str("feed", feed).Msg("feed fetch failed")
				return nil
			}
			collect(ts)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Published.After(all[j].Published)
	})

	out := make([]Topic, 0, f.opts.MaxItems)
	seen := make(map[string]bool)
	for _, t := range all {
		key := t.Key()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if f.used(ctx, key) {
			continue
		}
		out = append(out, t)
		if len(out) == f.opts.MaxItems {
			break
		}
	}

	if len(out) == 0 {
		return nil, ErrNoTopics
	}
	f.logger.Info().Int("candidates", len(all)).Int("selected", len(out)).Msg("topics fetched")
	return out, nil
}

func (f *Fetcher) used(ctx context.Context, key string) bool {
	if f.opts.History == nil {
		return false
	}
	used, err := f.opts.History.TopicUsed(ctx, key)
	if err != nil {
		f.logger.Warn().Err(err).Msg("topic history lookup failed")
		return false
	}
	return used
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
	Score      float64 `json:"score"`
	Stickied   bool    `json:"stickied"`
}

var subredditCategories = map[string]string{
	"worldnews":  "world",
	"technology": "tech",
	"science":    "science",
	"serbia":     "local",
	"news":       "general",
}

func categorize(subreddit string) string {
	if c, ok := subredditCategories[strings.ToLower(subreddit)]; ok {
		return c
	}
	return "general"
}

func (f *Fetcher) fetchReddit(ctx context.Context, sub string) ([]Topic, error) {
	u := fmt.Sprintf("%s/r/%s/hot.json?limit=10", strings.TrimRight(f.opts.RedditBase, "/"), url.PathEscape(sub))
	body, err := f.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var listing redditListing
	if err := json.NewDecoder(body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode reddit listing: %w", err)
	}

	children := listing.Data.Children
	if len(children) > perSourceItems {
		children = children[:perSourceItems]
	}
	var out []Topic
	for _, c := range children {
		p := c.Data
		if p.Stickied || strings.TrimSpace(p.Title) == "" {
			continue
		}
		summary := truncate(strings.TrimSpace(p.Selftext), summaryLimit)
		if summary == "" {
			summary = p.Title
		}
		out = append(out, Topic{
			Title:     p.Title,
			Summary:   summary,
			Source:    "Reddit r/" + sub,
			URL:       "https://reddit.com" + p.Permalink,
			Category:  categorize(sub),
			Published: time.Unix(int64(p.CreatedUTC), 0),
			Score:     p.Score / 1000,
		})
	}
	return out, nil
}

func (f *Fetcher) fetchFeed(ctx context.Context, feedURL string) ([]Topic, error) {
	body, err := f.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	feed, err := f.parser.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	source := feed.Title
	if source == "" {
		source = feedURL
	}

	items := feed.Items
	if len(items) > perSourceItems {
		items = items[:perSourceItems]
	}
	now := f.now()
	var out []Topic
	for _, it := range items {
		if strings.TrimSpace(it.Title) == "" {
			continue
		}
		published := now
		if it.PublishedParsed != nil {
			published = *it.PublishedParsed
		} else if it.UpdatedParsed != nil {
			published = *it.UpdatedParsed
		}
		summary := it.Description
		if summary == "" {
			summary = it.Content
		}
		summary = truncate(StripHTML(summary), summaryLimit)
		if summary == "" {
			summary = it.Title
		}
		out = append(out, Topic{
			Title:     strings.TrimSpace(it.Title),
			Summary:   summary,
			Source:    source,
			URL:       it.Link,
			Category:  "world",
			Published: published,
			Score:     recencyScore(now.Sub(published)),
		})
	}
	return out, nil
}

func (f *Fetcher) get(ctx context.Context, u string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: status %d", u, resp.StatusCode)
	}
	return resp.Body, nil
}

func recencyScore(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 10
	case age < 6*time.Hour:
		return 5
	case age < 24*time.Hour:
		return 2
	default:
		return 1
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
