// Package scheduler runs the station clock: it fires one news production per
// interval and, when configured, a weather report on its own interval. It
// keeps music flowing into the playback queue and publishes its state for
// the status surface.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/satindergrewal/airwaves/internal/audio"
	"github.com/satindergrewal/airwaves/internal/history"
	"github.com/satindergrewal/airwaves/internal/mixer"
	"github.com/satindergrewal/airwaves/internal/news"
	"github.com/satindergrewal/airwaves/internal/speech"
	"github.com/satindergrewal/airwaves/internal/telemetry"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

// identGap separates the station ident from the bulletin.
const identGap = 300 * time.Millisecond

// TopicSource finds news to read.
type TopicSource interface {
	Fetch(ctx context.Context) ([]news.Topic, error)
}

// Writer turns topics into a script.
type Writer interface {
	GenerateSegmentText(ctx context.Context, topics []news.Topic) (string, error)
}

// Renderer produces playable segments.
type Renderer interface {
	RenderVoice(ctx context.Context, voice audio.Clip, topics []string) (*audio.Segment, error)
	RenderMusic(ctx context.Context) (*audio.Segment, error)
}

// Queue is the producer side of the playback queue.
type Queue interface {
	Enqueue(ctx context.Context, seg *audio.Segment) error
	Buffered() time.Duration
}

// ProgramLog persists productions and used topics.
type ProgramLog interface {
	RecordProduction(ctx context.Context, p history.Production) error
	MarkTopicsUsed(ctx context.Context, keys []string) error
}

// Notifier announces lifecycle events.
type Notifier interface {
	SegmentEnqueued(seg *audio.Segment)
	ProductionFailed(phase string, err error)
}

// Archiver keeps copies of produced segments.
type Archiver interface {
	Submit(seg *audio.Segment, script string) bool
}

// Deps are the collaborators of one production.
type Deps struct {
	Topics TopicSource
	Writer Writer
	Speech speech.Synthesizer
	Mixer  Renderer
	Queue  Queue
}

// Program is a show besides the news with its own source, writer and
// clock. It gets no ident and its topics are not marked used.
type Program struct {
	Topics   TopicSource
	Writer   Writer
	Voice    string // empty uses Options.Voice
	Interval time.Duration
}

// Options configures timing and the optional sinks. Nil sinks are skipped.
type Options struct {
	Interval          time.Duration
	Tick              time.Duration
	ProductionTimeout time.Duration
	FireOnStart       bool
	MusicLowWater     time.Duration

	Voice      string
	IdentText  string
	IntroTexts []string

	Weather *Program // nil or zero Interval disables the weather report

	Log     ProgramLog
	Events  Notifier
	Archive Archiver
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// program is one scheduled show and the slot it reports into.
type program struct {
	name     string
	topics   TopicSource
	writer   Writer
	voice    string
	interval time.Duration
	title    string // segment title prefix, empty keeps the mixer's
	bulletin bool   // ident and used-topic bookkeeping
	slot     func(*State) *Slot
	logger   zerolog.Logger
}

// Scheduler owns the production loop. It is the only producer for the queue.
type Scheduler struct {
	deps   Deps
	opts   Options
	state  *stateBox
	logger zerolog.Logger

	news     *program
	weather  *program // nil when off
	programs []*program

	now   func() time.Time
	newID func() string
	pick  func(n int) int

	results    chan result
	musicStall bool // last top-up found nothing playable
}

type result struct {
	prog   *program
	prod   history.Production
	seg    *audio.Segment
	keys   []string
	err    error
	phase  Phase
	script string
}

// New creates a scheduler.
func New(deps Deps, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.ProductionTimeout <= 0 {
		opts.ProductionTimeout = 3 * time.Minute
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	s := &Scheduler{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
		pick:   rand.IntN,
	}
	s.news = &program{
		name:     history.ProgramNews,
		topics:   deps.Topics,
		writer:   deps.Writer,
		voice:    opts.Voice,
		interval: opts.Interval,
		bulletin: true,
		slot:     func(st *State) *Slot { return &st.Slot },
		logger:   s.logger,
	}
	s.programs = []*program{s.news}
	initial := State{Slot: Slot{Phase: PhaseIdle, Interval: opts.Interval}}

	if w := opts.Weather; w != nil && w.Interval > 0 {
		voice := w.Voice
		if voice == "" {
			voice = opts.Voice
		}
		s.weather = &program{
			name:     history.ProgramWeather,
			topics:   w.Topics,
			writer:   w.Writer,
			voice:    voice,
			interval: w.Interval,
			title:    "Weather",
			slot:     func(st *State) *Slot { return &st.Weather },
			logger:   s.logger.With().Str("program", history.ProgramWeather).Logger(),
		}
		s.programs = append(s.programs, s.weather)
		initial.Weather = Slot{Phase: PhaseIdle, Interval: w.Interval}
	}
	s.state = newStateBox(initial)
	// one buffered result per program so a finished production never blocks
	s.results = make(chan result, len(s.programs))
	return s
}

func (s *Scheduler) update(p *program, fn func(*Slot)) {
	s.state.update(func(st *State) { fn(p.slot(st)) })
}

func (s *Scheduler) slot(p *program) Slot {
	st := s.state.load()
	return *p.slot(&st)
}

// State returns a snapshot of the schedule.
func (s *Scheduler) State() State {
	return s.state.load()
}

// Run drives the schedule until ctx is cancelled. An in-flight production
// is abandoned with ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.now()
	ev := s.logger.Info().
		Dur("interval", s.opts.Interval).
		Bool("fire_on_start", s.opts.FireOnStart)
	if s.weather != nil {
		ev = ev.Dur("weather_interval", s.weather.interval)
	}
	ev.Msg("scheduler started")

	s.playIntro(ctx)

	for _, p := range s.programs {
		if s.opts.FireOnStart {
			s.fire(ctx, p, start)
			continue
		}
		s.update(p, func(sl *Slot) {
			sl.LastFire = start
			sl.NextFire = start.Add(p.interval)
		})
	}
	s.topUpMusic(ctx)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-s.results:
			s.finish(ctx, r)
			s.topUpMusic(ctx)
		case <-ticker.C:
			s.tick(ctx, s.now())
			s.topUpMusic(ctx)
		}
	}
}

// tick applies the fire rule to every program: due when now >= last_fire +
// interval. A due tick with that program's production still in flight is
// skipped and consumes the slot.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, p := range s.programs {
		sl := s.slot(p)
		if now.Before(sl.LastFire.Add(p.interval)) {
			continue
		}
		if sl.InFlight {
			s.update(p, func(sl *Slot) {
				sl.Skipped++
				sl.LastFire = now
				sl.NextFire = now.Add(p.interval)
			})
			s.opts.Metrics.Skipped(ctx)
			p.logger.Warn().Str("phase", string(sl.Phase)).Msg("production still running, skipping this slot")
			continue
		}
		s.fire(ctx, p, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, p *program, now time.Time) {
	s.update(p, func(sl *Slot) {
		sl.InFlight = true
		sl.Phase = PhaseFetchingTopic
		sl.LastFire = now
		sl.NextFire = now.Add(p.interval)
	})
	go func() {
		s.results <- s.produce(ctx, p)
	}()
}

// produce runs topic -> text -> speech -> mix under one deadline. It never
// touches the queue; the loop does that in finish.
func (s *Scheduler) produce(ctx context.Context, p *program) (r result) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProductionTimeout)
	defer cancel()

	r.prog = p
	r.prod = history.Production{ID: s.newID(), Program: p.name, StartedAt: s.now()}
	ctx, span := s.opts.Tracer.Start(ctx, "production", trace.WithAttributes(
		attribute.String("production.id", r.prod.ID),
		attribute.String("production.program", p.name),
	))
	defer func() {
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, string(r.phase))
		}
		span.End()
	}()

	fail := func(ph Phase, err error) result {
		r.phase = ph
		r.err = err
		return r
	}

	// topics
	pctx, pspan := s.enter(ctx, p, PhaseFetchingTopic)
	topics, err := p.topics.Fetch(pctx)
	pspan.End()
	if err != nil {
		if errors.Is(err, news.ErrNoTopics) {
			err = fmt.Errorf("%w: %w", upstream.ErrUnavailable, err)
		}
		return fail(PhaseFetchingTopic, err)
	}
	titles := make([]string, len(topics))
	r.keys = make([]string, len(topics))
	for i, t := range topics {
		titles[i] = t.Title
		r.keys[i] = t.Key()
	}
	r.prod.Topics = titles

	// text
	pctx, pspan = s.enter(ctx, p, PhaseGeneratingText)
	script, err := p.writer.GenerateSegmentText(pctx, topics)
	pspan.End()
	if err != nil {
		return fail(PhaseGeneratingText, err)
	}
	r.script = script
	r.prod.Script = script

	// speech
	pctx, pspan = s.enter(ctx, p, PhaseSynthesizingSpeech)
	voice, err := s.deps.Speech.Synthesize(pctx, script, p.voice)
	if err == nil && p.bulletin {
		voice, err = s.withIdent(pctx, voice)
	}
	pspan.End()
	if err != nil {
		return fail(PhaseSynthesizingSpeech, err)
	}

	// mix
	pctx, pspan = s.enter(ctx, p, PhaseMixing)
	seg, err := s.deps.Mixer.RenderVoice(pctx, voice, titles)
	pspan.End()
	if err != nil {
		return fail(PhaseMixing, err)
	}
	if p.title != "" {
		seg.Title = p.title + ": " + strings.Join(titles, ", ")
	}
	r.seg = seg
	r.prod.ID = seg.ID
	r.prod.Duration = seg.Duration()
	return r
}

func (s *Scheduler) enter(ctx context.Context, p *program, ph Phase) (context.Context, trace.Span) {
	s.update(p, func(sl *Slot) { sl.Phase = ph })
	return s.opts.Tracer.Start(ctx, string(ph))
}

// withIdent prepends the station ident. A failed ident is logged and the
// bulletin goes out without it.
func (s *Scheduler) withIdent(ctx context.Context, voice audio.Clip) (audio.Clip, error) {
	if s.opts.IdentText == "" {
		return voice, nil
	}
	ident, err := s.deps.Speech.Synthesize(ctx, s.opts.IdentText, s.opts.Voice)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ident synthesis failed, bulletin without ident")
		return voice, nil
	}
	return audio.Concat(identGap, ident, voice)
}

// finish records a production result and enqueues its segment.
func (s *Scheduler) finish(ctx context.Context, r result) {
	now := s.now()
	r.prod.FinishedAt = now

	if r.err == nil {
		if err := s.deps.Queue.Enqueue(ctx, r.seg); err != nil {
			r.err = fmt.Errorf("enqueue: %w", err)
			r.phase = phaseEnqueue
		}
	}

	if r.err != nil {
		s.fail(ctx, r, now)
		return
	}

	p := r.prog
	s.update(p, func(sl *Slot) {
		sl.InFlight = false
		sl.Phase = PhaseIdle
		sl.Produced++
		sl.LastSuccess = now
	})
	r.prod.Outcome = history.OutcomeOK
	s.record(ctx, r.prod)
	if s.opts.Log != nil && p.bulletin {
		if err := s.opts.Log.MarkTopicsUsed(ctx, r.keys); err != nil {
			s.logger.Warn().Err(err).Msg("mark topics used")
		}
	}
	if s.opts.Events != nil {
		s.opts.Events.SegmentEnqueued(r.seg)
	}
	if s.opts.Archive != nil {
		s.opts.Archive.Submit(r.seg, r.script)
	}
	s.opts.Metrics.ProductionDone(ctx, history.OutcomeOK, now.Sub(r.prod.StartedAt))

	p.logger.Info().
		Str("segment", r.seg.ID).
		Str("title", r.seg.Title).
		Str("bed", r.seg.Bed).
		Dur("duration", r.seg.Duration()).
		Dur("took", now.Sub(r.prod.StartedAt)).
		Msg(p.name + " segment enqueued")
}

func (s *Scheduler) fail(ctx context.Context, r result, now time.Time) {
	p := r.prog
	s.update(p, func(sl *Slot) {
		sl.InFlight = false
		sl.Phase = PhaseIdle
		sl.Failed++
		sl.LastError = fmt.Sprintf("%s: %v", r.phase, r.err)
		sl.LastErrorAt = now
	})
	r.prod.Outcome = history.OutcomeFailed
	r.prod.Phase = string(r.phase)
	r.prod.Error = r.err.Error()
	s.record(ctx, r.prod)
	if s.opts.Events != nil {
		s.opts.Events.ProductionFailed(string(r.phase), r.err)
	}
	s.opts.Metrics.ProductionDone(ctx, history.OutcomeFailed, now.Sub(r.prod.StartedAt))

	ev := p.logger.Warn()
	if !errors.Is(r.err, upstream.ErrUnavailable) {
		ev = p.logger.Error()
	}
	ev.Err(r.err).
		Str("phase", string(r.phase)).
		Time("next_fire", s.slot(p).NextFire).
		Msg("production failed, skipping this cycle")
}

func (s *Scheduler) record(ctx context.Context, p history.Production) {
	if s.opts.Log == nil {
		return
	}
	if err := s.opts.Log.RecordProduction(ctx, p); err != nil {
		s.logger.Warn().Err(err).Msg("record production")
	}
}

// topUpMusic adds music until the queue holds at least the low-water mark.
func (s *Scheduler) topUpMusic(ctx context.Context) {
	for range 3 {
		if s.opts.MusicLowWater <= 0 || s.deps.Queue.Buffered() >= s.opts.MusicLowWater {
			return
		}
		seg, err := s.deps.Mixer.RenderMusic(ctx)
		if err != nil {
			if !s.musicStall {
				if errors.Is(err, mixer.ErrAssetMissing) {
					s.logger.Warn().Msg("music library empty, filler will play")
				} else {
					s.logger.Warn().Err(err).Msg("music track unplayable")
				}
			}
			s.musicStall = true
			if errors.Is(err, mixer.ErrAssetMissing) {
				return
			}
			continue
		}
		s.musicStall = false
		if err := s.deps.Queue.Enqueue(ctx, seg); err != nil {
			s.logger.Warn().Err(err).Str("track", seg.Title).Msg("music not enqueued")
			return
		}
		if s.opts.Events != nil {
			s.opts.Events.SegmentEnqueued(seg)
		}
		s.logger.Debug().Str("track", seg.Title).Dur("duration", seg.Duration()).Msg("music enqueued")
	}
}

// playIntro synthesizes one of the intro lines and enqueues it.
func (s *Scheduler) playIntro(ctx context.Context) {
	if len(s.opts.IntroTexts) == 0 {
		return
	}
	text := s.opts.IntroTexts[s.pick(len(s.opts.IntroTexts))]

	ctx, cancel := context.WithTimeout(ctx, s.opts.ProductionTimeout)
	defer cancel()

	clip, err := s.deps.Speech.Synthesize(ctx, text, s.opts.Voice)
	if err != nil {
		s.logger.Warn().Err(err).Msg("intro synthesis failed")
		return
	}
	seg, err := s.deps.Mixer.RenderVoice(ctx, clip, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("intro mix failed")
		return
	}
	if err := s.deps.Queue.Enqueue(ctx, seg); err != nil {
		s.logger.Warn().Err(err).Msg("intro not enqueued")
		return
	}
	if s.opts.Events != nil {
		s.opts.Events.SegmentEnqueued(seg)
	}
	s.logger.Info().Str("text", text).Msg("intro enqueued")
}
