package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/airwaves/internal/api"
	"github.com/satindergrewal/airwaves/internal/archive"
	"github.com/satindergrewal/airwaves/internal/audio"
	"github.com/satindergrewal/airwaves/internal/config"
	"github.com/satindergrewal/airwaves/internal/content"
	"github.com/satindergrewal/airwaves/internal/events"
	"github.com/satindergrewal/airwaves/internal/history"
	"github.com/satindergrewal/airwaves/internal/library"
	"github.com/satindergrewal/airwaves/internal/mixer"
	"github.com/satindergrewal/airwaves/internal/musicgen"
	"github.com/satindergrewal/airwaves/internal/news"
	"github.com/satindergrewal/airwaves/internal/ollama"
	"github.com/satindergrewal/airwaves/internal/queue"
	"github.com/satindergrewal/airwaves/internal/scheduler"
	"github.com/satindergrewal/airwaves/internal/speech"
	"github.com/satindergrewal/airwaves/internal/stream"
	"github.com/satindergrewal/airwaves/internal/telemetry"
	"github.com/satindergrewal/airwaves/internal/weather"
)

type loader func() (config.Config, zerolog.Logger, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the station",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve wires every component and runs them until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("station", cfg.Station.Name).Str("version", version).Msg("starting up")

	tel, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		TraceStdout:  cfg.Telemetry.TraceStdout,
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(sctx)
	}()

	// Program log. A nil store leaves history off everywhere.
	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(ctx, cfg.History.Path, cfg.History.RetentionDays, logger)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer store.Close()
	}

	pub, err := events.Connect(events.Options{
		Servers:        cfg.Events.Servers,
		Prefix:         cfg.Events.SubjectPrefix,
		ConnectTimeout: cfg.Events.ConnectTimeout,
		Token:          cfg.Events.Token,
	}, logger)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer pub.Close()

	// Music
	lib := library.New(library.Options{
		Dir:     cfg.Library.Dir,
		Shuffle: cfg.Library.Shuffle,
		Seed:    uint64(time.Now().UnixNano()),
	}, logger)
	if err := lib.Refresh(); err != nil {
		return fmt.Errorf("library: %w", err)
	}
	logger.Info().Int("tracks", lib.Len()).Str("dir", lib.Dir()).Msg("music library loaded")

	mix := mixer.New(lib, audio.FFmpegDecoder{Path: cfg.Mixer.FFmpegPath}, mixer.Options{
		MusicVolume: cfg.Mixer.MusicVolume,
		FadeIn:      cfg.Mixer.BedFadeIn,
		FadeOut:     cfg.Mixer.BedFadeOut,
		Tail:        cfg.Mixer.Tail,
	}, logger)

	// Collaborators
	var ollamaClient *ollama.Client
	if cfg.LLM.Mode == "ollama" {
		ollamaClient = ollama.NewClient(cfg.LLM.BaseURL, cfg.LLM.Model, logger)
		readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
		if !ollamaClient.WaitForReady(readyCtx, 2*time.Second) {
			logger.Warn().Str("url", cfg.LLM.BaseURL).Msg("ollama not reachable yet, bulletins will fail until it is")
		}
		readyCancel()
	}
	backend, err := newBackend(cfg, ollamaClient)
	if err != nil {
		return fmt.Errorf("content: %w", err)
	}
	writer := content.NewGenerator(backend, cfg.Station.Language, cfg.LLM.Style, logger)
	synth, closeSynth, err := newSynthesizer(cfg, logger)
	if err != nil {
		return fmt.Errorf("speech: %w", err)
	}
	defer closeSynth()

	newsOpts := news.Options{
		Subreddits: cfg.News.Subreddits,
		Feeds:      cfg.News.Feeds,
		MaxItems:   cfg.News.MaxItems,
		UserAgent:  cfg.News.UserAgent,
	}
	if store != nil {
		newsOpts.History = store
	}
	topics := news.NewFetcher(newsOpts, logger)

	// Playback
	var metrics *telemetry.Metrics
	q := queue.New(queue.Options{
		Capacity:     cfg.Queue.Capacity,
		MaxDuration:  cfg.Queue.MaxDuration,
		Policy:       queue.Policy(cfg.Queue.Overflow),
		BlockTimeout: cfg.Queue.BlockTimeout,
		OnDrop: func(seg *audio.Segment, reason string) {
			logger.Warn().Str("segment", seg.ID).Str("kind", seg.Kind.String()).Str("reason", reason).Msg("segment dropped")
			pub.SegmentDropped(seg, reason)
			metrics.QueueDropped(ctx, seg.Kind.String(), reason)
			if store != nil && seg.Kind == audio.KindVoice {
				if err := store.MarkDropped(ctx, seg.ID, reason); err != nil {
					logger.Error().Err(err).Msg("record dropped segment")
				}
			}
		},
	})

	broadcaster := stream.NewBroadcaster()
	var sink *stream.Sink
	webrtcHandler := stream.NewWebRTCHandler(broadcaster, stream.WebRTCOptions{
		Bitrate:    cfg.Stream.Bitrate,
		Station:    cfg.Station.Name,
		ICEServers: cfg.Stream.ICEServers,
		MaxPeers:   cfg.Stream.MaxPeers,
		NowPlaying: func() stream.NowPlaying { return sink.NowPlaying() },
	}, logger)
	defer webrtcHandler.Close()

	plays := make(chan history.Play, 32)
	sink = stream.NewSink(q, stream.SinkOptions{
		Filler: cfg.Stream.Filler,
		OnSegmentStart: func(seg *audio.Segment) {
			pub.SegmentPlaying(seg)
			webrtcHandler.Announce(stream.NowPlaying{ID: seg.ID, Kind: seg.Kind.String(), Title: seg.Title})
			select {
			case plays <- history.Play{
				SegmentID: seg.ID,
				Kind:      seg.Kind.String(),
				Title:     seg.Title,
				StartedAt: time.Now(),
				Duration:  seg.Duration(),
			}:
			default:
			}
		},
	}, logger)

	encoder := stream.MP3Encoder{FFmpegPath: cfg.Mixer.FFmpegPath, Bitrate: cfg.Stream.Bitrate}

	var uplink *stream.Uplink
	if cfg.Stream.Enabled {
		uplink = stream.NewUplink(stream.IcecastConfig{
			Host:          cfg.Stream.Host,
			Port:          cfg.Stream.Port,
			Mount:         cfg.Stream.Mount,
			User:          cfg.Stream.User,
			Password:      cfg.Stream.Password,
			Bitrate:       cfg.Stream.Bitrate,
			Name:          cfg.Station.Name,
			Description:   cfg.Station.Description,
			Genre:         cfg.Station.Genre,
			BackoffMin:    cfg.Stream.BackoffMin,
			BackoffMax:    cfg.Stream.BackoffMax,
			DegradedAfter: cfg.Stream.DegradedAfter,
			DialTimeout:   cfg.Stream.DialTimeout,
		}, broadcaster, encoder, nil, logger)
	}

	metrics, err = telemetry.NewMetrics(tel.Meter(), telemetry.Gauges{
		QueueDepth:    q.Len,
		QueueBuffered: q.Buffered,
		FillerFrames:  sink.FillerFrames,
		Reconnects: func() uint64 {
			if uplink == nil {
				return 0
			}
			return uint64(uplink.Status().Reconnects)
		},
		// uplink holds a subscription too
		Listeners: func() int {
			return broadcaster.CountByRole(stream.RoleHTTP) + broadcaster.CountByRole(stream.RoleWebRTC)
		},
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	archiver, err := newArchiver(cfg.Archive, logger)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	schedOpts := scheduler.Options{
		Interval:          cfg.Scheduler.Interval,
		Tick:              cfg.Scheduler.Tick,
		ProductionTimeout: cfg.Scheduler.ProductionTimeout,
		FireOnStart:       cfg.Scheduler.FireOnStart,
		MusicLowWater:     cfg.Scheduler.MusicLowWater,
		Voice:             cfg.TTS.Voice,
		IdentText:         cfg.Station.IdentText,
		IntroTexts:        cfg.Station.IntroTexts,
		Weather:           newWeather(cfg, backend, logger),
		Events:            pub,
		Metrics:           metrics,
		Tracer:            tel.Tracer(),
	}
	if store != nil {
		schedOpts.Log = store
	}
	if archiver != nil {
		schedOpts.Archive = archiver
	}
	sched := scheduler.New(scheduler.Deps{
		Topics: topics,
		Writer: writer,
		Speech: synth,
		Mixer:  mix,
		Queue:  q,
	}, schedOpts, logger)

	// Status surface
	apiDeps := api.Deps{
		Station:   cfg.Station.Name,
		Scheduler: sched,
		Queue:     q,
		Sink:      sink,
		Catalog:   lib,
		Listeners: broadcaster,
		Checks: []api.Check{
			{Name: "library", Fn: func(context.Context) error {
				if lib.Len() == 0 {
					return errors.New("music library is empty")
				}
				return nil
			}},
		},
	}
	if uplink != nil {
		apiDeps.Uplink = uplink
	}
	if store != nil {
		apiDeps.Log = store
		apiDeps.Checks = append(apiDeps.Checks, api.Check{Name: "history", Fn: store.Ping})
	}
	if pub.Enabled() {
		apiDeps.Checks = append(apiDeps.Checks, api.Check{Name: "events", Fn: func(context.Context) error {
			if !pub.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}})
	}

	mux := http.NewServeMux()
	api.New(apiDeps, logger).Register(mux)
	mux.Handle("GET /stream", stream.NewHTTPHandler(broadcaster, encoder, cfg.Station.Name, logger))
	mux.Handle("/offer", webrtcHandler) // answers CORS preflight too
	mux.Handle("GET /metrics", tel.Handler())

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTP.Bind, strconv.Itoa(cfg.HTTP.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lib.Run(ctx, cfg.Library.RefreshInterval) })
	g.Go(func() error { return sink.Run(ctx) })
	g.Go(func() error {
		broadcaster.Run(ctx, sink.Frames())
		return nil
	})
	g.Go(func() error { return sched.Run(ctx) })
	if uplink != nil {
		g.Go(func() error { return uplink.Run(ctx) })
	}
	if store != nil {
		g.Go(func() error { return store.Run(ctx) })
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case p := <-plays:
					if err := store.RecordPlay(ctx, p); err != nil {
						logger.Error().Err(err).Str("segment", p.SegmentID).Msg("record play")
					}
				}
			}
		})
	}
	if archiver != nil {
		g.Go(func() error { return archiver.Run(ctx) })
	}
	if cfg.MusicGen.Enabled {
		gen := newBedGenerator(cfg.MusicGen, lib, ollamaClient, logger)
		g.Go(func() error { return gen.Run(ctx) })
	}
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("on air")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	return g.Wait()
}

func newBackend(cfg config.Config, client *ollama.Client) (content.Completer, error) {
	switch cfg.LLM.Mode {
	case "ollama":
		return content.NewOllama(client, cfg.LLM.MaxTokens, cfg.LLM.Temperature), nil
	default:
		o, err := content.NewOpenAI(content.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return o, nil
	}
}

// newWeather builds the weather program, or nil when it is off.
func newWeather(cfg config.Config, backend content.Completer, logger zerolog.Logger) *scheduler.Program {
	if !cfg.Weather.Enabled {
		return nil
	}
	fetcher := weather.New(weather.Options{
		BaseURL:  cfg.Weather.BaseURL,
		City:     cfg.Weather.City,
		Language: cfg.Station.Language,
		Timeout:  cfg.Weather.Timeout,
	}, logger)
	logger.Info().Str("city", cfg.Weather.City).Dur("interval", cfg.Weather.Interval).Msg("weather report enabled")
	return &scheduler.Program{
		Topics:   fetcher,
		Writer:   content.NewWeatherWriter(backend, cfg.Station.Language, logger),
		Voice:    cfg.TTS.WeatherVoice,
		Interval: cfg.Weather.Interval,
	}
}

func newSynthesizer(cfg config.Config, logger zerolog.Logger) (speech.Synthesizer, func(), error) {
	var synth speech.Synthesizer
	switch cfg.TTS.Mode {
	case "exec":
		e, err := speech.NewExec(cfg.TTS.Command)
		if err != nil {
			return nil, nil, err
		}
		synth = e
	default:
		o, err := speech.NewOpenAI(speech.OpenAIConfig{
			APIKey:  cfg.TTS.APIKey,
			BaseURL: cfg.TTS.BaseURL,
			Model:   cfg.TTS.Model,
			Speed:   cfg.TTS.Speed,
		})
		if err != nil {
			return nil, nil, err
		}
		synth = o
	}
	if cfg.TTS.CacheDir == "" {
		return synth, func() {}, nil
	}
	cache, err := speech.NewCache(synth, speech.CacheOptions{Dir: cfg.TTS.CacheDir, Speed: cfg.TTS.Speed}, logger)
	if err != nil {
		return nil, nil, err
	}
	return cache, func() { cache.Close() }, nil
}

// newArchiver returns nil when archiving is off.
func newArchiver(cfg config.ArchiveConfig, logger zerolog.Logger) (*archive.Archiver, error) {
	var fs archive.FileStore
	switch cfg.Backend {
	case "local":
		l, err := archive.NewLocal(cfg.Dir)
		if err != nil {
			return nil, err
		}
		fs = l
	case "s3":
		client := archive.NewS3Client(archive.S3Config{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			PathStyle: cfg.PathStyle,
		})
		fs = archive.NewS3(client, cfg.Bucket, cfg.Prefix)
	default:
		return nil, nil
	}
	logger.Info().Str("backend", cfg.Backend).Msg("segment archive enabled")
	return archive.New(fs, 8, logger), nil
}

func newBedGenerator(cfg config.MusicGenConfig, lib *library.Library, client *ollama.Client, logger zerolog.Logger) *musicgen.Generator {
	var captioner musicgen.Captioner
	if client != nil {
		captioner = ollama.NewCaptionGenerator(client)
	}
	backend := musicgen.NewClient(cfg.APIURL, cfg.APIKey, cfg.OutputDir, logger)
	return musicgen.New(backend, lib, captioner, musicgen.Options{
		MinTracks:     cfg.MinTracks,
		TrackDuration: time.Duration(cfg.TrackDuration) * time.Second,
		StartingGenre: cfg.StartingGenre,
		AudioFormat:   cfg.AudioFormat,
	}, logger)
}
