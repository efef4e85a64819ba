package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Values come from Default(), then an
// optional YAML file, then RADIO_* environment variables.
type Config struct {
	Station   StationConfig   `yaml:"station"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Library   LibraryConfig   `yaml:"library"`
	Mixer     MixerConfig     `yaml:"mixer"`
	Queue     QueueConfig     `yaml:"queue"`
	Stream    StreamConfig    `yaml:"stream"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	News      NewsConfig      `yaml:"news"`
	Weather   WeatherConfig   `yaml:"weather"`
	LLM       LLMConfig       `yaml:"llm"`
	TTS       TTSConfig       `yaml:"tts"`
	History   HistoryConfig   `yaml:"history"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	MusicGen  MusicGenConfig  `yaml:"musicgen"`
}

type StationConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Genre       string   `yaml:"genre"`
	Language    string   `yaml:"language"` // prompt language: en, sr, ru
	IdentText   string   `yaml:"ident_text"`
	IntroTexts  []string `yaml:"intro_texts"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

type LibraryConfig struct {
	Dir             string        `yaml:"dir"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Shuffle         bool          `yaml:"shuffle"`
}

type MixerConfig struct {
	MusicVolume float64       `yaml:"music_volume"` // bed gain under voice, 0..1
	BedFadeIn   time.Duration `yaml:"bed_fade_in"`
	BedFadeOut  time.Duration `yaml:"bed_fade_out"`
	Tail        time.Duration `yaml:"tail"` // bed-only fade after the voice ends
	FFmpegPath  string        `yaml:"ffmpeg_path"`
}

type QueueConfig struct {
	Capacity     int           `yaml:"capacity"`
	MaxDuration  time.Duration `yaml:"max_duration"`
	Overflow     string        `yaml:"overflow"` // drop_oldest, drop_newest, block
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

type StreamConfig struct {
	Enabled       bool          `yaml:"enabled"` // push to Icecast
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Mount         string        `yaml:"mount"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	Bitrate       int           `yaml:"bitrate"` // kbps
	Filler        string        `yaml:"filler"`  // silence, repeat_music
	BackoffMin    time.Duration `yaml:"backoff_min"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	DegradedAfter int           `yaml:"degraded_after"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	// WebRTC listeners
	ICEServers []string `yaml:"ice_servers"` // stun:/turn: URLs, empty for LAN
	MaxPeers   int      `yaml:"max_peers"`   // 0 = unlimited
}

type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Tick              time.Duration `yaml:"tick"`
	ProductionTimeout time.Duration `yaml:"production_timeout"`
	FireOnStart       bool          `yaml:"fire_on_start"`
	MusicLowWater     time.Duration `yaml:"music_low_water"`
}

type NewsConfig struct {
	Subreddits []string `yaml:"subreddits"`
	Feeds      []string `yaml:"feeds"`
	MaxItems   int      `yaml:"max_items"`
	UserAgent  string   `yaml:"user_agent"`
}

// WeatherConfig drives the weather report, a second program read on its
// own interval.
type WeatherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	City     string        `yaml:"city"`     // wttr.in location, e.g. "Belgrade,RS"
	BaseURL  string        `yaml:"base_url"` // wttr.in compatible
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // openai, ollama
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Style       string  `yaml:"style"` // professional, casual, dramatic
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode         string  `yaml:"mode"` // openai, exec
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Voice        string  `yaml:"voice"`
	WeatherVoice string  `yaml:"weather_voice"` // empty uses voice
	Speed        float64 `yaml:"speed"`
	Command      string  `yaml:"command"`
	CacheDir     string  `yaml:"cache_dir"` // empty disables the clip cache
}

type HistoryConfig struct {
	Path          string `yaml:"path"` // empty disables the program log
	RetentionDays int    `yaml:"retention_days"`
}

type ArchiveConfig struct {
	Backend   string `yaml:"backend"` // none, local, s3
	Dir       string `yaml:"dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type EventsConfig struct {
	Servers        []string      `yaml:"servers"` // empty disables publishing
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Token          string        `yaml:"token"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type MusicGenConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIURL        string `yaml:"api_url"`
	APIKey        string `yaml:"api_key"`
	OutputDir     string `yaml:"output_dir"`
	MinTracks     int    `yaml:"min_tracks"`
	TrackDuration int    `yaml:"track_duration"` // seconds
	StartingGenre string `yaml:"starting_genre"`
	AudioFormat   string `yaml:"audio_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Station: StationConfig{
			Name:        "Pirate AI Radio",
			Description: "24/7 AI-generated news and music",
			Genre:       "News/Talk",
			Language:    "en",
			IdentText:   "News on Pirate AI Radio.",
			IntroTexts: []string{
				"You're listening to Pirate AI Radio. News every fifteen minutes, music in between.",
				"This is Pirate AI Radio, broadcasting around the clock.",
			},
		},
		HTTP: HTTPConfig{Bind: "0.0.0.0", Port: 8080},
		Log:  LogConfig{Level: "info", Format: "json"},
		Library: LibraryConfig{
			Dir:             "./music",
			RefreshInterval: time.Minute,
		},
		Mixer: MixerConfig{
			MusicVolume: 0.3,
			BedFadeIn:   2 * time.Second,
			BedFadeOut:  2 * time.Second,
			Tail:        500 * time.Millisecond,
			FFmpegPath:  "ffmpeg",
		},
		Queue: QueueConfig{
			Capacity:     16,
			MaxDuration:  15 * time.Minute,
			Overflow:     "drop_oldest",
			BlockTimeout: 5 * time.Second,
		},
		Stream: StreamConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          8000,
			Mount:         "/stream",
			User:          "source",
			Password:      "hackme",
			Bitrate:       128,
			Filler:        "silence",
			BackoffMin:    time.Second,
			BackoffMax:    30 * time.Second,
			DegradedAfter: 3,
			DialTimeout:   5 * time.Second,
			MaxPeers:      64,
		},
		Scheduler: SchedulerConfig{
			Interval:          15 * time.Minute,
			Tick:              time.Second,
			ProductionTimeout: 3 * time.Minute,
			FireOnStart:       true,
			MusicLowWater:     30 * time.Second,
		},
		News: NewsConfig{
			Subreddits: []string{"worldnews", "technology", "science"},
			Feeds: []string{
				"https://feeds.bbci.co.uk/news/world/rss.xml",
			},
			MaxItems:  5,
			UserAgent: "airwaves/1.0",
		},
		Weather: WeatherConfig{
			City:     "Belgrade,RS",
			BaseURL:  "https://wttr.in",
			Interval: 30 * time.Minute,
			Timeout:  10 * time.Second,
		},
		LLM: LLMConfig{
			Mode:        "openai",
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "llama-3.3-70b-versatile",
			Style:       "professional",
			MaxTokens:   1000,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:     "openai",
			Model:    "tts-1",
			Voice:    "alloy",
			Speed:    1.0,
			CacheDir: "./cache/tts",
		},
		History: HistoryConfig{
			Path:          "./data/airwaves.db",
			RetentionDays: 30,
		},
		Archive: ArchiveConfig{
			Backend: "none",
			Dir:     "./archive",
			Region:  "us-east-1",
		},
		Events: EventsConfig{
			SubjectPrefix:  "radio",
			ConnectTimeout: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "airwaves",
			OTLPInsecure: true,
		},
		MusicGen: MusicGenConfig{
			APIURL:        "http://acestep:8000",
			OutputDir:     "/acestep-outputs",
			MinTracks:     3,
			TrackDuration: 120,
			StartingGenre: "lofi hip hop",
			AudioFormat:   "mp3",
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.Station.Name, "RADIO_NAME")
	envStr(&cfg.Station.Language, "RADIO_LANGUAGE")
	envStr(&cfg.Station.IdentText, "RADIO_IDENT_TEXT")
	envInt(&cfg.HTTP.Port, "RADIO_PORT")
	envStr(&cfg.Log.Level, "RADIO_LOG_LEVEL")
	envStr(&cfg.Log.Format, "RADIO_LOG_FORMAT")

	envStr(&cfg.Library.Dir, "RADIO_MUSIC_DIR")
	envDuration(&cfg.Library.RefreshInterval, "RADIO_MUSIC_REFRESH")
	envBool(&cfg.Library.Shuffle, "RADIO_MUSIC_SHUFFLE")

	envFloat(&cfg.Mixer.MusicVolume, "RADIO_MUSIC_VOLUME")
	envStr(&cfg.Mixer.FFmpegPath, "RADIO_FFMPEG")

	envInt(&cfg.Queue.Capacity, "RADIO_QUEUE_CAPACITY")
	envDuration(&cfg.Queue.MaxDuration, "RADIO_QUEUE_MAX_DURATION")
	envStr(&cfg.Queue.Overflow, "RADIO_QUEUE_OVERFLOW")

	envBool(&cfg.Stream.Enabled, "RADIO_ICECAST_ENABLED")
	envStr(&cfg.Stream.Host, "RADIO_ICECAST_HOST")
	envInt(&cfg.Stream.Port, "RADIO_ICECAST_PORT")
	envStr(&cfg.Stream.Mount, "RADIO_ICECAST_MOUNT")
	envStr(&cfg.Stream.Password, "RADIO_ICECAST_PASSWORD")
	envInt(&cfg.Stream.Bitrate, "RADIO_STREAM_BITRATE")
	envStr(&cfg.Stream.Filler, "RADIO_STREAM_FILLER")
	envList(&cfg.Stream.ICEServers, "RADIO_ICE_SERVERS")
	envInt(&cfg.Stream.MaxPeers, "RADIO_WEBRTC_MAX_PEERS")

	envDuration(&cfg.Scheduler.Interval, "RADIO_NEWS_INTERVAL")
	envDuration(&cfg.Scheduler.ProductionTimeout, "RADIO_PRODUCTION_TIMEOUT")
	envBool(&cfg.Scheduler.FireOnStart, "RADIO_FIRE_ON_START")

	envList(&cfg.News.Subreddits, "RADIO_SUBREDDITS")
	envList(&cfg.News.Feeds, "RADIO_FEEDS")
	envInt(&cfg.News.MaxItems, "RADIO_NEWS_MAX_ITEMS")

	envBool(&cfg.Weather.Enabled, "RADIO_WEATHER_ENABLED")
	envStr(&cfg.Weather.City, "WEATHER_CITY")
	envDuration(&cfg.Weather.Interval, "WEATHER_INTERVAL")

	envStr(&cfg.LLM.Mode, "RADIO_LLM_MODE")
	envStr(&cfg.LLM.BaseURL, "RADIO_LLM_BASE_URL")
	envStr(&cfg.LLM.APIKey, "GROQ_API_KEY")
	envStr(&cfg.LLM.APIKey, "RADIO_LLM_API_KEY")
	envStr(&cfg.LLM.Model, "RADIO_LLM_MODEL")
	envStr(&cfg.LLM.Style, "RADIO_NEWS_STYLE")

	envStr(&cfg.TTS.Mode, "RADIO_TTS_MODE")
	envStr(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	envStr(&cfg.TTS.APIKey, "RADIO_TTS_API_KEY")
	envStr(&cfg.TTS.Voice, "RADIO_VOICE")
	envStr(&cfg.TTS.WeatherVoice, "VOICE_WEATHER")
	envStr(&cfg.TTS.Command, "RADIO_TTS_COMMAND")
	envStr(&cfg.TTS.CacheDir, "RADIO_TTS_CACHE_DIR")

	envStr(&cfg.History.Path, "RADIO_HISTORY_PATH")
	envStr(&cfg.Archive.Backend, "RADIO_ARCHIVE_BACKEND")
	envStr(&cfg.Archive.Bucket, "RADIO_ARCHIVE_BUCKET")
	envStr(&cfg.Archive.AccessKey, "RADIO_ARCHIVE_ACCESS_KEY")
	envStr(&cfg.Archive.SecretKey, "RADIO_ARCHIVE_SECRET_KEY")
	envList(&cfg.Events.Servers, "RADIO_NATS_SERVERS")
	envStr(&cfg.Telemetry.OTLPEndpoint, "RADIO_OTLP_ENDPOINT")

	envBool(&cfg.MusicGen.Enabled, "RADIO_MUSICGEN_ENABLED")
	envStr(&cfg.MusicGen.APIURL, "ACESTEP_API_URL")
	envStr(&cfg.MusicGen.APIKey, "ACESTEP_API_KEY")
	envStr(&cfg.MusicGen.OutputDir, "ACESTEP_OUTPUT_DIR")
}

func validate(cfg Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Mixer.MusicVolume < 0 || cfg.Mixer.MusicVolume > 1 {
		return errors.New("mixer.music_volume must be between 0 and 1")
	}
	if cfg.Mixer.BedFadeIn < 0 || cfg.Mixer.BedFadeOut < 0 || cfg.Mixer.Tail < 0 {
		return errors.New("mixer fades and tail must not be negative")
	}
	if cfg.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be positive")
	}
	if cfg.Queue.MaxDuration <= 0 {
		return errors.New("queue.max_duration must be positive")
	}
	switch cfg.Queue.Overflow {
	case "drop_oldest", "drop_newest", "block":
	default:
		return errors.New("queue.overflow must be one of drop_oldest|drop_newest|block")
	}
	switch cfg.Stream.Filler {
	case "silence", "repeat_music":
	default:
		return errors.New("stream.filler must be one of silence|repeat_music")
	}
	if cfg.Stream.Enabled {
		if cfg.Stream.Host == "" || cfg.Stream.Port <= 0 {
			return errors.New("stream.host and stream.port must be set when icecast is enabled")
		}
		if !strings.HasPrefix(cfg.Stream.Mount, "/") {
			return errors.New("stream.mount must start with /")
		}
		if cfg.Stream.Bitrate <= 0 {
			return errors.New("stream.bitrate must be positive")
		}
	}
	if cfg.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if cfg.Scheduler.Tick <= 0 {
		return errors.New("scheduler.tick must be positive")
	}
	if cfg.Scheduler.ProductionTimeout <= 0 {
		return errors.New("scheduler.production_timeout must be positive")
	}
	if cfg.News.MaxItems <= 0 {
		return errors.New("news.max_items must be positive")
	}
	if cfg.Weather.Enabled {
		if cfg.Weather.City == "" || cfg.Weather.BaseURL == "" {
			return errors.New("weather.city and weather.base_url must be set when weather is enabled")
		}
		if cfg.Weather.Interval <= 0 {
			return errors.New("weather.interval must be positive")
		}
	}
	switch cfg.LLM.Mode {
	case "openai", "ollama":
	default:
		return errors.New("llm.mode must be one of openai|ollama")
	}
	switch cfg.TTS.Mode {
	case "openai":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of openai|exec")
	}
	switch cfg.Archive.Backend {
	case "none":
	case "local":
		if cfg.Archive.Dir == "" {
			return errors.New("archive.dir must be set when backend=local")
		}
	case "s3":
		if cfg.Archive.Bucket == "" {
			return errors.New("archive.bucket must be set when backend=s3")
		}
	default:
		return errors.New("archive.backend must be one of none|local|s3")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}

func envStr(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func envBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envDuration accepts Go duration strings ("15m") or plain seconds ("900").
func envDuration(target *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*target = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = time.Duration(n) * time.Second
	}
}

func envList(target *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}
