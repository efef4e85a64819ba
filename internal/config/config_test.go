package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, "RADIO_") || strings.HasPrefix(k, "ACESTEP_") || strings.HasPrefix(k, "WEATHER_") ||
			k == "GROQ_API_KEY" || k == "OPENAI_API_KEY" || k == "VOICE_WEATHER" {
			t.Setenv(k, "")
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Scheduler.Interval != 15*time.Minute {
		t.Errorf("Scheduler.Interval = %v, want 15m", cfg.Scheduler.Interval)
	}
	if cfg.Mixer.MusicVolume != 0.3 {
		t.Errorf("Mixer.MusicVolume = %f, want 0.3", cfg.Mixer.MusicVolume)
	}
	if cfg.Mixer.BedFadeIn != 2*time.Second || cfg.Mixer.BedFadeOut != 2*time.Second {
		t.Errorf("bed fades = %v/%v, want 2s/2s", cfg.Mixer.BedFadeIn, cfg.Mixer.BedFadeOut)
	}
	if cfg.Mixer.Tail != 500*time.Millisecond {
		t.Errorf("Mixer.Tail = %v, want 500ms", cfg.Mixer.Tail)
	}
	if cfg.Queue.Overflow != "drop_oldest" {
		t.Errorf("Queue.Overflow = %q, want drop_oldest", cfg.Queue.Overflow)
	}
	if cfg.Stream.Mount != "/stream" || cfg.Stream.Port != 8000 || cfg.Stream.Password != "hackme" {
		t.Errorf("Stream = %+v, want icecast defaults", cfg.Stream)
	}
	if cfg.Stream.Filler != "silence" {
		t.Errorf("Stream.Filler = %q, want silence", cfg.Stream.Filler)
	}
	if cfg.LLM.Model != "llama-3.3-70b-versatile" {
		t.Errorf("LLM.Model = %q, want llama-3.3-70b-versatile", cfg.LLM.Model)
	}
	if cfg.LLM.MaxTokens != 1000 || cfg.LLM.Temperature != 0.7 {
		t.Errorf("LLM = %d/%f, want 1000/0.7", cfg.LLM.MaxTokens, cfg.LLM.Temperature)
	}
	if cfg.News.MaxItems != 5 {
		t.Errorf("News.MaxItems = %d, want 5", cfg.News.MaxItems)
	}
	if !cfg.Scheduler.FireOnStart {
		t.Error("Scheduler.FireOnStart = false, want true")
	}
	if cfg.MusicGen.APIURL != "http://acestep:8000" {
		t.Errorf("MusicGen.APIURL = %q, want default", cfg.MusicGen.APIURL)
	}
	if cfg.Weather.Enabled || cfg.Weather.City != "Belgrade,RS" || cfg.Weather.Interval != 30*time.Minute {
		t.Errorf("Weather = %+v, want off, Belgrade every 30m", cfg.Weather)
	}
	if cfg.Stream.MaxPeers != 64 {
		t.Errorf("Stream.MaxPeers = %d, want 64", cfg.Stream.MaxPeers)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "radio.yaml")
	data := `
station:
  name: Test FM
http:
  port: 9090
scheduler:
  interval: 30s
  production_timeout: 10s
mixer:
  music_volume: 0.5
  tail: 250ms
queue:
  overflow: block
news:
  subreddits: [golang]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Station.Name != "Test FM" {
		t.Errorf("Station.Name = %q, want Test FM", cfg.Station.Name)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Errorf("Scheduler.Interval = %v, want 30s", cfg.Scheduler.Interval)
	}
	if cfg.Mixer.Tail != 250*time.Millisecond {
		t.Errorf("Mixer.Tail = %v, want 250ms", cfg.Mixer.Tail)
	}
	if cfg.Queue.Overflow != "block" {
		t.Errorf("Queue.Overflow = %q, want block", cfg.Queue.Overflow)
	}
	if len(cfg.News.Subreddits) != 1 || cfg.News.Subreddits[0] != "golang" {
		t.Errorf("News.Subreddits = %v, want [golang]", cfg.News.Subreddits)
	}
	// untouched sections keep their defaults
	if cfg.Stream.Bitrate != 128 {
		t.Errorf("Stream.Bitrate = %d, want 128", cfg.Stream.Bitrate)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RADIO_PORT", "3000")
	t.Setenv("RADIO_NEWS_INTERVAL", "600")
	t.Setenv("RADIO_MUSIC_VOLUME", "0.25")
	t.Setenv("RADIO_ICECAST_ENABLED", "true")
	t.Setenv("RADIO_ICECAST_MOUNT", "/news")
	t.Setenv("RADIO_SUBREDDITS", "golang, rust ,")
	t.Setenv("GROQ_API_KEY", "groq-key")
	t.Setenv("ACESTEP_API_URL", "http://localhost:9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 3000 {
		t.Errorf("HTTP.Port = %d, want 3000", cfg.HTTP.Port)
	}
	if cfg.Scheduler.Interval != 10*time.Minute {
		t.Errorf("Scheduler.Interval = %v, want 10m", cfg.Scheduler.Interval)
	}
	if cfg.Mixer.MusicVolume != 0.25 {
		t.Errorf("Mixer.MusicVolume = %f, want 0.25", cfg.Mixer.MusicVolume)
	}
	if !cfg.Stream.Enabled || cfg.Stream.Mount != "/news" {
		t.Errorf("Stream = %+v, want enabled on /news", cfg.Stream)
	}
	if got := strings.Join(cfg.News.Subreddits, "|"); got != "golang|rust" {
		t.Errorf("News.Subreddits = %q, want golang|rust", got)
	}
	if cfg.LLM.APIKey != "groq-key" {
		t.Errorf("LLM.APIKey = %q, want groq-key", cfg.LLM.APIKey)
	}
	if cfg.MusicGen.APIURL != "http://localhost:9000" {
		t.Errorf("MusicGen.APIURL = %q, want env override", cfg.MusicGen.APIURL)
	}
}

func TestLoadWeatherAndWebRTCFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RADIO_WEATHER_ENABLED", "true")
	t.Setenv("WEATHER_CITY", "Novi Sad,RS")
	t.Setenv("WEATHER_INTERVAL", "1800")
	t.Setenv("VOICE_WEATHER", "nova")
	t.Setenv("RADIO_ICE_SERVERS", "stun:stun.l.google.com:19302")
	t.Setenv("RADIO_WEBRTC_MAX_PEERS", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Weather.Enabled || cfg.Weather.City != "Novi Sad,RS" || cfg.Weather.Interval != 30*time.Minute {
		t.Errorf("Weather = %+v", cfg.Weather)
	}
	if cfg.TTS.WeatherVoice != "nova" {
		t.Errorf("TTS.WeatherVoice = %q, want nova", cfg.TTS.WeatherVoice)
	}
	if len(cfg.Stream.ICEServers) != 1 || cfg.Stream.MaxPeers != 8 {
		t.Errorf("ICEServers = %v MaxPeers = %d", cfg.Stream.ICEServers, cfg.Stream.MaxPeers)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "radio.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RADIO_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("HTTP.Port = %d, want 7070", cfg.HTTP.Port)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("RADIO_PORT", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("Invalid int env should fallback to default: got %d, want 8080", cfg.HTTP.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"volume above one", func(c *Config) { c.Mixer.MusicVolume = 1.5 }, "music_volume"},
		{"negative tail", func(c *Config) { c.Mixer.Tail = -time.Second }, "tail"},
		{"unknown overflow", func(c *Config) { c.Queue.Overflow = "spill" }, "queue.overflow"},
		{"unknown filler", func(c *Config) { c.Stream.Filler = "noise" }, "stream.filler"},
		{"mount without slash", func(c *Config) {
			c.Stream.Enabled = true
			c.Stream.Mount = "stream"
		}, "stream.mount"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
		{"exec without command", func(c *Config) { c.TTS.Mode = "exec" }, "tts.command"},
		{"unknown llm", func(c *Config) { c.LLM.Mode = "bard" }, "llm.mode"},
		{"s3 without bucket", func(c *Config) { c.Archive.Backend = "s3" }, "archive.bucket"},
		{"weather without city", func(c *Config) {
			c.Weather.Enabled = true
			c.Weather.City = ""
		}, "weather.city"},
		{"weather zero interval", func(c *Config) {
			c.Weather.Enabled = true
			c.Weather.Interval = 0
		}, "weather.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Errorf("validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}
