package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/satindergrewal/airwaves/internal/audio"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

// Raw PCM from the speech endpoint is 24kHz mono s16le.
const (
	openAIRate     = 24000
	openAIChannels = 1
)

// OpenAIConfig configures the OpenAI-compatible speech backend.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Speed      float64
	HTTPClient *http.Client
}

// OpenAI synthesizes through /audio/speech.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing API key")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), cfg: cfg}, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	if err := checkText(text); err != nil {
		return audio.Clip{}, err
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
		Speed:          o.cfg.Speed,
	})
	if err != nil {
		return audio.Clip{}, upstream.FromOpenAI(err)
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("%w: read speech: %w", upstream.ErrUnavailable, err)
	}
	clip := audio.Clip{Rate: openAIRate, Channels: openAIChannels, Samples: audio.BytesToSamples(pcm)}
	if err := checkClip(clip); err != nil {
		return audio.Clip{}, err
	}
	return clip, nil
}
