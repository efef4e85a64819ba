package content

import (
	"context"
	"errors"

	"github.com/satindergrewal/airwaves/internal/ollama"
	"github.com/satindergrewal/airwaves/internal/upstream"
)

// Ollama adapts an Ollama client to Completer.
type Ollama struct {
	client *ollama.Client
	opts   ollama.Options
}

// NewOllama creates a backend. maxTokens and temperature map to num_predict
// and temperature.
func NewOllama(client *ollama.Client, maxTokens int, temperature float64) *Ollama {
	return &Ollama{
		client: client,
		opts:   ollama.Options{Temperature: temperature, NumPredict: maxTokens},
	}
}

func (o *Ollama) Name() string { return "ollama:" + o.client.Model() }

func (o *Ollama) Complete(ctx context.Context, system, user string) (string, error) {
	out, err := o.client.Generate(ctx, system, user, o.opts)
	if err != nil {
		status := 0
		var se *ollama.StatusError
		if errors.As(err, &se) {
			status = se.Code
		}
		return "", upstream.FromStatus(status, err)
	}
	return out, nil
}
