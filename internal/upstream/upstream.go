// Package upstream classifies failures of the external services the station
// depends on: text generation, speech synthesis and music generation.
package upstream

import (
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable marks a failed call to an external service. The scheduler
// skips the cycle when it sees one.
var ErrUnavailable = errors.New("collaborator unavailable")

// Finer classes, all matching ErrUnavailable.
var (
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrUnavailable)
	ErrMalformed   = fmt.Errorf("%w: malformed response", ErrUnavailable)
)

// FromStatus classifies an HTTP status returned by a service.
func FromStatus(status int, err error) error {
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// FromOpenAI maps go-openai errors onto the classes above.
func FromOpenAI(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return FromStatus(status, err)
}
