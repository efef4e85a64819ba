package upstream

import (
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestFromOpenAI(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"api 429", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, ErrRateLimited},
		{"request 429", &openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("slow down")}, ErrRateLimited},
		{"api 500", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}, ErrUnavailable},
		{"network", errors.New("dial tcp: connection refused"), ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromOpenAI(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("FromOpenAI = %v, want %v", got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("FromOpenAI = %v, lost the cause", got)
			}
		})
	}
}

func TestClassesMatchUnavailable(t *testing.T) {
	for _, err := range []error{ErrRateLimited, ErrMalformed} {
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("%v does not match ErrUnavailable", err)
		}
	}
	if errors.Is(ErrMalformed, ErrRateLimited) {
		t.Error("ErrMalformed matches ErrRateLimited")
	}
}
