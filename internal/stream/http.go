package stream

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// HTTPHandler serves a chunked MP3 audio stream via HTTP.
// Each connection spawns its own encoder fed by a broadcaster listener.
type HTTPHandler struct {
	broadcaster *Broadcaster
	encoder     Encoder
	station     string
	logger      zerolog.Logger
}

// NewHTTPHandler creates an HTTP stream handler.
func NewHTTPHandler(b *Broadcaster, enc Encoder, station string, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		broadcaster: b,
		encoder:     enc,
		station:     station,
		logger:      logger.With().Str("component", "http_stream").Logger(),
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	listener := h.broadcaster.Subscribe(RoleHTTP)
	defer h.broadcaster.Unsubscribe(listener)

	pr, pw := io.Pipe()
	go pcmFeed(ctx, listener, pw)

	out, err := h.encoder.Encode(ctx, pr)
	if err != nil {
		pr.Close()
		h.logger.Error().Err(err).Msg("start encoder")
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	defer out.Close()

	w.Header().Set("Content-Type", h.encoder.ContentType())
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("ICY-Name", h.station)

	h.logger.Info().Int("listeners", h.broadcaster.CountByRole(RoleHTTP)).Msg("listener connected")
	defer h.logger.Info().Msg("listener disconnected")

	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				h.logger.Warn().Err(err).Msg("encoder read")
			}
			break
		}
	}
	cancel()
	pr.Close()
}
