package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/airwaves/internal/audio"
)

// MetadataLabel is the data channel label a client opens to receive
// now-playing updates alongside the audio track.
const MetadataLabel = "metadata"

// ErrTooManyPeers is returned when the WebRTC listener limit is reached.
var ErrTooManyPeers = errors.New("webrtc listener limit reached")

// WebRTCOptions configures WebRTC listeners.
type WebRTCOptions struct {
	Bitrate    int    // Opus target, kbps
	Station    string // stream id and metadata station name
	ICEServers []string
	MaxPeers   int // 0 = unlimited
	// NowPlaying reports what is on air when a metadata channel opens.
	NowPlaying func() NowPlaying
}

// Metadata is the JSON message sent on the metadata channel.
type Metadata struct {
	Station string `json:"station"`
	NowPlaying
}

type textSender interface {
	SendText(string) error
}

type peer struct {
	pc       *webrtc.PeerConnection
	listener *Listener

	mu   sync.Mutex
	meta textSender
}

func (p *peer) metadata() textSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta
}

// WebRTCHandler negotiates WebRTC listeners over HTTP: the client POSTs an
// SDP offer and receives the answer. Each peer gets the program as Opus and,
// if it opened a metadata channel, a JSON message per segment.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	opts        WebRTCOptions
	streamID    string
	config      webrtc.Configuration
	logger      zerolog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
}

// NewWebRTCHandler creates a WebRTC stream handler.
func NewWebRTCHandler(b *Broadcaster, opts WebRTCOptions, logger zerolog.Logger) *WebRTCHandler {
	if opts.Bitrate <= 0 {
		opts.Bitrate = 128
	}
	var config webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &WebRTCHandler{
		broadcaster: b,
		opts:        opts,
		streamID:    streamID(opts.Station),
		config:      config,
		logger:      logger.With().Str("component", "webrtc").Logger(),
		peers:       make(map[*peer]struct{}),
	}
}

// streamID turns a station name into an SDP-safe msid token.
func streamID(name string) string {
	id := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToLower(r)
		}
		return '-'
	}, strings.TrimSpace(name))
	id = strings.Trim(id, "-")
	if id == "" {
		return "radio"
	}
	return id
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	answer, status, err := h.accept(offer)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("offer rejected")
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(answer)
}

// accept answers an offer and registers the peer. The returned status is
// the HTTP code to report on error.
func (h *WebRTCHandler) accept(offer webrtc.SessionDescription) (*webrtc.SessionDescription, int, error) {
	if h.opts.MaxPeers > 0 && h.PeerCount() >= h.opts.MaxPeers {
		return nil, http.StatusServiceUnavailable, ErrTooManyPeers
	}

	pc, err := webrtc.NewPeerConnection(h.config)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("create peer connection: %w", err)
	}
	fail := func(status int, what string, err error) (*webrtc.SessionDescription, int, error) {
		pc.Close()
		return nil, status, fmt.Errorf("%s: %w", what, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate, Channels: audio.Channels},
		"audio",
		h.streamID,
	)
	if err != nil {
		return fail(http.StatusInternalServerError, "create audio track", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fail(http.StatusInternalServerError, "add track", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(http.StatusBadRequest, "set remote description", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(http.StatusInternalServerError, "create answer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(http.StatusInternalServerError, "set local description", err)
	}
	<-gathered

	p := &peer{pc: pc, listener: h.broadcaster.Subscribe(RoleWebRTC)}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	count := len(h.peers)
	h.mu.Unlock()
	h.logger.Info().Int("peers", count).Msg("peer connected")

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != MetadataLabel {
			return
		}
		dc.OnOpen(func() { h.openMetadata(p, dc) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			h.drop(p)
		}
	})
	go h.streamToPeer(p, track)

	return pc.LocalDescription(), http.StatusOK, nil
}

// openMetadata attaches the peer's metadata channel and sends what is on
// air right now.
func (h *WebRTCHandler) openMetadata(p *peer, ch textSender) {
	p.mu.Lock()
	p.meta = ch
	p.mu.Unlock()
	if h.opts.NowPlaying == nil {
		return
	}
	msg, err := h.encode(h.opts.NowPlaying())
	if err != nil {
		return
	}
	if err := ch.SendText(msg); err != nil {
		h.logger.Debug().Err(err).Msg("send metadata")
	}
}

// Announce sends now-playing metadata to every peer with an open metadata
// channel.
func (h *WebRTCHandler) Announce(np NowPlaying) {
	msg, err := h.encode(np)
	if err != nil {
		return
	}
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		ch := p.metadata()
		if ch == nil {
			continue
		}
		if err := ch.SendText(msg); err != nil {
			h.logger.Debug().Err(err).Msg("send metadata")
		}
	}
}

func (h *WebRTCHandler) encode(np NowPlaying) (string, error) {
	b, err := json.Marshal(Metadata{Station: h.opts.Station, NowPlaying: np})
	if err != nil {
		h.logger.Warn().Err(err).Msg("encode metadata")
		return "", err
	}
	return string(b), nil
}

// drop forgets a peer once; later calls are no-ops.
func (h *WebRTCHandler) drop(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	count := len(h.peers)
	h.mu.Unlock()
	if !ok {
		return
	}
	if p.listener != nil {
		h.broadcaster.Unsubscribe(p.listener)
	}
	if p.pc != nil {
		p.pc.Close()
	}
	h.logger.Info().Int("peers", count).Msg("peer disconnected")
}

// Close disconnects every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.drop(p)
	}
}

func (h *WebRTCHandler) streamToPeer(p *peer, track *webrtc.TrackLocalStaticSample) {
	defer h.drop(p)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.logger.Error().Err(err).Msg("opus encoder")
		return
	}
	if err := enc.SetBitrate(h.opts.Bitrate * 1000); err != nil {
		h.logger.Warn().Err(err).Int("kbps", h.opts.Bitrate).Msg("opus bitrate")
	}

	buf := make([]byte, 4000)
	for {
		select {
		case <-p.listener.done:
			return
		case frame, ok := <-p.listener.C:
			if !ok {
				return
			}
			n, err := enc.Encode(frame, buf)
			if err != nil {
				h.logger.Warn().Err(err).Msg("opus encode")
				continue
			}
			if err := track.WriteSample(media.Sample{Data: buf[:n], Duration: audio.FrameDuration}); err != nil {
				return
			}
		}
	}
}
