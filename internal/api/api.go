// Package api serves the station's status surface: JSON status and history,
// a websocket status feed, and health checks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/history"
	"github.com/satindergrewal/airwaves/internal/queue"
	"github.com/satindergrewal/airwaves/internal/scheduler"
	"github.com/satindergrewal/airwaves/internal/stream"
)

// Scheduler exposes the schedule state.
type Scheduler interface {
	State() scheduler.State
}

// QueueStats exposes playback queue counters.
type QueueStats interface {
	Snapshot() queue.Stats
}

// Sink exposes the real-time loop's position.
type Sink interface {
	Position() time.Duration
	NowPlaying() stream.NowPlaying
}

// Uplink exposes the Icecast connection state.
type Uplink interface {
	Status() stream.UplinkStatus
}

// Catalog exposes the music library size.
type Catalog interface {
	Len() int
}

// Listeners counts local listeners by role.
type Listeners interface {
	CountByRole(role stream.Role) int
}

// ProgramLog serves recent history.
type ProgramLog interface {
	RecentProductions(ctx context.Context, limit int) ([]history.Production, error)
	RecentPlays(ctx context.Context, limit int) ([]history.Play, error)
}

// Check is a named readiness check. It returns nil when healthy.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the sources the status surface reads. Uplink and Log may be nil.
type Deps struct {
	Station   string
	Scheduler Scheduler
	Queue     QueueStats
	Sink      Sink
	Uplink    Uplink
	Catalog   Catalog
	Listeners Listeners
	Log       ProgramLog
	Checks    []Check
}

// Server builds the HTTP handlers.
type Server struct {
	deps      Deps
	started   time.Time
	pushEvery time.Duration
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a server. Status is pushed to websocket clients every 2s.
func New(deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		deps:      deps,
		started:   time.Now(),
		pushEvery: 2 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
}

// Status is the JSON body of /api/status.
type Status struct {
	Station       string          `json:"station,omitempty"`
	Phase         scheduler.Phase `json:"phase"`
	InFlight      bool            `json:"in_flight"`
	LastFire      *time.Time      `json:"last_fire"`
	NextFire      *time.Time      `json:"next_fire"`
	LastSuccess   *time.Time      `json:"last_success"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorAt   *time.Time      `json:"last_error_at"`
	Produced      uint64          `json:"produced"`
	Failed        uint64          `json:"failed"`
	Skipped       uint64          `json:"skipped"`
	Weather       *WeatherStatus  `json:"weather,omitempty"`
	Queue         QueueStatus     `json:"queue"`
	Sink          SinkStatus      `json:"sink"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Library       LibraryStatus   `json:"library"`
	Listeners     ListenerCounts  `json:"listeners"`
}

// WeatherStatus is the weather report's slot, present when it is on.
type WeatherStatus struct {
	InFlight    bool       `json:"in_flight"`
	LastFire    *time.Time `json:"last_fire"`
	NextFire    *time.Time `json:"next_fire"`
	LastSuccess *time.Time `json:"last_success"`
	LastError   string     `json:"last_error,omitempty"`
	Produced    uint64     `json:"produced"`
	Failed      uint64     `json:"failed"`
	Skipped     uint64     `json:"skipped"`
}

type QueueStatus struct {
	Depth           int     `json:"depth"`
	SecondsBuffered float64 `json:"seconds_buffered"`
	Enqueued        uint64  `json:"enqueued"`
	Dropped         uint64  `json:"dropped"`
}

type SinkStatus struct {
	Enabled         bool              `json:"enabled"`
	Connected       bool              `json:"connected"`
	Degraded        bool              `json:"degraded"`
	Reconnects      int               `json:"reconnects"`
	LastError       string            `json:"last_error,omitempty"`
	PositionSeconds float64           `json:"position_seconds"`
	NowPlaying      stream.NowPlaying `json:"now_playing"`
}

type LibraryStatus struct {
	Tracks int `json:"tracks"`
}

type ListenerCounts struct {
	HTTP   int `json:"http"`
	WebRTC int `json:"webrtc"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Status assembles the current status.
func (s *Server) Status() Status {
	st := s.deps.Scheduler.State()
	qs := s.deps.Queue.Snapshot()

	out := Status{
		Station:     s.deps.Station,
		Phase:       st.Phase,
		InFlight:    st.InFlight,
		LastFire:    timePtr(st.LastFire),
		NextFire:    timePtr(st.NextFire),
		LastSuccess: timePtr(st.LastSuccess),
		LastError:   st.LastError,
		LastErrorAt: timePtr(st.LastErrorAt),
		Produced:    st.Produced,
		Failed:      st.Failed,
		Skipped:     st.Skipped,
		Queue: QueueStatus{
			Depth:           qs.Depth,
			SecondsBuffered: qs.Buffered.Seconds(),
			Enqueued:        qs.Enqueued,
			Dropped:         qs.Dropped,
		},
		Sink: SinkStatus{
			PositionSeconds: s.deps.Sink.Position().Seconds(),
			NowPlaying:      s.deps.Sink.NowPlaying(),
		},
		UptimeSeconds: s.now().Sub(s.started).Seconds(),
	}
	if w := st.Weather; w.Interval > 0 {
		out.Weather = &WeatherStatus{
			InFlight:    w.InFlight,
			LastFire:    timePtr(w.LastFire),
			NextFire:    timePtr(w.NextFire),
			LastSuccess: timePtr(w.LastSuccess),
			LastError:   w.LastError,
			Produced:    w.Produced,
			Failed:      w.Failed,
			Skipped:     w.Skipped,
		}
	}
	if s.deps.Uplink != nil {
		us := s.deps.Uplink.Status()
		out.Sink.Enabled = true
		out.Sink.Connected = us.Connected
		out.Sink.Degraded = us.Degraded
		out.Sink.Reconnects = us.Reconnects
		out.Sink.LastError = us.LastError
	}
	if s.deps.Catalog != nil {
		out.Library.Tracks = s.deps.Catalog.Len()
	}
	if s.deps.Listeners != nil {
		out.Listeners.HTTP = s.deps.Listeners.CountByRole(stream.RoleHTTP)
		out.Listeners.WebRTC = s.deps.Listeners.CountByRole(stream.RoleWebRTC)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Log == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1-500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	prods, err := s.deps.Log.RecentProductions(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("read productions")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	plays, err := s.deps.Log.RecentPlays(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("read plays")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if prods == nil {
		prods = []history.Production{}
	}
	if plays == nil {
		plays = []history.Play{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"productions": prods,
		"plays":       plays,
	})
}

// handleEvents pushes the status snapshot over a websocket until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// the read loop only notices the client closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Msg("websocket read")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushEvery)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(s.Status()); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady runs every check; any failure makes the station not ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := map[string]string{}
	var errs []error
	for _, c := range s.deps.Checks {
		if err := c.Fn(ctx); err != nil {
			results[c.Name] = err.Error()
			errs = append(errs, err)
			continue
		}
		results[c.Name] = "ok"
	}

	status := http.StatusOK
	body := map[string]any{"status": "ready", "checks": results}
	if err := errors.Join(errs...); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "not ready"
	}
	writeJSON(w, status, body)
}
