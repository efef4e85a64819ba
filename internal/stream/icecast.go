package stream

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// ErrSinkDisconnected reports that the broadcast endpoint is unreachable or
// dropped the connection.
var ErrSinkDisconnected = errors.New("broadcast sink disconnected")

// IcecastConfig describes the source connection to an Icecast server.
type IcecastConfig struct {
	Host          string
	Port          int
	Mount         string
	User          string
	Password      string
	Bitrate       int // kbps, advertised in ice-audio-info
	Name          string
	Description   string
	Genre         string
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	DegradedAfter int
	DialTimeout   time.Duration
}

// UplinkStatus is a snapshot of the uplink connection.
type UplinkStatus struct {
	Connected  bool   `json:"connected"`
	Degraded   bool   `json:"degraded"`
	Reconnects int    `json:"reconnects"`
	Failures   int    `json:"consecutive_failures"`
	LastError  string `json:"last_error,omitempty"`
}

// DialFunc opens the TCP connection to the server.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Uplink pushes the broadcast to an Icecast mount as a source client. It
// never stops on its own: failures are retried with exponential backoff.
type Uplink struct {
	cfg         IcecastConfig
	broadcaster *Broadcaster
	encoder     Encoder
	dial        DialFunc
	logger      zerolog.Logger

	// OnReconnect is called before each reconnect attempt.
	OnReconnect func()

	mu     sync.RWMutex
	status UplinkStatus
}

// NewUplink creates an uplink. A nil dial uses net.Dialer.
func NewUplink(cfg IcecastConfig, b *Broadcaster, enc Encoder, dial DialFunc, logger zerolog.Logger) *Uplink {
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		dial = d.DialContext
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.User == "" {
		cfg.User = "source"
	}
	return &Uplink{
		cfg:         cfg,
		broadcaster: b,
		encoder:     enc,
		dial:        dial,
		logger:      logger.With().Str("component", "icecast").Str("mount", cfg.Mount).Logger(),
	}
}

// Status returns the current connection state.
func (u *Uplink) Status() UplinkStatus {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

// Run keeps the source connection alive until ctx is cancelled.
func (u *Uplink) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if u.cfg.BackoffMin > 0 {
		bo.InitialInterval = u.cfg.BackoffMin
	}
	if u.cfg.BackoffMax > 0 {
		bo.MaxInterval = u.cfg.BackoffMax
	}

	listener := u.broadcaster.Subscribe(RoleUplink)
	defer u.broadcaster.Unsubscribe(listener)

	for {
		err := u.session(ctx, listener, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		u.recordFailure(err)

		wait := bo.NextBackOff()
		u.logger.Warn().Err(err).Dur("retry_in", wait).Msg("uplink down")
		if !u.discardFor(ctx, listener, wait) {
			return nil
		}
		if u.OnReconnect != nil {
			u.OnReconnect()
		}
		u.mu.Lock()
		u.status.Reconnects++
		u.mu.Unlock()
	}
}

// discardFor drops frames produced while disconnected until d elapses.
// Returns false if ctx ended first.
func (u *Uplink) discardFor(ctx context.Context, l *Listener, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			l.Drain()
			return true
		case <-l.C:
		}
	}
}

// session runs one connection: handshake, then encode frames until
// something fails. onConnected fires after a successful handshake.
func (u *Uplink) session(ctx context.Context, l *Listener, onConnected func()) error {
	addr := net.JoinHostPort(u.cfg.Host, strconv.Itoa(u.cfg.Port))
	conn, err := u.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrSinkDisconnected, addr, err)
	}
	defer conn.Close()

	if err := u.handshake(conn); err != nil {
		return err
	}

	onConnected()
	u.mu.Lock()
	u.status.Connected = true
	u.status.Degraded = false
	u.status.Failures = 0
	u.status.LastError = ""
	u.mu.Unlock()
	u.logger.Info().Str("addr", addr).Msg("uplink connected")

	defer func() {
		u.mu.Lock()
		u.status.Connected = false
		u.mu.Unlock()
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// stale frames from before the connection are not replayed
	l.Drain()

	pr, pw := io.Pipe()
	go pcmFeed(sessCtx, l, pw)
	defer pr.Close()

	out, err := u.encoder.Encode(sessCtx, pr)
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	defer out.Close()

	// close the connection on cancel so a blocked write returns
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	if _, err := io.Copy(conn, out); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkDisconnected, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: encoder stream ended", ErrSinkDisconnected)
}

// handshake sends the source PUT request and checks the server accepted it.
func (u *Uplink) handshake(conn net.Conn) error {
	if u.cfg.DialTimeout > 0 {
		conn.SetDeadline(time.Now().Add(u.cfg.DialTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	auth := base64.StdEncoding.EncodeToString([]byte(u.cfg.User + ":" + u.cfg.Password))
	var b strings.Builder
	fmt.Fprintf(&b, "PUT %s HTTP/1.1\r\n", u.cfg.Mount)
	fmt.Fprintf(&b, "Host: %s:%d\r\n", u.cfg.Host, u.cfg.Port)
	fmt.Fprintf(&b, "Authorization: Basic %s\r\n", auth)
	fmt.Fprintf(&b, "User-Agent: airwaves\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", u.encoder.ContentType())
	fmt.Fprintf(&b, "Ice-Public: 0\r\n")
	fmt.Fprintf(&b, "Ice-Name: %s\r\n", u.cfg.Name)
	fmt.Fprintf(&b, "Ice-Description: %s\r\n", u.cfg.Description)
	fmt.Fprintf(&b, "Ice-Genre: %s\r\n", u.cfg.Genre)
	fmt.Fprintf(&b, "Ice-Audio-Info: ice-bitrate=%d;ice-channels=2;ice-samplerate=48000\r\n", u.cfg.Bitrate)
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return fmt.Errorf("%w: send handshake: %v", ErrSinkDisconnected, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodPut})
	if err != nil {
		return fmt.Errorf("%w: read handshake response: %v", ErrSinkDisconnected, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: server refused mount %s: %s", ErrSinkDisconnected, u.cfg.Mount, resp.Status)
	}
	return nil
}

func (u *Uplink) recordFailure(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status.Connected = false
	u.status.Failures++
	if err != nil {
		u.status.LastError = err.Error()
	}
	if u.status.Failures >= u.cfg.DegradedAfter && !u.status.Degraded {
		u.status.Degraded = true
		u.logger.Error().Int("failures", u.status.Failures).Msg("uplink degraded")
	}
}
