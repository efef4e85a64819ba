// Package events publishes segment lifecycle notifications on NATS so other
// systems (chat bots, dashboards, loggers) can follow the program.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/airwaves/internal/audio"
)

// Subjects, appended to the configured prefix.
const (
	SubjectEnqueued         = "segment.enqueued"
	SubjectPlaying          = "segment.playing"
	SubjectDropped          = "segment.dropped"
	SubjectProductionFailed = "production.failed"
)

// Event is the JSON payload of every message.
type Event struct {
	Type      string    `json:"type"`
	SegmentID string    `json:"segment_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Title     string    `json:"title,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	Seconds   float64   `json:"seconds,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Options configures the NATS connection.
type Options struct {
	Servers        []string
	Prefix         string
	ConnectTimeout time.Duration
	Token          string
}

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends events. A Publisher without servers is a no-op.
type Publisher struct {
	nc     *nats.Conn
	conn   conn
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// Connect dials NATS. With no servers configured it returns a no-op
// publisher and no error. An unreachable broker is not an error: the
// connection keeps retrying in the background, events are buffered meanwhile
// and Healthy reports false until it comes up.
func Connect(opts Options, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "events").Logger()
	p := &Publisher{prefix: strings.TrimSuffix(opts.Prefix, "."), logger: logger, now: time.Now}
	if len(opts.Servers) == 0 {
		return p, nil
	}

	options := []nats.Option{
		nats.Name("airwaves"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats connected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if opts.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(opts.ConnectTimeout))
	}
	if opts.Token != "" {
		options = append(options, nats.Token(opts.Token))
	}

	url := strings.Join(opts.Servers, ",")
	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if nc.Status() != nats.CONNECTED {
		logger.Warn().Str("servers", url).Msg("nats unreachable, retrying in background")
	}

	p.nc = nc
	p.conn = nc
	return p, nil
}

// Enabled reports whether events go anywhere.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// Healthy reports whether the NATS connection is up. A disabled publisher is
// always healthy.
func (p *Publisher) Healthy() bool {
	if p.nc == nil {
		return true
	}
	return p.nc.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}

func segmentEvent(typ string, seg *audio.Segment) Event {
	return Event{
		Type:      typ,
		SegmentID: seg.ID,
		Kind:      seg.Kind.String(),
		Title:     seg.Title,
		Topics:    seg.Topics,
		Seconds:   seg.Duration().Seconds(),
	}
}

func (p *Publisher) SegmentEnqueued(seg *audio.Segment) {
	p.publish(SubjectEnqueued, segmentEvent(SubjectEnqueued, seg))
}

func (p *Publisher) SegmentPlaying(seg *audio.Segment) {
	p.publish(SubjectPlaying, segmentEvent(SubjectPlaying, seg))
}

func (p *Publisher) SegmentDropped(seg *audio.Segment, reason string) {
	ev := segmentEvent(SubjectDropped, seg)
	ev.Reason = reason
	p.publish(SubjectDropped, ev)
}

func (p *Publisher) ProductionFailed(phase string, err error) {
	p.publish(SubjectProductionFailed, Event{Type: SubjectProductionFailed, Phase: phase, Error: err.Error()})
}

// publish never blocks the caller on the network; nats buffers writes.
func (p *Publisher) publish(subject string, ev Event) {
	if !p.Enabled() {
		return
	}
	ev.At = p.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn().Err(err).Msg("encode event")
		return
	}
	if p.prefix != "" {
		subject = p.prefix + "." + subject
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("publish failed")
	}
}
