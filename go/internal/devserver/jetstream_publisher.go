package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/realtime"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConfig configures the change stream the dev server publishes to
type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	DuplicateWindow time.Duration // Window for duplicate detection
}

// DefaultJetStreamConfig matches realtime.DefaultJetStreamFeedConfig
func DefaultJetStreamConfig() JetStreamConfig {
	feed := realtime.DefaultJetStreamFeedConfig()
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      feed.StreamName,
		SubjectPrefix:   feed.SubjectPrefix,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

// JetStreamPublisher publishes change envelopes on <prefix>.<user id>
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// NewJetStreamPublisher connects and ensures the stream exists
func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Per-user state change events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Duplicates:  cfg.DuplicateWindow,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &JetStreamPublisher{nc: nc, js: js, config: cfg}, nil
}

// Publish sends ev in the envelope the client feed decodes
func (p *JetStreamPublisher) Publish(ctx context.Context, ev models.ChangeEvent) error {
	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, ev.UserID)

	payload, err := json.Marshal(ev.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	data, err := json.Marshal(map[string]interface{}{
		"eventId":   ev.ID,
		"userId":    ev.UserID.String(),
		"timestamp": ev.UpdatedAt,
		"payload":   json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"User-ID":  []string{ev.UserID.String()},
			"Event-ID": []string{ev.ID},
		},
	},
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", ev.ID).
		Uint64("sequence", ack.Sequence).
		Msg("published change event to JetStream")
	return nil
}

// Close closes the NATS connection
func (p *JetStreamPublisher) Close() {
	p.nc.Close()
}
