package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamFeedConfig holds configuration for the JetStream change feed
type JetStreamFeedConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string // per-user subject is <prefix>.<user_id>
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamFeedConfig returns default JetStream feed configuration
func DefaultJetStreamFeedConfig() JetStreamFeedConfig {
	return JetStreamFeedConfig{
		URL:           nats.DefaultURL,
		StreamName:    "USER_STATE_CHANGES",
		SubjectPrefix: "state.changes",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamFeed reads change events from a JetStream stream with an ordered
// consumer filtered to the user's subject
type JetStreamFeed struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamFeedConfig
}

// NewJetStreamFeed connects to NATS
func NewJetStreamFeed(config JetStreamFeedConfig) (*JetStreamFeed, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &JetStreamFeed{nc: nc, js: js, config: config}, nil
}

// Subject returns the per-user subject
func (f *JetStreamFeed) Subject(userID uuid.UUID) string {
	return fmt.Sprintf("%s.%s", f.config.SubjectPrefix, userID.String())
}

// Subscribe starts an ordered consumer that follows changes published for the
// user from now on. Earlier changes are covered by the fetch that precedes it.
func (f *JetStreamFeed) Subscribe(ctx context.Context, userID uuid.UUID, onEvent func(models.ChangeEvent)) (func(), error) {
	subject := f.Subject(userID)

	consumer, err := f.js.OrderedConsumer(ctx, f.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		ev, err := decodeChangeMessage(msg.Data())
		if err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to decode change message")
			return
		}
		if ev.UserID == uuid.Nil {
			ev.UserID = userID
		}
		onEvent(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	log.Info().
		Str("stream", f.config.StreamName).
		Str("subject", subject).
		Msg("consuming JetStream change events")

	return consumeCtx.Stop, nil
}

// Close drops the NATS connection
func (f *JetStreamFeed) Close() error {
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}

// changeEnvelope mirrors what the remote publishes on the change stream
type changeEnvelope struct {
	EventID   string          `json:"eventId"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func decodeChangeMessage(data []byte) (models.ChangeEvent, error) {
	var env changeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("unmarshal change envelope: %w", err)
	}

	ev := models.ChangeEvent{ID: env.EventID, UpdatedAt: env.Timestamp}
	if env.UserID != "" {
		id, err := uuid.Parse(env.UserID)
		if err != nil {
			return models.ChangeEvent{}, fmt.Errorf("parse user ID: %w", err)
		}
		ev.UserID = id
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &ev.Fields); err != nil {
			return models.ChangeEvent{}, fmt.Errorf("unmarshal change payload: %w", err)
		}
	}
	return ev, nil
}
