package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

// PGNotifyConfig holds configuration for the Postgres LISTEN/NOTIFY change feed
type PGNotifyConfig struct {
	DatabaseURL   string // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string // Channel name to LISTEN on
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
	PingInterval  time.Duration
}

// DefaultPGNotifyConfig returns default LISTEN/NOTIFY configuration
func DefaultPGNotifyConfig() PGNotifyConfig {
	return PGNotifyConfig{
		NotifyChannel: "user_state_changes",
		MinReconnect:  10 * time.Second,
		MaxReconnect:  time.Minute,
		PingInterval:  90 * time.Second,
	}
}

// changeRow is a row of the user_state_changes table
type changeRow struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Fields    pqtype.NullRawMessage
	UpdatedAt sql.NullTime
}

// PGNotifyFeed listens for change notifications whose payload is a change row id,
// then reads the row. Notifications for other users are ignored.
type PGNotifyFeed struct {
	db     *sql.DB
	config PGNotifyConfig
}

// NewPGNotifyFeed creates the feed. db is used to read change rows.
func NewPGNotifyFeed(db *sql.DB, config PGNotifyConfig) *PGNotifyFeed {
	return &PGNotifyFeed{db: db, config: config}
}

// Subscribe opens a dedicated listener connection for the subscription
func (f *PGNotifyFeed) Subscribe(ctx context.Context, userID uuid.UUID, onEvent func(models.ChangeEvent)) (func(), error) {
	l := pq.NewListener(
		f.config.DatabaseURL,
		f.config.MinReconnect,
		f.config.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(f.config.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", f.config.NotifyChannel).
		Str("user_id", userID.String()).
		Msg("listening for state change notifications")

	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.listen(subCtx, l, userID, onEvent)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			if err := l.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close listener")
			}
		})
	}, nil
}

func (f *PGNotifyFeed) listen(ctx context.Context, l *pq.Listener, userID uuid.UUID, onEvent func(models.ChangeEvent)) {
	pingTicker := time.NewTicker(f.config.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-l.Notify:
			if note == nil {
				// nil notification means the connection was re-established; events may have been missed
				log.Warn().Msg("listener reconnected, change notifications may have been missed")
				continue
			}
			if err := f.handleNotification(ctx, note.Extra, userID, onEvent); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := l.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handleNotification handles a pg listen notification. Extra is the change row id.
func (f *PGNotifyFeed) handleNotification(ctx context.Context, extra string, userID uuid.UUID, onEvent func(models.ChangeEvent)) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid change ID in notification: %w", err)
	}

	var row changeRow
	err = f.db.QueryRowContext(ctx,
		`SELECT id, user_id, fields, updated_at FROM user_state_changes WHERE id = $1`, id,
	).Scan(&row.ID, &row.UserID, &row.Fields, &row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to fetch change row: %w", err)
	}

	if row.UserID != userID {
		return nil
	}

	ev, err := row.toEvent()
	if err != nil {
		return err
	}
	onEvent(ev)
	return nil
}

func (r changeRow) toEvent() (models.ChangeEvent, error) {
	ev := models.ChangeEvent{ID: r.ID.String(), UserID: r.UserID, UpdatedAt: sqlutil.FromNullTime(r.UpdatedAt)}
	if err := sqlutil.FromNullRawMessage(r.Fields, &ev.Fields); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("unmarshal change fields: %w", err)
	}
	return ev, nil
}
