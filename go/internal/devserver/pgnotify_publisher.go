package devserver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

// changeLogSchema is read by realtime.PGNotifyFeed
const changeLogSchema = `
	CREATE TABLE IF NOT EXISTS user_state_changes (
		id         UUID PRIMARY KEY,
		user_id    UUID NOT NULL,
		fields     JSONB,
		updated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PGNotifyPublisher writes each change to user_state_changes and notifies the
// channel with the row id, in one transaction.
type PGNotifyPublisher struct {
	db      *sql.DB
	channel string
}

// NewPGNotifyPublisher ensures the change log table exists
func NewPGNotifyPublisher(ctx context.Context, db *sql.DB, channel string) (*PGNotifyPublisher, error) {
	if _, err := db.ExecContext(ctx, changeLogSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure user_state_changes table: %w", err)
	}
	return &PGNotifyPublisher{db: db, channel: channel}, nil
}

// Publish inserts the change row and notifies listeners
func (p *PGNotifyPublisher) Publish(ctx context.Context, ev models.ChangeEvent) error {
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		id = uuid.New()
	}
	fields, err := sqlutil.ToNullRawMessage(ev.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	err = sqlutil.Run(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_state_changes (id, user_id, fields, updated_at) VALUES ($1, $2, $3, $4)`,
			id, ev.UserID, fields, sqlutil.ToNullTime(ev.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert change row: %w", err)
		}
		// delivered on commit
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, id.String()); err != nil {
			return fmt.Errorf("notify %s: %w", p.channel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("event_id", id.String()).
		Str("user_id", ev.UserID.String()).
		Msg("published change event to postgres")
	return nil
}
