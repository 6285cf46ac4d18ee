// internal/database/lobby_events.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/krackle/internal/models"
)

const createLobbyEventsQ = `
	CREATE TABLE IF NOT EXISTS lobby_events (
		lobby_code  TEXT        NOT NULL,
		seq         BIGINT      NOT NULL,
		event       TEXT        NOT NULL,
		actor       TEXT        NOT NULL DEFAULT '',
		payload     JSONB       NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (lobby_code, seq, occurred_at)
	)
`

// Duplicate deliveries from the queue are ignored.
const insertLobbyEventQ = `
	INSERT INTO lobby_events (lobby_code, seq, event, actor, payload, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT DO NOTHING
`

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// EventStore persists journaled lobby events.
type EventStore struct {
	db TxBeginner
}

// NewEventStore wraps a pool (or any transaction starter).
func NewEventStore(db TxBeginner) *EventStore {
	return &EventStore{db: db}
}

// EnsureSchema creates the lobby_events table if it is missing.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createLobbyEventsQ)
		return err
	})
}

// InsertLobbyEvents writes recs in a single transaction using one batch.
func (s *EventStore) InsertLobbyEvents(ctx context.Context, recs []models.LobbyEventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			batch.Queue(insertLobbyEventQ,
				rec.LobbyCode,
				int64(rec.Seq),
				rec.Event,
				rec.Actor,
				[]byte(rec.Payload),
				time.UnixMilli(rec.Timestamp).UTC(),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert lobby events: %w", err)
		}
		return nil
	})
}
