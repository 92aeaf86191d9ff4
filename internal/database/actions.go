package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/tictactoe/internal/cache"
)

// InsertActions writes a batch of queued action records in one transaction.
// Records already stored are skipped, so a batch may be replayed after a crash.
func (s *Store) InsertActions(ctx context.Context, records []cache.ActionRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		payload, err := json.Marshal(rec.ActionPayload)
		if err != nil {
			return fmt.Errorf("encode payload of %s action %d: %w", rec.GameID, rec.ActionIndex, err)
		}
		batch.Queue(`
			INSERT INTO game_actions (game_id, action_index, actor_user_id, action_type, action_payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (game_id, action_index, action_type) DO NOTHING`,
			rec.GameID, rec.ActionIndex, rec.ActorUserID, rec.ActionType, payload, actionTime(rec.Timestamp),
		)
	}

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func actionTime(millis int64) time.Time {
	if millis <= 0 {
		return time.Now()
	}
	return time.UnixMilli(millis)
}

// AbandonGame marks an in-progress game abandoned. It reports whether a row changed.
func (s *Store) AbandonGame(ctx context.Context, gameID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE games
		SET status = 'abandoned', turn = '', updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`, gameID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
