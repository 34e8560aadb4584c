package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// Archiver persists the merged feed into Postgres. Inserts are keyed on
// (source_id, message_id) with ON CONFLICT DO NOTHING, so replaying a
// snapshot or a reconnect burst is harmless.
type Archiver struct {
	DB *sql.DB
}

// Record stores one message.
func (a *Archiver) Record(ctx context.Context, sourceID string, m Message) error {
	_, err := a.DB.ExecContext(ctx, `INSERT INTO chat_messages (source_id, message_id, author_name, platform, message_text, message_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (source_id, message_id) DO NOTHING`,
		sourceID, m.ID, m.AuthorName, string(m.Platform), m.MessageText, m.MessageType, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", m.ID, err)
	}
	return nil
}

// RecordBatch stores a batch inside one transaction.
func (a *Archiver) RecordBatch(ctx context.Context, sourceID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive begin tx: %w", err)
	}
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_messages (source_id, message_id, author_name, platform, message_text, message_type, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (source_id, message_id) DO NOTHING`,
			sourceID, m.ID, m.AuthorName, string(m.Platform), m.MessageText, m.MessageType, m.CreatedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("archive message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive commit: %w", err)
	}
	return nil
}
