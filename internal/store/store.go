package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dmbridge/pkg/models"
)

// MessageStore persists conversations and messages. It is the only owner of
// persisted state; the pipeline stages hand it transient slices.
type MessageStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMessageStore creates a store backed by the given database handle.
func NewMessageStore(db *sql.DB, log zerolog.Logger) *MessageStore {
	return &MessageStore{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

// UpsertConversations inserts or refreshes conversation rows by id.
func (s *MessageStore) UpsertConversations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO conversations (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare conversation upsert: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to upsert conversation %s: %w", id, err)
		}
	}
	return nil
}

// UpsertMessages inserts messages by primary key. Re-ingesting an id
// overwrites every field, so the second ingestion's values win.
func (s *MessageStore) UpsertMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO messages (id, created_time, from_id, to_id, from_username, to_username, message, status, conversation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			created_time = EXCLUDED.created_time,
			from_id = EXCLUDED.from_id,
			to_id = EXCLUDED.to_id,
			from_username = EXCLUDED.from_username,
			to_username = EXCLUDED.to_username,
			message = EXCLUDED.message,
			status = EXCLUDED.status,
			conversation_id = EXCLUDED.conversation_id
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		_, err := stmt.ExecContext(ctx,
			m.ID, m.CreatedTime, m.FromID, m.ToID,
			m.FromUsername, m.ToUsername, m.Message, m.Status, m.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
		}
	}
	return nil
}

// UpdateMessageStatus sets the status of a single message.
func (s *MessageStore) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = $1 WHERE id = $2`, status, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		s.log.Warn().Str("message_id", messageID).Msg("message not found for status update")
		return nil
	}

	s.log.Debug().Str("message_id", messageID).Str("status", status).Msg("message status updated")
	return nil
}

// GetAllMessages returns every persisted message ordered by conversation,
// then chronologically within each conversation. The Graph API's timestamp
// strings sort lexicographically in chronological order.
func (s *MessageStore) GetAllMessages(ctx context.Context) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, id, created_time, from_id, from_username, to_id, to_username, message, status
		FROM messages
		ORDER BY conversation_id, created_time
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		err := rows.Scan(&m.ConversationID, &m.ID, &m.CreatedTime,
			&m.FromID, &m.FromUsername, &m.ToID, &m.ToUsername, &m.Message, &m.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}
	return msgs, nil
}

// GroupByConversation buckets messages by conversation id, preserving the
// input order within each bucket.
func GroupByConversation(msgs []models.Message) map[string][]models.Message {
	grouped := make(map[string][]models.Message)
	for _, m := range msgs {
		grouped[m.ConversationID] = append(grouped[m.ConversationID], m)
	}
	return grouped
}
