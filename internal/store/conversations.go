package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hotwellkz/wabridge/internal/model"
)

// SaveConversations writes full conversation snapshots (metadata plus
// message logs) in one transaction. Upserts are keyed on conversation jid
// and (conversation_jid, msg_id), so re-checkpointing the same state is
// idempotent.
func (db *DB) SaveConversations(convs []model.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (jid, display_name, avatar_url, last_activity_at, last_preview, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				last_activity_at = excluded.last_activity_at,
				last_preview = excluded.last_preview,
				updated_at = excluded.updated_at`,
			c.ID, c.DisplayName, c.AvatarURL, c.LastActivityAt.UnixMilli(), c.LastPreview, now); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}

		for _, m := range c.Messages {
			var mediaURL, mediaMime, mediaFile sql.NullString
			var mediaSize, mediaDuration sql.NullInt64
			mediaVoice := false
			if m.Media != nil {
				mediaURL = sql.NullString{String: m.Media.URL, Valid: true}
				mediaMime = sql.NullString{String: m.Media.MimeType, Valid: true}
				mediaFile = sql.NullString{String: m.Media.FileName, Valid: true}
				mediaSize = sql.NullInt64{Int64: m.Media.ByteSize, Valid: true}
				mediaDuration = sql.NullInt64{Int64: int64(m.Media.DurationSeconds), Valid: true}
				mediaVoice = m.Media.Voice
			}
			if _, err := tx.Exec(`
				INSERT INTO messages (conversation_jid, msg_id, direction, sender_name, body, ack, seq, media_url, media_mime, media_file, media_size, media_duration, media_voice, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(conversation_jid, msg_id) DO UPDATE SET
					ack = excluded.ack,
					media_url = excluded.media_url,
					media_mime = excluded.media_mime,
					media_file = excluded.media_file,
					media_size = excluded.media_size,
					media_duration = excluded.media_duration,
					media_voice = excluded.media_voice`,
				c.ID, m.ID, string(m.Direction), m.SenderName, m.Body, string(m.Ack), m.Seq,
				mediaURL, mediaMime, mediaFile, mediaSize, mediaDuration, mediaVoice, m.CreatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("upsert message %s/%s: %w", c.ID, m.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and, via cascade, its messages
// and read markers.
func (db *DB) DeleteConversation(id string) error {
	if _, err := db.Exec(`DELETE FROM conversations WHERE jid = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM read_status WHERE conversation_jid = ?`, id); err != nil {
		return fmt.Errorf("delete read status: %w", err)
	}
	return nil
}

// LoadConversations reads every conversation with its full ordered message
// log. Only used at cold start to rebuild the in-memory state.
func (db *DB) LoadConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT jid, display_name, avatar_url, last_activity_at, last_preview
		FROM conversations
		ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var lastActivity int64
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.AvatarURL, &lastActivity, &c.LastPreview); err != nil {
			return nil, err
		}
		c.LastActivityAt = time.UnixMilli(lastActivity)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		msgs, err := db.loadMessages(convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Messages = msgs
	}
	return convs, nil
}

func (db *DB) loadMessages(convID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, direction, sender_name, body, ack, seq, media_url, media_mime, media_file, media_size, media_duration, media_voice, created_at
		FROM messages
		WHERE conversation_jid = ?
		ORDER BY seq ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var direction, ack string
		var createdAt int64
		var mediaURL, mediaMime, mediaFile sql.NullString
		var mediaSize, mediaDuration sql.NullInt64
		var mediaVoice bool
		if err := rows.Scan(&m.ID, &direction, &m.SenderName, &m.Body, &ack, &m.Seq,
			&mediaURL, &mediaMime, &mediaFile, &mediaSize, &mediaDuration, &mediaVoice, &createdAt); err != nil {
			return nil, err
		}
		m.ConversationID = convID
		m.Direction = model.Direction(direction)
		m.Ack = model.AckLevel(ack)
		m.CreatedAt = time.UnixMilli(createdAt)
		if mediaURL.Valid {
			m.Media = &model.MediaRef{
				URL:             mediaURL.String,
				MimeType:        mediaMime.String,
				FileName:        mediaFile.String,
				ByteSize:        mediaSize.Int64,
				Voice:           mediaVoice,
				DurationSeconds: int(mediaDuration.Int64),
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
