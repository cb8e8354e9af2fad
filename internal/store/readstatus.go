package store

import (
	"time"

	"github.com/hotwellkz/wabridge/internal/model"
)

// UpsertReadStatus stores a read watermark for a (conversation, user) pair.
func (db *DB) UpsertReadStatus(rs model.ReadStatus) error {
	_, err := db.Exec(`
		INSERT INTO read_status (conversation_jid, user_id, last_read_msg_id, last_read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_jid, user_id) DO UPDATE SET
			last_read_msg_id = excluded.last_read_msg_id,
			last_read_at = excluded.last_read_at`,
		rs.ConversationID, rs.UserID, rs.LastReadMessageID, rs.LastReadAt.UnixMilli())
	return err
}

// ListReadStatus returns every stored read watermark. Used at cold start.
func (db *DB) ListReadStatus() ([]model.ReadStatus, error) {
	rows, err := db.Query(`SELECT conversation_jid, user_id, last_read_msg_id, last_read_at FROM read_status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReadStatus
	for rows.Next() {
		var rs model.ReadStatus
		var at int64
		if err := rows.Scan(&rs.ConversationID, &rs.UserID, &rs.LastReadMessageID, &at); err != nil {
			return nil, err
		}
		rs.LastReadAt = time.UnixMilli(at)
		out = append(out, rs)
	}
	return out, rows.Err()
}
