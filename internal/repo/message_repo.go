package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// Message is the DB model for im_message. Nullable timestamps use sql.Null*
// because delivered_at/read_at start as NULL and transition at most once.
type Message struct {
	ID          int64
	Sender      int64
	Receiver    int64
	Kind        string // text|image|video|audio|file
	Body        string
	MediaURL    sql.NullString
	ClientMsgID sql.NullString
	CreatedAt   time.Time
	DeliveredAt sql.NullTime
	ReadAt      sql.NullTime
}

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

const messageCols = "msg_id, sender_id, receiver_id, kind, body, media_url, client_msg_id, create_time, delivered_at, read_at"

func (r *MessageRepo) Insert(ctx context.Context, m *Message) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO im_message (msg_id, sender_id, receiver_id, kind, body, media_url, client_msg_id, create_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, m.ID, m.Sender, m.Receiver, m.Kind, m.Body, m.MediaURL, m.ClientMsgID, m.CreatedAt)
	return err
}

// InsertWithOutbox persists the message and an offline-notify outbox row in one
// transaction, so a notify event exists iff the message does.
func (r *MessageRepo) InsertWithOutbox(ctx context.Context, m *Message, event, payloadJSON string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO im_message (msg_id, sender_id, receiver_id, kind, body, media_url, client_msg_id, create_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, m.ID, m.Sender, m.Receiver, m.Kind, m.Body, m.MediaURL, m.ClientMsgID, m.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO im_outbox (event, msg_id, uid, payload_json, status, retry_count, next_retry_at)
VALUES (?, ?, ?, ?, 0, 0, NOW())
ON DUPLICATE KEY UPDATE payload_json=VALUES(payload_json), next_retry_at=LEAST(next_retry_at, NOW())
`, event, m.ID, m.Receiver, payloadJSON); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDelivered sets delivered_at once; an already-delivered row is untouched.
func (r *MessageRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE im_message SET delivered_at = ? WHERE msg_id = ? AND delivered_at IS NULL
`, at, id)
	return err
}

// UnreadFrom lists ids of messages sender->receiver that have no read_at yet,
// oldest first, bounded.
func (r *MessageRepo) UnreadFrom(ctx context.Context, receiver, sender int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT msg_id FROM im_message
WHERE sender_id = ? AND receiver_id = ? AND read_at IS NULL
ORDER BY create_time ASC
LIMIT ?
`, sender, receiver, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkRead stamps read_at for the batch, backfilling delivered_at for rows
// that were somehow still undelivered (sender gone between send and read).
func (r *MessageRepo) MarkRead(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, at, at)
	for _, id := range ids {
		args = append(args, id)
	}
	q := `
UPDATE im_message
SET read_at = ?, delivered_at = COALESCE(delivered_at, ?)
WHERE msg_id IN (?` + strings.Repeat(",?", len(ids)-1) + `) AND read_at IS NULL
`
	_, err := r.db.ExecContext(ctx, q, args...)
	return err
}

// ListConversation returns both directions of a->b ordered by create_time
// ascending, bounded. This is the reconciliation surface for clients that
// missed realtime events.
func (r *MessageRepo) ListConversation(ctx context.Context, a, b int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 300 {
		limit = 300
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+messageCols+` FROM im_message
WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
ORDER BY create_time ASC
LIMIT ?
`, a, b, b, a, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Kind, &m.Body, &m.MediaURL, &m.ClientMsgID, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
