package repo

import (
	"context"
	"database/sql"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

// TouchLastSeen stamps the uid's last_seen_at on disconnect. Best effort; the
// caller ignores the error beyond logging.
func (r *UserRepo) TouchLastSeen(ctx context.Context, uid int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE im_user SET last_seen_at = NOW() WHERE user_id = ?`, uid)
	return err
}
