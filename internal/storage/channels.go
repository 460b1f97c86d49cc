package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const channelCols = `id, target, target_key, count, duration, allow_repeat, status, owner_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (Channel, error) {
	var (
		ch      Channel
		repeat  int
		status  string
		created int64
		updated int64
	)
	err := r.Scan(&ch.ID, &ch.Target, &ch.TargetKey, &ch.Count, &ch.Duration, &repeat, &status, &ch.OwnerID, &created, &updated)
	if err != nil {
		return Channel{}, err
	}
	ch.AllowRepeat = repeat != 0
	ch.Status = ChannelStatus(status)
	ch.CreatedAt = fromMS(created)
	ch.UpdatedAt = fromMS(updated)
	return ch, nil
}

// UpsertChannel inserts or updates the channel keyed by (TargetKey, OwnerID).
// An update always resets the status to active.
func (s *sqliteStore) UpsertChannel(ctx context.Context, ch Channel) (Channel, error) {
	now := time.Now()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO channels(target, target_key, count, duration, allow_repeat, status, owner_id, created_at, updated_at)
		VALUES(?,?,?,?,?,'active',?,?,?)
		ON CONFLICT(target_key, owner_id) DO UPDATE SET
			target = excluded.target,
			count = excluded.count,
			duration = excluded.duration,
			allow_repeat = excluded.allow_repeat,
			status = 'active',
			updated_at = excluded.updated_at
		RETURNING `+channelCols,
		ch.Target, ch.TargetKey, ch.Count, ch.Duration, boolInt(ch.AllowRepeat), ch.OwnerID, ms(ch.CreatedAt), ms(now),
	)
	return scanChannel(row)
}

func (s *sqliteStore) GetChannel(ctx context.Context, id int64) (Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return ch, err
}

// ListChannels returns the channels of ownerID, or all channels when ownerID is 0.
func (s *sqliteStore) ListChannels(ctx context.Context, ownerID int64) ([]Channel, error) {
	q := `SELECT ` + channelCols + ` FROM channels`
	var args []any
	if ownerID != 0 {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetChannelStatus(ctx context.Context, id int64, status ChannelStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChannel removes the channel and every work item that belongs to it.
func (s *sqliteStore) DeleteChannel(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE channel_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
