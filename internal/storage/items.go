package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const itemCols = `w.id, w.channel_id, w.account, w.proxy, w.scheduled_at, w.status, w.detail, w.created_at, w.executed_at, c.target, c.target_key`

func scanItem(r rowScanner) (WorkItem, error) {
	var (
		it        WorkItem
		status    string
		scheduled int64
		created   int64
		executed  sql.NullInt64
	)
	err := r.Scan(&it.ID, &it.ChannelID, &it.Account, &it.Proxy, &scheduled, &status, &it.Detail, &created, &executed, &it.Target, &it.TargetKey)
	if err != nil {
		return WorkItem{}, err
	}
	it.Status = ItemStatus(status)
	it.ScheduledAt = fromMS(scheduled)
	it.CreatedAt = fromMS(created)
	it.ExecutedAt = fromNullMS(executed)
	return it, nil
}

// ReplaceWorkItems atomically drops every item of channelID and inserts items.
func (s *sqliteStore) ReplaceWorkItems(ctx context.Context, channelID int64, items []WorkItem) error {
	now := time.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE channel_id = ?`, channelID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO work_items(channel_id, account, proxy, scheduled_at, status, created_at)
			VALUES(?,?,?,?,'pending',?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx, channelID, it.Account, it.Proxy, ms(it.ScheduledAt), ms(now)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) DeletePendingWorkItems(ctx context.Context, channelID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE channel_id = ? AND status = 'pending'`, channelID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LastPendingTime returns the latest scheduled time among pending items of all
// channels except excludeChannelID.
func (s *sqliteStore) LastPendingTime(ctx context.Context, excludeChannelID int64) (time.Time, bool, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(scheduled_at) FROM work_items WHERE status = 'pending' AND channel_id != ?`,
		excludeChannelID).Scan(&v)
	if err != nil {
		return time.Time{}, false, err
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return fromMS(v.Int64), true, nil
}

// NextDue returns the earliest pending item of an active channel scheduled at or before now.
func (s *sqliteStore) NextDue(ctx context.Context, now time.Time) (WorkItem, bool, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT `+itemCols+`
		FROM work_items w JOIN channels c ON c.id = w.channel_id
		WHERE w.status = 'pending' AND c.status = 'active' AND w.scheduled_at <= ?
		ORDER BY w.scheduled_at, w.id
		LIMIT 1`, now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItem{}, false, nil
	}
	if err != nil {
		return WorkItem{}, false, err
	}
	return it, true, nil
}

// CompleteWorkItem moves a pending item to a terminal status. A Sent completion
// also bumps the dedup ledger. Completing an item that is no longer pending is
// a no-op reported as false.
func (s *sqliteStore) CompleteWorkItem(ctx context.Context, c Completion) (bool, error) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	changed := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE work_items SET status = ?, detail = ?, executed_at = ? WHERE id = ? AND status = 'pending'`,
			string(c.Status), c.Detail, ms(c.At), c.ItemID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET last_used = ? WHERE id = ?`, ms(c.At), c.Account); err != nil {
			return err
		}
		if c.Status != ItemSent || c.TargetKey == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO account_channel_history(account, target_key, request_count, last_request_at)
			VALUES(?,?,1,?)
			ON CONFLICT(account, target_key) DO UPDATE SET
				request_count = request_count + 1,
				last_request_at = excluded.last_request_at`,
			c.Account, c.TargetKey, ms(c.At))
		return err
	})
	return changed, err
}

func (s *sqliteStore) ListWorkItems(ctx context.Context, f ItemFilter) ([]WorkItem, error) {
	q := `SELECT ` + itemCols + ` FROM work_items w JOIN channels c ON c.id = w.channel_id WHERE 1=1`
	var args []any
	if f.ChannelID != 0 {
		q += ` AND w.channel_id = ?`
		args = append(args, f.ChannelID)
	}
	if f.Status != "" {
		q += ` AND w.status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY w.scheduled_at, w.id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Stats counts items per status for channelID, or across all channels when 0.
func (s *sqliteStore) Stats(ctx context.Context, channelID int64) (Stats, error) {
	q := `SELECT status, COUNT(*) FROM work_items`
	var args []any
	if channelID != 0 {
		q += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	q += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch ItemStatus(status) {
		case ItemPending:
			st.Pending = n
		case ItemSent:
			st.Sent = n
		case ItemSkipped:
			st.Skipped = n
		}
	}
	return st, rows.Err()
}

// PruneWorkItems deletes terminal items executed before the cutoff.
func (s *sqliteStore) PruneWorkItems(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE status != 'pending' AND executed_at IS NOT NULL AND executed_at < ?`,
		before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) UsedAccounts(ctx context.Context, targetKey string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account FROM account_channel_history WHERE target_key = ?`, targetKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := map[string]bool{}
	for rows.Next() {
		var acct string
		if err := rows.Scan(&acct); err != nil {
			return nil, err
		}
		used[acct] = true
	}
	return used, rows.Err()
}
