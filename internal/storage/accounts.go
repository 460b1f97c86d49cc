package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const accountCols = `id, session_path, proxy, status, reason, last_used, created_at, quarantined_at`

func scanAccount(r rowScanner) (Account, error) {
	var (
		a           Account
		status      string
		lastUsed    sql.NullInt64
		created     int64
		quarantined sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.SessionPath, &a.Proxy, &status, &a.Reason, &lastUsed, &created, &quarantined); err != nil {
		return Account{}, err
	}
	a.Status = AccountStatus(status)
	a.LastUsed = fromNullMS(lastUsed)
	a.CreatedAt = fromMS(created)
	a.QuarantinedAt = fromNullMS(quarantined)
	return a, nil
}

// RegisterAccount adds an active account. Registering an existing active
// account refreshes its session path and reports created=false; a quarantined
// account is never reactivated.
func (s *sqliteStore) RegisterAccount(ctx context.Context, id, sessionPath string, now time.Time) (Account, bool, error) {
	var (
		acct    Account
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO accounts(id, session_path, status, created_at) VALUES(?,?,'active',?)`,
				id, sessionPath, ms(now)); err != nil {
				return err
			}
			created = true
			acct = Account{ID: id, SessionPath: sessionPath, Status: AccountActive, CreatedAt: fromMS(ms(now))}
			return nil
		case err != nil:
			return err
		}
		if existing.Status == AccountQuarantined {
			acct = existing
			return ErrQuarantined
		}
		if sessionPath != "" && sessionPath != existing.SessionPath {
			if _, err := tx.ExecContext(ctx, `UPDATE accounts SET session_path = ? WHERE id = ?`, sessionPath, id); err != nil {
				return err
			}
			existing.SessionPath = sessionPath
		}
		acct = existing
		return nil
	})
	return acct, created, err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

// ListAccounts returns accounts ordered by id, filtered by status when non-empty.
func (s *sqliteStore) ListAccounts(ctx context.Context, status AccountStatus) ([]Account, error) {
	q := `SELECT ` + accountCols + ` FROM accounts`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetAccountProxy(ctx context.Context, id, proxy string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET proxy = ? WHERE id = ?`, proxy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearProxy unassigns proxy from every account that holds it.
func (s *sqliteStore) ClearProxy(ctx context.Context, proxy string) (int64, error) {
	if proxy == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET proxy = '' WHERE proxy = ?`, proxy)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QuarantineAccount marks the account quarantined and purges its work items and
// dedup history. It reports whether the status changed; repeating it is harmless.
func (s *sqliteStore) QuarantineAccount(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = time.Now()
	}
	changed := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO accounts(id, status, reason, created_at, quarantined_at)
			VALUES(?, 'quarantined', ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = 'quarantined',
				reason = excluded.reason,
				quarantined_at = excluded.quarantined_at
			WHERE accounts.status != 'quarantined'`,
			id, reason, ms(at), ms(at))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE account = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM account_channel_history WHERE account = ?`, id)
		return err
	})
	return changed, err
}
