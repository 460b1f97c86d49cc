package joiner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	_ "modernc.org/sqlite"
)

// loadTelethon reads the auth key of a Telethon SQLite session file.
func loadTelethon(ctx context.Context, path string) (*session.Data, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var (
		dc   int
		host string
		port int
		key  []byte
	)
	row := db.QueryRowContext(ctx, `SELECT dc_id, server_address, port, auth_key FROM sessions LIMIT 1`)
	if err := row.Scan(&dc, &host, &port, &key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: empty telethon session", ErrUnauthorized)
		}
		return nil, fmt.Errorf("read telethon session: %w", err)
	}
	if len(key) != 256 {
		return nil, fmt.Errorf("%w: auth key has %d bytes", ErrUnauthorized, len(key))
	}

	var k crypto.Key
	copy(k[:], key)
	id := k.ID()
	return &session.Data{
		DC:        dc,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   key,
		AuthKeyID: id[:],
	}, nil
}
