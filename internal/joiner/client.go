package joiner

import (
	"context"
	"net"

	"joinbot/internal/accounts"
)

// DialFunc opens the transport connection of a client. Nil dials directly.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client is a connected, authorized user client.
type Client interface {
	JoinPublic(ctx context.Context, username string) error
	ImportInvite(ctx context.Context, hash string) error
	Close(ctx context.Context) error
}

// Connector builds clients from session credentials.
type Connector interface {
	Connect(ctx context.Context, cred accounts.Credential, dial DialFunc) (Client, error)
}
