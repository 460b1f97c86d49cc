package joiner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"joinbot/internal/accounts"
	"joinbot/internal/proxy"
	"joinbot/internal/storage"
	"joinbot/internal/target"
	logx "joinbot/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want Kind
		code string
	}{
		{"nil", nil, Success, ""},
		{"request sent", tgerr.New(400, "INVITE_REQUEST_SENT"), Success, "INVITE_REQUEST_SENT"},
		{"already joined", tgerr.New(400, "USER_ALREADY_PARTICIPANT"), Success, "USER_ALREADY_PARTICIPANT"},
		{"private", tgerr.New(400, "CHANNEL_PRIVATE"), PrivateOrInaccessible, "CHANNEL_PRIVATE"},
		{"invalid", tgerr.New(400, "CHANNEL_INVALID"), PrivateOrInaccessible, "CHANNEL_INVALID"},
		{"invite expired", tgerr.New(400, "INVITE_HASH_EXPIRED"), PrivateOrInaccessible, "INVITE_HASH_EXPIRED"},
		{"username", tgerr.New(400, "USERNAME_NOT_OCCUPIED"), PrivateOrInaccessible, "USERNAME_NOT_OCCUPIED"},
		{"not channel", fmt.Errorf("%w: @bob", ErrNotChannel), PrivateOrInaccessible, ""},
		{"bad target", target.ErrInvalid, PrivateOrInaccessible, ""},
		{"flood", tgerr.New(420, "FLOOD_WAIT_30"), RateLimited, "FLOOD_WAIT"},
		{"frozen", tgerr.New(420, "FROZEN_METHOD_INVALID"), AccountFatal, "FROZEN_METHOD_INVALID"},
		{"deactivated", tgerr.New(401, "USER_DEACTIVATED_BAN"), AccountFatal, "USER_DEACTIVATED_BAN"},
		{"unregistered", tgerr.New(401, "AUTH_KEY_UNREGISTERED"), AccountFatal, "AUTH_KEY_UNREGISTERED"},
		{"revoked", tgerr.New(401, "SESSION_REVOKED"), AccountFatal, "SESSION_REVOKED"},
		{"unauthorized", ErrUnauthorized, AccountFatal, ""},
		{"no session", accounts.ErrNoCredential, AccountFatal, ""},
		{"wrapped rpc", fmt.Errorf("join: %w", tgerr.New(400, "CHANNEL_PRIVATE")), PrivateOrInaccessible, "CHANNEL_PRIVATE"},
		{"too many channels", tgerr.New(400, "CHANNELS_TOO_MUCH"), Transient, "CHANNELS_TOO_MUCH"},
		{"network", errors.New("dial tcp: i/o timeout"), Transient, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.err)
			if got.Kind != tc.want || got.Code != tc.code {
				t.Fatalf("Classify(%v) = %v/%q, want %v/%q", tc.err, got.Kind, got.Code, tc.want, tc.code)
			}
		})
	}
	if got := Classify(tgerr.New(420, "FLOOD_WAIT_30")); got.Wait != 30*time.Second {
		t.Fatalf("flood wait = %v", got.Wait)
	}
}

type fakeClient struct {
	mu      sync.Mutex
	joins   []string
	invites []string
	err     error
	closed  bool
}

func (c *fakeClient) JoinPublic(_ context.Context, u string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, u)
	return c.err
}

func (c *fakeClient) ImportInvite(_ context.Context, h string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invites = append(c.invites, h)
	return c.err
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConnector struct {
	mu       sync.Mutex
	client   *fakeClient
	failFor  int // number of initial connects that fail
	failErr  error
	attempts int
	proxied  []bool
}

func (f *fakeConnector) Connect(_ context.Context, _ accounts.Credential, dial DialFunc) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.proxied = append(f.proxied, dial != nil)
	if f.attempts <= f.failFor {
		return nil, f.failErr
	}
	return f.client, nil
}

type fakeDir struct {
	mu          sync.Mutex
	missing     map[string]bool
	quarantined map[string]string
}

func (d *fakeDir) Credential(id string) (accounts.Credential, error) {
	if d.missing[id] {
		return accounts.Credential{}, accounts.ErrNoCredential
	}
	return accounts.Credential{ID: id, Path: id + ".session", Format: accounts.FormatTelethon}, nil
}

func (d *fakeDir) Quarantine(_ context.Context, id, reason string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quarantined == nil {
		d.quarantined = map[string]string{}
	}
	if _, ok := d.quarantined[id]; ok {
		return false, nil
	}
	d.quarantined[id] = reason
	return true, nil
}

type fakeProxies struct{ alt []proxy.Endpoint }

func (p fakeProxies) Lookup(raw string) (proxy.Endpoint, bool) {
	ep, err := proxy.ParseLine(raw)
	return ep, err == nil
}

func (p fakeProxies) Random(exclude string) (proxy.Endpoint, bool) {
	for _, ep := range p.alt {
		if ep.Raw != exclude {
			return ep, true
		}
	}
	return proxy.Endpoint{}, false
}

func item(account, tgt string) storage.WorkItem {
	return storage.WorkItem{ID: 1, Account: account, Target: tgt, Proxy: "10.0.0.1:1080:u:p:socks5"}
}

func TestExecuteCachesClient(t *testing.T) {
	t.Parallel()
	cl := &fakeClient{}
	conn := &fakeConnector{client: cl}
	ex := NewExecutor(conn, &fakeDir{}, fakeProxies{}, Config{}, logx.Nop())
	ctx := context.Background()

	if out := ex.Execute(ctx, item("alice", "https://t.me/GoNews")); out.Kind != Success {
		t.Fatalf("first = %+v", out)
	}
	if out := ex.Execute(ctx, item("alice", "t.me/+AbCdEf123")); out.Kind != Success {
		t.Fatalf("second = %+v", out)
	}
	if conn.attempts != 1 {
		t.Fatalf("connects = %d, want 1", conn.attempts)
	}
	if len(cl.joins) != 1 || cl.joins[0] != "GoNews" {
		t.Fatalf("joins = %v", cl.joins)
	}
	if len(cl.invites) != 1 || cl.invites[0] != "AbCdEf123" {
		t.Fatalf("invites = %v", cl.invites)
	}
	if !conn.proxied[0] {
		t.Fatal("sticky proxy not used")
	}
}

func TestExecuteRetriesWithAlternateProxy(t *testing.T) {
	t.Parallel()
	alt, _ := proxy.ParseLine("10.0.0.2:1080")
	conn := &fakeConnector{client: &fakeClient{}, failFor: 1, failErr: errors.New("connection refused")}
	ex := NewExecutor(conn, &fakeDir{}, fakeProxies{alt: []proxy.Endpoint{alt}}, Config{}, logx.Nop())

	if out := ex.Execute(context.Background(), item("alice", "@chan")); out.Kind != Success {
		t.Fatalf("outcome = %+v", out)
	}
	if conn.attempts != 2 {
		t.Fatalf("attempts = %d", conn.attempts)
	}
}

func TestExecuteConnectFailureIsTransient(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{client: &fakeClient{}, failFor: 2, failErr: errors.New("connection refused")}
	alt, _ := proxy.ParseLine("10.0.0.2:1080")
	ex := NewExecutor(conn, &fakeDir{}, fakeProxies{alt: []proxy.Endpoint{alt}}, Config{}, logx.Nop())

	out := ex.Execute(context.Background(), item("alice", "@chan"))
	if out.Kind != Transient {
		t.Fatalf("outcome = %+v", out)
	}
	if ex.Cache().Len() != 0 {
		t.Fatal("failed client cached")
	}
}

func TestExecuteUnauthorizedIsFatalWithoutRetry(t *testing.T) {
	t.Parallel()
	alt, _ := proxy.ParseLine("10.0.0.2:1080")
	conn := &fakeConnector{client: &fakeClient{}, failFor: 5, failErr: ErrUnauthorized}
	ex := NewExecutor(conn, &fakeDir{}, fakeProxies{alt: []proxy.Endpoint{alt}}, Config{}, logx.Nop())

	if out := ex.Execute(context.Background(), item("alice", "@chan")); out.Kind != AccountFatal {
		t.Fatalf("outcome = %+v", out)
	}
	if conn.attempts != 1 {
		t.Fatalf("attempts = %d", conn.attempts)
	}
}

func TestExecuteInvalidTarget(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{client: &fakeClient{}}
	ex := NewExecutor(conn, &fakeDir{}, fakeProxies{}, Config{}, logx.Nop())
	if out := ex.Execute(context.Background(), item("alice", "https://example.com/x")); out.Kind != PrivateOrInaccessible {
		t.Fatalf("outcome = %+v", out)
	}
	if conn.attempts != 0 {
		t.Fatal("connected for an invalid target")
	}
}

func TestQuarantineEvictsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	cl := &fakeClient{err: tgerr.New(420, "FROZEN_METHOD_INVALID")}
	dir := &fakeDir{}
	ex := NewExecutor(&fakeConnector{client: cl}, dir, fakeProxies{}, Config{}, logx.Nop())
	ctx := context.Background()

	out := ex.Execute(ctx, item("alice", "@chan"))
	if out.Kind != AccountFatal {
		t.Fatalf("outcome = %+v", out)
	}
	changed, err := ex.Quarantine(ctx, "alice", out.Detail())
	if err != nil || !changed {
		t.Fatalf("Quarantine = %v, %v", changed, err)
	}
	if !cl.closed || ex.Cache().Len() != 0 {
		t.Fatal("client not evicted")
	}
	if changed, err := ex.Quarantine(ctx, "alice", "again"); err != nil || changed {
		t.Fatalf("repeat Quarantine = %v, %v", changed, err)
	}
	if dir.quarantined["alice"] != "FROZEN_METHOD_INVALID" {
		t.Fatalf("reason = %q", dir.quarantined["alice"])
	}
}

func TestCacheReleaseIdle(t *testing.T) {
	t.Parallel()
	c := NewCache()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	a, b := &fakeClient{}, &fakeClient{}
	c.Put("a", a)
	now = now.Add(4 * time.Minute)
	c.Put("b", b)
	now = now.Add(2 * time.Minute)

	released := c.ReleaseIdle(context.Background(), 5*time.Minute)
	if len(released) != 1 || released[0] != "a" || !a.closed || b.closed {
		t.Fatalf("released = %v", released)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("b evicted")
	}
	if err := c.CloseAll(context.Background()); err != nil || !b.closed || c.Len() != 0 {
		t.Fatalf("CloseAll = %v", err)
	}
}

func TestLoadTelethon(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "alice.session")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(i)
	}
	stmts := []string{
		`CREATE TABLE sessions (dc_id INTEGER PRIMARY KEY, server_address TEXT, port INTEGER, auth_key BLOB, takeout_id INTEGER)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Exec(`INSERT INTO sessions VALUES (2, '149.154.167.51', 443, ?, NULL)`, key); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	data, err := loadTelethon(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if data.DC != 2 || data.Addr != "149.154.167.51:443" || len(data.AuthKey) != 256 || len(data.AuthKeyID) != 8 {
		t.Fatalf("data = dc %d addr %s key %d id %d", data.DC, data.Addr, len(data.AuthKey), len(data.AuthKeyID))
	}
}

func TestLoadTelethonEmptySession(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bob.session")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE sessions (dc_id INTEGER PRIMARY KEY, server_address TEXT, port INTEGER, auth_key BLOB)`); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()
	if _, err := loadTelethon(context.Background(), path); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}
