package accounts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

func setup(t *testing.T, files ...string) (*Directory, storage.Store, string, string) {
	t.Helper()
	root := t.TempDir()
	sessions := filepath.Join(root, "sessions")
	frozen := filepath.Join(root, "frozen")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(sessions, f), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	st, err := storage.Open(storage.Config{Path: filepath.Join(root, "db.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewDirectory(sessions, frozen, st, logx.Nop()), st, sessions, frozen
}

func TestSyncRegistersSessions(t *testing.T) {
	t.Parallel()
	d, _, _, _ := setup(t, "alice.session", "bob.json", "notes.txt", "alice.json")
	ctx := context.Background()

	rep, err := d.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Added) != 2 || rep.Added[0] != "alice" || rep.Added[1] != "bob" {
		t.Fatalf("added = %v", rep.Added)
	}
	rep, err = d.Sync(ctx)
	if err != nil || len(rep.Added) != 0 || rep.Known != 2 {
		t.Fatalf("second sync = %+v, %v", rep, err)
	}

	cred, err := d.Credential("alice")
	if err != nil || cred.Format != FormatTelethon {
		t.Fatalf("Credential(alice) = %+v, %v", cred, err)
	}
	cred, err = d.Credential("bob")
	if err != nil || cred.Format != FormatJSON {
		t.Fatalf("Credential(bob) = %+v, %v", cred, err)
	}
}

func TestRegisterRequiresSessionFile(t *testing.T) {
	t.Parallel()
	d, _, _, _ := setup(t, "alice.session")
	ctx := context.Background()
	if _, err := d.Register(ctx, "ghost"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Register(ghost) = %v", err)
	}
	if _, err := d.Register(ctx, "../etc"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Register(../etc) = %v", err)
	}
	acct, err := d.Register(ctx, "alice")
	if err != nil || acct.Status != storage.AccountActive {
		t.Fatalf("Register(alice) = %+v, %v", acct, err)
	}
}

func TestQuarantineRecordsThenRelocates(t *testing.T) {
	t.Parallel()
	d, st, sessions, frozen := setup(t, "alice.session", "alice.session-journal", "bob.session")
	ctx := context.Background()
	if _, err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	changed, err := d.Quarantine(ctx, "alice", "FROZEN_METHOD_INVALID")
	if err != nil || !changed {
		t.Fatalf("Quarantine = %v, %v", changed, err)
	}
	if _, err := os.Stat(filepath.Join(sessions, "alice.session")); !os.IsNotExist(err) {
		t.Fatalf("session still in active pool: %v", err)
	}
	for _, f := range []string{"alice.session", "alice.session-journal"} {
		if _, err := os.Stat(filepath.Join(frozen, f)); err != nil {
			t.Fatalf("%s not relocated: %v", f, err)
		}
	}

	changed, err = d.Quarantine(ctx, "alice", "again")
	if err != nil || changed {
		t.Fatalf("repeat Quarantine = %v, %v", changed, err)
	}

	active, err := d.ListActive(ctx)
	if err != nil || len(active) != 1 || active[0].ID != "bob" {
		t.Fatalf("ListActive = %+v, %v", active, err)
	}

	// A session file dropped back in is not reactivated.
	if err := os.WriteFile(filepath.Join(sessions, "alice.session"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Register(ctx, "alice"); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("Register(quarantined) = %v", err)
	}
	rep, err := d.Sync(ctx)
	if err != nil || len(rep.Quarantined) != 1 {
		t.Fatalf("Sync = %+v, %v", rep, err)
	}
	acct, _ := st.GetAccount(ctx, "alice")
	if acct.Status != storage.AccountQuarantined || acct.QuarantinedAt.After(time.Now()) {
		t.Fatalf("account = %+v", acct)
	}
}

func TestImport(t *testing.T) {
	t.Parallel()
	d, _, sessions, _ := setup(t)
	ctx := context.Background()

	acct, err := d.Import(ctx, "carol.session", []byte("data"))
	if err != nil || acct.ID != "carol" {
		t.Fatalf("Import = %+v, %v", acct, err)
	}
	if b, err := os.ReadFile(filepath.Join(sessions, "carol.session")); err != nil || string(b) != "data" {
		t.Fatalf("file = %q, %v", b, err)
	}
	if _, err := d.Import(ctx, "carol.session", []byte("other")); err == nil {
		t.Fatal("overwrite should fail")
	}
	if _, err := d.Import(ctx, "proxies.txt", nil); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("txt err = %v", err)
	}

	if _, err := d.Quarantine(ctx, "carol", "frozen"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Import(ctx, "carol.json", []byte("{}")); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("quarantined import err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(sessions, "carol.json")); !os.IsNotExist(err) {
		t.Fatalf("rejected file left behind: %v", err)
	}
}
