// Package accounts is the account directory: the session files on disk and
// their registry rows, including quarantine.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

var (
	ErrNoCredential = errors.New("no session file for account")
	ErrQuarantined  = storage.ErrQuarantined
	ErrInvalidID    = errors.New("invalid account id")
)

type Format string

const (
	// FormatTelethon is a Telethon SQLite .session file.
	FormatTelethon Format = "telethon"
	// FormatJSON is a gotd JSON session file.
	FormatJSON Format = "json"
)

var extFormats = []struct {
	ext    string
	format Format
}{
	{".session", FormatTelethon},
	{".json", FormatJSON},
}

// Credential locates the session of one account.
type Credential struct {
	ID     string
	Path   string
	Format Format
}

type Store interface {
	RegisterAccount(ctx context.Context, id, sessionPath string, now time.Time) (storage.Account, bool, error)
	ListAccounts(ctx context.Context, status storage.AccountStatus) ([]storage.Account, error)
	QuarantineAccount(ctx context.Context, id, reason string, at time.Time) (bool, error)
}

type Directory struct {
	sessionsDir   string
	quarantineDir string
	store         Store
	log           logx.Logger

	mu sync.Mutex
}

func NewDirectory(sessionsDir, quarantineDir string, store Store, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{sessionsDir: sessionsDir, quarantineDir: quarantineDir, store: store, log: log}
}

// SyncReport lists what a directory scan did.
type SyncReport struct {
	Added       []string
	Known       int
	Quarantined []string
}

// Sync registers every session file found in the sessions directory.
// Files belonging to quarantined accounts are moved out again.
func (d *Directory) Sync(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	creds, err := d.scan()
	if err != nil {
		return rep, err
	}
	for _, c := range creds {
		_, created, err := d.store.RegisterAccount(ctx, c.ID, c.Path, time.Now())
		switch {
		case errors.Is(err, storage.ErrQuarantined):
			rep.Quarantined = append(rep.Quarantined, c.ID)
			if err := d.relocate(c.ID); err != nil {
				d.log.Warn("relocating quarantined session failed", logx.String("account", c.ID), logx.Err(err))
			}
		case err != nil:
			return rep, fmt.Errorf("register %s: %w", c.ID, err)
		case created:
			rep.Added = append(rep.Added, c.ID)
		default:
			rep.Known++
		}
	}
	if len(rep.Added) > 0 || len(rep.Quarantined) > 0 {
		d.log.Info("session directory synced",
			logx.Int("added", len(rep.Added)), logx.Int("known", rep.Known), logx.Int("quarantined", len(rep.Quarantined)))
	}
	return rep, nil
}

// Register adds one account whose session file is already in the sessions directory.
func (d *Directory) Register(ctx context.Context, id string) (storage.Account, error) {
	cred, err := d.Credential(id)
	if err != nil {
		return storage.Account{}, err
	}
	acct, _, err := d.store.RegisterAccount(ctx, cred.ID, cred.Path, time.Now())
	return acct, err
}

// Import stores an uploaded session file named name (id plus .session or
// .json) and registers it. Existing files are never overwritten.
func (d *Directory) Import(ctx context.Context, name string, data []byte) (storage.Account, error) {
	name = filepath.Base(strings.TrimSpace(name))
	var (
		id     string
		format Format
	)
	for _, ef := range extFormats {
		if strings.HasSuffix(name, ef.ext) {
			id, format = strings.TrimSuffix(name, ef.ext), ef.format
			break
		}
	}
	if format == "" {
		return storage.Account{}, fmt.Errorf("%w: %q is not a .session or .json file", ErrInvalidID, name)
	}
	if err := validID(id); err != nil {
		return storage.Account{}, err
	}
	if _, err := d.Credential(id); err == nil {
		return storage.Account{}, fmt.Errorf("session for %s already exists", id)
	}
	if err := os.MkdirAll(d.sessionsDir, 0o755); err != nil {
		return storage.Account{}, err
	}
	path := filepath.Join(d.sessionsDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return storage.Account{}, err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return storage.Account{}, err
	}

	acct, _, err := d.store.RegisterAccount(ctx, id, path, time.Now())
	if err != nil {
		_ = os.Remove(path)
		return storage.Account{}, err
	}
	d.log.Info("session imported", logx.String("account", id), logx.String("format", string(format)))
	return acct, nil
}

// ListActive returns active accounts ordered by id.
func (d *Directory) ListActive(ctx context.Context) ([]storage.Account, error) {
	return d.store.ListAccounts(ctx, storage.AccountActive)
}

// Credential finds the session file of id.
func (d *Directory) Credential(id string) (Credential, error) {
	if err := validID(id); err != nil {
		return Credential{}, err
	}
	for _, ef := range extFormats {
		p := filepath.Join(d.sessionsDir, id+ef.ext)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return Credential{ID: id, Path: p, Format: ef.format}, nil
		}
	}
	return Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, id)
}

// Quarantine records the quarantine (purging the account's work items and
// history) and then moves its session files to the quarantine directory.
// It is safe to call repeatedly.
func (d *Directory) Quarantine(ctx context.Context, id, reason string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	changed, err := d.store.QuarantineAccount(ctx, id, reason, time.Now())
	if err != nil {
		return false, err
	}
	if err := d.relocate(id); err != nil {
		d.log.Warn("session relocation failed", logx.String("account", id), logx.Err(err))
	}
	if changed {
		d.log.Warn("account quarantined", logx.String("account", id), logx.String("reason", reason))
	}
	return changed, nil
}

func (d *Directory) scan() ([]Credential, error) {
	entries, err := os.ReadDir(d.sessionsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []Credential
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, ef := range extFormats {
			if !strings.HasSuffix(name, ef.ext) {
				continue
			}
			id := strings.TrimSuffix(name, ef.ext)
			if validID(id) != nil || seen[id] {
				break
			}
			seen[id] = true
			out = append(out, Credential{ID: id, Path: filepath.Join(d.sessionsDir, name), Format: ef.format})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// relocate moves every file of id (session, journal, json) out of the active pool.
func (d *Directory) relocate(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quarantineDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.quarantineDir, 0o755); err != nil {
		return err
	}
	var errs []error
	for _, suffix := range []string{".session", ".session-journal", ".json"} {
		src := filepath.Join(d.sessionsDir, id+suffix)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := moveFile(src, filepath.Join(d.quarantineDir, id+suffix)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	// Different filesystems: copy, then remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
