package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

var ErrNotFound = errors.New("proxy line not found")

// Assignments persists the sticky account to proxy mapping.
type Assignments interface {
	SetAccountProxy(ctx context.Context, id, proxy string) error
	ClearProxy(ctx context.Context, proxy string) (int64, error)
}

// Registry caches the parsed proxy file. Every mutation goes through the file
// and is followed by a reload.
type Registry struct {
	path  string
	store Assignments
	log   logx.Logger

	mu    sync.RWMutex
	eps   []Endpoint
	index map[string]int

	fileMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRegistry(path string, store Assignments, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		path:  path,
		store: store,
		log:   log,
		index: map[string]int{},
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Registry) Path() string { return r.path }

// Load re-reads the file. A missing file yields an empty registry; malformed
// lines are skipped with a warning.
func (r *Registry) Load() ([]Endpoint, error) {
	lines, err := r.readLines()
	if err != nil {
		return nil, err
	}
	eps := make([]Endpoint, 0, len(lines))
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		ep, err := ParseLine(t)
		if err != nil {
			r.log.Warn("skipping malformed proxy line", logx.Int("line", i+1), logx.Err(err))
			continue
		}
		if _, dup := index[ep.Raw]; dup {
			continue
		}
		index[ep.Raw] = len(eps)
		eps = append(eps, ep)
	}

	r.mu.Lock()
	r.eps = eps
	r.index = index
	r.mu.Unlock()

	r.log.Info("proxies loaded", logx.Int("count", len(eps)), logx.String("path", r.path))
	return append([]Endpoint(nil), eps...), nil
}

func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Endpoint(nil), r.eps...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.eps)
}

// Lookup resolves a stored assignment. Lines that were edited out of the file
// are still honored as long as they parse.
func (r *Registry) Lookup(raw string) (Endpoint, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, false
	}
	r.mu.RLock()
	i, ok := r.index[raw]
	var ep Endpoint
	if ok {
		ep = r.eps[i]
	}
	r.mu.RUnlock()
	if ok {
		return ep, true
	}
	ep, err := ParseLine(raw)
	return ep, err == nil
}

// Random picks an endpoint other than exclude.
func (r *Registry) Random(exclude string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	candidates := make([]int, 0, len(r.eps))
	for i, ep := range r.eps {
		if ep.Raw != exclude {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return Endpoint{}, false
	}
	r.rngMu.Lock()
	pick := candidates[r.rng.Intn(len(candidates))]
	r.rngMu.Unlock()
	return r.eps[pick], true
}

// Account is the assignment view of an account: its id and stored proxy line.
type Account struct {
	ID    string
	Proxy string
}

// AssignSticky returns account id -> proxy line. Accounts that already hold a
// proxy keep it. The i-th account without one gets endpoint i mod len, and the
// choice is persisted. Accounts left without a proxy are returned in missing.
func (r *Registry) AssignSticky(ctx context.Context, accounts []Account) (map[string]string, []string, error) {
	eps := r.Endpoints()
	out := make(map[string]string, len(accounts))
	var missing []string
	for i, a := range accounts {
		if a.Proxy != "" {
			out[a.ID] = a.Proxy
			continue
		}
		if len(eps) == 0 {
			missing = append(missing, a.ID)
			continue
		}
		raw := eps[i%len(eps)].Raw
		if r.store != nil {
			if err := r.store.SetAccountProxy(ctx, a.ID, raw); err != nil {
				return nil, nil, fmt.Errorf("persist proxy for %s: %w", a.ID, err)
			}
		}
		out[a.ID] = raw
	}
	return out, missing, nil
}

// Lines returns the raw file lines, comments and blanks included, so that
// 1-based indexes shown to operators match the file.
func (r *Registry) Lines() ([]string, error) { return r.readLines() }

// Append validates and appends lines. Invalid lines are returned, not written.
func (r *Registry) Append(lines []string) (added int, rejected []string, err error) {
	var valid []string
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		if _, err := ParseLine(t); err != nil {
			rejected = append(rejected, t)
			continue
		}
		valid = append(valid, t)
	}
	if len(valid) == 0 {
		return 0, rejected, nil
	}

	r.fileMu.Lock()
	existing, err := r.readLines()
	if err == nil {
		err = r.writeLines(append(existing, valid...))
	}
	r.fileMu.Unlock()
	if err != nil {
		return 0, rejected, err
	}
	_, err = r.Load()
	return len(valid), rejected, err
}

// Delete removes one file line selected by 1-based index or exact text, reloads
// and unassigns the removed proxy from every account.
func (r *Registry) Delete(ctx context.Context, selector string) (string, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return "", ErrNotFound
	}

	r.fileMu.Lock()
	lines, err := r.readLines()
	if err != nil {
		r.fileMu.Unlock()
		return "", err
	}
	idx := -1
	if n, err := strconv.Atoi(selector); err == nil {
		if n >= 1 && n <= len(lines) {
			idx = n - 1
		}
	} else {
		for i, l := range lines {
			if strings.TrimSpace(l) == selector {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		r.fileMu.Unlock()
		return "", ErrNotFound
	}
	removed := strings.TrimSpace(lines[idx])
	lines = append(lines[:idx], lines[idx+1:]...)
	err = r.writeLines(lines)
	r.fileMu.Unlock()
	if err != nil {
		return "", err
	}

	if _, err := r.Load(); err != nil {
		return removed, err
	}
	if r.store != nil && removed != "" {
		n, err := r.store.ClearProxy(ctx, removed)
		if err != nil {
			return removed, err
		}
		if n > 0 {
			r.log.Info("proxy unassigned from accounts", logx.Int64("accounts", n))
		}
	}
	return removed, nil
}

func (r *Registry) readLines() ([]string, error) {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.log.Warn("proxy file not found; running without proxies", logx.String("path", r.path))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, "\n"), nil
}

// writeLines replaces the file atomically.
func (r *Registry) writeLines(lines []string) error {
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := r.path + ".tmp"
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Watch reloads the registry when the file changes on disk until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(r.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("proxy watcher closed")
			}
			if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				if _, err := r.Load(); err != nil {
					r.log.Warn("proxy reload failed", logx.Err(err))
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("proxy watcher closed")
			}
			r.log.Warn("proxy watch error", logx.Err(err))
		}
	}
}

// FromStorage adapts stored accounts to the assignment view.
func FromStorage(accts []storage.Account) []Account {
	out := make([]Account, 0, len(accts))
	for _, a := range accts {
		out = append(out, Account{ID: a.ID, Proxy: a.Proxy})
	}
	return out
}
