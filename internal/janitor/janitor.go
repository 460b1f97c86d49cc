// Package janitor runs periodic housekeeping: pruning finished work items and
// picking up session files dropped into the sessions directory.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"joinbot/internal/accounts"
	logx "joinbot/pkg/logx"
)

type Config struct {
	Enabled   bool
	Timezone  string
	PruneSpec string        // cron spec, default "@daily"
	Retention time.Duration // finished items older than this are deleted, default 7 days
	SyncSpec  string        // cron spec, default "@every 10m"; "-" disables
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.PruneSpec) == "" {
		c.PruneSpec = "@daily"
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if strings.TrimSpace(c.SyncSpec) == "" {
		c.SyncSpec = "@every 10m"
	}
	return c
}

type Store interface {
	PruneWorkItems(ctx context.Context, before time.Time) (int64, error)
}

type Syncer interface {
	Sync(ctx context.Context) (accounts.SyncReport, error)
}

type Service struct {
	store  Store
	syncer Syncer
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	ctx     context.Context
	started bool
}

func New(cfg Config, store Store, syncer Syncer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		syncer: syncer,
		log:    log.With(logx.String("comp", "janitor")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks the cron specs and timezone of cfg.
func (s *Service) Validate(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := s.parser.Parse(cfg.PruneSpec); err != nil {
		return fmt.Errorf("prune spec: %w", err)
	}
	if cfg.SyncSpec != "-" {
		if _, err := s.parser.Parse(cfg.SyncSpec); err != nil {
			return fmt.Errorf("sync spec: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// Apply swaps the configuration and restarts the cron if it is running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	if !s.started {
		return
	}
	if old := s.c; old != nil {
		s.c = nil
		<-old.Stop().Done()
	}
	s.startLocked()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Info("janitor disabled")
		return
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx := s.ctx
	if _, err := s.c.AddFunc(cfg.PruneSpec, func() { _, _ = s.Prune(ctx) }); err != nil {
		s.log.Error("bad prune spec", logx.String("spec", cfg.PruneSpec), logx.Err(err))
	}
	if cfg.SyncSpec != "-" && s.syncer != nil {
		if _, err := s.c.AddFunc(cfg.SyncSpec, func() { s.sync(ctx) }); err != nil {
			s.log.Error("bad sync spec", logx.String("spec", cfg.SyncSpec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started",
		logx.String("tz", loc.String()),
		logx.String("prune", cfg.PruneSpec),
		logx.String("sync", cfg.SyncSpec),
		logx.Duration("retention", cfg.Retention))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Prune deletes sent and skipped items older than the retention.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()

	n, err := s.store.PruneWorkItems(ctx, time.Now().Add(-retention))
	if err != nil {
		s.log.Error("prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		s.log.Info("pruned work items", logx.Int64("deleted", n), logx.Duration("retention", retention))
	}
	return n, nil
}

func (s *Service) sync(ctx context.Context) {
	rep, err := s.syncer.Sync(ctx)
	if err != nil {
		s.log.Warn("session sync failed", logx.Err(err))
		return
	}
	if len(rep.Added) > 0 {
		s.log.Info("new sessions registered", logx.Strings("accounts", rep.Added))
	}
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
