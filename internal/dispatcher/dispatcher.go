// Package dispatcher drains due work items one at a time through the joiner.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"joinbot/internal/eventbus"
	"joinbot/internal/joiner"
	"joinbot/internal/runtime/supervisor"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

type Config struct {
	PollInterval time.Duration
	MinInterval  time.Duration
	IdleTTL      time.Duration
	StopTimeout  time.Duration
	BatchLimit   int // items per poll cycle
	ForceLimit   int // upper bound for ProcessNow
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1
	}
	if c.ForceLimit <= 0 {
		c.ForceLimit = 20
	}
	return c
}

type Store interface {
	NextDue(ctx context.Context, now time.Time) (storage.WorkItem, bool, error)
	CompleteWorkItem(ctx context.Context, c storage.Completion) (bool, error)
}

type Executor interface {
	Execute(ctx context.Context, item storage.WorkItem) joiner.Outcome
	Quarantine(ctx context.Context, id, reason string) (bool, error)
	ReleaseIdle(ctx context.Context, ttl time.Duration) int
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Running     bool
	Cycles      uint64
	Executed    uint64
	Sent        uint64
	Skipped     uint64
	LastCycleAt time.Time
	LastErr     string
}

type Service struct {
	store Store
	exec  Executor
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg Config
	sup *supervisor.Supervisor

	// execMu serializes the poll loop with ProcessNow.
	execMu sync.Mutex

	cycles   atomic.Uint64
	executed atomic.Uint64
	sent     atomic.Uint64
	skipped  atomic.Uint64
	lastMu   sync.Mutex
	lastAt   time.Time
	lastErr  string
}

func New(cfg Config, store Store, exec Executor, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		exec:  exec,
		bus:   bus,
		log:   log.With(logx.String("comp", "dispatcher")),
		now:   time.Now,
	}
}

// Apply swaps the timing configuration. The running loop picks it up on its
// next wait.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Start launches the poll loop. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("dispatcher.loop", s.loop)
	s.log.Info("service started", logx.Duration("poll", s.cfg.PollInterval), logx.Duration("min_interval", s.cfg.MinInterval))
}

// Stop cancels the loop and waits for it up to the stop timeout. An item that
// is being executed is left to finish in the background. It is a no-op when
// already stopped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	timeout := s.cfg.StopTimeout
	s.mu.Unlock()
	if sup == nil {
		return
	}
	start := s.now()
	s.log.Info("stop requested")
	sup.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sup.Wait(waitCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("loop did not stop in time", logx.Duration("timeout", timeout), logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", s.now().Sub(start)))
}

func (s *Service) loop(ctx context.Context) error {
	for {
		s.cycle(ctx)

		t := time.NewTimer(s.config().PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// cycle runs one poll cycle: at most BatchLimit items, then idle cleanup.
func (s *Service) cycle(ctx context.Context) {
	cfg := s.config()
	id := uuid.NewString()

	s.execMu.Lock()
	n, err := s.drain(ctx, id, cfg.BatchLimit, cfg.MinInterval)
	s.execMu.Unlock()

	released := s.exec.ReleaseIdle(ctx, cfg.IdleTTL)
	s.finishCycle(id, n, released, err)
}

// ProcessNow drains up to limit due items immediately (ForceLimit when limit
// is out of range), with the usual spacing between items.
func (s *Service) ProcessNow(ctx context.Context, limit int) (int, error) {
	cfg := s.config()
	if limit <= 0 || limit > cfg.ForceLimit {
		limit = cfg.ForceLimit
	}
	id := uuid.NewString()

	s.execMu.Lock()
	n, err := s.drain(ctx, id, limit, cfg.MinInterval)
	s.execMu.Unlock()

	s.finishCycle(id, n, 0, err)
	return n, err
}

func (s *Service) drain(ctx context.Context, cycleID string, limit int, gap time.Duration) (int, error) {
	processed := 0
	for processed < limit {
		if ctx.Err() != nil {
			return processed, nil
		}
		item, ok, err := s.store.NextDue(ctx, s.now())
		if err != nil {
			if ctx.Err() != nil {
				return processed, nil
			}
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		if wait := item.ScheduledAt.Sub(s.now()); wait > 0 {
			if !sleep(ctx, wait) {
				return processed, nil
			}
		}
		if err := s.run(ctx, cycleID, item); err != nil {
			return processed, err
		}
		processed++
		if !sleep(ctx, gap) {
			return processed, nil
		}
	}
	return processed, nil
}

// run executes one item and records the outcome. The item is finished even
// when ctx is cancelled meanwhile.
func (s *Service) run(ctx context.Context, cycleID string, item storage.WorkItem) error {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With(logx.String("cycle", cycleID), logx.Int64("item", item.ID), logx.String("account", item.Account))

	start := s.now()
	out := s.exec.Execute(ctx, item)

	status := storage.ItemSkipped
	if out.Kind == joiner.Success {
		status = storage.ItemSent
	}
	changed, err := s.store.CompleteWorkItem(ctx, storage.Completion{
		ItemID:    item.ID,
		Account:   item.Account,
		TargetKey: item.TargetKey,
		Status:    status,
		Detail:    out.Detail(),
		At:        s.now(),
	})
	if err != nil {
		return err
	}
	if !changed {
		log.Debug("item already finished")
	}

	s.executed.Add(1)
	if status == storage.ItemSent {
		s.sent.Add(1)
	} else {
		s.skipped.Add(1)
	}

	if out.Kind == joiner.AccountFatal {
		quarantined, err := s.exec.Quarantine(ctx, item.Account, out.Detail())
		switch {
		case err != nil:
			log.Error("quarantine failed", logx.Err(err))
		case quarantined:
			s.publish(eventbus.TypeAccountQuarantined, eventbus.AccountQuarantined{Account: item.Account, Reason: out.Detail()})
		}
	}

	took := s.now().Sub(start)
	log.Info("item done",
		logx.String("status", string(status)),
		logx.String("outcome", out.Kind.String()),
		logx.String("detail", out.Detail()),
		logx.Duration("took", took))
	s.publish(eventbus.TypeWorkItemDone, eventbus.WorkItemDone{
		CycleID:   cycleID,
		ItemID:    item.ID,
		ChannelID: item.ChannelID,
		Account:   item.Account,
		Status:    string(status),
		Outcome:   out.Kind.String(),
		Detail:    out.Detail(),
		Took:      took,
	})
	return nil
}

func (s *Service) finishCycle(id string, processed, released int, err error) {
	s.cycles.Add(1)
	ev := eventbus.DispatcherCycle{CycleID: id, Processed: processed, Released: released}

	s.lastMu.Lock()
	s.lastAt = s.now()
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.lastMu.Unlock()

	if err != nil {
		ev.Err = err.Error()
		s.log.Error("cycle aborted", logx.String("cycle", id), logx.Int("processed", processed), logx.Err(err))
	} else if processed > 0 || released > 0 {
		s.log.Debug("cycle done", logx.String("cycle", id), logx.Int("processed", processed), logx.Int("released", released))
	}
	s.publish(eventbus.TypeDispatcherCycle, ev)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) Snapshot() Snapshot {
	s.lastMu.Lock()
	at, lastErr := s.lastAt, s.lastErr
	s.lastMu.Unlock()
	return Snapshot{
		Running:     s.Running(),
		Cycles:      s.cycles.Load(),
		Executed:    s.executed.Load(),
		Sent:        s.sent.Load(),
		Skipped:     s.skipped.Load(),
		LastCycleAt: at,
		LastErr:     lastErr,
	}
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
