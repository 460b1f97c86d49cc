// Package jobs is the inbound API of the engine: channel submissions, channel
// lifecycle, listings and account operations.
package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"joinbot/internal/accounts"
	"joinbot/internal/eventbus"
	"joinbot/internal/planner"
	"joinbot/internal/proxy"
	"joinbot/internal/storage"
	"joinbot/internal/target"
	logx "joinbot/pkg/logx"
)

const (
	MaxCount    = 1000
	MaxDuration = 1440 // minutes
)

type Directory interface {
	Sync(ctx context.Context) (accounts.SyncReport, error)
	Register(ctx context.Context, id string) (storage.Account, error)
	ListActive(ctx context.Context) ([]storage.Account, error)
	Import(ctx context.Context, name string, data []byte) (storage.Account, error)
}

type Proxies interface {
	AssignSticky(ctx context.Context, accounts []proxy.Account) (map[string]string, []string, error)
}

// Quarantiner takes an account out of service (the joiner evicts its client first).
type Quarantiner interface {
	Quarantine(ctx context.Context, id, reason string) (bool, error)
}

type Processor interface {
	ProcessNow(ctx context.Context, limit int) (int, error)
}

type Deps struct {
	Store       storage.Store
	Directory   Directory
	Proxies     Proxies
	Quarantiner Quarantiner
	Processor   Processor
	Bus         eventbus.Bus
	Log         logx.Logger

	MinInterval time.Duration
	Rand        planner.Rand
	Now         func() time.Time
}

type Service struct {
	store   storage.Store
	dir     Directory
	proxies Proxies
	quar    Quarantiner
	proc    Processor
	bus     eventbus.Bus
	log     logx.Logger

	minInterval time.Duration
	rnd         planner.Rand
	now         func() time.Time

	// mu serializes planning so the global cursor stays consistent.
	mu sync.Mutex
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MinInterval <= 0 {
		d.MinInterval = planner.DefaultMinInterval
	}
	return &Service{
		store:       d.Store,
		dir:         d.Directory,
		proxies:     d.Proxies,
		quar:        d.Quarantiner,
		proc:        d.Processor,
		bus:         d.Bus,
		log:         d.Log.With(logx.String("comp", "jobs")),
		minInterval: d.MinInterval,
		rnd:         d.Rand,
		now:         d.Now,
	}
}

// SetMinInterval applies a new spacing to future plans.
func (s *Service) SetMinInterval(d time.Duration) {
	if d <= 0 {
		d = planner.DefaultMinInterval
	}
	s.mu.Lock()
	s.minInterval = d
	s.mu.Unlock()
}

type Submission struct {
	OwnerID     int64
	Target      string
	Count       int
	Duration    int // minutes
	AllowRepeat bool
}

// Submitted is a stored channel with the plan that replaced its work items.
type Submitted struct {
	Channel storage.Channel
	Plan    planner.Result
}

func (r Submitted) Warnings() []planner.Warning { return r.Plan.Warnings }

func validate(sub Submission) (target.Target, error) {
	tgt, err := target.Parse(sub.Target)
	if err != nil {
		return target.Target{}, invalid("target", "%q is not a channel link, @handle or invite", strings.TrimSpace(sub.Target))
	}
	if sub.Count < 1 || sub.Count > MaxCount {
		return target.Target{}, invalid("count", "must be between 1 and %d", MaxCount)
	}
	if sub.Duration < 1 || sub.Duration > MaxDuration {
		return target.Target{}, invalid("duration", "must be between 1 and %d minutes", MaxDuration)
	}
	return tgt, nil
}

// SubmitChannel creates or updates the channel (target, owner) and replaces
// all of its work items with a fresh plan.
func (s *Service) SubmitChannel(ctx context.Context, sub Submission) (Submitted, error) {
	tgt, err := validate(sub)
	if err != nil {
		return Submitted{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := storage.Channel{
		Target:      strings.TrimSpace(sub.Target),
		TargetKey:   tgt.Key(),
		Count:       sub.Count,
		Duration:    sub.Duration,
		AllowRepeat: sub.AllowRepeat,
		OwnerID:     sub.OwnerID,
	}
	return s.planLocked(ctx, ch, true)
}

// planLocked plans ch. With upsert the channel row is written only once the
// account set is known to be non-empty.
func (s *Service) planLocked(ctx context.Context, ch storage.Channel, upsert bool) (Submitted, error) {
	active, err := s.dir.ListActive(ctx)
	if err != nil {
		return Submitted{}, err
	}
	used, err := s.store.UsedAccounts(ctx, ch.TargetKey)
	if err != nil {
		return Submitted{}, err
	}
	eligible := planner.Eligible(active, used, ch.AllowRepeat)
	if len(eligible) == 0 {
		return Submitted{}, ErrNoEligibleAccounts
	}
	assigned, _, err := s.proxies.AssignSticky(ctx, proxy.FromStorage(active))
	if err != nil {
		return Submitted{}, err
	}

	if upsert {
		if ch, err = s.store.UpsertChannel(ctx, ch); err != nil {
			return Submitted{}, err
		}
	}
	cursor, _, err := s.store.LastPendingTime(ctx, ch.ID)
	if err != nil {
		return Submitted{}, err
	}
	res, err := planner.Plan(planner.Input{
		Channel:     ch,
		Accounts:    eligible,
		Proxies:     assigned,
		Cursor:      cursor,
		Now:         s.now(),
		MinInterval: s.minInterval,
		Rand:        s.rnd,
	})
	if err != nil {
		return Submitted{}, err
	}
	if err := s.store.ReplaceWorkItems(ctx, ch.ID, res.Items); err != nil {
		return Submitted{}, err
	}

	warnings := make([]string, len(res.Warnings))
	for i, w := range res.Warnings {
		warnings[i] = string(w)
	}
	s.log.Info("channel planned",
		logx.Int64("channel", ch.ID),
		logx.String("target", ch.TargetKey),
		logx.Int("items", len(res.Items)),
		logx.Time("start", res.Start),
		logx.Duration("window", res.Window),
		logx.Strings("warnings", warnings))
	s.publish(eventbus.TypeChannelPlanned, eventbus.ChannelPlanned{
		ChannelID: ch.ID, OwnerID: ch.OwnerID, Items: len(res.Items), Warnings: warnings,
	})
	return Submitted{Channel: ch, Plan: res}, nil
}

// owned loads channel id; ownerID 0 skips the ownership check.
func (s *Service) owned(ctx context.Context, ownerID, id int64) (storage.Channel, error) {
	ch, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return storage.Channel{}, err
	}
	if ownerID != 0 && ch.OwnerID != ownerID {
		return storage.Channel{}, ErrNotFound
	}
	return ch, nil
}

// PauseChannel marks the channel paused and drops its pending items.
func (s *Service) PauseChannel(ctx context.Context, ownerID, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return 0, err
	}
	if err := s.store.SetChannelStatus(ctx, id, storage.ChannelPaused); err != nil {
		return 0, err
	}
	n, err := s.store.DeletePendingWorkItems(ctx, id)
	if err != nil {
		return 0, err
	}
	s.log.Info("channel paused", logx.Int64("channel", id), logx.Int64("dropped", n))
	return n, nil
}

// ResumeChannel reactivates the channel with a new plan from its stored settings.
func (s *Service) ResumeChannel(ctx context.Context, ownerID, id int64) (Submitted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Submitted{}, err
	}
	res, err := s.planLocked(ctx, ch, false)
	if err != nil {
		return Submitted{}, err
	}
	if err := s.store.SetChannelStatus(ctx, id, storage.ChannelActive); err != nil {
		return Submitted{}, err
	}
	res.Channel.Status = storage.ChannelActive
	return res, nil
}

func (s *Service) DeleteChannel(ctx context.Context, ownerID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	s.log.Info("channel deleted", logx.Int64("channel", id))
	return nil
}

// ChannelView is a channel with its item counters.
type ChannelView struct {
	storage.Channel
	Stats storage.Stats
}

func (s *Service) ListChannels(ctx context.Context, ownerID int64) ([]ChannelView, error) {
	chans, err := s.store.ListChannels(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]ChannelView, 0, len(chans))
	for _, ch := range chans {
		st, err := s.store.Stats(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ChannelView{Channel: ch, Stats: st})
	}
	return out, nil
}

func (s *Service) GetChannel(ctx context.Context, ownerID, id int64) (ChannelView, error) {
	ch, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return ChannelView{}, err
	}
	st, err := s.store.Stats(ctx, id)
	if err != nil {
		return ChannelView{}, err
	}
	return ChannelView{Channel: ch, Stats: st}, nil
}

// ListWorkItems lists items of channelID (0 for every channel) by scheduled time.
func (s *Service) ListWorkItems(ctx context.Context, channelID int64, limit int) ([]storage.WorkItem, error) {
	return s.store.ListWorkItems(ctx, storage.ItemFilter{ChannelID: channelID, Limit: limit})
}

// GetStats counts items of channelID (0 for every channel).
func (s *Service) GetStats(ctx context.Context, channelID int64) (storage.Stats, error) {
	return s.store.Stats(ctx, channelID)
}

func (s *Service) RegisterAccount(ctx context.Context, id string) (storage.Account, error) {
	return s.dir.Register(ctx, id)
}

// ImportSession stores an uploaded session file and registers its account.
func (s *Service) ImportSession(ctx context.Context, name string, data []byte) (storage.Account, error) {
	return s.dir.Import(ctx, name, data)
}

func (s *Service) ListActiveAccounts(ctx context.Context) ([]storage.Account, error) {
	return s.dir.ListActive(ctx)
}

// QuarantineAccount takes id out of service. Repeating it is a no-op.
func (s *Service) QuarantineAccount(ctx context.Context, id, reason string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	changed, err := s.quar.Quarantine(ctx, id, reason)
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(eventbus.TypeAccountQuarantined, eventbus.AccountQuarantined{Account: id, Reason: reason})
	}
	return changed, nil
}

func (s *Service) SyncAccounts(ctx context.Context) (accounts.SyncReport, error) {
	return s.dir.Sync(ctx)
}

// ProcessNow drains up to limit due items right away.
func (s *Service) ProcessNow(ctx context.Context, limit int) (int, error) {
	if s.proc == nil {
		return 0, nil
	}
	return s.proc.ProcessNow(ctx, limit)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
