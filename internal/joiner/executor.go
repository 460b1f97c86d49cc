package joiner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"joinbot/internal/accounts"
	"joinbot/internal/proxy"
	"joinbot/internal/storage"
	"joinbot/internal/target"
	logx "joinbot/pkg/logx"
)

// Directory is the account side the executor needs.
type Directory interface {
	Credential(id string) (accounts.Credential, error)
	Quarantine(ctx context.Context, id, reason string) (bool, error)
}

// Proxies resolves assignments and picks alternates.
type Proxies interface {
	Lookup(raw string) (proxy.Endpoint, bool)
	Random(exclude string) (proxy.Endpoint, bool)
}

type Config struct {
	ConnectTimeout time.Duration // per connect attempt, 0 means 30s
	CallTimeout    time.Duration // per join call, 0 means 30s
}

type Executor struct {
	connector Connector
	dir       Directory
	proxies   Proxies
	cache     *Cache
	cfg       Config
	log       logx.Logger
}

func NewExecutor(connector Connector, dir Directory, proxies Proxies, cfg Config, log logx.Logger) *Executor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		connector: connector,
		dir:       dir,
		proxies:   proxies,
		cache:     NewCache(),
		cfg:       cfg,
		log:       log.With(logx.String("comp", "joiner")),
	}
}

func (e *Executor) Cache() *Cache { return e.cache }

// Execute runs the join attempt of item. It never fails: every problem is
// folded into the outcome.
func (e *Executor) Execute(ctx context.Context, item storage.WorkItem) Outcome {
	log := e.log.With(logx.Int64("item", item.ID), logx.String("account", item.Account))

	raw := item.Target
	if raw == "" {
		raw = item.TargetKey
	}
	tgt, err := target.Parse(raw)
	if err != nil {
		return Classify(err)
	}

	cl, err := e.acquire(ctx, item, log)
	if err != nil {
		out := Classify(err)
		log.Warn("client unavailable", logx.String("outcome", out.Kind.String()), logx.Err(err))
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	switch tgt.Kind {
	case target.Invite:
		err = cl.ImportInvite(callCtx, tgt.Value)
	default:
		err = cl.JoinPublic(callCtx, tgt.Value)
	}
	out := Classify(err)
	switch out.Kind {
	case Success:
		log.Info("join sent", logx.String("target", tgt.String()), logx.String("detail", out.Detail()))
	case RateLimited:
		log.Warn("flood wait", logx.String("target", tgt.String()), logx.Duration("wait", out.Wait))
	default:
		log.Warn("join failed",
			logx.String("target", tgt.String()),
			logx.String("outcome", out.Kind.String()),
			logx.String("detail", out.Detail()))
	}
	return out
}

// acquire returns the cached client of the item's account or connects one,
// first with the assigned proxy, then once more with a random alternate.
func (e *Executor) acquire(ctx context.Context, item storage.WorkItem, log logx.Logger) (Client, error) {
	if cl, ok := e.cache.Get(item.Account); ok {
		return cl, nil
	}
	cred, err := e.dir.Credential(item.Account)
	if err != nil {
		return nil, err
	}

	var first proxy.Endpoint
	var hasFirst bool
	if item.Proxy != "" {
		first, hasFirst = e.proxies.Lookup(item.Proxy)
		if !hasFirst {
			log.Warn("assigned proxy does not parse", logx.String("proxy", item.Proxy))
		}
	}
	cl, err := e.connect(ctx, cred, first, hasFirst)
	if err == nil {
		e.store(ctx, item.Account, cl)
		return cl, nil
	}
	if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
		return nil, err
	}

	alt, ok := e.proxies.Random(item.Proxy)
	if !ok {
		return nil, err
	}
	log.Warn("connect failed, trying alternate proxy", logx.String("proxy", alt.String()), logx.Err(err))
	cl, err2 := e.connect(ctx, cred, alt, true)
	if err2 != nil {
		return nil, fmt.Errorf("connect: %w (alternate: %v)", err2, err)
	}
	e.store(ctx, item.Account, cl)
	return cl, nil
}

func (e *Executor) connect(ctx context.Context, cred accounts.Credential, ep proxy.Endpoint, proxied bool) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	var dial DialFunc
	if proxied {
		dial = ep.DialContext
	}
	return e.connector.Connect(ctx, cred, dial)
}

func (e *Executor) store(ctx context.Context, id string, cl Client) {
	if old := e.cache.Put(id, cl); old != nil {
		_ = old.Close(ctx)
	}
}

// Quarantine evicts the client of id and quarantines the account. It is safe
// to call for accounts that are already quarantined.
func (e *Executor) Quarantine(ctx context.Context, id, reason string) (bool, error) {
	if err := e.cache.Evict(ctx, id); err != nil {
		e.log.Debug("closing evicted client", logx.String("account", id), logx.Err(err))
	}
	return e.dir.Quarantine(ctx, id, reason)
}

// ReleaseIdle closes clients unused for ttl.
func (e *Executor) ReleaseIdle(ctx context.Context, ttl time.Duration) int {
	released := e.cache.ReleaseIdle(ctx, ttl)
	if len(released) > 0 {
		e.log.Debug("released idle clients", logx.Strings("accounts", released))
	}
	return len(released)
}

func (e *Executor) Close(ctx context.Context) error {
	return e.cache.CloseAll(ctx)
}
