package joiner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"joinbot/internal/accounts"
	logx "joinbot/pkg/logx"
)

// MTProtoConfig holds the application credentials shared by every session.
type MTProtoConfig struct {
	APIID   int
	APIHash string

	DeviceModel   string
	SystemVersion string
	AppVersion    string

	// CallsPerSecond limits RPCs per client. 0 means 1.
	CallsPerSecond float64
}

// MTProto connects gotd clients from session files.
type MTProto struct {
	cfg MTProtoConfig
	log logx.Logger
}

func NewMTProto(cfg MTProtoConfig, log logx.Logger) (*MTProto, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, errors.New("mtproto: api_id and api_hash are required")
	}
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MTProto{cfg: cfg, log: log.With(logx.String("comp", "mtproto"))}, nil
}

// Connect starts a client and returns once it is authorized. The client keeps
// running after ctx ends; Close stops it.
func (m *MTProto) Connect(ctx context.Context, cred accounts.Credential, dial DialFunc) (Client, error) {
	storage, err := sessionStorage(ctx, cred)
	if err != nil {
		return nil, err
	}
	opts := telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
		Device: telegram.DeviceConfig{
			DeviceModel:   m.cfg.DeviceModel,
			SystemVersion: m.cfg.SystemVersion,
			AppVersion:    m.cfg.AppVersion,
		},
	}
	if dial != nil {
		opts.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dcs.DialFunc(dial)})
	}
	client := telegram.NewClient(m.cfg.APIID, m.cfg.APIHash, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errc := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				return ErrUnauthorized
			}
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		errc <- err
	}()

	select {
	case <-ready:
		m.log.Debug("client connected", logx.String("account", cred.ID), logx.Bool("proxied", dial != nil))
		return &mtprotoClient{
			api:     client.API(),
			cancel:  cancel,
			done:    done,
			limiter: rate.NewLimiter(rate.Limit(m.cfg.CallsPerSecond), 1),
		}, nil
	case err := <-errc:
		cancel()
		if err == nil {
			err = errors.New("client stopped before authorization")
		}
		return nil, err
	case <-ctx.Done():
		cancel()
		<-done
		return nil, ctx.Err()
	}
}

type mtprotoClient struct {
	api     *tg.Client
	limiter *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *mtprotoClient) JoinPublic(ctx context.Context, username string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return err
	}
	for _, chat := range resolved.Chats {
		switch ch := chat.(type) {
		case *tg.Channel:
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			_, err := c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash})
			return err
		case *tg.ChannelForbidden:
			return fmt.Errorf("%w: @%s is forbidden", ErrNotChannel, username)
		}
	}
	return fmt.Errorf("%w: @%s", ErrNotChannel, username)
}

func (c *mtprotoClient) ImportInvite(ctx context.Context, hash string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.api.MessagesImportChatInvite(ctx, hash)
	return err
}

func (c *mtprotoClient) Close(ctx context.Context) error {
	c.once.Do(c.cancel)
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionStorage exposes a credential as gotd session storage. JSON files are
// gotd's own format; Telethon files are converted in memory and never written.
func sessionStorage(ctx context.Context, cred accounts.Credential) (session.Storage, error) {
	switch cred.Format {
	case accounts.FormatJSON:
		return &session.FileStorage{Path: cred.Path}, nil
	case accounts.FormatTelethon:
		data, err := loadTelethon(ctx, cred.Path)
		if err != nil {
			return nil, err
		}
		mem := new(session.StorageMemory)
		if err := (&session.Loader{Storage: mem}).Save(ctx, data); err != nil {
			return nil, fmt.Errorf("telethon session %s: %w", cred.ID, err)
		}
		return mem, nil
	default:
		return nil, fmt.Errorf("unsupported session format %q", cred.Format)
	}
}

var _ Connector = (*MTProto)(nil)
