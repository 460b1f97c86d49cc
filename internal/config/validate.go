package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// GroupLogChatID parses telegram.group_log. Empty yields 0.
func (c *Config) GroupLogChatID() (int64, error) {
	s := strings.TrimSpace(c.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", s)
	}
	return id, nil
}

// QuarantineDir resolves accounts.quarantine_dir.
func (c *Config) QuarantineDir() string {
	if d := strings.TrimSpace(c.Accounts.QuarantineDir); d != "" {
		return d
	}
	return filepath.Join(c.Accounts.SessionsDir, "Frozens")
}

func (c *Config) SyncOnStart() bool {
	return c.Accounts.SyncOnStart == nil || *c.Accounts.SyncOnStart
}

func (c *Config) DispatcherEnabled() bool {
	return c.Dispatcher.Enabled == nil || *c.Dispatcher.Enabled
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	req := func(path, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", path))
		}
	}

	req("telegram.token", cfg.Telegram.Token)
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must list at least one user"))
	}
	_, err := cfg.GroupLogChatID()
	add(err)
	_, err = ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	if cfg.Telegram.SendRatePerSec < 0 {
		errs = append(errs, errors.New("telegram.send_rate_per_sec must be >= 0"))
	}

	if cfg.MTProto.APIID <= 0 {
		errs = append(errs, errors.New("mtproto.api_id is required"))
	}
	req("mtproto.api_hash", cfg.MTProto.APIHash)
	if cfg.MTProto.CallsPerSecond < 0 {
		errs = append(errs, errors.New("mtproto.calls_per_second must be >= 0"))
	}
	_, err = ParseDurationField("mtproto.connect_timeout", cfg.MTProto.ConnectTimeout)
	add(err)
	_, err = ParseDurationField("mtproto.call_timeout", cfg.MTProto.CallTimeout)
	add(err)

	req("storage.path", cfg.Storage.Path)
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	req("proxies.path", cfg.Proxies.Path)
	req("accounts.sessions_dir", cfg.Accounts.SessionsDir)

	for _, f := range []struct{ path, raw string }{
		{"dispatcher.poll_interval", cfg.Dispatcher.PollInterval},
		{"dispatcher.min_interval", cfg.Dispatcher.MinInterval},
		{"dispatcher.idle_ttl", cfg.Dispatcher.IdleTTL},
		{"dispatcher.stop_timeout", cfg.Dispatcher.StopTimeout},
		{"janitor.retention", cfg.Janitor.Retention},
	} {
		_, err = ParseDurationField(f.path, f.raw)
		add(err)
	}
	if cfg.Dispatcher.BatchLimit < 0 || cfg.Dispatcher.ForceLimit < 0 {
		errs = append(errs, errors.New("dispatcher limits must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Janitor.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("janitor.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}
