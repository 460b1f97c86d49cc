package config

import (
	"reflect"
	"strings"

	"joinbot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log
// fields describing the new values. Secrets (bot token, api hash) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		o.Token != n.Token || !reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) ||
			strings.TrimSpace(o.GroupLog) != strings.TrimSpace(n.GroupLog) ||
			o.PollTimeout != n.PollTimeout || o.SendRatePerSec != n.SendRatePerSec,
		logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
		logx.Bool("telegram.group_log_set", strings.TrimSpace(n.GroupLog) != ""),
		logx.Bool("telegram.token_changed", o.Token != n.Token),
	)

	section("mtproto", !reflect.DeepEqual(oldCfg.MTProto, newCfg.MTProto),
		logx.Int("mtproto.api_id", newCfg.MTProto.APIID),
		logx.Bool("mtproto.api_hash_set", newCfg.MTProto.APIHash != ""),
		logx.String("mtproto.call_timeout", newCfg.MTProto.CallTimeout),
	)
	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.path", newCfg.Storage.Path),
	)
	section("proxies", oldCfg.Proxies != newCfg.Proxies,
		logx.String("proxies.path", newCfg.Proxies.Path),
		logx.Bool("proxies.watch", newCfg.Proxies.Watch),
	)
	section("accounts", !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts),
		logx.String("accounts.sessions_dir", newCfg.Accounts.SessionsDir),
		logx.String("accounts.quarantine_dir", newCfg.QuarantineDir()),
	)
	section("dispatcher", !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher),
		logx.Bool("dispatcher.enabled", newCfg.DispatcherEnabled()),
		logx.String("dispatcher.poll_interval", newCfg.Dispatcher.PollInterval),
		logx.String("dispatcher.min_interval", newCfg.Dispatcher.MinInterval),
	)
	section("janitor", oldCfg.Janitor != newCfg.Janitor,
		logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
		logx.String("janitor.prune_spec", newCfg.Janitor.PruneSpec),
		logx.String("janitor.sync_spec", newCfg.Janitor.SyncSpec),
	)
	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)
	section("debug", oldCfg.Debug != newCfg.Debug,
		logx.Bool("debug.enabled", newCfg.Debug.Enabled),
		logx.String("debug.addr", newCfg.Debug.Addr),
		logx.Bool("debug.pprof", newCfg.Debug.Pprof),
		logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
	)
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if !reflect.DeepEqual(oldCfg.MTProto, newCfg.MTProto) {
		out = append(out, "mtproto")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Proxies != newCfg.Proxies {
		out = append(out, "proxies")
	}
	if oldCfg.Accounts.SessionsDir != newCfg.Accounts.SessionsDir || oldCfg.QuarantineDir() != newCfg.QuarantineDir() {
		out = append(out, "accounts")
	}
	return out
}
