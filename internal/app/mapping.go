package app

import (
	"joinbot/internal/config"
	"joinbot/internal/dispatcher"
	"joinbot/internal/janitor"
	"joinbot/internal/joiner"
	"joinbot/internal/observability/debughttp"
	"joinbot/internal/storage"
	"joinbot/internal/transport/telegram/adapter"
	"joinbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapAdapter(cfg *config.Config) (adapter.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    poll,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapMTProto(cfg *config.Config) joiner.MTProtoConfig {
	m := cfg.MTProto
	return joiner.MTProtoConfig{
		APIID:          m.APIID,
		APIHash:        m.APIHash,
		DeviceModel:    m.DeviceModel,
		SystemVersion:  m.SystemVersion,
		AppVersion:     m.AppVersion,
		CallsPerSecond: m.CallsPerSecond,
	}
}

func mapExecutor(cfg *config.Config) (joiner.Config, error) {
	connect, err := config.ParseDurationField("mtproto.connect_timeout", cfg.MTProto.ConnectTimeout)
	if err != nil {
		return joiner.Config{}, err
	}
	call, err := config.ParseDurationField("mtproto.call_timeout", cfg.MTProto.CallTimeout)
	if err != nil {
		return joiner.Config{}, err
	}
	return joiner.Config{ConnectTimeout: connect, CallTimeout: call}, nil
}

// mapDispatcher leaves zero values in place; the dispatcher fills defaults.
func mapDispatcher(cfg *config.Config) (dispatcher.Config, error) {
	d := cfg.Dispatcher
	out := dispatcher.Config{BatchLimit: d.BatchLimit, ForceLimit: d.ForceLimit}
	var err error
	if out.PollInterval, err = config.ParseDurationField("dispatcher.poll_interval", d.PollInterval); err != nil {
		return out, err
	}
	if out.MinInterval, err = config.ParseDurationField("dispatcher.min_interval", d.MinInterval); err != nil {
		return out, err
	}
	if out.IdleTTL, err = config.ParseDurationField("dispatcher.idle_ttl", d.IdleTTL); err != nil {
		return out, err
	}
	if out.StopTimeout, err = config.ParseDurationField("dispatcher.stop_timeout", d.StopTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapJanitor(cfg *config.Config) (janitor.Config, error) {
	j := cfg.Janitor
	retention, err := config.ParseDurationField("janitor.retention", j.Retention)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		Enabled:   j.Enabled,
		Timezone:  j.Timezone,
		PruneSpec: j.PruneSpec,
		Retention: retention,
		SyncSpec:  j.SyncSpec,
	}, nil
}

func mapDebug(cfg *config.Config) debughttp.Config {
	d := cfg.Debug
	return debughttp.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
}
