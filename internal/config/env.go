package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvTelegramToken = "JOINBOT_TELEGRAM_TOKEN"
	EnvAPIID         = "JOINBOT_API_ID"
	EnvAPIHash       = "JOINBOT_API_HASH"
)

// ApplyEnv overrides secrets from the environment so they can stay out of
// the config file.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAPIID); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAPIID, err)
		}
		cfg.MTProto.APIID = id
	}
	if v, ok := lookup(EnvAPIHash); ok && strings.TrimSpace(v) != "" {
		cfg.MTProto.APIHash = strings.TrimSpace(v)
	}
	return nil
}
