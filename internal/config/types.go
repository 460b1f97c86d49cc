package config

// Config is the file layout (JSON or YAML). All durations are Go duration
// strings ("500ms", "30s", "5m", "168h").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	MTProto    MTProtoConfig    `json:"mtproto"`
	Storage    StorageConfig    `json:"storage"`
	Proxies    ProxiesConfig    `json:"proxies"`
	Accounts   AccountsConfig   `json:"accounts"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Janitor    JanitorConfig    `json:"janitor"`
	Logging    LoggingConfig    `json:"logging"`
	Debug      DebugConfig      `json:"debug"`
}

// TelegramConfig is the operator bot. JOINBOT_TELEGRAM_TOKEN overrides Token.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving log lines and quarantine notices.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
	// SendRatePerSec bounds outgoing bot messages. Default 20.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

// MTProtoConfig are the application credentials of the user clients.
// JOINBOT_API_ID and JOINBOT_API_HASH override the file values.
type MTProtoConfig struct {
	APIID          int     `json:"api_id"`
	APIHash        string  `json:"api_hash"`
	DeviceModel    string  `json:"device_model,omitempty"`
	SystemVersion  string  `json:"system_version,omitempty"`
	AppVersion     string  `json:"app_version,omitempty"`
	CallsPerSecond float64 `json:"calls_per_second,omitempty"`
	ConnectTimeout string  `json:"connect_timeout,omitempty"` // default 30s
	CallTimeout    string  `json:"call_timeout,omitempty"`    // default 30s
}

// StorageConfig is the SQLite database.
//
//	"storage": { "path": "./data/joinbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ProxiesConfig struct {
	Path string `json:"path"`
	// Watch reloads the list when the file changes on disk.
	Watch bool `json:"watch,omitempty"`
}

type AccountsConfig struct {
	SessionsDir   string `json:"sessions_dir"`
	QuarantineDir string `json:"quarantine_dir,omitempty"` // default <sessions_dir>/Frozens
	SyncOnStart   *bool  `json:"sync_on_start,omitempty"`  // default true
}

// DispatcherConfig controls the execution loop.
//
// Defaults: enabled, poll_interval 30s, min_interval 5s, idle_ttl 5m,
// stop_timeout 5s, batch_limit 1, force_limit 20.
type DispatcherConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	MinInterval  string `json:"min_interval,omitempty"`
	IdleTTL      string `json:"idle_ttl,omitempty"`
	StopTimeout  string `json:"stop_timeout,omitempty"`
	BatchLimit   int    `json:"batch_limit,omitempty"`
	ForceLimit   int    `json:"force_limit,omitempty"`
}

type JanitorConfig struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone,omitempty"`
	PruneSpec string `json:"prune_spec,omitempty"` // cron, default "@daily"
	Retention string `json:"retention,omitempty"`  // default 168h
	SyncSpec  string `json:"sync_spec,omitempty"`  // cron, default "@every 10m", "-" disables
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DebugConfig controls the optional status/pprof HTTP listener.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
