package config

// Config is the full daemon configuration.
//
// Files may be JSON or YAML; YAML is coerced to JSON before strict decoding,
// so unknown fields are rejected for both formats.
type Config struct {
	API      APIConfig       `json:"api"`
	Logging  LoggingConfig   `json:"logging"`
	Platform PlatformConfig  `json:"platform"`
	History  *HistoryConfig  `json:"history,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Engine   EngineConfig    `json:"engine"`
}

// APIConfig controls the HTTP control surface consumed by the frontend.
type APIConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:8000"

	// Server timeouts (Go duration strings). Zero keeps Go defaults.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PlatformConfig controls the MTProto client adapter.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type PlatformConfig struct {
	// ConnectTimeout bounds the initial handshake when opening a connection.
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default "15s"

	// SendRatePerSec paces outbound messages per connection. The dispatch loop
	// and the auto-reply handler share one connection; pacing happens below
	// both so interleaved sends cannot exceed the platform's tolerance.
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"` // default 1

	// InboundBuffer is the per-connection inbound event queue size.
	InboundBuffer int `json:"inbound_buffer,omitempty"` // default 128
}

// HistoryConfig controls the optional sqlite-backed send/event log.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
	RetainDays  int    `json:"retain_days,omitempty"`  // default 30
	PruneSpec   string `json:"prune_spec,omitempty"`   // cron spec, default "0 3 * * *"
}

// NotifierConfig controls the optional operator Telegram bot.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

// EngineConfig holds engine-wide knobs (per-bot settings arrive via the API).
type EngineConfig struct {
	// Timezone anchors daily-quota rollover and schedule windows.
	// Empty means UTC; "Local" uses the host zone.
	Timezone string `json:"timezone,omitempty"`
}
