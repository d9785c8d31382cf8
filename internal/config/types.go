package config

type Config struct {
	Channel  ChannelConfig  `json:"channel"`
	Logging  LoggingConfig  `json:"logging"`
	Schedule ScheduleConfig `json:"schedule"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Catalog  CatalogConfig  `json:"catalog"`
	Roster   RosterConfig   `json:"roster"`
	Keywords KeywordsConfig `json:"keywords,omitempty"`
}

// ChannelConfig configures the delivery channel adapter.
type ChannelConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ScheduleConfig controls the daily trigger.
//
// Spec is a standard 5-field cron expression evaluated in Timezone (IANA
// name). When omitted, the trigger fires at 09:00 local time.
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig tunes the fan-out engine. All durations are Go duration
// strings; zero values fall back to engine defaults.
type DispatchConfig struct {
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	PauseBase   string `json:"pause_base,omitempty"`
	PauseJitter string `json:"pause_jitter,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type CatalogConfig struct {
	Path string `json:"path"`
}

// RosterConfig selects the subscriber persistence driver.
type RosterConfig struct {
	Driver      string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// KeywordsConfig drives the inbound keyword state machine. Matching is
// case-insensitive exact membership after trimming.
type KeywordsConfig struct {
	Unsubscribe      []string `json:"unsubscribe,omitempty"`
	Resubscribe      []string `json:"resubscribe,omitempty"`
	AllowResubscribe bool     `json:"allow_resubscribe,omitempty"`
}
