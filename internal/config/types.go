package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Linking  LinkingConfig  `json:"linking"`

	// Notifier controls the async Telegram delivery pipeline.
	// If omitted, defaults apply (enabled, 2 workers).
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Email enables the SMTP alert channel. Omitted means disabled.
	Email *EmailConfig `json:"email,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// BotUsername is used to build t.me deep links; no leading @.
	BotUsername string `json:"bot_username"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type HTTPConfig struct {
	// Addr defaults to "127.0.0.1:8080".
	Addr string `json:"addr,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
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

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LinkingConfig controls the account-linking token lifecycle.
//
// TokenTTL is an explicit decision, not an implicit default: "0s" (or omitted)
// means platform-issued tokens never expire, matching deployments where the
// monitoring platform manages token rotation itself. Set e.g. "30m" to make
// deep links short-lived.
type LinkingConfig struct {
	TokenTTL  string          `json:"token_ttl,omitempty"`
	Retention RetentionConfig `json:"retention"`
}

// RetentionConfig controls housekeeping of dead token rows. This is unrelated
// to expiry: expired tokens are marked used lazily by the linking engine; the
// retention job only deletes rows that have been used for longer than Keep.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec (default "0 4 * * *").
	Schedule string `json:"schedule,omitempty"`
	// Keep is a Go duration string (default "720h").
	Keep string `json:"keep,omitempty"`
}

// NotifierConfig controls the async Telegram send pipeline.
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
}
