package config

// Config is the whole moontele configuration file (JSON or YAML).
//
// Secrets may be left out of the file and supplied through the environment
// (see ApplyEnv).
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Templates TemplatesConfig `json:"templates"`
	Forward   ForwardConfig   `json:"forward"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Harvest   HarvestConfig   `json:"harvest"`
	Autocast  AutocastConfig  `json:"autocast"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	PollTimeout Duration `json:"poll_timeout,omitempty"`
	// RatePerSec caps outbound Bot API calls (default 20).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	APIURL     string  `json:"api_url,omitempty"`
	// UpdatesBuffer is the capacity of the inbound update channel.
	UpdatesBuffer int `json:"updates_buffer,omitempty"`
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

// LoggingTelegram mirrors warnings and errors into a chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the message archive.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/moontele.db" }
type StorageConfig struct {
	Driver      string   `json:"driver"` // sqlite (default) | file | none
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
}

type TemplatesConfig struct {
	Path string `json:"path"`
	// Account is the template namespace; "" searches every account.
	Account string `json:"account"`
	// Default is the template autocast uses when a schedule names none.
	Default string `json:"default,omitempty"`
}

type ForwardConfig struct {
	Rules []ForwardRule `json:"rules"`
}

// ForwardRule watches one source stream and relays matches to one
// destination.
type ForwardRule struct {
	Name string `json:"name"`
	// Source is a numeric chat id or @username.
	Source    string   `json:"source"`
	Topic     int      `json:"topic,omitempty"`
	Dest      int64    `json:"dest"`
	DestTopic int      `json:"dest_topic,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Interval  Duration `json:"interval,omitempty"` // default 5s
	Mode      string   `json:"mode,omitempty"`     // text (default) | copy
	Disabled  bool     `json:"disabled,omitempty"`
}

type BroadcastConfig struct {
	Mode      string   `json:"mode,omitempty"`  // copy (default) | forward
	Delay     Duration `json:"delay,omitempty"` // fixed delay, default 5s
	QueueSize int      `json:"queue_size,omitempty"`
}

type HarvestConfig struct {
	Dir         string `json:"dir,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type AutocastConfig struct {
	Enabled   bool               `json:"enabled"`
	Timezone  string             `json:"timezone,omitempty"`
	Schedules []AutocastSchedule `json:"schedules,omitempty"`
}

type AutocastSchedule struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Template string   `json:"template,omitempty"`
	Text     string   `json:"text,omitempty"`
	TextFile string   `json:"text_file,omitempty"`
	Link     string   `json:"link,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}
