package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "15s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Automation AutomationConfig `json:"automation"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	HTTP       HTTPConfig       `json:"http"`
	Notify     *NotifyConfig    `json:"notify,omitempty"`
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

// AutomationConfig controls the scheduling core.
//
// Defaults:
//   - timezone: "Asia/Shanghai"
//   - exec_timeout: "30s"
//   - log_retention: 100
type AutomationConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	ExecTimeout  string `json:"exec_timeout,omitempty"`
	LogRetention int    `json:"log_retention,omitempty"`

	// Credentials maps device id to API key. Hot-reloadable; entries are
	// merged, never removed by a reload.
	Credentials map[string]string `json:"credentials,omitempty"`
}

// DeliveryConfig controls the device API client.
type DeliveryConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls persistence. Nil or driver "memory" keeps state in
// process only.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./dotpush_data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the JSON control surface. An empty addr disables it.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof mounts /debug/pprof; bind Addr to loopback when enabled.
	Pprof bool `json:"pprof,omitempty"`
}

// NotifyConfig forwards scheduler events to a Telegram chat.
//
// Omitted section or empty token disables notifications.
type NotifyConfig struct {
	Enabled       bool     `json:"enabled"`
	Token         string   `json:"token"`
	ChatID        int64    `json:"chat_id"`
	ThreadID      int      `json:"thread_id,omitempty"`
	RatePerSec    int      `json:"rate_per_sec,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	DedupWindow   string   `json:"dedup_window,omitempty"`
	Events        []string `json:"events,omitempty"`
}
