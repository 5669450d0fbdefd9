package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage is optional; nil or driver "memory" keeps tasks in process memory.
	Storage *StorageConfig `json:"storage,omitempty"`

	Signals  SignalsConfig   `json:"signals"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	// Jobs are submitted at start unless an active task for the same job
	// already exists in storage.
	Jobs []JobConfig `json:"jobs,omitempty"`
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

// SchedulerConfig controls the scheduler core.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - default_timeout: "0s" (disabled)
//   - min_periodic_interval: "15m"
//   - retry: max 3, exponential, base "30s", max_delay "1h", jitter 0.2
//   - dispatch_rate_per_sec: 0 (unlimited)
//   - retention: "24h", janitor_every: "10m"
//   - history_size: 200
type SchedulerConfig struct {
	Workers             int         `json:"workers,omitempty"`
	DefaultTimeout      string      `json:"default_timeout,omitempty"`
	MinPeriodicInterval string      `json:"min_periodic_interval,omitempty"`
	Retry               RetryConfig `json:"retry"`

	DispatchRatePerSec float64 `json:"dispatch_rate_per_sec,omitempty"`
	DispatchBurst      int     `json:"dispatch_burst,omitempty"`

	Retention    string `json:"retention,omitempty"`
	JanitorEvery string `json:"janitor_every,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// Timezone evaluates cron schedules (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

// RetryConfig is a retry policy. A negative max disables retries.
type RetryConfig struct {
	Max      int     `json:"max,omitempty"`
	Backoff  string  `json:"backoff,omitempty"` // "exponential" | "linear"
	Base     string  `json:"base,omitempty"`
	MaxDelay string  `json:"max_delay,omitempty"`
	Jitter   float64 `json:"jitter,omitempty"`
}

// StorageConfig controls task persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./deferq.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// SignalsConfig configures the environment signal producers.
type SignalsConfig struct {
	Network *NetworkProbeConfig `json:"network,omitempty"`
	Power   *PowerProbeConfig   `json:"power,omitempty"`

	// Static reports fixed values once at start (e.g. "device.idle": true).
	Static map[string]bool `json:"static,omitempty"`

	// Extra registers additional constraint names tasks may use; their
	// signals are fed through Static or an external producer.
	Extra []string `json:"extra,omitempty"`
}

type NetworkProbeConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "1m"
	Timeout  string `json:"timeout,omitempty"`  // default "10s"

	// Unmetered is reported as network.unmetered while the network is up.
	Unmetered bool `json:"unmetered,omitempty"`
}

type PowerProbeConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "30s"
	Path     string `json:"path,omitempty"`     // default "/sys/class/power_supply"

	// BatteryMin is the capacity (percent) at or above which battery.ok holds.
	BatteryMin int `json:"battery_min,omitempty"` // default 20
}

// TelegramConfig enables the Telegram status sink.
type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 1
	// States filters which transitions are sent (default: failed, cancelled).
	States []string `json:"states,omitempty"`
}

// JobConfig declares a task submitted from configuration.
//
// An empty schedule makes a one-time task; otherwise schedule is anything
// scheduler.ParseSchedule accepts ("15m", "cron:0 3 * * *", "at:06:30").
type JobConfig struct {
	Name        string         `json:"name"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Worker      string         `json:"worker"`
	Schedule    string         `json:"schedule,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
	Delay       string         `json:"delay,omitempty"`
	Retry       *RetryConfig   `json:"retry,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// IsEnabled reports whether the job should be submitted (default true).
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
