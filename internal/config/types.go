package config

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Controller ControllerConfig `json:"controller"`

	// Scheduler controls execution lifecycle timing.
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig points at the SQLite database file.
type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string (e.g. "5s"). Zero means driver default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ControllerConfig configures the mesh controller (topology/traffic) client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"); a bare
// number is read as seconds.
type ControllerConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`

	// RatePerSec caps outbound controller calls. Zero disables the limiter.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls execution lifecycle timing.
//
// Defaults (when fields are omitted/zero):
//   - timeout_slack: "3m"
//   - scan_start_delay: "10s"
//   - scan_response_window: "4m"
//   - sequential_gap: "5s"
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "America/Los_Angeles"

	// TimeoutSlack is added to an execution's estimated duration before the
	// deferred forced stop fires.
	TimeoutSlack string `json:"timeout_slack,omitempty"`

	// ScanStartDelay is how long after a scan is dispatched it is considered
	// to have plausibly begun (QUEUED -> RUNNING).
	ScanStartDelay string `json:"scan_start_delay,omitempty"`

	// ScanResponseWindow bounds how long scan responses are collected.
	ScanResponseWindow string `json:"scan_response_window,omitempty"`

	// SequentialGap is the pause between assets in a sequential link test.
	SequentialGap string `json:"sequential_gap,omitempty"`
}
