package config

type Config struct {
	Server   ServerConfig    `json:"server"`
	Captcha  CaptchaConfig   `json:"captcha"`
	Keypad   *KeypadConfig   `json:"keypad,omitempty"`
	Pool     PoolConfig      `json:"pool"`
	Accounts AccountsConfig  `json:"accounts"`
	Jobs     JobsConfig      `json:"jobs,omitempty"`
	Storage  StorageConfig   `json:"storage"`
	Buckets  BucketsConfig   `json:"buckets,omitempty"`
	Logging  LoggingConfig   `json:"logging"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
}

// ServerConfig describes the remote game endpoints.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	BaseURL         string `json:"base_url"`
	LoginEndpoint   string `json:"login_endpoint,omitempty"`   // default "login.php"
	RecruitEndpoint string `json:"recruit_endpoint,omitempty"` // default "recruiter.php"
	UserAgent       string `json:"user_agent,omitempty"`
	RequestTimeout  string `json:"request_timeout,omitempty"` // default "30s"

	// RatePerSec caps outbound requests across all workers.
	// 0 disables the limiter.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// CaptchaConfig controls the challenge-solving path.
//
// When Enabled is false the recruit form is submitted directly and the
// solver/keypad are never invoked.
type CaptchaConfig struct {
	Enabled             bool    `json:"enabled"`
	APIURL              string  `json:"api_url,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"` // default 0.8
	MaxAttempts         int     `json:"max_attempts,omitempty"`         // default 2
	Zone                string  `json:"zone,omitempty"`                 // default "roc_recruit"

	// Marker strings looked for in the recruit page.
	UnsolvedMessage string `json:"unsolved_message,omitempty"`
	SolvedMessage   string `json:"solved_message,omitempty"`
	SuccessMessage  string `json:"success_message,omitempty"`
}

// KeypadConfig overrides the built-in captcha keypad geometry.
type KeypadConfig struct {
	Zones  map[string][2]int `json:"zones,omitempty"`
	Gap    [2]int            `json:"gap,omitempty"`
	Button [2]int            `json:"button,omitempty"`
}

type PoolConfig struct {
	Workers int `json:"workers,omitempty"` // default 8

	IdlePoll     string `json:"idle_poll,omitempty"`     // default "2s"
	ErrorBackoff string `json:"error_backoff,omitempty"` // default "5s"
	LeaseTimeout string `json:"lease_timeout,omitempty"` // default "10m"
	JoinTimeout  string `json:"join_timeout,omitempty"`  // default "10s"

	// FailureCooldown defers a failed account instead of leaving it
	// immediately re-eligible. "0s" keeps the account eligible (legacy
	// behavior, prone to tight retry loops against the remote).
	FailureCooldown string `json:"failure_cooldown,omitempty"`
}

type AccountsConfig struct {
	CSVFile string `json:"csv_file,omitempty"` // default "accounts.csv"
}

// JobsConfig controls the cron-driven background jobs.
type JobsConfig struct {
	// StatusEvery is the interval of the status report job ("0s" disables).
	StatusEvery string `json:"status_every,omitempty"` // default "30s"

	// ResyncSchedule is a cron spec for periodic CSV re-import.
	// Empty disables periodic re-sync.
	ResyncSchedule string `json:"resync_schedule,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`         // default "./accounts.db"
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

// BucketsConfig names the directories captcha images are sorted into after
// each attempt. Empty fields disable the corresponding bucket.
type BucketsConfig struct {
	ErrorDir         string `json:"error_dir,omitempty"`
	FailedDir        string `json:"failed_dir,omitempty"`
	LowConfidenceDir string `json:"low_confidence_dir,omitempty"`
	CorrectDir       string `json:"correct_dir,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ log lines to the Telegram alert channel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9190"
}
