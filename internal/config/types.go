package config

import "time"

// Config represents the crowdqc.yaml file.
type Config struct {
	Platform     PlatformConfig     `yaml:"platform"`
	Pools        PoolsConfig        `yaml:"pools"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Detection    DetectionConfig    `yaml:"detection"`
	Verification VerificationConfig `yaml:"verification"`
	State        StateConfig        `yaml:"state"`
	Server       *ServerConfig      `yaml:"server,omitempty"`
	Log          LogConfig          `yaml:"log"`
}

// PlatformConfig points at the work platform API.
type PlatformConfig struct {
	BaseURL string `yaml:"base_url"`
	// TokenEnv names the environment variable (or .env key) holding the API token.
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`
}

// PoolsConfig holds the two pool ids.
type PoolsConfig struct {
	Detection    string `yaml:"detection"`
	Verification string `yaml:"verification"`
}

// PipelineConfig controls the polling driver.
type PipelineConfig struct {
	Period time.Duration `yaml:"period"`
}

// DetectionConfig controls control-task gating.
type DetectionConfig struct {
	IoUThreshold    float64       `yaml:"iou_threshold"`
	FScoreThreshold float64       `yaml:"fscore_threshold"`
	MatchMode       string        `yaml:"match_mode"`
	Restriction     time.Duration `yaml:"restriction"`
	Workers         int           `yaml:"workers"`
	RejectComment   string        `yaml:"reject_comment"`
}

// VerificationConfig controls vote aggregation.
type VerificationConfig struct {
	Overlap       int     `yaml:"overlap"`
	SuiteSize     int     `yaml:"suite_size"`
	OKLabel       string  `yaml:"ok_label"`
	DefaultSkill  float64 `yaml:"default_skill"`
	AcceptComment string  `yaml:"accept_comment"`
	// RejectComment may contain one %s, replaced by the assignment id.
	RejectComment string `yaml:"reject_comment"`
}

// StateConfig selects where the pipeline ledger is persisted.
type StateConfig struct {
	Backend string `yaml:"backend"`
	// Dir is relative to the project root for the file backend.
	Dir string `yaml:"dir"`
	DSN string `yaml:"dsn"`
	// Key names the snapshot row, so several pipelines can share a database.
	Key string `yaml:"key"`
}

// State backends.
const (
	StateBackendFile     = "file"
	StateBackendPostgres = "postgres"
	StateBackendMemory   = "memory"
)

// ServerConfig enables the status server.
type ServerConfig struct {
	Port int `yaml:"port"`
	// PasswordHash is an argon2id hash from "crowdqc passwd". When set,
	// /status and /metrics require HTTP basic auth.
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}
