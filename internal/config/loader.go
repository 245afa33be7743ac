package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thruflo/crowdqc/internal/auth"
	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/platform"
	"github.com/thruflo/crowdqc/internal/similarity"
)

// DefaultConfigFile is the config file name looked up in the working directory.
const DefaultConfigFile = "crowdqc.yaml"

// Default values for Config.
const (
	DefaultTokenEnv           = "TOLOKA_TOKEN"
	DefaultTimeout            = 30 * time.Second
	DefaultDetectionPool      = "36743071"
	DefaultVerificationPool   = "36799000"
	DefaultPeriod             = 60 * time.Second
	DefaultFScoreThreshold    = 0.5
	DefaultRestriction        = 24 * time.Hour
	DefaultWorkers            = 4
	DefaultDetectionReject    = "Failed control task"
	DefaultOverlap            = 5
	DefaultSuiteSize          = 2
	DefaultOKLabel            = "OK"
	DefaultSkill              = 0.5
	DefaultAcceptComment      = "Well done!"
	DefaultVerificationReject = "Some objects in %s weren't selected or were selected incorrectly."
	DefaultStateDir           = ".crowdqc/state"
	DefaultStateKey           = "default"
	DefaultServerPort         = 8374
)

// DefaultServerConfig returns a ServerConfig with sensible default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port: DefaultServerPort,
	}
}

// DefaultConfig returns a Config with the production pipeline settings.
func DefaultConfig() Config {
	return Config{
		Platform: PlatformConfig{
			BaseURL:  platform.DefaultBaseURL,
			TokenEnv: DefaultTokenEnv,
			Timeout:  DefaultTimeout,
			PageSize: platform.DefaultPageSize,
		},
		Pools: PoolsConfig{
			Detection:    DefaultDetectionPool,
			Verification: DefaultVerificationPool,
		},
		Pipeline: PipelineConfig{Period: DefaultPeriod},
		Detection: DetectionConfig{
			IoUThreshold:    similarity.DefaultIoUThreshold,
			FScoreThreshold: DefaultFScoreThreshold,
			MatchMode:       similarity.MatchStrict.String(),
			Restriction:     DefaultRestriction,
			Workers:         DefaultWorkers,
			RejectComment:   DefaultDetectionReject,
		},
		Verification: VerificationConfig{
			Overlap:       DefaultOverlap,
			SuiteSize:     DefaultSuiteSize,
			OKLabel:       DefaultOKLabel,
			DefaultSkill:  DefaultSkill,
			AcceptComment: DefaultAcceptComment,
			RejectComment: DefaultVerificationReject,
		},
		State: StateConfig{
			Backend: StateBackendFile,
			Dir:     DefaultStateDir,
			Key:     DefaultStateKey,
		},
		Log: LogConfig{Level: "info"},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// LoadConfig reads and parses the YAML config file at path.
// If the file doesn't exist, returns default config.
// Applies defaults for any missing fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if cfg.Platform.PageSize <= 0 {
		return ValidationError{Field: "platform.page_size", Message: "must be positive"}
	}
	if cfg.Platform.Timeout <= 0 {
		return ValidationError{Field: "platform.timeout", Message: "must be positive"}
	}
	if cfg.Pools.Detection == "" {
		return ValidationError{Field: "pools.detection", Message: "required field is empty"}
	}
	if cfg.Pools.Verification == "" {
		return ValidationError{Field: "pools.verification", Message: "required field is empty"}
	}
	if cfg.Pools.Detection == cfg.Pools.Verification {
		return ValidationError{Field: "pools.verification", Message: "must differ from pools.detection"}
	}
	if cfg.Pipeline.Period <= 0 {
		return ValidationError{Field: "pipeline.period", Message: "must be positive"}
	}

	if err := validateDetection(&cfg.Detection); err != nil {
		return err
	}
	if err := validateVerification(&cfg.Verification); err != nil {
		return err
	}
	if err := validateState(&cfg.State); err != nil {
		return err
	}

	if cfg.Server != nil {
		if err := ValidateServerConfig(cfg.Server); err != nil {
			return err
		}
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return ValidationError{Field: "log.level", Message: err.Error()}
	}

	return nil
}

func validateDetection(d *DetectionConfig) error {
	if d.IoUThreshold < 0 || d.IoUThreshold >= 1 {
		return ValidationError{Field: "detection.iou_threshold", Message: "must be in [0, 1)"}
	}
	if d.FScoreThreshold < 0 || d.FScoreThreshold > 1 {
		return ValidationError{Field: "detection.fscore_threshold", Message: "must be in [0, 1]"}
	}
	if _, ok := similarity.ParseMatchMode(d.MatchMode); !ok {
		return ValidationError{Field: "detection.match_mode", Message: "must be strict or lenient"}
	}
	if d.Restriction < 0 {
		return ValidationError{Field: "detection.restriction", Message: "must not be negative"}
	}
	if d.Workers <= 0 {
		return ValidationError{Field: "detection.workers", Message: "must be positive"}
	}
	return nil
}

func validateVerification(v *VerificationConfig) error {
	if v.Overlap <= 0 {
		return ValidationError{Field: "verification.overlap", Message: "must be positive"}
	}
	if v.SuiteSize <= 0 {
		return ValidationError{Field: "verification.suite_size", Message: "must be positive"}
	}
	if v.OKLabel == "" {
		return ValidationError{Field: "verification.ok_label", Message: "required field is empty"}
	}
	if v.DefaultSkill <= 0 {
		return ValidationError{Field: "verification.default_skill", Message: "must be positive"}
	}
	if strings.Count(v.RejectComment, "%") > 1 {
		return ValidationError{Field: "verification.reject_comment", Message: "may contain at most one %s"}
	}
	return nil
}

func validateState(s *StateConfig) error {
	switch s.Backend {
	case StateBackendFile:
		if s.Dir == "" {
			return ValidationError{Field: "state.dir", Message: "required for the file backend"}
		}
	case StateBackendPostgres:
		if s.DSN == "" {
			return ValidationError{Field: "state.dsn", Message: "required for the postgres backend"}
		}
	case StateBackendMemory:
	default:
		return ValidationError{Field: "state.backend", Message: "must be file, postgres or memory"}
	}
	if s.Key == "" {
		return ValidationError{Field: "state.key", Message: "required field is empty"}
	}
	return nil
}

// ValidateServerConfig checks that server config values are valid.
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	if cfg.PasswordHash != "" {
		if err := auth.Validate(cfg.PasswordHash); err != nil {
			return ValidationError{Field: "server.password_hash", Message: err.Error()}
		}
	}
	return nil
}

// MatchMode returns the parsed detection match mode.
func (c *Config) MatchMode() similarity.MatchMode {
	mode, _ := similarity.ParseMatchMode(c.Detection.MatchMode)
	return mode
}

// LogLevel returns the parsed log level, info when unset or invalid.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

// LoadEnvFile parses .crowdqc/.env into a map of key-value pairs.
// The file format is KEY=VALUE per line. Lines starting with # are comments.
// Empty lines are ignored.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, ".crowdqc", ".env")

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Strip surrounding quotes (single or double)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return env, nil
}

// ErrNoToken is returned by ResolveToken when neither the environment nor
// the env file provides a token.
var ErrNoToken = errors.New("no platform token configured")

// ResolveToken returns the platform token from the environment variable
// named by platform.token_env, falling back to .crowdqc/.env under basePath.
func ResolveToken(cfg *Config, basePath string, lookup func(string) (string, bool)) (string, error) {
	name := cfg.Platform.TokenEnv
	if name == "" {
		name = DefaultTokenEnv
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if token, ok := lookup(name); ok && token != "" {
		return token, nil
	}

	env, err := LoadEnvFile(basePath)
	if err != nil {
		return "", err
	}
	if token := env[name]; token != "" {
		return token, nil
	}
	return "", fmt.Errorf("%w: set %s or add it to .crowdqc/.env", ErrNoToken, name)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
