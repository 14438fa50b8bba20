// Package config loads and persists paddock's key-value configuration.
// The configuration lives in a small env-style file that is read at startup
// and rewritten whenever an administrator updates ports or limits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
)

// Env file keys.
const (
	KeyPort           = "PORT"
	KeyAdminPort      = "ADMIN_PORT"
	KeyDailyLimit     = "DAILY_LIMIT"
	KeyDBPath         = "DB_PATH"
	KeyRuntimeCommand = "RUNTIME_COMMAND"
	KeyRuntimeTimeout = "RUNTIME_TIMEOUT"
	KeyMaxCompletions = "MAX_COMPLETIONS"
	KeyLogDir         = "LOG_DIR"
)

// Default configuration values exported for documentation and validation
const (
	DefaultPort           = 8000
	DefaultAdminPort      = 8080
	DefaultDailyLimit     = 1000
	DefaultDBPath         = "paddock.db"
	DefaultRuntimeCommand = "ollama"
	DefaultRuntimeTimeout = 5 * time.Minute
	DefaultMaxCompletions = 4
	DefaultLogDir         = "logs"
)

// Config represents the persisted paddock configuration.
type Config struct {
	Port           int
	AdminPort      int
	DailyLimit     int
	DBPath         string
	RuntimeCommand string
	RuntimeTimeout time.Duration
	MaxCompletions int
	LogDir         string

	path string
	mu   sync.Mutex
}

// Default returns a configuration populated with default values.
func Default() *Config {
	return &Config{
		Port:           DefaultPort,
		AdminPort:      DefaultAdminPort,
		DailyLimit:     DefaultDailyLimit,
		DBPath:         DefaultDBPath,
		RuntimeCommand: DefaultRuntimeCommand,
		RuntimeTimeout: DefaultRuntimeTimeout,
		MaxCompletions: DefaultMaxCompletions,
		LogDir:         DefaultLogDir,
	}
}

// Load reads the configuration from the env file at path. A missing file is
// not an error; defaults apply and the file is created on first Save.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "failed to read config file").
			WithContext("path", path)
	}

	if err := cfg.apply(values); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overlays parsed env values onto the configuration.
func (c *Config) apply(values map[string]string) error {
	var err error
	if c.Port, err = intValue(values, KeyPort, c.Port); err != nil {
		return err
	}
	if c.AdminPort, err = intValue(values, KeyAdminPort, c.AdminPort); err != nil {
		return err
	}
	if c.DailyLimit, err = intValue(values, KeyDailyLimit, c.DailyLimit); err != nil {
		return err
	}
	if c.MaxCompletions, err = intValue(values, KeyMaxCompletions, c.MaxCompletions); err != nil {
		return err
	}
	if v := strings.TrimSpace(values[KeyDBPath]); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(values[KeyRuntimeCommand]); v != "" {
		c.RuntimeCommand = v
	}
	if v := strings.TrimSpace(values[KeyLogDir]); v != "" {
		c.LogDir = v
	}
	if v := strings.TrimSpace(values[KeyRuntimeTimeout]); v != "" {
		d, parseErr := time.ParseDuration(v)
		if parseErr != nil {
			return apperrors.Wrap(parseErr, apperrors.ErrCodeConfigInvalid, "invalid runtime timeout").
				WithContext("value", v)
		}
		c.RuntimeTimeout = d
	}
	return nil
}

// Validate checks the configuration for values that cannot serve at runtime.
func (c *Config) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "invalid serving port")
	}
	if err := validatePort(c.AdminPort); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "invalid admin port")
	}
	if c.Port == c.AdminPort {
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "serving port and admin port must differ (both %d)", c.Port)
	}
	if c.DailyLimit < 0 {
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "daily limit must be non-negative, got %d", c.DailyLimit)
	}
	if c.MaxCompletions < 1 {
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "max completions must be at least 1, got %d", c.MaxCompletions)
	}
	if c.RuntimeTimeout <= 0 {
		return apperrors.Newf(apperrors.ErrCodeConfigInvalid, "runtime timeout must be positive, got %s", c.RuntimeTimeout)
	}
	if strings.TrimSpace(c.RuntimeCommand) == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "runtime command cannot be empty")
	}
	return nil
}

// Save writes the configuration back to its env file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	if c.path == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "config has no backing file")
	}

	values := map[string]string{
		KeyPort:           strconv.Itoa(c.Port),
		KeyAdminPort:      strconv.Itoa(c.AdminPort),
		KeyDailyLimit:     strconv.Itoa(c.DailyLimit),
		KeyDBPath:         c.DBPath,
		KeyRuntimeCommand: c.RuntimeCommand,
		KeyRuntimeTimeout: c.RuntimeTimeout.String(),
		KeyMaxCompletions: strconv.Itoa(c.MaxCompletions),
		KeyLogDir:         c.LogDir,
	}
	if err := godotenv.Write(values, c.path); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "failed to write config file").
			WithContext("path", c.path)
	}
	return nil
}

// UpdateServing applies an admin config update (serving port + daily limit)
// and persists it. The mutate/validate/save sequence runs under the config
// lock so concurrent updates serialize and readers using Serving never
// observe a state that validation later rolls back.
func (c *Config) UpdateServing(port, dailyLimit int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevPort, prevLimit := c.Port, c.DailyLimit
	c.Port = port
	c.DailyLimit = dailyLimit
	if err := c.Validate(); err != nil {
		c.Port, c.DailyLimit = prevPort, prevLimit
		return err
	}
	return c.saveLocked()
}

// Serving returns the serving port and daily limit as one consistent pair.
// Concurrent readers must use this instead of the fields, which UpdateServing
// mutates under the lock.
func (c *Config) Serving() (port, dailyLimit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Port, c.DailyLimit
}

// Path returns the backing env file path.
func (c *Config) Path() string {
	return c.path
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d outside 1-65535", port)
	}
	return nil
}

func intValue(values map[string]string, key string, def int) (int, error) {
	raw := strings.TrimSpace(values[key])
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "invalid integer value").
			WithContext("key", key).
			WithContext("value", raw)
	}
	return v, nil
}
