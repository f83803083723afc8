// Package config provides YAML- and TOML-based configuration loading for Courier.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Courier configuration, loaded from courier.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Limits    LimitsConfig    `yaml:"limits" toml:"limits"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port       int    `yaml:"port" toml:"port"`
	CORSOrigin string `yaml:"cors_origin" toml:"cors_origin"`
}

// DatabaseConfig selects and configures the message store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" toml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path" toml:"path"`     // sqlite file
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
	Name     string `yaml:"name" toml:"name"`
}

// SessionsConfig controls the on-disk session layout and lifecycle timings.
type SessionsConfig struct {
	Root                string `yaml:"root" toml:"root"`
	OwnerFile           string `yaml:"owner_file" toml:"owner_file"`
	ReconnectDelaySec   int    `yaml:"reconnect_delay_sec" toml:"reconnect_delay_sec"`
	PresenceIntervalSec int    `yaml:"presence_interval_sec" toml:"presence_interval_sec"`
	RestoreTimeoutSec   int    `yaml:"restore_timeout_sec" toml:"restore_timeout_sec"`
	PairingTimeoutSec   int    `yaml:"pairing_timeout_sec" toml:"pairing_timeout_sec"`
	TerminalCodes       []int  `yaml:"terminal_codes" toml:"terminal_codes"`
}

// TransportConfig points at the protocol gateway the bridge transport dials.
type TransportConfig struct {
	BridgeURL  string `yaml:"bridge_url" toml:"bridge_url"`
	DeviceName string `yaml:"device_name" toml:"device_name"`
}

// LimitsConfig holds the quota, pacing and retry knobs.
type LimitsConfig struct {
	DailyLimit    int   `yaml:"daily_limit" toml:"daily_limit"`
	DelayBaseMs   int   `yaml:"delay_base_ms" toml:"delay_base_ms"`
	DelayJitterMs int   `yaml:"delay_jitter_ms" toml:"delay_jitter_ms"`
	RetryAttempts int   `yaml:"retry_attempts" toml:"retry_attempts"`
	VaryText      *bool `yaml:"vary_text" toml:"vary_text"`
}

// SchedulerConfig controls the periodic dispatch job.
type SchedulerConfig struct {
	Cron     string `yaml:"cron" toml:"cron"`
	Timezone string `yaml:"timezone" toml:"timezone"`
}

// AuthConfig holds API token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Cookie    string `yaml:"cookie" toml:"cookie"`
}

// NotifyConfig configures the chat sinks that mirror lifecycle events.
type NotifyConfig struct {
	Slack   ChatSinkConfig `yaml:"slack" toml:"slack"`
	Discord ChatSinkConfig `yaml:"discord" toml:"discord"`
}

// ChatSinkConfig is a bot token plus the channel to post into.
type ChatSinkConfig struct {
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// Load reads a config file from path and returns a validated Config. Files
// ending in .toml are decoded as TOML; everything else is YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return finish(&cfg)
}

// ParseTOML unmarshals TOML bytes into a validated Config.
func ParseTOML(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse toml: %w", err)
	}
	return finish(&cfg)
}

// Default returns a Config with every default applied, used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and the daily cap come from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("COURIER_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("COURIER_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("COURIER_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.DailyLimit = n
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8001
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "http://localhost:3000"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "courier.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "courier"
	}

	if c.Sessions.Root == "" {
		c.Sessions.Root = "./auth_sessions"
	}
	if c.Sessions.OwnerFile == "" {
		c.Sessions.OwnerFile = filepath.Join(c.Sessions.Root, "_session_users.json")
	}
	if c.Sessions.ReconnectDelaySec == 0 {
		c.Sessions.ReconnectDelaySec = 5
	}
	if c.Sessions.PresenceIntervalSec == 0 {
		c.Sessions.PresenceIntervalSec = 20
	}
	if c.Sessions.RestoreTimeoutSec == 0 {
		c.Sessions.RestoreTimeoutSec = 30
	}
	if c.Sessions.PairingTimeoutSec == 0 {
		c.Sessions.PairingTimeoutSec = 60
	}
	if len(c.Sessions.TerminalCodes) == 0 {
		c.Sessions.TerminalCodes = []int{401, 403, 411, 440}
	}

	if c.Transport.BridgeURL == "" {
		c.Transport.BridgeURL = "ws://127.0.0.1:8090"
	}
	if c.Transport.DeviceName == "" {
		c.Transport.DeviceName = "Courier"
	}

	if c.Limits.DailyLimit == 0 {
		c.Limits.DailyLimit = 500
	}
	if c.Limits.DelayBaseMs == 0 {
		c.Limits.DelayBaseMs = 10000
	}
	if c.Limits.DelayJitterMs == 0 {
		c.Limits.DelayJitterMs = 5000
	}
	if c.Limits.RetryAttempts == 0 {
		c.Limits.RetryAttempts = 2
	}
	if c.Limits.VaryText == nil {
		vary := true
		c.Limits.VaryText = &vary
	}

	if c.Scheduler.Cron == "" {
		c.Scheduler.Cron = "* * * * *"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Local"
	}

	if c.Auth.Cookie == "" {
		c.Auth.Cookie = "token"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Limits.DailyLimit < 0 {
		errs = append(errs, "limits.daily_limit must not be negative")
	}
	if c.Limits.RetryAttempts < 0 {
		errs = append(errs, "limits.retry_attempts must not be negative")
	}
	if c.Limits.DelayBaseMs < 0 || c.Limits.DelayJitterMs < 0 {
		errs = append(errs, "limits.delay_base_ms and limits.delay_jitter_ms must not be negative")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler.timezone %q: %v", c.Scheduler.Timezone, err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location resolves scheduler.timezone. It falls back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Seconds converts an integer second count from the config into a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts an integer millisecond count from the config into a Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
