package server

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Defaults for a local development server
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 42428
)

// ServerConfig holds the resolved server settings
type ServerConfig struct {
	Host     string
	TCPPort  int
	HTTPPort int // admin HTTP listener; 0 disables it

	JournalPath          string // empty disables the journal
	JournalFlushInterval time.Duration

	AcceptConcurrency int
	ConnectsPerSecond float64 // per remote IP; 0 (default) disables rate limiting
	ConnectBurst      int     // only used when ConnectsPerSecond > 0

	MaxFields      int
	MaxFieldLength int

	PollInterval   time.Duration
	HealthInterval time.Duration
	IdleTimeout    time.Duration // opt-in; 0 (default) never drops a silent but writable peer
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	UsernamePolicy    string
	MaxUsernameLength int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:                 DefaultHost,
		TCPPort:              DefaultPort,
		HTTPPort:             0,
		JournalFlushInterval: time.Second,
		AcceptConcurrency:    8,
		ConnectsPerSecond:    0,
		ConnectBurst:         20,
		MaxFields:            64,
		MaxFieldLength:       1 << 20,
		PollInterval:         250 * time.Millisecond,
		HealthInterval:       15 * time.Second,
		IdleTimeout:          0,
		ReadTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		UsernamePolicy:       PolicyAny,
		MaxUsernameLength:    32,
	}
}

// Addr returns the TCP listen address
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.TCPPort))
}

// HTTPAddr returns the admin HTTP listen address
func (c ServerConfig) HTTPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HTTPPort))
}

// Validate checks settings that have no usable fallback
func (c ServerConfig) Validate() error {
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp port %d out of range", c.TCPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	if c.AcceptConcurrency < 1 {
		return fmt.Errorf("accept concurrency must be at least 1, got %d", c.AcceptConcurrency)
	}
	if c.MaxFields < 1 || int64(c.MaxFields) > math.MaxUint32 {
		return fmt.Errorf("max fields %d out of range", c.MaxFields)
	}
	if c.MaxFieldLength < 1 || int64(c.MaxFieldLength) > math.MaxUint32 {
		return fmt.Errorf("max field length %d out of range", c.MaxFieldLength)
	}
	if c.ConnectsPerSecond < 0 {
		return fmt.Errorf("connects per second must not be negative, got %v", c.ConnectsPerSecond)
	}
	if c.ConnectsPerSecond > 0 && c.ConnectBurst < 1 {
		return fmt.Errorf("connect burst must be at least 1 when rate limiting, got %d", c.ConnectBurst)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	if c.PollInterval <= 0 || c.HealthInterval <= 0 {
		return errors.New("poll and health intervals must be positive")
	}
	if _, err := ValidatorForPolicy(c.UsernamePolicy, c.MaxUsernameLength); err != nil {
		return err
	}
	return nil
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Session SessionSection `toml:"session"`
	Users   UsersSection   `toml:"users"`
	Log     LogSection     `toml:"log"`
}

type ServerSection struct {
	Host           string `toml:"host"`
	TCPPort        int    `toml:"tcp_port"`
	HTTPPort       int    `toml:"http_port"`
	JournalPath    string `toml:"journal_path"`
	JournalFlushMS int    `toml:"journal_flush_ms"`
}

type LimitsSection struct {
	AcceptConcurrency int     `toml:"accept_concurrency"`
	ConnectsPerSecond float64 `toml:"connects_per_second"`
	ConnectBurst      int     `toml:"connect_burst"`
	MaxFields         int     `toml:"max_fields"`
	MaxFieldLength    int     `toml:"max_field_length"`
}

type SessionSection struct {
	PollIntervalMS        int `toml:"poll_interval_ms"`
	HealthIntervalSeconds int `toml:"health_interval_seconds"`
	IdleTimeoutSeconds    int `toml:"idle_timeout_seconds"`
	ReadTimeoutSeconds    int `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int `toml:"write_timeout_seconds"`
}

type UsersSection struct {
	Policy    string `toml:"policy"`
	MaxLength int    `toml:"max_length"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:           d.Host,
			TCPPort:        d.TCPPort,
			HTTPPort:       d.HTTPPort,
			JournalPath:    "",
			JournalFlushMS: int(d.JournalFlushInterval / time.Millisecond),
		},
		Limits: LimitsSection{
			AcceptConcurrency: d.AcceptConcurrency,
			ConnectsPerSecond: d.ConnectsPerSecond,
			ConnectBurst:      d.ConnectBurst,
			MaxFields:         d.MaxFields,
			MaxFieldLength:    d.MaxFieldLength,
		},
		Session: SessionSection{
			PollIntervalMS:        int(d.PollInterval / time.Millisecond),
			HealthIntervalSeconds: int(d.HealthInterval / time.Second),
			IdleTimeoutSeconds:    int(d.IdleTimeout / time.Second),
			ReadTimeoutSeconds:    int(d.ReadTimeout / time.Second),
			WriteTimeoutSeconds:   int(d.WriteTimeout / time.Second),
		},
		Users: UsersSection{
			Policy:    d.UsernamePolicy,
			MaxLength: d.MaxUsernameLength,
		},
		Log: LogSection{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default one if
// the file does not exist
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		config := DefaultTOMLConfig()
		// a read-only location is not fatal; the defaults still apply
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Edoras Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
#
# limits.connects_per_second = 0 turns per-IP connection rate limiting off.
# session.idle_timeout_seconds = 0 keeps quiet clients connected as long as
# health check pings can be written to them.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// EnvPrefix prefixes every environment override
const EnvPrefix = "EDORAS_"

// LoadEnv collects EDORAS_* variables from envFile (if it exists) and the
// process environment; the process environment wins
func LoadEnv(envFile string) (map[string]string, error) {
	env := make(map[string]string)

	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			if strings.HasPrefix(k, EnvPrefix) {
				env[k] = v
			}
		}
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overrides file settings with EDORAS_* values
func (c *TOMLConfig) ApplyEnv(env map[string]string) error {
	strVars := map[string]*string{
		"EDORAS_HOST":            &c.Server.Host,
		"EDORAS_JOURNAL":         &c.Server.JournalPath,
		"EDORAS_USERNAME_POLICY": &c.Users.Policy,
		"EDORAS_LOG_LEVEL":       &c.Log.Level,
		"EDORAS_LOG_FORMAT":      &c.Log.Format,
	}
	for key, dst := range strVars {
		if v, ok := env[key]; ok {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"EDORAS_PORT":                    &c.Server.TCPPort,
		"EDORAS_HTTP_PORT":               &c.Server.HTTPPort,
		"EDORAS_ACCEPT_CONCURRENCY":      &c.Limits.AcceptConcurrency,
		"EDORAS_CONNECT_BURST":           &c.Limits.ConnectBurst,
		"EDORAS_HEALTH_INTERVAL_SECONDS": &c.Session.HealthIntervalSeconds,
		"EDORAS_IDLE_TIMEOUT_SECONDS":    &c.Session.IdleTimeoutSeconds,
	}
	for key, dst := range intVars {
		v, ok := env[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		*dst = n
	}

	if v, ok := env["EDORAS_CONNECTS_PER_SECOND"]; ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid EDORAS_CONNECTS_PER_SECOND=%q: %w", v, err)
		}
		c.Limits.ConnectsPerSecond = f
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig; zero values keep the defaults
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.JournalPath) != "" {
		if path, err := expandHome(c.Server.JournalPath); err == nil {
			cfg.JournalPath = path
		}
	}
	if c.Server.JournalFlushMS > 0 {
		cfg.JournalFlushInterval = time.Duration(c.Server.JournalFlushMS) * time.Millisecond
	}

	if c.Limits.AcceptConcurrency != 0 {
		cfg.AcceptConcurrency = c.Limits.AcceptConcurrency
	}
	if c.Limits.ConnectsPerSecond < 0 {
		cfg.ConnectsPerSecond = 0
	} else if c.Limits.ConnectsPerSecond > 0 {
		cfg.ConnectsPerSecond = c.Limits.ConnectsPerSecond
	}
	if c.Limits.ConnectBurst != 0 {
		cfg.ConnectBurst = c.Limits.ConnectBurst
	}
	if c.Limits.MaxFields != 0 {
		cfg.MaxFields = c.Limits.MaxFields
	}
	if c.Limits.MaxFieldLength != 0 {
		cfg.MaxFieldLength = c.Limits.MaxFieldLength
	}

	if c.Session.PollIntervalMS != 0 {
		cfg.PollInterval = time.Duration(c.Session.PollIntervalMS) * time.Millisecond
	}
	if c.Session.HealthIntervalSeconds != 0 {
		cfg.HealthInterval = time.Duration(c.Session.HealthIntervalSeconds) * time.Second
	}
	if c.Session.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeout = durationOrOff(c.Session.IdleTimeoutSeconds)
	}
	if c.Session.ReadTimeoutSeconds != 0 {
		cfg.ReadTimeout = durationOrOff(c.Session.ReadTimeoutSeconds)
	}
	if c.Session.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = durationOrOff(c.Session.WriteTimeoutSeconds)
	}

	if strings.TrimSpace(c.Users.Policy) != "" {
		cfg.UsernamePolicy = c.Users.Policy
	}
	if c.Users.MaxLength != 0 {
		cfg.MaxUsernameLength = c.Users.MaxLength
	}

	return cfg
}

// durationOrOff maps a negative seconds value to 0 (disabled)
func durationOrOff(seconds int) time.Duration {
	if seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
