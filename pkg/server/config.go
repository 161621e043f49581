package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort       int
	StaticDir      string
	DatabasePath   string
	AllowedOrigins []string
	ServerName     string
	Version        string

	MaxFrameBytes     int64
	MaxMessageLength  int
	MaxUsernameLength int
	MessageRateLimit  float64 // inbound frames per second per session
	MessageBurst      int
	SendQueueSize     int

	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	WriteTimeout      time.Duration
	CloseGrace        time.Duration
	ShutdownGrace     time.Duration

	SystemMessages bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          8081,
		ServerName:        "chatrelay",
		Version:           "dev",
		MaxFrameBytes:     64 * 1024,
		MaxMessageLength:  4096,
		MaxUsernameLength: 32,
		MessageRateLimit:  10,
		MessageBurst:      20,
		SendQueueSize:     256,
		IdleTimeout:       300 * time.Second,
		ReapInterval:      60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PongWait:          75 * time.Second,
		WriteTimeout:      10 * time.Second,
		CloseGrace:        2 * time.Second,
		ShutdownGrace:     5 * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Timeouts TimeoutsSection `toml:"timeouts"`
	Presence PresenceSection `toml:"presence"`
}

type ServerSection struct {
	HTTPPort       int      `toml:"http_port"`
	StaticDir      string   `toml:"static_dir"`
	DatabasePath   string   `toml:"database_path"`
	AllowedOrigins []string `toml:"allowed_origins"`
	ServerName     string   `toml:"server_name"`

	// portSet marks HTTPPort as explicitly chosen, so 0 means "any free port"
	// rather than "use the default".
	portSet bool
}

type LimitsSection struct {
	MaxFrameBytes     int     `toml:"max_frame_bytes"`
	MaxMessageLength  int     `toml:"max_message_length"`
	MaxUsernameLength int     `toml:"max_username_length"`
	MessageRateLimit  float64 `toml:"message_rate_limit"`
	MessageBurst      int     `toml:"message_burst"`
	SendQueueSize     int     `toml:"send_queue_size"`
}

type TimeoutsSection struct {
	IdleTimeoutSeconds       int `toml:"idle_timeout_seconds"`
	ReapIntervalSeconds      int `toml:"reap_interval_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	PongWaitSeconds          int `toml:"pong_wait_seconds"`
	WriteTimeoutSeconds      int `toml:"write_timeout_seconds"`
	CloseGraceSeconds        int `toml:"close_grace_seconds"`
	ShutdownGraceSeconds     int `toml:"shutdown_grace_seconds"`
}

type PresenceSection struct {
	SystemMessages bool `toml:"system_messages"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:       d.HTTPPort,
			StaticDir:      "./public",
			DatabasePath:   "",
			AllowedOrigins: []string{},
			ServerName:     d.ServerName,
		},
		Limits: LimitsSection{
			MaxFrameBytes:     int(d.MaxFrameBytes),
			MaxMessageLength:  d.MaxMessageLength,
			MaxUsernameLength: d.MaxUsernameLength,
			MessageRateLimit:  d.MessageRateLimit,
			MessageBurst:      d.MessageBurst,
			SendQueueSize:     d.SendQueueSize,
		},
		Timeouts: TimeoutsSection{
			IdleTimeoutSeconds:       int(d.IdleTimeout / time.Second),
			ReapIntervalSeconds:      int(d.ReapInterval / time.Second),
			HeartbeatIntervalSeconds: int(d.HeartbeatInterval / time.Second),
			PongWaitSeconds:          int(d.PongWait / time.Second),
			WriteTimeoutSeconds:      int(d.WriteTimeout / time.Second),
			CloseGraceSeconds:        int(d.CloseGrace / time.Second),
			ShutdownGraceSeconds:     int(d.ShutdownGrace / time.Second),
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory.
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

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location is not fatal; run with defaults.
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return TOMLConfig{}, fmt.Errorf("invalid config file: %w", err)
	}

	return config, nil
}

// Validate rejects settings that would silently widen what the server
// accepts.
func (c *TOMLConfig) Validate() error {
	if hasOriginEntries(c.Server.AllowedOrigins) && len(normalizeOrigins(c.Server.AllowedOrigins)) == 0 {
		return fmt.Errorf("allowed_origins lists no valid origin: %q", c.Server.AllowedOrigins)
	}
	return nil
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

	header := `# chatrelay server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# database_path = "" disables persistence; allowed_origins = [] accepts any origin

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ApplyEnvironment lets the PORT variable override the configured HTTP port.
func (c *TOMLConfig) ApplyEnvironment(getenv func(string) string) error {
	raw := strings.TrimSpace(getenv("PORT"))
	if raw == "" {
		return nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid PORT %q", raw)
	}
	c.SetPort(port)
	return nil
}

// SetPort overrides the HTTP port. Unlike a zero in the file, an explicit 0
// binds a random free port.
func (c *TOMLConfig) SetPort(port int) {
	c.Server.HTTPPort = port
	c.Server.portSet = true
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 || c.Server.portSet {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	cfg.StaticDir = strings.TrimSpace(c.Server.StaticDir)
	cfg.DatabasePath = strings.TrimSpace(c.Server.DatabasePath)
	cfg.AllowedOrigins = normalizeOrigins(c.Server.AllowedOrigins)
	if name := strings.TrimSpace(c.Server.ServerName); name != "" {
		cfg.ServerName = name
	}

	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = int64(c.Limits.MaxFrameBytes)
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUsernameLength > 0 {
		cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	}
	if c.Limits.MessageRateLimit > 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.MessageBurst > 0 {
		cfg.MessageBurst = c.Limits.MessageBurst
	}
	if c.Limits.SendQueueSize > 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}

	cfg.IdleTimeout = seconds(c.Timeouts.IdleTimeoutSeconds, cfg.IdleTimeout)
	cfg.ReapInterval = seconds(c.Timeouts.ReapIntervalSeconds, cfg.ReapInterval)
	cfg.HeartbeatInterval = seconds(c.Timeouts.HeartbeatIntervalSeconds, cfg.HeartbeatInterval)
	cfg.PongWait = seconds(c.Timeouts.PongWaitSeconds, cfg.PongWait)
	cfg.WriteTimeout = seconds(c.Timeouts.WriteTimeoutSeconds, cfg.WriteTimeout)
	cfg.CloseGrace = seconds(c.Timeouts.CloseGraceSeconds, cfg.CloseGrace)
	cfg.ShutdownGrace = seconds(c.Timeouts.ShutdownGraceSeconds, cfg.ShutdownGrace)

	cfg.SystemMessages = c.Presence.SystemMessages

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded. Empty means
// persistence is disabled.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := strings.TrimSpace(c.Server.DatabasePath)
	if path == "" {
		return "", nil
	}
	return expandHome(path)
}
