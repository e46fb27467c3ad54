package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EndpointEnv names the variable holding the backend address for clients.
	EndpointEnv = "CHATWIRE_SOCKET_URL"
	// DefaultEndpoint is used when EndpointEnv is unset or blank.
	DefaultEndpoint = "http://localhost:8000"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Presence PresenceConfig `yaml:"presence"`
	Logger   LoggerConfig   `yaml:"logger"`
	Mock     MockConfig     `yaml:"mock"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RelayConfig struct {
	MaxConnections int           `yaml:"max_connections"` // 0 = unlimited
	SendBuffer     int           `yaml:"send_buffer"`     // per-peer outbound queue
	PollTimeout    time.Duration `yaml:"poll_timeout"`    // how long a long-poll is held open
	PollIdle       time.Duration `yaml:"poll_idle"`       // polling sessions with no request for this long are dropped
}

type PresenceConfig struct {
	Type  string      `yaml:"type"` // memory, redis
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // used when output is file
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxBackups int    `yaml:"max_backups"` // rotated files kept
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`
	Color      bool   `yaml:"color"` // console format only
}

type MockConfig struct {
	Users       []MockUser    `yaml:"users"`
	TypingDelay time.Duration `yaml:"typing_delay"`
	ReplyDelay  time.Duration `yaml:"reply_delay"`
}

type MockUser struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8000,
			Host: "0.0.0.0",
		},
		Relay: RelayConfig{
			SendBuffer:  64,
			PollTimeout: 25 * time.Second,
			PollIdle:    60 * time.Second,
		},
		Presence: PresenceConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "chatwire:presence",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Mock: MockConfig{
			Users: []MockUser{
				{ID: "echo", Name: "Echo"},
				{ID: "parrot", Name: "Parrot"},
			},
			TypingDelay: 300 * time.Millisecond,
			ReplyDelay:  700 * time.Millisecond,
		},
	}
}

// Load reads a YAML config over the defaults. A .env file in the working
// directory is loaded first, and ${VAR} or ${VAR:default} placeholders in the
// file are replaced from the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(resolveEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Relay.MaxConnections < 0 {
		return fmt.Errorf("relay.max_connections must not be negative")
	}
	if c.Relay.SendBuffer <= 0 {
		c.Relay.SendBuffer = 64
	}
	if c.Relay.PollTimeout <= 0 {
		c.Relay.PollTimeout = 25 * time.Second
	}
	if c.Relay.PollIdle <= c.Relay.PollTimeout {
		c.Relay.PollIdle = 2 * c.Relay.PollTimeout
	}
	switch c.Presence.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown presence.type %q", c.Presence.Type)
	}
	return nil
}

// Addr is the listen address for the relay.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Endpoint returns the backend address clients connect to, taken from
// EndpointEnv (after loading .env) or DefaultEndpoint.
func Endpoint() string {
	_ = godotenv.Load()
	if v := strings.TrimSpace(os.Getenv(EndpointEnv)); v != "" {
		return v
	}
	return DefaultEndpoint
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		m := envPattern.FindSubmatch(match)
		if value, ok := os.LookupEnv(string(m[1])); ok {
			return []byte(value)
		}
		return m[2]
	})
}
