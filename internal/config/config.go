package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Rcon      RconConfig      `yaml:"rcon"`
	Logs      LogsConfig      `yaml:"logs"`
	Chat      ChatConfig      `yaml:"chat"`
	Linking   LinkingConfig   `yaml:"linking"`
	Assistant AssistantConfig `yaml:"assistant"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Database  DatabaseConfig  `yaml:"database"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
	Auth      AuthConfig      `yaml:"auth"`
	NATS      NATSConfig      `yaml:"nats"`
}

// ServerConfig holds HTTP listener and game server process settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	HTTPPort     int           `yaml:"http_port"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Dir          string        `yaml:"dir"`      // game server working directory
	Jar          string        `yaml:"jar"`      // server jar, relative to Dir
	JavaArgs     []string      `yaml:"java_args"` // extra JVM flags placed before -jar
	StaticDir    string        `yaml:"static_dir"` // optional web UI served at /
}

// RconConfig holds command channel settings
type RconConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Address returns host:port for the rcon listener
func (c RconConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogsConfig holds server log locations
type LogsConfig struct {
	Path            string        `yaml:"path"`
	Dir             string        `yaml:"dir"`
	HistoryOffset   time.Duration `yaml:"history_offset"`
	HistoryTimezone string        `yaml:"history_timezone"`
}

// ChatConfig holds the in-game chat command tokens
type ChatConfig struct {
	CommandPrefix   string `yaml:"command_prefix"`
	LinkToken       string `yaml:"link_token"`
	AssistantPrefix string `yaml:"assistant_prefix"`
	MaxChunk        int    `yaml:"max_chunk"`
}

// LinkingConfig holds pairing code settings
type LinkingConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl"`
}

// AssistantConfig holds inference service settings
type AssistantConfig struct {
	URL      string        `yaml:"url"`
	Model    string        `yaml:"model"`
	Cooldown time.Duration `yaml:"cooldown"`
	MaxReply int           `yaml:"max_reply"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SandboxConfig holds code execution limits
type SandboxConfig struct {
	Image     string        `yaml:"image"`
	Memory    string        `yaml:"memory"`
	CPUs      string        `yaml:"cpus"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output"`
	Command   []string      `yaml:"command"` // overrides docker entirely when set
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WhitelistConfig holds whitelist file settings
type WhitelistConfig struct {
	Path       string `yaml:"path"`
	ProfileURL string `yaml:"profile_url"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// NATSConfig holds the optional message fan-out settings
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if v := os.Getenv("BLOCKBRIDGE_RCON_PASSWORD"); v != "" {
		cfg.Rcon.Password = v
	}
	if v := os.Getenv("BLOCKBRIDGE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.PollInterval == 0 {
		cfg.Server.PollInterval = 10 * time.Second
	}
	if cfg.Server.Dir == "" {
		cfg.Server.Dir = "."
	}
	if cfg.Server.Jar == "" {
		cfg.Server.Jar = "paper.jar"
	}

	if cfg.Rcon.Host == "" {
		cfg.Rcon.Host = "127.0.0.1"
	}
	if cfg.Rcon.Port == 0 {
		cfg.Rcon.Port = 25575
	}
	if cfg.Rcon.Timeout == 0 {
		cfg.Rcon.Timeout = 5 * time.Second
	}

	if cfg.Logs.Dir == "" {
		cfg.Logs.Dir = filepath.Join(cfg.Server.Dir, "logs")
	}
	if cfg.Logs.Path == "" {
		cfg.Logs.Path = filepath.Join(cfg.Logs.Dir, "latest.log")
	}
	if cfg.Logs.HistoryOffset == 0 {
		cfg.Logs.HistoryOffset = 2 * time.Hour
	}
	if cfg.Logs.HistoryTimezone == "" {
		cfg.Logs.HistoryTimezone = "Europe/Berlin"
	}

	if cfg.Chat.CommandPrefix == "" {
		cfg.Chat.CommandPrefix = "."
	}
	if cfg.Chat.LinkToken == "" {
		cfg.Chat.LinkToken = ".link"
	}
	if cfg.Chat.AssistantPrefix == "" {
		cfg.Chat.AssistantPrefix = ".ai "
	}
	if cfg.Chat.MaxChunk == 0 {
		cfg.Chat.MaxChunk = 240
	}

	if cfg.Linking.CodeTTL == 0 {
		cfg.Linking.CodeTTL = 5 * time.Minute
	}

	if cfg.Assistant.URL == "" {
		cfg.Assistant.URL = "http://127.0.0.1:11434/api/generate"
	}
	if cfg.Assistant.Model == "" {
		cfg.Assistant.Model = "phi3:mini"
	}
	if cfg.Assistant.Cooldown == 0 {
		cfg.Assistant.Cooldown = 5 * time.Second
	}
	if cfg.Assistant.MaxReply == 0 {
		cfg.Assistant.MaxReply = 2000
	}
	if cfg.Assistant.Timeout == 0 {
		cfg.Assistant.Timeout = 60 * time.Second
	}

	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "python:3.12-alpine"
	}
	if cfg.Sandbox.Memory == "" {
		cfg.Sandbox.Memory = "64m"
	}
	if cfg.Sandbox.CPUs == "" {
		cfg.Sandbox.CPUs = "0.5"
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 3 * time.Second
	}
	if cfg.Sandbox.MaxOutput == 0 {
		cfg.Sandbox.MaxOutput = 1500
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/blockbridge/blockbridge.db"
	}

	if cfg.Whitelist.Path == "" {
		cfg.Whitelist.Path = filepath.Join(cfg.Server.Dir, "whitelist.json")
	}
	if cfg.Whitelist.ProfileURL == "" {
		cfg.Whitelist.ProfileURL = "https://api.mojang.com/users/profiles/minecraft/"
	}

	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "blockbridge"
	}
}
