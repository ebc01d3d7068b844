// Package config provides configuration loading for the rewire server.
// Sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SMTP configures the email notification channel. An empty host selects
// dev mode: notifications are logged instead of delivered.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Webhook configures one webhook notification endpoint.
type Webhook struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Config holds all server configuration.
type Config struct {
	// Path of the SQLite database file.
	DBPath string `yaml:"db_path"`

	// HTTP bind address and port.
	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`

	// Public base URL used to construct observe and ack links.
	BaseURL string `yaml:"base_url"`

	// Bearer token protecting /admin endpoints.
	AdminToken string `yaml:"admin_token"`

	// Check interval: a Go duration ("60s") or a cron expression.
	CheckEvery string `yaml:"check_every"`

	// Renotify interval for still-open violations, seconds. 0 disables.
	RenotifyAfterS int64 `yaml:"renotify_after_s"`

	SMTP     SMTP      `yaml:"smtp"`
	Webhooks []Webhook `yaml:"webhooks"`

	// Slack incoming webhook URL. Empty disables the Slack channel.
	SlackWebhook string `yaml:"slack_webhook"`

	// Discord webhook URL. Empty disables the Discord channel.
	DiscordWebhook string `yaml:"discord_webhook"`

	// Log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		DBPath:     "rewire.db",
		ListenAddr: "127.0.0.1",
		ListenPort: 8080,
		BaseURL:    "http://127.0.0.1:8080",
		AdminToken: "dev-admin-token",
		CheckEvery: "60s",
		SMTP: SMTP{
			Port: 587,
			From: "rewire@localhost",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("REWIRE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REWIRE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REWIRE_LISTEN_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse REWIRE_LISTEN_PORT: %w", err)
		}
		cfg.ListenPort = n
	}
	if v := os.Getenv("REWIRE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("REWIRE_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("REWIRE_CHECK_EVERY"); v != "" {
		cfg.CheckEvery = v
	}
	if v := os.Getenv("REWIRE_RENOTIFY_AFTER_S"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("parse REWIRE_RENOTIFY_AFTER_S: %w", err)
		}
		cfg.RenotifyAfterS = n
	}
	if v := os.Getenv("REWIRE_SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("REWIRE_SMTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse REWIRE_SMTP_PORT: %w", err)
		}
		cfg.SMTP.Port = n
	}
	if v := os.Getenv("REWIRE_SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("REWIRE_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("REWIRE_SMTP_FROM"); v != "" {
		cfg.SMTP.From = v
	}
	if v := os.Getenv("REWIRE_SLACK_WEBHOOK"); v != "" {
		cfg.SlackWebhook = v
	}
	if v := os.Getenv("REWIRE_DISCORD_WEBHOOK"); v != "" {
		cfg.DiscordWebhook = v
	}
	if v := os.Getenv("REWIRE_WEBHOOK_URL"); v != "" {
		cfg.Webhooks = append(cfg.Webhooks, Webhook{
			URL:    v,
			Secret: os.Getenv("REWIRE_WEBHOOK_SECRET"),
		})
	}
	if v := os.Getenv("REWIRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base_url is required")
	}
	if strings.TrimSpace(c.AdminToken) == "" {
		return fmt.Errorf("admin_token is required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be in 1..65535")
	}
	if c.RenotifyAfterS < 0 {
		return fmt.Errorf("renotify_after_s must be >= 0")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}
