package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "rewire.db" {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
	if cfg.ListenAddr != "127.0.0.1" || cfg.ListenPort != 8080 {
		t.Errorf("listen = %q:%d", cfg.ListenAddr, cfg.ListenPort)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.CheckEvery != "60s" {
		t.Errorf("check_every = %q", cfg.CheckEvery)
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("smtp port = %d", cfg.SMTP.Port)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewire.yaml")
	data := `
db_path: /var/lib/rewire/rewire.db
listen_addr: 0.0.0.0
listen_port: 9000
base_url: https://rewire.example.com
admin_token: prod-token
check_every: "*/5 * * * *"
renotify_after_s: 3600
smtp:
  host: mail.example.com
  port: 465
  from: rewire@example.com
webhooks:
  - url: https://hooks.example.com/rewire
    secret: hook-secret
slack_webhook: https://hooks.slack.com/services/T0/B0/x
discord_webhook: https://discord.com/api/webhooks/1/y
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/rewire/rewire.db" {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
	if cfg.BaseURL != "https://rewire.example.com" {
		t.Errorf("base_url = %q", cfg.BaseURL)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.CheckEvery != "*/5 * * * *" {
		t.Errorf("check_every = %q", cfg.CheckEvery)
	}
	if cfg.RenotifyAfterS != 3600 {
		t.Errorf("renotify_after_s = %d", cfg.RenotifyAfterS)
	}
	if cfg.SMTP.Host != "mail.example.com" || cfg.SMTP.Port != 465 {
		t.Errorf("smtp = %+v", cfg.SMTP)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Secret != "hook-secret" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
	if cfg.SlackWebhook != "https://hooks.slack.com/services/T0/B0/x" {
		t.Errorf("slack_webhook = %q", cfg.SlackWebhook)
	}
	if cfg.DiscordWebhook != "https://discord.com/api/webhooks/1/y" {
		t.Errorf("discord_webhook = %q", cfg.DiscordWebhook)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewire.yaml")
	if err := os.WriteFile(path, []byte("listen_port: 1111\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("REWIRE_LISTEN_PORT", "2222")
	t.Setenv("REWIRE_ADMIN_TOKEN", "from-env")
	t.Setenv("REWIRE_WEBHOOK_URL", "https://hooks.example.com/x")
	t.Setenv("REWIRE_WEBHOOK_SECRET", "env-secret")
	t.Setenv("REWIRE_SLACK_WEBHOOK", "https://hooks.slack.com/services/env")
	t.Setenv("REWIRE_DISCORD_WEBHOOK", "https://discord.com/api/webhooks/env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenPort != 2222 {
		t.Errorf("listen_port = %d, env should win", cfg.ListenPort)
	}
	if cfg.SlackWebhook != "https://hooks.slack.com/services/env" {
		t.Errorf("slack_webhook = %q", cfg.SlackWebhook)
	}
	if cfg.DiscordWebhook != "https://discord.com/api/webhooks/env" {
		t.Errorf("discord_webhook = %q", cfg.DiscordWebhook)
	}
	if cfg.AdminToken != "from-env" {
		t.Errorf("admin_token = %q", cfg.AdminToken)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Secret != "env-secret" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewire.yaml")
	if err := os.WriteFile(path, []byte("admin_token: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("empty admin_token accepted")
	}

	if err := os.WriteFile(path, []byte("renotify_after_s: -5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("negative renotify_after_s accepted")
	}

	if err := os.WriteFile(path, []byte("listen_port: 70000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("out-of-range listen_port accepted")
	}
}

func TestMissingFileIsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config file accepted")
	}
}
