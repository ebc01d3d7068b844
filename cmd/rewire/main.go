// The rewire server: receives observations from instrumented jobs, runs
// the periodic checker, and sends violation notifications.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/rewire/internal/api"
	"github.com/marcus-qen/rewire/internal/checker"
	"github.com/marcus-qen/rewire/internal/clock"
	"github.com/marcus-qen/rewire/internal/config"
	"github.com/marcus-qen/rewire/internal/notify"
	"github.com/marcus-qen/rewire/internal/store"
	"github.com/marcus-qen/rewire/internal/trials"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewStore(cfg.DBPath, clock.System())
	if err != nil {
		logger.Fatal("open store", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer st.Close()

	notifier := buildNotifier(cfg, logger)
	trialMgr := trials.NewManager(st, cfg.BaseURL)

	chk, err := checker.New(st, trialMgr, notifier, logger.Named("checker"), checker.Options{
		CheckEvery:     cfg.CheckEvery,
		RenotifyAfterS: cfg.RenotifyAfterS,
	})
	if err != nil {
		logger.Fatal("configure checker", zap.Error(err))
	}
	chk.Start(ctx)
	defer chk.Stop()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewServer(st, trialMgr, cfg.BaseURL, cfg.AdminToken, logger.Named("api")),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting rewire",
		zap.String("addr", cfg.Addr()),
		zap.String("db", cfg.DBPath),
		zap.String("check_every", cfg.CheckEvery),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// buildNotifier assembles the channel set: email when SMTP is configured,
// a log-only dev channel otherwise, plus Slack, Discord, and any generic
// webhooks.
func buildNotifier(cfg config.Config, logger *zap.Logger) *notify.Multi {
	log := zapr.NewLogger(logger.Named("notify"))
	multi := notify.NewMulti(log)

	if cfg.SMTP.Host != "" {
		multi.Register(notify.NewEmailChannel(
			cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From,
			cfg.SMTP.Username, cfg.SMTP.Password,
		))
		logger.Info("email notifications enabled", zap.String("smtp_host", cfg.SMTP.Host))
	} else {
		multi.Register(notify.NewDevChannel(log))
		logger.Info("no SMTP host configured, notifications will be logged")
	}

	if cfg.SlackWebhook != "" {
		multi.Register(notify.NewSlackChannel(cfg.SlackWebhook))
		logger.Info("slack notifications enabled")
	}
	if cfg.DiscordWebhook != "" {
		multi.Register(notify.NewDiscordChannel(cfg.DiscordWebhook))
		logger.Info("discord notifications enabled")
	}
	for _, wh := range cfg.Webhooks {
		multi.Register(notify.NewWebhookChannel(wh.URL, wh.Secret))
		logger.Info("webhook notifications enabled", zap.String("url", wh.URL))
	}
	return multi
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
