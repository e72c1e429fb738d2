// Package main is the entry point for the gateway runtime core.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/autoreply"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/campaign"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/commandbus"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/config"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/health"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/kv"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/sessionstore"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/supervisor"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/tracing"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/whatsapp"
)

var version = "dev"

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	envFile    = flag.String("env", ".env", "Path to a .env file loaded before the config")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Override log level from flag if provided
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("gateway starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer := tracing.NewManager(tracing.SettingsFromConfig(cfg, version), logger)
	if err := tracer.Init(ctx); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if store.DialectFor(cfg.DatabaseURL) == store.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	enc, err := sessionstore.NewEncryptor(cfg.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("init credential encryption: %w", err)
	}
	if !enc.Enabled() {
		logger.Warn("encryption_secret not set, session credentials are stored in plaintext")
	}
	sessions := sessionstore.New(db, enc)

	counters, err := kv.Dial(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer counters.Close()

	mq, err := broker.Dial(ctx, cfg.BrokerURL, broker.Topology{
		EventExchange: cfg.EventExchange,
		CommandQueue:  cfg.CommandQueue,
		DispatchQueue: cfg.DispatchQueue,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer mq.Close()

	dialer, err := whatsapp.NewDialer(ctx, cfg.SessionPath, logger)
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	defer dialer.Close()

	sup := supervisor.New(supervisor.Deps{
		Dialer:      dialer,
		Sessions:    sessions,
		KV:          counters,
		Accounts:    db.Accounts,
		Messages:    db.Messages,
		Transitions: db.Transitions,
		Events:      mq,
	}, supervisor.OptionsFromConfig(cfg), logger)

	if cfg.PrintQR {
		sup.OnQR(func(accountID, code string) {
			fmt.Fprintf(os.Stderr, "\nScan this QR code with WhatsApp to pair account %s\n", accountID)
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stderr)
			fmt.Fprintln(os.Stderr)
		})
	}

	replyOpts, err := autoreply.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("auto-reply options: %w", err)
	}
	engine := autoreply.New(autoreply.Deps{
		Accounts: db.Accounts,
		Rules:    db.Rules,
		Messages: db.Messages,
		Counters: counters,
		Sender:   sup,
		Webhook: autoreply.NewWebhookClient(autoreply.WebhookOptions{
			Allowlist:     cfg.WebhookAllowlist,
			Timeout:       cfg.WebhookTimeout,
			MaxActions:    cfg.WebhookMaxActions,
			MaxTextLength: cfg.WebhookMaxTextLength,
		}, logger),
		Events: mq,
	}, replyOpts, logger)
	sup.SetInboundHandler(engine)

	bus := commandbus.New(sup, db.Accounts, db.Audit, db.Messages, mq, logger)
	scheduler := campaign.NewScheduler(db.Campaigns, db.Contacts, mq, mq, cfg.DispatchQueue, cfg.SchedulerInterval, logger)
	dispatcher := campaign.NewDispatcher(campaign.DispatchDeps{
		Campaigns: db.Campaigns,
		Contacts:  db.Contacts,
		Accounts:  db.Accounts,
		Messages:  db.Messages,
		Sender:    sup,
		Loads:     counters,
		Queue:     mq,
		Events:    mq,
	}, campaign.DispatchOptionsFromConfig(cfg), logger)

	monitor := health.NewMonitor(sup, db.Campaigns, logger)
	monitor.AddCheck("database", db.Ping)
	monitor.AddCheck("redis", counters.Ping)
	monitor.AddCheck("broker", func(ctx context.Context) error {
		if !mq.Healthy() {
			return errors.New("broker connection down")
		}
		return nil
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           monitor.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 4)
	go func() {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()
	go func() {
		if err := bus.Run(ctx, mq, cfg.CommandQueue); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("command bus: %w", err)
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx, mq); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("campaign dispatcher: %w", err)
		}
	}()
	go scheduler.Run(ctx)

	if err := sup.ResumeAll(ctx); err != nil {
		logger.Error("failed to resume sessions", "error", err)
	}

	logger.Info("gateway initialized",
		"database", cfg.DatabaseURL,
		"session_path", cfg.SessionPath,
		"lease_policy", cfg.LeasePolicy,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errChan:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", "error", err)
	}
	sup.Shutdown(shutdownCtx)
	return runErr
}
