package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/api"
	"github.com/careerhive/sentinel/internal/audit"
	"github.com/careerhive/sentinel/internal/core"
	"github.com/careerhive/sentinel/internal/counter"
	"github.com/careerhive/sentinel/internal/geoip"
	"github.com/careerhive/sentinel/internal/notify"
	"github.com/careerhive/sentinel/internal/ratelimit"
	"github.com/careerhive/sentinel/internal/store"
)

var version = "1.0.0"

func main() {
	configPath := flag.String("config", "configs/sentinel.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level override: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentinel %s\n", version)
		os.Exit(0)
	}

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info().Str("version", version).Msg("sentinel starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
}

func newLogger(cfg *core.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	switch cfg.LogLevel() {
	case "debug":
		return logger.Level(zerolog.DebugLevel)
	case "warn":
		return logger.Level(zerolog.WarnLevel)
	case "error":
		return logger.Level(zerolog.ErrorLevel)
	default:
		return logger.Level(zerolog.InfoLevel)
	}
}

func run(cfg *core.Config, logger zerolog.Logger) error {
	for _, path := range []string{cfg.Store.Path, cfg.Store.AuditPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	// Shared counter store: Redis when configured, in-process otherwise.
	var counters counter.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := counter.NewRedisStore(cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting counter store: %w", err)
		}
		defer redisStore.Close()
		counters = redisStore
	} else {
		logger.Warn().Msg("no redis configured, counters are process-local")
		counters = counter.NewMemoryStore()
	}

	db, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	auditStore, err := audit.NewSQLiteStore(cfg.Store.AuditPath)
	if err != nil {
		return err
	}
	defer auditStore.Close()

	signer, err := audit.NewSigner(cfg.SigningKey)
	if err != nil {
		return err
	}
	auditLogger := audit.NewLogger(logger, auditStore, signer)

	registry := core.NewRuleRegistry(logger)
	for _, rule := range core.DefaultRules() {
		if err := registry.Register(rule); err != nil {
			return err
		}
	}
	if cfg.Rules.File != "" {
		rules, err := core.LoadRulesFile(cfg.Rules.File)
		if err != nil {
			return fmt.Errorf("loading rules overlay: %w", err)
		}
		for _, rule := range rules {
			if err := registry.Register(rule); err != nil {
				return fmt.Errorf("registering rule overlay: %w", err)
			}
		}
		logger.Info().Int("rules", len(rules)).Str("file", cfg.Rules.File).Msg("rule overlay loaded")
	}

	var bus *core.EventBus
	if cfg.Bus.Enabled {
		bus, err = core.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		defer bus.Close()
	}

	var geo geoip.Resolver
	if cfg.GeoIP.Enabled {
		geo = geoip.NewClient(cfg.GeoIP, logger)
	}

	var notifier *notify.WebhookNotifier
	if len(cfg.Notify.WebhookURLs) > 0 {
		notifier = notify.NewWebhookNotifier(logger, notify.DefaultConfig(cfg.Notify.WebhookURLs))
		defer notifier.Close()
	}

	promReg := prometheus.NewRegistry()
	metrics := core.NewMetrics(promReg)

	engine := core.NewRuleEngine(logger, counters, registry)
	alerts, err := core.NewAlertManager(logger, db, 1024, cfg.DedupWindow())
	if err != nil {
		return err
	}

	var coreNotifier core.Notifier
	if notifier != nil {
		coreNotifier = notifier
	}
	responses := core.NewResponseExecutor(logger, counters, coreNotifier)

	ring := core.NewEventRing(cfg.Rules.RecentBuffer)
	ingestor := core.NewIngestor(logger, db, ring, geo, bus, engine, alerts, responses, metrics)

	limiter := ratelimit.NewLimiter(logger, counters, ratelimit.Ceilings{
		PerMinute: cfg.RateLimit.RequestsPerMinute,
		PerDay:    cfg.RateLimit.RequestsPerDay,
	})

	server := api.NewServer(logger, api.Deps{
		Config:    cfg,
		Ingestor:  ingestor,
		Alerts:    alerts,
		Responses: responses,
		Rules:     registry,
		Audit:     auditLogger,
		Limiter:   limiter,
		Metrics:   metrics,
		PromReg:   promReg,
		Bus:       bus,
		Notifier:  notifier,
	})
	server.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	logger.Info().Msg("sentinel stopped")
	return nil
}
