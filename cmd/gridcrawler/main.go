package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/venuescout/gridcrawler/internal/checkpoint"
	"github.com/venuescout/gridcrawler/internal/extract"
	"github.com/venuescout/gridcrawler/internal/fetch"
	"github.com/venuescout/gridcrawler/internal/grid"
	"github.com/venuescout/gridcrawler/internal/orchestrator"
	"github.com/venuescout/gridcrawler/internal/proxy"
	"github.com/venuescout/gridcrawler/internal/quota"
)

// Config holds runtime configuration loaded from environment variables with
// command-line overrides.
type Config struct {
	Env            string
	LogLevel       string
	SentryDSN      string
	ProxyAPIURL    string
	ProxyAPIKey    string
	CheckpointPath string
	OutputPath     string
	GridSize       int
	BaseZoom       int
	MaxScroll      int
	Concurrency    int
	DailyLimit     int
	HourlyLimit    int
	Verification   bool
}

func loadConfig() *Config {
	cfg := &Config{
		Env:            getEnvWithDefault("APP_ENV", "development"),
		LogLevel:       getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:      os.Getenv("SENTRY_DSN"),
		ProxyAPIURL:    getEnvWithDefault("PROXY_API_URL", "http://localhost:8000"),
		ProxyAPIKey:    os.Getenv("PROXY_API_KEY"),
		CheckpointPath: getEnvWithDefault("CHECKPOINT_PATH", "checkpoint.json"),
		OutputPath:     getEnvWithDefault("OUTPUT_PATH", "venues.jsonl"),
		GridSize:       getEnvInt("GRID_SIZE", 15),
		BaseZoom:       getEnvInt("BASE_ZOOM", 15),
		MaxScroll:      getEnvInt("MAX_SCROLL", 60),
		Concurrency:    getEnvInt("CONCURRENCY", 2),
		DailyLimit:     getEnvInt("DAILY_REQUEST_LIMIT", 5000),
		HourlyLimit:    getEnvInt("HOURLY_REQUEST_LIMIT", 400),
		Verification:   getEnvWithDefault("VERIFICATION_PASS", "true") == "true",
	}

	flag.IntVar(&cfg.GridSize, "grid", cfg.GridSize, "probe grid dimension (NxN)")
	flag.IntVar(&cfg.BaseZoom, "zoom", cfg.BaseZoom, "base zoom level")
	flag.IntVar(&cfg.MaxScroll, "max-scroll", cfg.MaxScroll, "feed scroll depth, bounds cards harvested per probe")
	flag.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "concurrent probe workers (1-3)")
	flag.StringVar(&cfg.CheckpointPath, "checkpoint", cfg.CheckpointPath, "checkpoint file path")
	flag.StringVar(&cfg.OutputPath, "out", cfg.OutputPath, "output JSONL file path")
	flag.BoolVar(&cfg.Verification, "verify", cfg.Verification, "run a verification sweep after the main pass")
	fresh := flag.Bool("fresh", false, "ignore any existing checkpoint and start over")
	flag.Parse()

	if *fresh {
		if err := os.Remove(cfg.CheckpointPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Failed to remove checkpoint for fresh start")
		}
	}
	return cfg
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using default")
	}
	return defaultValue
}

func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Console writer in development, JSON elsewhere
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "gridcrawler").
			Logger()
	}
}

func main() {
	// .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.SentryDSN,
			Environment:      config.Env,
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received, stopping crawl")
		cancel()
	}()

	guard := quota.NewGuard(quota.Config{
		DailyLimit:        config.DailyLimit,
		HourlyLimit:       config.HourlyLimit,
		Delay:             5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		HourlyWaitCeiling: 5 * time.Minute,
		ProxyWindowLimit:  2,
		ProxyWindow:       time.Minute,
	})

	supplier := proxy.NewHTTPSupplier(config.ProxyAPIURL, config.ProxyAPIKey)
	pool := proxy.NewPool(proxy.DefaultConfig(), supplier, guard)
	if err := pool.Refill(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial proxy refill failed, continuing with empty pool")
	}

	sink, err := orchestrator.NewJSONLSink(config.OutputPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", config.OutputPath).Msg("Failed to open output file")
	}
	defer sink.Close()

	ocfg := orchestrator.DefaultConfig()
	ocfg.GridSize = config.GridSize
	ocfg.BaseZoom = config.BaseZoom
	ocfg.Concurrency = config.Concurrency
	ocfg.VerificationPass = config.Verification

	extractor := extract.New()
	// Each scroll of the feed surfaces roughly two more cards.
	extractor.MaxCards = config.MaxScroll * 2

	orch := orchestrator.New(
		ocfg,
		grid.NewPlanner(grid.DefaultPlannerConfig()),
		pool,
		guard,
		fetch.New(fetch.DefaultConfig()),
		extractor,
		checkpoint.NewStore(config.CheckpointPath),
		sink,
	)

	stats, err := orch.Run(ctx)

	log.Info().
		Str("run_id", stats.RunID).
		Int("probes_completed", stats.ProbesCompleted).
		Int("probes_skipped", stats.ProbesSkipped).
		Int("results", stats.ResultsFound).
		Int("duplicates", stats.DuplicatesElided).
		Int("empty_cells", stats.EmptyCells).
		Int("subdivisions", stats.Subdivisions).
		Int("max_depth", stats.MaxDepth).
		Int("captcha_hits", stats.CaptchaHits).
		Int("hostile_responses", stats.HostileResponses).
		Int("transport_failures", stats.TransportFailures).
		Int("abandoned", stats.Abandoned).
		Msg("Run summary")

	switch {
	case err == nil:
		return
	case errors.Is(err, quota.ErrDailyQuotaExceeded), errors.Is(err, quota.ErrHourlyWaitExceeded):
		log.Error().Err(err).Msg("Crawl aborted by platform quota, resume after the window resets")
		sink.Close()
		sentry.Flush(2 * time.Second)
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		log.Info().Msg("Crawl interrupted, progress checkpointed")
	default:
		log.Error().Err(err).Msg("Crawl failed")
		sink.Close()
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}
