package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-scanner/internal/adapters/feed"
	"deal-scanner/internal/adapters/fetcher"
	"deal-scanner/internal/adapters/refiner"
	"deal-scanner/internal/adapters/repo"
	"deal-scanner/internal/adapters/telegram"
	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/config"
	"deal-scanner/internal/infra/db"
	apphttp "deal-scanner/internal/infra/http"
	applog "deal-scanner/internal/infra/log"
	"deal-scanner/internal/infra/metrics"
	"deal-scanner/internal/infra/openai"
	"deal-scanner/internal/usecase/analyzer"
	"deal-scanner/internal/usecase/gate"
	"deal-scanner/internal/usecase/orchestrator"
	"deal-scanner/internal/usecase/ratelimit"
	"deal-scanner/internal/usecase/scheduler"
)

// Коды выхода: 0 — чистая остановка, 1 — сбой хранилища, 2 — ошибка конфигурации.
const (
	exitStorageFailure = 1
	exitConfigError    = 2
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Error().Err(err).Msg("scanner: конфигурация не загружена")
		os.Exit(exitConfigError)
	}
	logger := applog.NewLogger(cfg.AppEnv)

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Error().Err(err).Str("tz", cfg.TZ).Msg("scanner: неизвестная таймзона")
		os.Exit(exitConfigError)
	}

	items, err := config.LoadWatchlist(cfg.WatchlistPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.WatchlistPath).Msg("scanner: вочлист не загружен")
		os.Exit(exitConfigError)
	}

	peaks, err := analyzer.ParsePeakDates(cfg.PeakDates)
	if err != nil {
		logger.Error().Err(err).Msg("scanner: даты распродаж не разобраны")
		os.Exit(exitConfigError)
	}

	if cfg.Telegram.Token == "" {
		logger.Error().Msg("scanner: не указан токен Telegram (TG_BOT_TOKEN)")
		os.Exit(exitConfigError)
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	sqlDB := openStore(logger, cfg.DBPath)
	defer sqlDB.Close()
	store, err := repo.NewSQLite(sqlDB)
	if err != nil {
		logger.Error().Err(err).Msg("scanner: схема хранилища не применена")
		os.Exit(exitStorageFailure)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Error().Err(err).Msg("scanner: не удалось создать бота")
		os.Exit(exitConfigError)
	}
	notifier := telegram.NewNotifier(botAPI, cfg.Telegram.ChatID)

	var scoreRefiner domain.Refiner
	if cfg.OpenAI.RefineEnabled && cfg.OpenAI.APIKey != "" {
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		scoreRefiner = refiner.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	}

	sources := config.Sources()
	registry := fetcher.NewRegistry(sources)
	scraper := fetcher.NewScraper(
		logger.With().Str("component", "scraper").Logger(),
		cfg.Endpoints.RetailSearchURL, "retail_scrape", cfg.Fetch.Headless, cfg.Fetch.SoftTimeout,
	)
	defer scraper.Close()
	fetchers := map[string]domain.Fetcher{
		"retail_api":     fetcher.NewRetailAPI(cfg.Endpoints.RetailAPIBaseURL, cfg.Credentials.RetailAPIKey, "retail_api", cfg.Fetch.SoftTimeout),
		"retail_scrape":  scraper,
		"aggregator_api": fetcher.NewRetailAPI(cfg.Endpoints.AggregatorAPIBaseURL, cfg.Credentials.AggregatorAPIKey, "aggregator_api", cfg.Fetch.SoftTimeout),
	}
	for name, f := range fetchers {
		if err := registry.Register(name, f); err != nil {
			logger.Error().Err(err).Str("source", name).Msg("scanner: фетчер не зарегистрирован")
			os.Exit(exitConfigError)
		}
	}

	limiter := ratelimit.NewLimiter(logger.With().Str("component", "ratelimit").Logger(), store)
	scoreAnalyzer := analyzer.NewAnalyzer(
		logger.With().Str("component", "analyzer").Logger(),
		store, sources, scoreRefiner, peaks,
	)
	notifyGate := gate.NewGate(
		logger.With().Str("component", "gate").Logger(),
		store, notifier,
		gate.Config{
			Threshold:       cfg.Gate.Threshold,
			Cooldown:        time.Duration(cfg.Gate.CooldownMinutes) * time.Minute,
			LoweredCooldown: time.Duration(cfg.Gate.LoweredCooldownMinutes) * time.Minute,
			BucketUnit:      decimal.NewFromInt(1),
		},
	)
	if err := notifyGate.ResumePending(); err != nil {
		logger.Error().Err(err).Msg("scanner: возобновление недоставленных квитанций не удалось")
	}

	var feedReader orchestrator.FeedSource
	if len(cfg.Feeds.URLs) > 0 {
		feedReader = feed.NewReader(
			logger.With().Str("component", "feed").Logger(),
			cfg.Feeds.URLs, "deal_feed", items,
		)
	}

	storageLost := make(chan error, 1)
	pipeline := orchestrator.NewOrchestrator(logger.With().Str("component", "orchestrator").Logger(), orchestrator.Deps{
		Registry:     registry,
		Limiter:      limiter,
		Store:        store,
		Health:       store,
		Analyzer:     scoreAnalyzer,
		Gate:         notifyGate,
		Feed:         feedReader,
		FeedName:     "deal_feed",
		FeedInterval: cfg.Feeds.PollEvery,
		HardTimeout:  cfg.Fetch.HardTimeout,
		SourceOrder:  []string{"retail_api", "retail_scrape", "aggregator_api", "deal_feed"},
		OnStorageLoss: func(err error) {
			select {
			case storageLost <- err:
			default:
			}
			stop()
		},
	})
	pipeline.Reconcile(items)

	sched, err := scheduler.NewScheduler(
		logger.With().Str("component", "scheduler").Logger(),
		pipeline,
		scheduler.Cadences{
			High:   time.Duration(cfg.Scheduler.HighCadenceMin) * time.Minute,
			Medium: time.Duration(cfg.Scheduler.MediumCadenceMin) * time.Minute,
			LowAt:  cfg.Scheduler.LowCadenceTime,
		},
		cfg.Scheduler.MaxConcurrency,
		loc,
	)
	if err != nil {
		logger.Error().Err(err).Msg("scanner: планировщик не создан")
		os.Exit(exitConfigError)
	}
	sched.Reload(items)

	opsServer := apphttp.NewServer(logger.With().Str("component", "ops").Logger(), func(context.Context) error {
		return store.Ping()
	})
	go func() {
		if err := opsServer.Start(cfg.OpsAddr); err != nil {
			logger.Error().Err(err).Msg("scanner: ops-сервер остановлен")
		}
	}()

	go reloadOnSighup(ctx, logger, cfg.WatchlistPath, sched, pipeline)
	go pipeline.RunFeed(ctx)

	logger.Info().Int("items", len(items)).Msg("scanner: запуск")
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	logger.Info().Msg("scanner: остановка, ждём незавершённые тики")
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn().Msg("scanner: тики не завершились за отведённое время")
	}
	notifyGate.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scanner: ops-сервер не остановился чисто")
	}

	select {
	case err := <-storageLost:
		logger.Error().Err(err).Msg("scanner: хранилище потеряно во время работы")
		sqlDB.Close()
		os.Exit(exitStorageFailure)
	default:
	}
	logger.Info().Msg("scanner: остановлен")
}

// openStore открывает SQLite с одним повтором: единственный некорректный
// сценарий старта без хранилища — немедленный выход с кодом 1.
func openStore(logger zerolog.Logger, path string) *sql.DB {
	sqlDB, err := db.Open(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("scanner: хранилище не открылось, повтор через 2с")
		time.Sleep(2 * time.Second)
		sqlDB, err = db.Open(path)
	}
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("scanner: хранилище недоступно")
		os.Exit(exitStorageFailure)
	}
	return sqlDB
}

// reloadOnSighup перечитывает вочлист по SIGHUP и раздаёт снимок потребителям.
func reloadOnSighup(ctx context.Context, logger zerolog.Logger, path string, sched *scheduler.Scheduler, pipeline *orchestrator.Orchestrator) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			items, err := config.LoadWatchlist(path)
			if err != nil {
				logger.Error().Err(err).Str("path", path).Msg("scanner: перечитать вочлист не удалось, работаем со старым")
				continue
			}
			sched.Reload(items)
			pipeline.Reconcile(items)
			logger.Info().Int("items", len(items)).Msg("scanner: вочлист перечитан")
		}
	}
}
