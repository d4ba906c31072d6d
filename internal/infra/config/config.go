package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сканера, загружаемую из окружения.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`

	DBPath        string `envconfig:"DB_PATH" default:"deals.db"`
	WatchlistPath string `envconfig:"WATCHLIST_PATH" default:"watchlist.yml"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	OpsAddr     string `envconfig:"OPS_ADDR" default:":8080"`

	Gate struct {
		Threshold       float64 `envconfig:"NOTIFICATION_THRESHOLD" default:"70"`
		CooldownMinutes int     `envconfig:"COOLDOWN_MINUTES" default:"240"`
		// LoweredCooldownMinutes действует, когда новая цена ниже прошлой квитанции.
		LoweredCooldownMinutes int `envconfig:"LOWERED_COOLDOWN_MINUTES" default:"30"`
	} `envconfig:""`

	Scheduler struct {
		MaxConcurrency   int    `envconfig:"MAX_CONCURRENCY" default:"4"`
		HighCadenceMin   int    `envconfig:"HIGH_CADENCE_MIN" default:"30"`
		MediumCadenceMin int    `envconfig:"MEDIUM_CADENCE_MIN" default:"120"`
		LowCadenceTime   string `envconfig:"LOW_CADENCE_TIME" default:"09:00"`
	} `envconfig:""`

	Fetch struct {
		Headless    bool          `envconfig:"HEADLESS" default:"true"`
		SoftTimeout time.Duration `envconfig:"FETCH_SOFT_TIMEOUT" default:"20s"`
		HardTimeout time.Duration `envconfig:"FETCH_HARD_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Feeds struct {
		URLs      []string      `envconfig:"FEED_URLS"`
		PollEvery time.Duration `envconfig:"FEED_POLL_INTERVAL" default:"1h"`
	} `envconfig:""`

	Telegram struct {
		Token  string `envconfig:"TG_BOT_TOKEN"`
		ChatID int64  `envconfig:"TG_CHAT_ID"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"30s"`
		// RefineEnabled включает LLM-переписывание обоснования оценки.
		RefineEnabled bool `envconfig:"LLM_REFINE_ENABLED" default:"false"`
	} `envconfig:""`

	Endpoints struct {
		RetailAPIBaseURL     string `envconfig:"RETAIL_API_BASE_URL" default:"https://api.retail.example.com"`
		AggregatorAPIBaseURL string `envconfig:"AGGREGATOR_API_BASE_URL" default:"https://api.dealaggregator.example.com"`
		RetailSearchURL      string `envconfig:"RETAIL_SEARCH_URL" default:"https://www.retail.example.com/search?q=%s"`
	} `envconfig:""`

	Credentials struct {
		RetailAPIKey     string `envconfig:"RETAIL_API_KEY"`
		AggregatorAPIKey string `envconfig:"AGGREGATOR_API_KEY"`
	} `envconfig:""`

	// PeakDates — даты пиковых распродаж в формате MM-DD, за 8 недель до
	// которых тайминговая компонента оценки равна 100.
	PeakDates []string `envconfig:"PEAK_SALES_DATES" default:"11-28"`
}

// Load загружает конфигурацию из окружения.
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("чтение окружения: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.Gate.Threshold < 0 || c.Gate.Threshold > 100 {
		return fmt.Errorf("NOTIFICATION_THRESHOLD вне диапазона [0,100]: %v", c.Gate.Threshold)
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("MAX_CONCURRENCY должен быть положительным: %d", c.Scheduler.MaxConcurrency)
	}
	if _, err := time.Parse("15:04", c.Scheduler.LowCadenceTime); err != nil {
		return fmt.Errorf("LOW_CADENCE_TIME не разобран как HH:MM: %w", err)
	}
	for _, d := range c.PeakDates {
		if _, err := time.Parse("01-02", d); err != nil {
			return fmt.Errorf("PEAK_SALES_DATES: %q не разобран как MM-DD: %w", d, err)
		}
	}
	return nil
}
