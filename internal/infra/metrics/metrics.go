package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_total",
		Help: "Вызовы фетчеров по источнику и исходу",
	}, []string{"source", "status"})

	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetch_duration_seconds",
		Help:    "Длительность вызова фетчера",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	RateLimitDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denials_total",
		Help: "Отказы лимитера по источнику и причине",
	}, []string{"source", "reason"})

	ObservationsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "observations_recorded_total",
		Help: "Сохранённые наблюдения по источнику",
	}, []string{"source"})

	NotificationsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_emitted_total",
		Help: "Выписанные квитанции уведомлений",
	})

	NotificationsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_suppressed_total",
		Help: "Подавленные уведомления по причине",
	}, []string{"reason"})

	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Попытки доставки уведомлений по исходу",
	}, []string{"status"})

	SchedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_queue_depth",
		Help: "Число запланированных пар (позиция, источник)",
	})

	SchedulerPromotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_promotions_total",
		Help: "Повышения приоритета против голодания",
	})

	SourceDisabled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_disabled_total",
		Help: "Отключения источников после серии блокировок",
	}, []string{"source"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FetchTotal,
		FetchDuration,
		RateLimitDenials,
		ObservationsRecorded,
		NotificationsEmitted,
		NotificationsSuppressed,
		DeliveryAttempts,
		SchedulerQueueDepth,
		SchedulerPromotions,
		SourceDisabled,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}
