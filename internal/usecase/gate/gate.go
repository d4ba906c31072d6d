package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/metrics"
)

const maxDeliveryAttempts = 5

// Gate решает, станет ли оценённое наблюдение уведомлением.
// Квитанция пишется до обращения к транспорту: подавление дубликатов
// переживает падение процесса между записью и отправкой.
type Gate struct {
	log             zerolog.Logger
	receipts        domain.ReceiptRepo
	notifier        domain.Notifier
	threshold       float64
	cooldown        time.Duration
	loweredCooldown time.Duration
	bucketUnit      decimal.Decimal
	now             func() time.Time

	// Записи квитанций по одному отпечатку сериализуются.
	mu       sync.Mutex
	retries  sync.WaitGroup
	retryCtx context.Context
	stop     context.CancelFunc
}

// Config задаёт пороги гейта.
type Config struct {
	Threshold       float64
	Cooldown        time.Duration
	LoweredCooldown time.Duration
	BucketUnit      decimal.Decimal
}

// NewGate создаёт гейт уведомлений.
func NewGate(logger zerolog.Logger, receipts domain.ReceiptRepo, notifier domain.Notifier, cfg Config) *Gate {
	if cfg.BucketUnit.IsZero() {
		cfg.BucketUnit = decimal.NewFromInt(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		log:             logger,
		receipts:        receipts,
		notifier:        notifier,
		threshold:       cfg.Threshold,
		cooldown:        cfg.Cooldown,
		loweredCooldown: cfg.LoweredCooldown,
		bucketUnit:      cfg.BucketUnit,
		now:             time.Now,
		retryCtx:        ctx,
		stop:            cancel,
	}
}

// WithClock подменяет источник времени.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Offer прогоняет оценённое наблюдение через гейт. Возвращает true,
// если выписана новая квитанция.
func (g *Gate) Offer(ctx context.Context, item domain.WatchlistItem, scored domain.ScoredObservation) (bool, error) {
	obs := scored.Observation

	if !obs.Available {
		metrics.NotificationsSuppressed.WithLabelValues("unavailable").Inc()
		return false, nil
	}
	if scored.Score.Value < g.threshold {
		metrics.NotificationsSuppressed.WithLabelValues("below_threshold").Inc()
		return false, nil
	}
	if item.MaxPrice != nil && obs.Price.GreaterThan(*item.MaxPrice) {
		metrics.NotificationsSuppressed.WithLabelValues("max_price").Inc()
		return false, nil
	}

	identity := obs.Identity()

	g.mu.Lock()
	defer g.mu.Unlock()

	cooldown := g.cooldown
	last, err := g.receipts.LastReceipt(identity)
	if err != nil {
		return false, err
	}
	// Более низкая цена, чем в последней квитанции, укорачивает охлаждение.
	if last != nil && obs.Price.LessThan(last.Price) {
		cooldown = g.loweredCooldown
	}

	receipt := domain.NotificationReceipt{
		ID:        uuid.NewString(),
		Identity:  identity,
		Bucket:    domain.PriceBucket(obs.Price, g.bucketUnit),
		ItemID:    item.ID,
		Source:    obs.Source,
		Price:     obs.Price,
		Currency:  obs.Currency,
		ScoreVal:  scored.Score.Value,
		Message:   FormatDeal(item, scored),
		EmittedAt: g.now().UTC(),
		Status:    domain.DeliveryPending,
	}

	if err := g.receipts.RecordNotification(receipt, cooldown); err != nil {
		if errors.Is(err, domain.ErrDuplicateReceipt) {
			// Корректное подавление, не ошибка.
			metrics.NotificationsSuppressed.WithLabelValues("cooldown").Inc()
			return false, nil
		}
		return false, err
	}
	metrics.NotificationsEmitted.Inc()

	g.deliverAsync(receipt)
	return true, nil
}

// ResumePending перезапускает доставку квитанций, зависших после рестарта.
func (g *Gate) ResumePending() error {
	pending, err := g.receipts.ListPendingDeliveries(100)
	if err != nil {
		return err
	}
	for _, receipt := range pending {
		g.deliverAsync(receipt)
	}
	if len(pending) > 0 {
		g.log.Info().Int("count", len(pending)).Msg("gate: возобновлена доставка после рестарта")
	}
	return nil
}

// Close дожидается фоновых попыток доставки.
func (g *Gate) Close() {
	g.stop()
	g.retries.Wait()
}

// Flush дожидается завершения текущих попыток доставки, не отменяя их.
func (g *Gate) Flush() {
	g.retries.Wait()
}

func (g *Gate) deliverAsync(receipt domain.NotificationReceipt) {
	g.retries.Add(1)
	go func() {
		defer g.retries.Done()
		g.deliver(receipt)
	}()
}

// deliver пробует доставить квитанцию до пяти раз с экспоненциальной паузой.
// Окончательный провал помечает квитанцию недоставленной; последующее
// наблюдение с другой ценовой корзиной это не затрагивает.
func (g *Gate) deliver(receipt domain.NotificationReceipt) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.RandomizationFactor = 0.25
	policy.Multiplier = 2

	logger := g.log.With().Str("receipt", receipt.ID).Str("identity", receipt.Identity).Logger()

	for {
		attempt, err := g.receipts.IncrementDeliveryAttempt(receipt.ID)
		if err != nil {
			logger.Error().Err(err).Msg("gate: счётчик попыток недоступен")
			return
		}

		err = g.notifier.Send(g.retryCtx, receipt)
		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
			if err := g.receipts.MarkDelivered(receipt.ID); err != nil {
				logger.Error().Err(err).Msg("gate: статус доставки не записан")
			}
			return
		}

		if errors.Is(err, domain.ErrDeliveryPermanent) {
			metrics.DeliveryAttempts.WithLabelValues("permanent").Inc()
			logger.Warn().Err(err).Int("attempt", attempt).Msg("gate: окончательный отказ транспорта")
			g.markUndelivered(receipt.ID, logger)
			return
		}

		metrics.DeliveryAttempts.WithLabelValues("transient").Inc()
		if attempt >= maxDeliveryAttempts {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("gate: исчерпаны попытки доставки")
			g.markUndelivered(receipt.ID, logger)
			return
		}

		wait := policy.NextBackOff()
		logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("gate: повтор доставки")
		select {
		case <-g.retryCtx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (g *Gate) markUndelivered(id string, logger zerolog.Logger) {
	if err := g.receipts.MarkUndelivered(id); err != nil {
		logger.Error().Err(err).Msg("gate: статус undelivered не записан")
	}
}
