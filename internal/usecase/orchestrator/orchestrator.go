package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"deal-scanner/internal/adapters/fetcher"
	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/metrics"
	"deal-scanner/internal/usecase/analyzer"
	"deal-scanner/internal/usecase/gate"
	"deal-scanner/internal/usecase/scheduler"
)

const (
	maxTransientRetries = 3
	blockStreakLimit    = 3
	disablePeriod       = 24 * time.Hour
	throttleCooldown    = time.Hour
	hardFetchTimeout    = 60 * time.Second
)

// Сбой записи в хранилище: один повтор с паузой, затем перенос тика.
// Серия сбоев подряд означает потерю хранилища и останавливает демон.
const (
	storageRetryDelay  = 2 * time.Second
	storageRetryAfter  = time.Minute
	storageStreakLimit = 3
)

// FeedSource отдаёт наблюдения, приходящие без исходящего запроса.
type FeedSource interface {
	Poll(ctx context.Context) ([]domain.Observation, error)
	SetWatchlist(items []domain.WatchlistItem)
}

// Orchestrator связывает планировщик, фетчеры, анализатор и шлюз уведомлений
// в один пайплайн. Реализует scheduler.Dispatcher.
type Orchestrator struct {
	log      zerolog.Logger
	registry *fetcher.Registry
	limiter  domain.RateLimiter
	store    domain.ObservationRepo
	health   domain.SourceHealthRepo
	analyzer *analyzer.Analyzer
	gate     *gate.Gate

	feed     FeedSource
	feedName string
	feedTick time.Duration

	hardTimeout time.Duration
	sourceOrder []string
	now         func() time.Time

	retryDelay    time.Duration
	onStorageLoss func(error)
	storageMu     sync.Mutex
	storageStreak int
	storageLost   bool

	itemsMu sync.RWMutex
	items   []domain.WatchlistItem
}

// Deps перечисляет зависимости оркестратора.
type Deps struct {
	Registry *fetcher.Registry
	Limiter  domain.RateLimiter
	Store    domain.ObservationRepo
	Health   domain.SourceHealthRepo
	Analyzer *analyzer.Analyzer
	Gate     *gate.Gate

	Feed         FeedSource
	FeedName     string
	FeedInterval time.Duration

	HardTimeout time.Duration
	// SourceOrder — порядок источников по убыванию доверия, для разрешения
	// ничьих между кандидатами одного тика.
	SourceOrder []string
	// OnStorageLoss вызывается один раз, когда записи в хранилище
	// отказывают несколько тиков подряд несмотря на повторы.
	OnStorageLoss func(error)
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(logger zerolog.Logger, deps Deps) *Orchestrator {
	hard := deps.HardTimeout
	if hard <= 0 {
		hard = hardFetchTimeout
	}
	tick := deps.FeedInterval
	if tick <= 0 {
		tick = time.Hour
	}
	return &Orchestrator{
		log:           logger,
		registry:      deps.Registry,
		limiter:       deps.Limiter,
		store:         deps.Store,
		health:        deps.Health,
		analyzer:      deps.Analyzer,
		gate:          deps.Gate,
		feed:          deps.Feed,
		feedName:      deps.FeedName,
		feedTick:      tick,
		hardTimeout:   hard,
		sourceOrder:   deps.SourceOrder,
		now:           time.Now,
		retryDelay:    storageRetryDelay,
		onStorageLoss: deps.OnStorageLoss,
	}
}

// WithClock подменяет источник времени.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Dispatch выполняет один тик для пары (позиция, источник): идёт по цепочке
// фолбэков, пока один из источников не ответит или цепочка не кончится.
func (o *Orchestrator) Dispatch(ctx context.Context, item domain.WatchlistItem, sourceName string) scheduler.DispatchResult {
	var retryAfter time.Duration

	for _, name := range o.registry.Chain(sourceName) {
		f, src, ok := o.registry.Lookup(name)
		if !ok {
			o.log.Warn().Str("source", name).Msg("dispatch: фетчер не зарегистрирован")
			continue
		}
		if until, disabled := o.sourceDisabled(name); disabled {
			keepLater(&retryAfter, until.Sub(o.now()))
			continue
		}
		if f.UsesQuota() || src.MinDelay > 0 {
			verdict, err := o.limiter.MayCall(src, o.now())
			if err != nil {
				o.log.Error().Err(err).Str("source", name).Msg("dispatch: лимитер недоступен")
				return scheduler.DispatchResult{RetryAfter: time.Minute}
			}
			if !verdict.Allowed {
				metrics.RateLimitDenials.WithLabelValues(name, string(verdict.Reason)).Inc()
				o.log.Debug().
					Str("source", name).
					Str("reason", string(verdict.Reason)).
					Dur("retry_after", verdict.RetryAfter).
					Msg("dispatch: отказ лимитера, переход к фолбэку")
				keepLater(&retryAfter, verdict.RetryAfter)
				continue
			}
			if err := o.limiter.NoteCall(src, o.now()); err != nil {
				o.log.Error().Err(err).Str("source", name).Msg("dispatch: запись вызова не удалась")
			}
		}

		result := o.fetchWithRetry(ctx, f, item, src)
		metrics.FetchTotal.WithLabelValues(name, string(result.Status)).Inc()

		switch result.Status {
		case domain.FetchOK:
			o.noteHealthy(name)
			if err := o.processObservations(ctx, item, name, result.Observations); err != nil {
				// Наблюдения не легли в хранилище: тик переносится целиком,
				// повторный фетч схлопнется в существующие строки.
				o.log.Error().Err(err).Str("source", name).Int64("item", item.ID).
					Msg("dispatch: хранилище недоступно, тик будет повторён")
				return scheduler.DispatchResult{RetryAfter: storageRetryAfter}
			}
			return scheduler.DispatchResult{}
		case domain.FetchQuotaExhausted:
			// Удалённый 429: локальный счётчик разошёлся с провайдером.
			o.limiter.NoteThrottle(src, o.now(), throttleCooldown)
			o.log.Warn().Str("source", name).Msg("dispatch: удалённая квота исчерпана, переход к фолбэку")
			continue
		case domain.FetchBlocked:
			o.noteBlocked(name)
			continue
		case domain.FetchPermanent:
			o.log.Error().Err(result.Cause).Str("source", name).Int64("item", item.ID).
				Msg("dispatch: постоянный сбой источника")
			return scheduler.DispatchResult{}
		default: // FetchTransient после исчерпанных повторов
			o.log.Warn().Err(result.Cause).Str("source", name).Int64("item", item.ID).
				Msg("dispatch: временный сбой, тик пропущен")
			return scheduler.DispatchResult{}
		}
	}

	return scheduler.DispatchResult{RetryAfter: retryAfter}
}

// fetchWithRetry вызывает фетчер с мягким таймаутом, жёсткой границей
// и повторами временных сбоев с экспоненциальной паузой.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, f domain.Fetcher, item domain.WatchlistItem, src domain.Source) domain.FetchResult {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.Reset()

	var result domain.FetchResult
	for attempt := 1; ; attempt++ {
		result = o.fetchOnce(ctx, f, item, src)
		if result.Status != domain.FetchTransient || attempt >= maxTransientRetries {
			return result
		}
		select {
		case <-ctx.Done():
			return domain.FetchFailure(domain.FetchTransient, ctx.Err())
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// fetchOnce выполняет один вызов фетчера, превращая панику во временный сбой.
func (o *Orchestrator) fetchOnce(ctx context.Context, f domain.Fetcher, item domain.WatchlistItem, src domain.Source) (result domain.FetchResult) {
	timeout := f.Timeout()
	if timeout <= 0 || timeout > o.hardTimeout {
		timeout = o.hardTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("source", src.Name).Int64("item", item.ID).
				Interface("panic", r).Msg("fetch: паника фетчера локализована")
			result = domain.FetchFailure(domain.FetchTransient, fmt.Errorf("паника фетчера: %v", r))
		}
	}()

	start := o.now()
	result = f.Fetch(callCtx, item, src)
	metrics.FetchDuration.WithLabelValues(src.Name).Observe(time.Since(start).Seconds())
	return result
}

// processObservations сохраняет наблюдения, оценивает их и предлагает шлюзу.
// Ошибка означает, что хранилище не приняло запись даже после повтора:
// вызывающий обязан перенести тик, чтобы наблюдения не потерялись.
func (o *Orchestrator) processObservations(ctx context.Context, item domain.WatchlistItem, source string, observations []domain.Observation) error {
	var scored []domain.ScoredObservation
	for _, obs := range observations {
		obs.ItemID = item.ID
		obs.Source = source
		if obs.CapturedAt.IsZero() {
			obs.CapturedAt = o.now()
		}

		id, err := o.recordObservation(ctx, obs)
		if err != nil {
			o.noteStorageFailure(err)
			return fmt.Errorf("запись наблюдения: %w", err)
		}
		o.noteStorageHealthy()
		obs.ID = id
		metrics.ObservationsRecorded.WithLabelValues(source).Inc()

		score, err := o.analyzer.Score(ctx, obs)
		if err != nil {
			o.log.Error().Err(err).Int64("observation", id).Msg("pipeline: оценка не посчитана")
			continue
		}
		if err := o.store.SaveScore(id, score); err != nil {
			o.log.Error().Err(err).Int64("observation", id).Msg("pipeline: оценка не сохранена")
		}
		scored = append(scored, domain.ScoredObservation{Observation: obs, Score: score})
	}

	analyzer.OrderCandidates(scored, o.sourceOrder)
	for _, candidate := range scored {
		if _, err := o.gate.Offer(ctx, item, candidate); err != nil {
			o.log.Error().Err(err).Int64("observation", candidate.Observation.ID).
				Msg("pipeline: шлюз уведомлений отказал")
		}
	}
	return nil
}

// recordObservation пишет наблюдение с одним повтором после паузы.
func (o *Orchestrator) recordObservation(ctx context.Context, obs domain.Observation) (int64, error) {
	id, err := o.store.RecordObservation(obs)
	if err == nil {
		return id, nil
	}
	o.log.Warn().Err(err).Str("source", obs.Source).
		Msg("pipeline: запись наблюдения не удалась, повтор")
	select {
	case <-ctx.Done():
		return 0, err
	case <-time.After(o.retryDelay):
	}
	return o.store.RecordObservation(obs)
}

func (o *Orchestrator) noteStorageHealthy() {
	o.storageMu.Lock()
	o.storageStreak = 0
	o.storageMu.Unlock()
}

// noteStorageFailure считает сбои записи подряд; длинная серия означает
// потерю хранилища и один раз дёргает OnStorageLoss.
func (o *Orchestrator) noteStorageFailure(err error) {
	o.storageMu.Lock()
	o.storageStreak++
	fire := o.storageStreak >= storageStreakLimit && !o.storageLost
	if fire {
		o.storageLost = true
	}
	o.storageMu.Unlock()

	if fire && o.onStorageLoss != nil {
		o.onStorageLoss(err)
	}
}

// RunFeed крутит опрос агрегаторного фида до отмены контекста.
// Фид не расходует квоты и идёт мимо планировщика.
func (o *Orchestrator) RunFeed(ctx context.Context) {
	if o.feed == nil {
		return
	}
	ticker := time.NewTicker(o.feedTick)
	defer ticker.Stop()

	o.pollFeed(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollFeed(ctx)
		}
	}
}

func (o *Orchestrator) pollFeed(ctx context.Context) {
	observations, err := o.feed.Poll(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("feed: опрос не удался")
		return
	}
	metrics.FetchTotal.WithLabelValues(o.feedName, string(domain.FetchOK)).Inc()
	byItem := make(map[int64][]domain.Observation)
	for _, obs := range observations {
		byItem[obs.ItemID] = append(byItem[obs.ItemID], obs)
	}
	for itemID, group := range byItem {
		item, ok := o.itemByID(itemID)
		if !ok {
			continue
		}
		// Фид опрашивается по таймеру, следующий опрос повторит записи.
		if err := o.processObservations(ctx, item, o.feedName, group); err != nil {
			o.log.Error().Err(err).Int64("item", itemID).Msg("feed: наблюдения не сохранены")
		}
	}
}

// Reconcile обновляет снимок вочлиста у всех потребителей.
func (o *Orchestrator) Reconcile(items []domain.WatchlistItem) {
	o.itemsMu.Lock()
	o.items = items
	o.itemsMu.Unlock()
	if o.feed != nil {
		o.feed.SetWatchlist(items)
	}
}

func (o *Orchestrator) itemByID(id int64) (domain.WatchlistItem, bool) {
	o.itemsMu.RLock()
	defer o.itemsMu.RUnlock()
	for _, item := range o.items {
		if item.ID == id {
			return item, true
		}
	}
	return domain.WatchlistItem{}, false
}

func (o *Orchestrator) sourceDisabled(name string) (time.Time, bool) {
	until, disabled, err := o.health.DisabledUntil(name)
	if err != nil {
		o.log.Error().Err(err).Str("source", name).Msg("health: чтение состояния не удалось")
		return time.Time{}, false
	}
	return until, disabled
}

func (o *Orchestrator) noteHealthy(name string) {
	if err := o.health.ResetBlocked(name); err != nil {
		o.log.Error().Err(err).Str("source", name).Msg("health: сброс серии блокировок не удался")
	}
}

// noteBlocked фиксирует активный отказ источника; третий подряд выключает
// источник на сутки.
func (o *Orchestrator) noteBlocked(name string) {
	streak, err := o.health.RecordBlocked(name, o.now())
	if err != nil {
		o.log.Error().Err(err).Str("source", name).Msg("health: запись блокировки не удалась")
		return
	}
	o.log.Warn().Str("source", name).Int("streak", streak).Msg("dispatch: источник заблокировал запрос")
	if streak >= blockStreakLimit {
		until := o.now().Add(disablePeriod)
		if err := o.health.DisableSource(name, until); err != nil {
			o.log.Error().Err(err).Str("source", name).Msg("health: отключение источника не удалось")
			return
		}
		metrics.SourceDisabled.WithLabelValues(name).Inc()
		o.log.Error().Str("source", name).Time("until", until).
			Msg("dispatch: источник отключён после серии блокировок")
	}
}

func keepLater(current *time.Duration, candidate time.Duration) {
	if candidate > *current {
		*current = candidate
	}
}
