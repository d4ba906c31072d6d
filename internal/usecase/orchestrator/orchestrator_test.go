package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-scanner/internal/adapters/fetcher"
	"deal-scanner/internal/domain"
	"deal-scanner/internal/usecase/analyzer"
	"deal-scanner/internal/usecase/gate"
)

type fakeFetcher struct {
	mu      sync.Mutex
	results []domain.FetchResult
	calls   int
	quota   bool
	panics  int
}

func (f *fakeFetcher) Fetch(context.Context, domain.WatchlistItem, domain.Source) domain.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics > 0 {
		f.panics--
		panic("сломанный парсер")
	}
	if len(f.results) == 0 {
		return domain.FetchSuccess(nil)
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result
}

func (f *fakeFetcher) UsesQuota() bool        { return f.quota }
func (f *fakeFetcher) Timeout() time.Duration { return time.Second }

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu            sync.Mutex
	nextID        int64
	recorded      []domain.Observation
	scores        map[int64]domain.Score
	writeErr      error
	writeAttempts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{scores: make(map[int64]domain.Score)}
}

func (f *fakeStore) RecordObservation(obs domain.Observation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeAttempts++
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.nextID++
	f.recorded = append(f.recorded, obs)
	return f.nextID, nil
}

func (f *fakeStore) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeStore) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAttempts
}

func (f *fakeStore) PriceHistory(string, string, int) ([]domain.PricePoint, error) {
	return nil, nil
}

func (f *fakeStore) SaveScore(id int64, score domain.Score) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[id] = score
	return nil
}

type fakeHealth struct {
	mu       sync.Mutex
	streaks  map[string]int
	disabled map[string]time.Time
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{streaks: make(map[string]int), disabled: make(map[string]time.Time)}
}

func (f *fakeHealth) RecordBlocked(source string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaks[source]++
	return f.streaks[source], nil
}

func (f *fakeHealth) ResetBlocked(source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaks[source] = 0
	return nil
}

func (f *fakeHealth) DisableSource(source string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[source] = until
	return nil
}

func (f *fakeHealth) DisabledUntil(source string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.disabled[source]
	return until, ok, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	verdicts map[string]domain.RateVerdict
	noted    []string
	throttle []string
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{verdicts: make(map[string]domain.RateVerdict)}
}

func (f *fakeLimiter) MayCall(src domain.Source, _ time.Time) (domain.RateVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if verdict, ok := f.verdicts[src.Name]; ok {
		return verdict, nil
	}
	return domain.Allow(), nil
}

func (f *fakeLimiter) NoteCall(src domain.Source, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noted = append(f.noted, src.Name)
	return nil
}

func (f *fakeLimiter) NoteThrottle(src domain.Source, _ time.Time, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttle = append(f.throttle, src.Name)
}

type fakeReceipts struct {
	mu       sync.Mutex
	recorded []domain.NotificationReceipt
}

func (f *fakeReceipts) RecordNotification(receipt domain.NotificationReceipt, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, receipt)
	return nil
}
func (f *fakeReceipts) LastReceipt(string) (*domain.NotificationReceipt, error) { return nil, nil }
func (f *fakeReceipts) ListPendingDeliveries(int) ([]domain.NotificationReceipt, error) {
	return nil, nil
}
func (f *fakeReceipts) MarkDelivered(string) error                   { return nil }
func (f *fakeReceipts) MarkUndelivered(string) error                 { return nil }
func (f *fakeReceipts) IncrementDeliveryAttempt(string) (int, error) { return 1, nil }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.NotificationReceipt
}

func (f *fakeNotifier) Send(_ context.Context, receipt domain.NotificationReceipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, receipt)
	return nil
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testSources() map[string]domain.Source {
	return map[string]domain.Source{
		"primary": {Name: "primary", Kind: domain.SourceAPIQuota, MonthlyQuota: 100, Trust: 100, Fallback: "backup"},
		"backup":  {Name: "backup", Kind: domain.SourceScrape, Trust: 100},
	}
}

func observationOf(price string) domain.Observation {
	return domain.Observation{
		Title:     "Sony WH-1000XM5",
		UPC:       "027242923425",
		Price:     decimal.RequireFromString(price),
		Currency:  "USD",
		Available: true,
	}
}

type fixture struct {
	orch     *Orchestrator
	store    *fakeStore
	health   *fakeHealth
	limiter  *fakeLimiter
	receipts *fakeReceipts
	notifier *fakeNotifier
	gate     *gate.Gate
}

func newFixture(t *testing.T, fetchers map[string]domain.Fetcher) *fixture {
	t.Helper()
	sources := testSources()
	registry := fetcher.NewRegistry(sources)
	for name, f := range fetchers {
		if err := registry.Register(name, f); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}

	store := newFakeStore()
	health := newFakeHealth()
	limiter := newFakeLimiter()
	receipts := &fakeReceipts{}
	notifier := &fakeNotifier{}

	scoreAnalyzer := analyzer.NewAnalyzer(zerolog.Nop(), store, sources, nil, nil)
	notifyGate := gate.NewGate(zerolog.Nop(), receipts, notifier, gate.Config{
		Threshold:       0,
		Cooldown:        time.Hour,
		LoweredCooldown: time.Minute,
		BucketUnit:      decimal.NewFromInt(1),
	})
	t.Cleanup(notifyGate.Close)

	orch := NewOrchestrator(zerolog.Nop(), Deps{
		Registry:    registry,
		Limiter:     limiter,
		Store:       store,
		Health:      health,
		Analyzer:    scoreAnalyzer,
		Gate:        notifyGate,
		HardTimeout: 5 * time.Second,
		SourceOrder: []string{"primary", "backup"},
	})
	return &fixture{
		orch:     orch,
		store:    store,
		health:   health,
		limiter:  limiter,
		receipts: receipts,
		notifier: notifier,
		gate:     notifyGate,
	}
}

func TestDispatchHappyPath(t *testing.T) {
	primary := &fakeFetcher{quota: true, results: []domain.FetchResult{
		domain.FetchSuccess([]domain.Observation{observationOf("249.99")}),
	}}
	fx := newFixture(t, map[string]domain.Fetcher{"primary": primary, "backup": &fakeFetcher{}})

	item := domain.WatchlistItem{ID: 1, Priority: domain.PriorityHigh, Retailers: []string{"primary"}}
	result := fx.orch.Dispatch(context.Background(), item, "primary")
	if result.RetryAfter != 0 {
		t.Fatalf("успешный тик не переносится, получили %v", result.RetryAfter)
	}
	fx.gate.Flush()

	if len(fx.limiter.noted) != 1 || fx.limiter.noted[0] != "primary" {
		t.Fatalf("расход квоты должен быть записан, получили %v", fx.limiter.noted)
	}
	if len(fx.store.recorded) != 1 {
		t.Fatalf("ожидали одно наблюдение, получили %d", len(fx.store.recorded))
	}
	if fx.store.recorded[0].ItemID != 1 || fx.store.recorded[0].Source != "primary" {
		t.Fatalf("наблюдение должно быть привязано к позиции и источнику: %+v", fx.store.recorded[0])
	}
	if len(fx.store.scores) != 1 {
		t.Fatalf("оценка должна быть сохранена")
	}
	if fx.notifier.sentCount() != 1 {
		t.Fatalf("ожидали одно уведомление, получили %d", fx.notifier.sentCount())
	}
}

func TestDispatchFallsBackOnQuotaExhausted(t *testing.T) {
	primary := &fakeFetcher{quota: true, results: []domain.FetchResult{
		domain.FetchFailure(domain.FetchQuotaExhausted, nil),
	}}
	backup := &fakeFetcher{results: []domain.FetchResult{
		domain.FetchSuccess([]domain.Observation{observationOf("239.99")}),
	}}
	fx := newFixture(t, map[string]domain.Fetcher{"primary": primary, "backup": backup})

	item := domain.WatchlistItem{ID: 1, Retailers: []string{"primary"}}
	fx.orch.Dispatch(context.Background(), item, "primary")
	fx.gate.Flush()

	if backup.callCount() != 1 {
		t.Fatalf("фолбэк должен быть вызван после исчерпания квоты")
	}
	if len(fx.limiter.throttle) != 1 || fx.limiter.throttle[0] != "primary" {
		t.Fatalf("удалённый 429 должен поставить охлаждение, получили %v", fx.limiter.throttle)
	}
	if len(fx.store.recorded) != 1 || fx.store.recorded[0].Source != "backup" {
		t.Fatalf("наблюдение должно прийти из фолбэка")
	}
}

func TestDispatchFallsBackOnLimiterDenial(t *testing.T) {
	primary := &fakeFetcher{quota: true}
	backup := &fakeFetcher{results: []domain.FetchResult{
		domain.FetchSuccess([]domain.Observation{observationOf("229.99")}),
	}}
	fx := newFixture(t, map[string]domain.Fetcher{"primary": primary, "backup": backup})
	fx.limiter.verdicts["primary"] = domain.Deny(domain.DenyHourlyCap, 5*time.Minute)

	item := domain.WatchlistItem{ID: 1, Retailers: []string{"primary"}}
	result := fx.orch.Dispatch(context.Background(), item, "primary")
	fx.gate.Flush()

	if primary.callCount() != 0 {
		t.Fatalf("отказ лимитера не должен доходить до фетчера")
	}
	if backup.callCount() != 1 {
		t.Fatalf("фолбэк должен быть вызван")
	}
	if result.RetryAfter != 0 {
		t.Fatalf("успех фолбэка не переносит тик, получили %v", result.RetryAfter)
	}
}

func TestDispatchReschedulesWhenChainExhausted(t *testing.T) {
	primary := &fakeFetcher{quota: true}
	backup := &fakeFetcher{quota: true}
	fx := newFixture(t, map[string]domain.Fetcher{"primary": primary, "backup": backup})
	fx.limiter.verdicts["primary"] = domain.Deny(domain.DenyMonthlyCap, 24*time.Hour)
	fx.limiter.verdicts["backup"] = domain.Deny(domain.DenyHourlyCap, 5*time.Minute)

	item := domain.WatchlistItem{ID: 1, Retailers: []string{"primary"}}
	result := fx.orch.Dispatch(context.Background(), item, "primary")

	if result.RetryAfter != 24*time.Hour {
		t.Fatalf("ожидали перенос на самый поздний дедлайн, получили %v", result.RetryAfter)
	}
}

func TestDispatchDisablesSourceAfterBlockStreak(t *testing.T) {
	primary := &fakeFetcher{quota: true, results: []domain.FetchResult{
		domain.FetchFailure(domain.FetchBlocked, nil),
	}}
	backup := &fakeFetcher{}
	fx := newFixture(t, map[string]domain.Fetcher{"primary": primary, "backup": backup})

	item := domain.WatchlistItem{ID: 1, Retailers: []string{"primary"}}
	for i := 0; i < 3; i++ {
		fx.orch.Dispatch(context.Background(), item, "primary")
	}
	fx.gate.Flush()

	until, disabled, err := fx.health.DisabledUntil("primary")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !disabled {
		t.Fatalf("третья блокировка подряд должна выключить источник")
	}
	if remaining := time.Until(until); remaining < 23*time.Hour {
		t.Fatalf("источник выключается на сутки, осталось %v", remaining)
	}

	// Четвёртый тик идёт сразу в фолбэк, не трогая выключенный источник.
	calls := primary.callCount()
	fx.orch.Dispatch(context.Background(), item, "primary")
	if primary.callCount() != calls {
		t.Fatalf("выключенный источник не должен вызываться")
	}
}

func TestDispatchContainsPanic(t *testing.T) {
	primary := &fakeFetcher{quota: true, panics: 1, results: []domain.FetchResult{
		domain.FetchSuccess([]domain.Observation{observationOf("219.99")}),
	}}
	fx := newFixture(t, map[string]domain.Fetcher{"primary": primary, "backup": &fakeFetcher{}})

	item := domain.WatchlistItem{ID: 1, Retailers: []string{"primary"}}
	result := fx.orch.Dispatch(context.Background(), item, "primary")
	fx.gate.Flush()

	if result.RetryAfter != 0 {
		t.Fatalf("после повтора тик должен завершиться успешно, получили %v", result.RetryAfter)
	}
	if primary.callCount() != 2 {
		t.Fatalf("паника считается временным сбоем и повторяется, вызовов %d", primary.callCount())
	}
	if len(fx.store.recorded) != 1 {
		t.Fatalf("наблюдение после повтора должно быть сохранено")
	}
}

func TestDispatchReschedulesTickWhenStorageFails(t *testing.T) {
	primary := &fakeFetcher{quota: true, results: []domain.FetchResult{
		domain.FetchSuccess([]domain.Observation{observationOf("249.99")}),
	}}
	fx := newFixture(t, map[string]domain.Fetcher{"primary": primary, "backup": &fakeFetcher{}})
	fx.store.failWrites(domain.ErrStorageUnavailable)
	fx.orch.retryDelay = time.Millisecond

	var lost error
	fx.orch.onStorageLoss = func(err error) { lost = err }

	item := domain.WatchlistItem{ID: 1, Retailers: []string{"primary"}}
	result := fx.orch.Dispatch(context.Background(), item, "primary")

	if result.RetryAfter == 0 {
		t.Fatalf("тик с несохранёнными наблюдениями должен переноситься")
	}
	if got := fx.store.attempts(); got != 2 {
		t.Fatalf("запись повторяется один раз перед переносом, попыток %d", got)
	}
	if lost != nil {
		t.Fatalf("один сбой ещё не означает потерю хранилища: %v", lost)
	}

	// Вторая и третья неудача подряд — хранилище считается потерянным.
	for i := 0; i < 2; i++ {
		fx.orch.Dispatch(context.Background(), item, "primary")
	}
	if !errors.Is(lost, domain.ErrStorageUnavailable) {
		t.Fatalf("серия сбоев должна поднять потерю хранилища, получили %v", lost)
	}

	// Восстановление: запись проходит, тик больше не переносится.
	fx.store.failWrites(nil)
	result = fx.orch.Dispatch(context.Background(), item, "primary")
	fx.gate.Flush()
	if result.RetryAfter != 0 {
		t.Fatalf("после восстановления хранилища тик успешен, получили %v", result.RetryAfter)
	}
	if len(fx.store.recorded) != 1 {
		t.Fatalf("наблюдение после восстановления должно быть сохранено")
	}
}

func TestPollFeedRoutesToMatchingItem(t *testing.T) {
	fx := newFixture(t, map[string]domain.Fetcher{"primary": &fakeFetcher{}, "backup": &fakeFetcher{}})
	obs := observationOf("199.99")
	obs.ItemID = 7
	fx.orch.feed = &staticFeed{observations: []domain.Observation{obs}}
	fx.orch.feedName = "deal_feed"
	fx.orch.Reconcile([]domain.WatchlistItem{{ID: 7, Keywords: []string{"sony"}, Priority: domain.PriorityLow}})

	fx.orch.pollFeed(context.Background())
	fx.gate.Flush()

	if len(fx.store.recorded) != 1 {
		t.Fatalf("наблюдение из фида должно быть сохранено")
	}
	if fx.store.recorded[0].Source != "deal_feed" || fx.store.recorded[0].ItemID != 7 {
		t.Fatalf("наблюдение должно быть привязано к фиду и позиции: %+v", fx.store.recorded[0])
	}
}

type staticFeed struct {
	observations []domain.Observation
}

func (s *staticFeed) Poll(context.Context) ([]domain.Observation, error) {
	return s.observations, nil
}

func (s *staticFeed) SetWatchlist([]domain.WatchlistItem) {}
