package gate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-scanner/internal/domain"
)

type fakeReceipts struct {
	mu sync.Mutex

	last          *domain.NotificationReceipt
	pending       []domain.NotificationReceipt
	duplicate     bool
	startAttempts int

	recorded     []domain.NotificationReceipt
	cooldowns    []time.Duration
	delivered    []string
	undelivered  []string
	attemptsSeen int
}

func (f *fakeReceipts) RecordNotification(receipt domain.NotificationReceipt, cooldown time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duplicate {
		return domain.ErrDuplicateReceipt
	}
	f.recorded = append(f.recorded, receipt)
	f.cooldowns = append(f.cooldowns, cooldown)
	return nil
}

func (f *fakeReceipts) LastReceipt(string) (*domain.NotificationReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

func (f *fakeReceipts) ListPendingDeliveries(int) ([]domain.NotificationReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeReceipts) MarkDelivered(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeReceipts) MarkUndelivered(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undelivered = append(f.undelivered, id)
	return nil
}

func (f *fakeReceipts) IncrementDeliveryAttempt(string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attemptsSeen++
	return f.startAttempts + f.attemptsSeen, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []domain.NotificationReceipt
}

func (f *fakeNotifier) Send(_ context.Context, receipt domain.NotificationReceipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, receipt)
	return nil
}

func testConfig() Config {
	return Config{
		Threshold:       70,
		Cooldown:        4 * time.Hour,
		LoweredCooldown: 30 * time.Minute,
		BucketUnit:      decimal.NewFromInt(1),
	}
}

func scoredObservation(score float64, price string) domain.ScoredObservation {
	return domain.ScoredObservation{
		Observation: domain.Observation{
			Title:     "Sony WH-1000XM5",
			UPC:       "027242923425",
			Price:     decimal.RequireFromString(price),
			Currency:  "USD",
			Available: true,
			Source:    "retail_api",
		},
		Score: domain.Score{Value: score, Rationale: "хорошее предложение"},
	}
}

func TestOfferSuppressesBelowThreshold(t *testing.T) {
	receipts := &fakeReceipts{}
	g := NewGate(zerolog.Nop(), receipts, &fakeNotifier{}, testConfig())
	defer g.Close()

	emitted, err := g.Offer(context.Background(), domain.WatchlistItem{ID: 1}, scoredObservation(69.9, "249.99"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if emitted {
		t.Fatalf("оценка ниже порога не должна давать квитанцию")
	}
	if len(receipts.recorded) != 0 {
		t.Fatalf("квитанция не должна записываться")
	}
}

func TestOfferSuppressesUnavailableAndOverLimit(t *testing.T) {
	receipts := &fakeReceipts{}
	g := NewGate(zerolog.Nop(), receipts, &fakeNotifier{}, testConfig())
	defer g.Close()

	unavailable := scoredObservation(90, "249.99")
	unavailable.Observation.Available = false
	if emitted, _ := g.Offer(context.Background(), domain.WatchlistItem{ID: 1}, unavailable); emitted {
		t.Fatalf("недоступный товар не должен давать квитанцию")
	}

	limit := decimal.RequireFromString("200")
	item := domain.WatchlistItem{ID: 1, MaxPrice: &limit}
	if emitted, _ := g.Offer(context.Background(), item, scoredObservation(90, "249.99")); emitted {
		t.Fatalf("цена выше предела не должна давать квитанцию")
	}
}

func TestOfferEmitsAndDelivers(t *testing.T) {
	receipts := &fakeReceipts{}
	notifier := &fakeNotifier{}
	g := NewGate(zerolog.Nop(), receipts, notifier, testConfig())
	defer g.Close()

	emitted, err := g.Offer(context.Background(), domain.WatchlistItem{ID: 1}, scoredObservation(82.5, "249.99"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !emitted {
		t.Fatalf("ожидали новую квитанцию")
	}
	g.Flush()

	if len(receipts.recorded) != 1 {
		t.Fatalf("ожидали одну квитанцию, получили %d", len(receipts.recorded))
	}
	receipt := receipts.recorded[0]
	if receipt.Identity != "upc:027242923425" || receipt.Bucket != "249" {
		t.Fatalf("неожиданные отпечаток/корзина: %s %s", receipt.Identity, receipt.Bucket)
	}
	if receipt.Status != domain.DeliveryPending {
		t.Fatalf("квитанция пишется до отправки со статусом pending, получили %s", receipt.Status)
	}
	if receipts.cooldowns[0] != 4*time.Hour {
		t.Fatalf("ожидали обычное охлаждение, получили %v", receipts.cooldowns[0])
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("ожидали одну отправку, получили %d", len(notifier.sent))
	}
	if len(receipts.delivered) != 1 || receipts.delivered[0] != receipt.ID {
		t.Fatalf("квитанция должна быть помечена доставленной")
	}
}

func TestOfferDuplicateIsSuppression(t *testing.T) {
	receipts := &fakeReceipts{duplicate: true}
	notifier := &fakeNotifier{}
	g := NewGate(zerolog.Nop(), receipts, notifier, testConfig())
	defer g.Close()

	emitted, err := g.Offer(context.Background(), domain.WatchlistItem{ID: 1}, scoredObservation(82.5, "249.99"))
	if err != nil {
		t.Fatalf("дубликат — подавление, не ошибка: %v", err)
	}
	if emitted {
		t.Fatalf("дубликат не должен считаться новой квитанцией")
	}
	g.Flush()
	if len(notifier.sent) != 0 {
		t.Fatalf("подавленная квитанция не должна отправляться")
	}
}

func TestOfferLoweredPriceShortensCooldown(t *testing.T) {
	previous := domain.NotificationReceipt{
		Price: decimal.RequireFromString("299.99"),
	}
	receipts := &fakeReceipts{last: &previous}
	g := NewGate(zerolog.Nop(), receipts, &fakeNotifier{}, testConfig())
	defer g.Close()

	emitted, err := g.Offer(context.Background(), domain.WatchlistItem{ID: 1}, scoredObservation(82.5, "249.99"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !emitted {
		t.Fatalf("ожидали новую квитанцию")
	}
	g.Flush()
	if receipts.cooldowns[0] != 30*time.Minute {
		t.Fatalf("понижение цены укорачивает охлаждение, получили %v", receipts.cooldowns[0])
	}
}

func TestDeliverPermanentFailure(t *testing.T) {
	receipts := &fakeReceipts{}
	notifier := &fakeNotifier{err: domain.ErrDeliveryPermanent}
	g := NewGate(zerolog.Nop(), receipts, notifier, testConfig())
	defer g.Close()

	if _, err := g.Offer(context.Background(), domain.WatchlistItem{ID: 1}, scoredObservation(82.5, "249.99")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	g.Flush()

	if len(receipts.undelivered) != 1 {
		t.Fatalf("окончательный отказ должен пометить квитанцию недоставленной")
	}
	if receipts.attemptsSeen != 1 {
		t.Fatalf("окончательный отказ не повторяется, попыток %d", receipts.attemptsSeen)
	}
}

func TestDeliverTransientExhaustsAttempts(t *testing.T) {
	// Счётчик попыток подходит к пределу: первая же временная ошибка — пятая попытка.
	receipts := &fakeReceipts{startAttempts: maxDeliveryAttempts - 1}
	notifier := &fakeNotifier{err: domain.ErrDeliveryTransient}
	g := NewGate(zerolog.Nop(), receipts, notifier, testConfig())
	defer g.Close()

	if _, err := g.Offer(context.Background(), domain.WatchlistItem{ID: 1}, scoredObservation(82.5, "249.99")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	g.Flush()

	if len(receipts.undelivered) != 1 {
		t.Fatalf("после исчерпания попыток квитанция становится недоставленной")
	}
}

func TestResumePending(t *testing.T) {
	pending := domain.NotificationReceipt{ID: "r1", Status: domain.DeliveryPending}
	receipts := &fakeReceipts{pending: []domain.NotificationReceipt{pending}}
	notifier := &fakeNotifier{}
	g := NewGate(zerolog.Nop(), receipts, notifier, testConfig())
	defer g.Close()

	if err := g.ResumePending(); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	g.Flush()

	if len(notifier.sent) != 1 || notifier.sent[0].ID != "r1" {
		t.Fatalf("зависшая квитанция должна быть доставлена после рестарта")
	}
}

func TestFormatDealEscapesHTML(t *testing.T) {
	scored := scoredObservation(82.5, "249.99")
	scored.Observation.Title = "Sony <XM5> & Co"
	msg := FormatDeal(domain.WatchlistItem{ID: 1}, scored)
	if msg == "" {
		t.Fatalf("сообщение не должно быть пустым")
	}
	if want := "Sony &lt;XM5&gt; &amp; Co"; !strings.Contains(msg, want) {
		t.Fatalf("ожидали экранированное название, получили %q", msg)
	}
}
