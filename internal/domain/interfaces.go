package domain

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable возвращается хранилищем при сбое долговечной записи.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrDuplicateReceipt возвращается при попытке записать квитанцию-дубликат
// в пределах окна охлаждения. Это корректное подавление, не ошибка пайплайна.
var ErrDuplicateReceipt = errors.New("duplicate notification receipt")

// ErrDeliveryTransient помечает временную ошибку транспорта доставки.
var ErrDeliveryTransient = errors.New("transient delivery error")

// ErrDeliveryPermanent помечает окончательную ошибку транспорта доставки.
var ErrDeliveryPermanent = errors.New("permanent delivery error")

// Fetcher добывает наблюдения для позиции вочлиста из конкретного источника.
type Fetcher interface {
	// Fetch выполняет один вызов. Реализация обязана уважать контекст.
	Fetch(ctx context.Context, item WatchlistItem, src Source) FetchResult
	// UsesQuota сообщает, нужно ли сверяться с лимитером перед вызовом.
	UsesQuota() bool
	// Timeout — мягкий таймаут одного вызова.
	Timeout() time.Duration
}

// Notifier — внешний транспорт доставки. Ошибки оборачивают
// ErrDeliveryTransient либо ErrDeliveryPermanent.
type Notifier interface {
	Send(ctx context.Context, receipt NotificationReceipt) error
}

// Refiner опционально переписывает текст обоснования оценки.
// Сбой нефатален: остаётся детерминированное обоснование.
type Refiner interface {
	Refine(ctx context.Context, obs Observation, score Score) (string, error)
}

// ObservationRepo хранит наблюдения и их оценки.
type ObservationRepo interface {
	// RecordObservation атомарно пишет наблюдение и возвращает его id.
	// Повтор идентичной строки схлопывается в существующую.
	RecordObservation(obs Observation) (int64, error)
	// PriceHistory возвращает историю цены по отпечатку, новые записи первыми.
	PriceHistory(identity, currency string, windowDays int) ([]PricePoint, error)
	// SaveScore пишет разбивку оценки рядом с наблюдением.
	SaveScore(observationID int64, score Score) error
}

// ReceiptRepo хранит квитанции уведомлений.
type ReceiptRepo interface {
	// RecordNotification пишет квитанцию; ErrDuplicateReceipt при дубликате
	// (тот же отпечаток и ценовая корзина внутри окна охлаждения).
	RecordNotification(receipt NotificationReceipt, cooldown time.Duration) error
	// LastReceipt возвращает последнюю квитанцию по отпечатку либо nil.
	LastReceipt(identity string) (*NotificationReceipt, error)
	// ListPendingDeliveries возвращает квитанции, ожидающие доставки.
	ListPendingDeliveries(limit int) ([]NotificationReceipt, error)
	// MarkDelivered помечает квитанцию доставленной.
	MarkDelivered(id string) error
	// MarkUndelivered помечает квитанцию окончательно недоставленной.
	MarkUndelivered(id string) error
	// IncrementDeliveryAttempt наращивает счётчик попыток и возвращает его.
	IncrementDeliveryAttempt(id string) (int, error)
}

// APICallRepo ведёт журнал расхода квот источников.
type APICallRepo interface {
	RecordAPICall(source string, at time.Time) error
	APICallCount(source string, since time.Time) (int, error)
	// LastAPICall возвращает время последнего вызова источника.
	LastAPICall(source string) (time.Time, bool, error)
}

// SourceHealthRepo хранит антиабьюзное состояние источников.
type SourceHealthRepo interface {
	// RecordBlocked фиксирует отказ источника и возвращает длину серии.
	RecordBlocked(source string, at time.Time) (int, error)
	// ResetBlocked сбрасывает серию отказов после успешного вызова.
	ResetBlocked(source string) error
	// DisableSource выключает источник до указанного времени.
	DisableSource(source string, until time.Time) error
	// DisabledUntil сообщает, выключен ли источник, и до какого момента.
	DisabledUntil(source string) (time.Time, bool, error)
}

// DenyReason — причина отказа лимитера.
type DenyReason string

const (
	DenyMonthlyCap    DenyReason = "monthly_cap"
	DenyHourlyCap     DenyReason = "hourly_cap"
	DenyMinSpacing    DenyReason = "min_spacing"
	DenyErrorCooldown DenyReason = "cooldown_after_error"
)

// RateVerdict — ответ лимитера на вопрос "можно ли звать источник".
type RateVerdict struct {
	Allowed    bool
	Reason     DenyReason
	RetryAfter time.Duration
}

// Allow строит разрешающий вердикт.
func Allow() RateVerdict { return RateVerdict{Allowed: true} }

// Deny строит запрещающий вердикт.
func Deny(reason DenyReason, retryAfter time.Duration) RateVerdict {
	return RateVerdict{Reason: reason, RetryAfter: retryAfter}
}

// RateLimiter отвечает за бюджеты вызовов квотируемых источников.
type RateLimiter interface {
	MayCall(src Source, now time.Time) (RateVerdict, error)
	NoteCall(src Source, now time.Time) error
	// NoteThrottle ставит дополнительный запрет после удалённого 429.
	NoteThrottle(src Source, now time.Time, cooldown time.Duration)
}
