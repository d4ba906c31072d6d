package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Priority определяет частоту проверки позиции вочлиста.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid сообщает, известен ли приоритет.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Promote поднимает приоритет на один уровень.
func (p Priority) Promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	}
	return PriorityHigh
}

// WatchlistItem описывает отслеживаемый товар из конфигурации пользователя.
// После загрузки элементы неизменяемы; перечитываются только по SIGHUP.
type WatchlistItem struct {
	ID        int64
	Category  string
	Keywords  []string
	MaxPrice  *decimal.Decimal
	Priority  Priority
	Retailers []string
}

// SourceKind различает источники по способу получения данных.
type SourceKind string

const (
	// SourceAPIQuota — платный API с месячным/часовым лимитом вызовов.
	SourceAPIQuota SourceKind = "api-quota"
	// SourceScrape — скрейпинг страниц ритейлера, квоты не расходует.
	SourceScrape SourceKind = "scrape"
	// SourceFeed — агрегаторный фид, наблюдения приходят без запроса.
	SourceFeed SourceKind = "feed"
)

// Source описывает внешний источник наблюдений. Декларации статичны.
type Source struct {
	Name         string
	Kind         SourceKind
	MonthlyQuota int
	HourlyQuota  int
	MinDelay     time.Duration
	Trust        float64
	Fallback     string
}

// Quotaed сообщает, расходует ли источник квоту API.
func (s Source) Quotaed() bool {
	return s.Kind == SourceAPIQuota
}

// Observation — одно зафиксированное наблюдение цены. Пишется один раз.
type Observation struct {
	ID         int64
	ItemID     int64
	Source     string
	Title      string
	UPC        string
	SKU        string
	Price      decimal.Decimal
	Currency   string
	Available  bool
	Rating     *float64
	Reviews    int
	CapturedAt time.Time
	RawURL     string
}

// PricePoint — строка истории цены для одного отпечатка товара.
type PricePoint struct {
	Price      decimal.Decimal
	CapturedAt time.Time
	Source     string
}

// Score — детерминированная оценка наблюдения в диапазоне [0,100].
type Score struct {
	Value     float64
	Price     float64
	Quality   float64
	Timing    float64
	Source    float64
	Rationale string
}

// ScoredObservation связывает наблюдение с его оценкой.
type ScoredObservation struct {
	Observation Observation
	Score       Score
}

// DeliveryStatus отражает судьбу уведомления.
type DeliveryStatus string

const (
	DeliveryPending     DeliveryStatus = "pending"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryUndelivered DeliveryStatus = "undelivered"
)

// NotificationReceipt фиксирует принятое решение об уведомлении.
// Квитанция пишется до обращения к транспорту доставки.
type NotificationReceipt struct {
	ID        string
	Identity  string
	Bucket    string
	ItemID    int64
	Source    string
	Price     decimal.Decimal
	Currency  string
	ScoreVal  float64
	Message   string
	EmittedAt time.Time
	Status    DeliveryStatus
	Attempts  int
}

// PriceBucket округляет цену до целых единиц валюты для дедупликации.
func PriceBucket(price decimal.Decimal, unit decimal.Decimal) string {
	if unit.IsZero() || unit.IsNegative() {
		unit = decimal.NewFromInt(1)
	}
	return price.Div(unit).Floor().Mul(unit).String()
}
