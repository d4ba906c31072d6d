package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"deal-scanner/internal/domain"
)

// Окна бюджета: скользящие, а не календарные, чтобы избежать обрыва
// квоты на границе месяца.
const (
	monthlyWindow = 30 * 24 * time.Hour
	hourlyWindow  = time.Hour
)

// Паузы перед повтором при исчерпанном бюджете.
const (
	monthlyRetryAfter = 24 * time.Hour
	hourlyRetryAfter  = 5 * time.Minute
)

// Limiter отвечает на вопрос "можно ли звать источник" по журналу
// вызовов в хранилище. Сам лимитер не хранит долговечного состояния:
// после рестарта бюджеты восстанавливаются из журнала.
type Limiter struct {
	log   zerolog.Logger
	calls domain.APICallRepo

	mu        sync.Mutex
	spacing   map[string]*rate.Limiter
	cooldowns map[string]time.Time
}

var _ domain.RateLimiter = (*Limiter)(nil)

// NewLimiter создаёт лимитер.
func NewLimiter(logger zerolog.Logger, calls domain.APICallRepo) *Limiter {
	return &Limiter{
		log:       logger,
		calls:     calls,
		spacing:   make(map[string]*rate.Limiter),
		cooldowns: make(map[string]time.Time),
	}
}

// MayCall проверяет бюджеты источника. Неквотируемые источники
// ограничены только минимальным интервалом между запросами.
func (l *Limiter) MayCall(src domain.Source, now time.Time) (domain.RateVerdict, error) {
	if until, ok := l.cooldownUntil(src.Name); ok && now.Before(until) {
		return domain.Deny(domain.DenyErrorCooldown, until.Sub(now)), nil
	}

	if src.Quotaed() {
		if src.MonthlyQuota > 0 {
			count, err := l.calls.APICallCount(src.Name, now.Add(-monthlyWindow))
			if err != nil {
				return domain.RateVerdict{}, err
			}
			if count >= src.MonthlyQuota {
				return domain.Deny(domain.DenyMonthlyCap, monthlyRetryAfter), nil
			}
		}
		if src.HourlyQuota > 0 {
			count, err := l.calls.APICallCount(src.Name, now.Add(-hourlyWindow))
			if err != nil {
				return domain.RateVerdict{}, err
			}
			if count >= src.HourlyQuota {
				return domain.Deny(domain.DenyHourlyCap, hourlyRetryAfter), nil
			}
		}
	}

	if src.MinDelay > 0 {
		last, ok, err := l.calls.LastAPICall(src.Name)
		if err != nil {
			return domain.RateVerdict{}, err
		}
		if ok && now.Sub(last) < src.MinDelay {
			return domain.Deny(domain.DenyMinSpacing, src.MinDelay-now.Sub(last)), nil
		}
		// Журнал покрывает рестарты; ведро — окно между MayCall и записью
		// NoteCall. Оба механизма живут на одних часах вызывающего.
		res := l.spacingLimiter(src).ReserveN(now, 1)
		if wait := res.DelayFrom(now); wait > 0 {
			res.CancelAt(now)
			return domain.Deny(domain.DenyMinSpacing, wait), nil
		}
	}

	return domain.Allow(), nil
}

// NoteCall фиксирует расход бюджета; вызывается сразу после MayCall
// перед исходящим запросом.
func (l *Limiter) NoteCall(src domain.Source, now time.Time) error {
	return l.calls.RecordAPICall(src.Name, now)
}

// NoteThrottle ставит дополнительный запрет после удалённого 429.
func (l *Limiter) NoteThrottle(src domain.Source, now time.Time, cooldown time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := now.Add(cooldown)
	if existing, ok := l.cooldowns[src.Name]; !ok || until.After(existing) {
		l.cooldowns[src.Name] = until
	}
	l.log.Warn().Str("source", src.Name).Time("until", until).Msg("ratelimit: охлаждение после 429")
}

func (l *Limiter) cooldownUntil(source string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldowns[source]
	return until, ok
}

func (l *Limiter) spacingLimiter(src domain.Source) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.spacing[src.Name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(src.MinDelay), 1)
		l.spacing[src.Name] = lim
	}
	return lim
}
