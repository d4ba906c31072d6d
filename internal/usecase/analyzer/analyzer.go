package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-scanner/internal/domain"
)

// Весовые коэффициенты компонент; в сумме дают единицу.
const (
	weightPrice   = 0.40
	weightQuality = 0.30
	weightTiming  = 0.15
	weightSource  = 0.15
)

const defaultHistoryWindowDays = 90

// Окно "перед пиком распродаж", в котором тайминговая компонента равна 100.
const prePeakWindow = 8 * 7 * 24 * time.Hour

// PeakDate — дата пика распродаж без привязки к году.
type PeakDate struct {
	Month time.Month
	Day   int
}

// ParsePeakDates разбирает список дат формата MM-DD.
func ParsePeakDates(raw []string) ([]PeakDate, error) {
	peaks := make([]PeakDate, 0, len(raw))
	for _, s := range raw {
		t, err := time.Parse("01-02", s)
		if err != nil {
			return nil, fmt.Errorf("дата пика %q: %w", s, err)
		}
		peaks = append(peaks, PeakDate{Month: t.Month(), Day: t.Day()})
	}
	return peaks, nil
}

// Analyzer превращает наблюдение и историю цены в детерминированную оценку.
type Analyzer struct {
	log        zerolog.Logger
	history    domain.ObservationRepo
	sources    map[string]domain.Source
	refiner    domain.Refiner
	windowDays int
	peaks      []PeakDate
	now        func() time.Time
}

// NewAnalyzer создаёт анализатор. refiner может быть nil.
func NewAnalyzer(logger zerolog.Logger, history domain.ObservationRepo, sources map[string]domain.Source, refiner domain.Refiner, peaks []PeakDate) *Analyzer {
	return &Analyzer{
		log:        logger,
		history:    history,
		sources:    sources,
		refiner:    refiner,
		windowDays: defaultHistoryWindowDays,
		peaks:      peaks,
		now:        time.Now,
	}
}

// WithClock подменяет источник времени.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// Score оценивает наблюдение на основе снимка истории. Оценка детерминирована:
// при одинаковой истории повторный вызов возвращает то же значение.
func (a *Analyzer) Score(ctx context.Context, obs domain.Observation) (domain.Score, error) {
	history, err := a.history.PriceHistory(obs.Identity(), obs.Currency, a.windowDays)
	if err != nil {
		return domain.Score{}, fmt.Errorf("история цены: %w", err)
	}

	priceComp, priceWhy := priceComponent(obs.Price, history)
	qualityComp, qualityWhy := qualityComponent(obs.Rating, obs.Reviews)
	timingComp := a.timingComponent(a.now().UTC())
	sourceComp := a.sourceComponent(obs.Source)

	value := weightPrice*priceComp + weightQuality*qualityComp + weightTiming*timingComp + weightSource*sourceComp

	score := domain.Score{
		Value:   value,
		Price:   priceComp,
		Quality: qualityComp,
		Timing:  timingComp,
		Source:  sourceComp,
		Rationale: fmt.Sprintf("%s; %s; тайминг %.0f, доверие источника %.0f; итог %.1f",
			priceWhy, qualityWhy, timingComp, sourceComp, value),
	}

	if a.refiner != nil {
		refined, err := a.refiner.Refine(ctx, obs, score)
		if err != nil {
			// Сбой рефайнера нефатален: остаётся детерминированный текст.
			a.log.Debug().Err(err).Msg("analyzer: рефайнер недоступен")
		} else {
			score.Rationale = refined
		}
	}
	return score, nil
}

// priceComponent сравнивает цену с минимумом и медианой истории.
// При менее чем трёх наблюдениях данных недостаточно — компонента 50.
func priceComponent(price decimal.Decimal, history []domain.PricePoint) (float64, string) {
	if len(history) < 3 {
		return 50, fmt.Sprintf("истории мало (%d наблюдений)", len(history))
	}
	prices := make([]float64, len(history))
	for i, p := range history {
		prices[i], _ = p.Price.Float64()
	}
	sort.Float64s(prices)
	lowest := prices[0]
	median := prices[len(prices)/2]
	if len(prices)%2 == 0 {
		median = (prices[len(prices)/2-1] + prices[len(prices)/2]) / 2
	}
	upper := median * 1.10
	current, _ := price.Float64()

	switch {
	case current <= lowest:
		return 100, fmt.Sprintf("цена %s — исторический минимум", price)
	case current >= upper:
		return 0, fmt.Sprintf("цена %s выше медианы с запасом", price)
	default:
		comp := (upper - current) / (upper - lowest) * 100
		return comp, fmt.Sprintf("цена %s между минимумом %.2f и медианой %.2f", price, lowest, median)
	}
}

// qualityComponent строится из рейтинга и числа отзывов.
// Без рейтинга компонента равна 40.
func qualityComponent(rating *float64, reviews int) (float64, string) {
	if rating == nil {
		return 40, "рейтинг отсутствует"
	}
	comp := (*rating/5)*60 + math.Min(40, math.Log10(float64(reviews)+1)*20)
	comp = math.Min(100, comp)
	return comp, fmt.Sprintf("рейтинг %.1f при %d отзывах", *rating, reviews)
}

// timingComponent равна 100 внутри восьми недель перед любым пиком распродаж.
func (a *Analyzer) timingComponent(now time.Time) float64 {
	for _, peak := range a.peaks {
		for _, year := range []int{now.Year(), now.Year() + 1} {
			peakAt := time.Date(year, peak.Month, peak.Day, 0, 0, 0, 0, time.UTC)
			if !now.Before(peakAt.Add(-prePeakWindow)) && now.Before(peakAt) {
				return 100
			}
		}
	}
	return 50
}

// sourceComponent — фиксированное доверие источнику; неизвестный источник 50.
func (a *Analyzer) sourceComponent(name string) float64 {
	if src, ok := a.sources[name]; ok && src.Trust > 0 {
		return src.Trust
	}
	return 50
}

// OrderCandidates сортирует оценённые наблюдения: новые первыми,
// при равенстве — по порядку источников позиции вочлиста.
func OrderCandidates(scored []domain.ScoredObservation, sourceOrder []string) {
	rank := make(map[string]int, len(sourceOrder))
	for i, name := range sourceOrder {
		rank[name] = i
	}
	sort.SliceStable(scored, func(i, j int) bool {
		lhs, rhs := scored[i].Observation, scored[j].Observation
		if !lhs.CapturedAt.Equal(rhs.CapturedAt) {
			return lhs.CapturedAt.After(rhs.CapturedAt)
		}
		li, lok := rank[lhs.Source]
		ri, rok := rank[rhs.Source]
		if lok && rok {
			return li < ri
		}
		return lok
	})
}
