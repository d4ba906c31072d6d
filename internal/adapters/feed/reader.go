package feed

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/metrics"
)

// Reader периодически разбирает агрегаторные фиды сделок и отдаёт
// наблюдения в общий пайплайн. Внешние квоты API не расходует.
type Reader struct {
	log    zerolog.Logger
	parser *gofeed.Parser
	urls   []string
	source string

	// Снимок вочлиста для сопоставления записей фида по ключевым словам.
	// Заменяется по SIGHUP, пока Poll читает его из своей горутины.
	itemsMu sync.RWMutex
	items   []domain.WatchlistItem
}

// NewReader создаёт читателя фидов.
func NewReader(logger zerolog.Logger, urls []string, source string, items []domain.WatchlistItem) *Reader {
	return &Reader{
		log:    logger,
		parser: gofeed.NewParser(),
		urls:   urls,
		source: source,
		items:  items,
	}
}

// SetWatchlist заменяет снимок вочлиста после SIGHUP.
func (r *Reader) SetWatchlist(items []domain.WatchlistItem) {
	r.itemsMu.Lock()
	r.items = items
	r.itemsMu.Unlock()
}

var priceRe = regexp.MustCompile(`[$€£]\s?(\d+(?:[.,]\d{1,2})?)`)

// Poll обходит все фиды и возвращает наблюдения, сопоставленные вочлисту.
func (r *Reader) Poll(ctx context.Context) ([]domain.Observation, error) {
	var out []domain.Observation
	var firstErr error
	for _, feedURL := range r.urls {
		start := time.Now()
		parsed, err := r.parser.ParseURLWithContext(feedURL, ctx)
		metrics.ObserveNetworkRequest("feed", "poll", feedURL, start, err)
		if err != nil {
			r.log.Warn().Err(err).Str("url", feedURL).Msg("feed: фид не прочитан")
			if firstErr == nil {
				firstErr = fmt.Errorf("чтение фида %s: %w", feedURL, err)
			}
			continue
		}
		for _, entry := range parsed.Items {
			obs, ok := r.entryToObservation(entry)
			if !ok {
				continue
			}
			out = append(out, obs)
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (r *Reader) entryToObservation(entry *gofeed.Item) (domain.Observation, bool) {
	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return domain.Observation{}, false
	}
	item, ok := r.matchItem(title)
	if !ok {
		return domain.Observation{}, false
	}
	price, ok := extractPrice(title + " " + entry.Description)
	if !ok {
		return domain.Observation{}, false
	}
	capturedAt := time.Now().UTC()
	if entry.PublishedParsed != nil {
		capturedAt = entry.PublishedParsed.UTC()
	}
	return domain.Observation{
		ItemID:     item.ID,
		Source:     r.source,
		Title:      title,
		Price:      price,
		Currency:   "USD",
		Available:  true,
		CapturedAt: capturedAt,
		RawURL:     entry.Link,
	}, true
}

func (r *Reader) matchItem(title string) (domain.WatchlistItem, bool) {
	r.itemsMu.RLock()
	items := r.items
	r.itemsMu.RUnlock()

	lower := strings.ToLower(title)
	for _, item := range items {
		matched := true
		for _, kw := range item.Keywords {
			if !strings.Contains(lower, strings.ToLower(kw)) {
				matched = false
				break
			}
		}
		if matched {
			return item, true
		}
	}
	return domain.WatchlistItem{}, false
}

func extractPrice(text string) (decimal.Decimal, bool) {
	match := priceRe.FindStringSubmatch(text)
	if match == nil {
		return decimal.Decimal{}, false
	}
	raw := strings.ReplaceAll(match[1], ",", ".")
	price, err := decimal.NewFromString(raw)
	if err != nil || price.IsZero() || price.IsNegative() {
		return decimal.Decimal{}, false
	}
	return price, true
}
