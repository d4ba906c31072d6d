package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/metrics"
)

// RetailAPI добывает наблюдения через квотируемый API ритейлера.
type RetailAPI struct {
	http    *http.Client
	baseURL string
	apiKey  string
	source  string
	timeout time.Duration
}

var _ domain.Fetcher = (*RetailAPI)(nil)

// NewRetailAPI создаёт фетчер поверх JSON API поиска товаров.
func NewRetailAPI(baseURL, apiKey, source string, timeout time.Duration) *RetailAPI {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &RetailAPI{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		source:  source,
		timeout: timeout,
	}
}

// UsesQuota сообщает, что вызовы расходуют квоту API.
func (f *RetailAPI) UsesQuota() bool { return true }

// Timeout — мягкий таймаут одного вызова.
func (f *RetailAPI) Timeout() time.Duration { return f.timeout }

type apiProduct struct {
	Title    string   `json:"title"`
	UPC      string   `json:"upc"`
	SKU      string   `json:"sku"`
	Price    float64  `json:"price"`
	Currency string   `json:"currency"`
	InStock  bool     `json:"in_stock"`
	Rating   *float64 `json:"rating"`
	Reviews  int      `json:"reviews"`
	URL      string   `json:"url"`
}

type apiSearchResponse struct {
	Products []apiProduct `json:"products"`
}

// Fetch выполняет один поисковый запрос по ключевым словам позиции.
func (f *RetailAPI) Fetch(ctx context.Context, item domain.WatchlistItem, src domain.Source) domain.FetchResult {
	query := url.Values{}
	query.Set("q", strings.Join(item.Keywords, " "))
	if item.Category != "" {
		query.Set("category", item.Category)
	}
	endpoint := f.baseURL + "/search?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.FetchFailure(domain.FetchPermanent, fmt.Errorf("сборка запроса: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", f.apiKey)

	start := time.Now()
	resp, err := f.http.Do(req)
	metrics.ObserveNetworkRequest("retail_api", "search", f.source, start, err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.FetchFailure(domain.FetchTransient, err)
		}
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("запрос поиска: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.FetchFailure(domain.FetchQuotaExhausted, fmt.Errorf("remote 429"))
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return domain.FetchFailure(domain.FetchBlocked, fmt.Errorf("remote %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("remote %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return domain.FetchFailure(domain.FetchPermanent, fmt.Errorf("remote %d", resp.StatusCode))
	}

	var parsed apiSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("разбор ответа: %w", err))
	}

	now := time.Now().UTC()
	observations := make([]domain.Observation, 0, len(parsed.Products))
	for _, product := range parsed.Products {
		if product.Price <= 0 {
			continue
		}
		currency := product.Currency
		if currency == "" {
			currency = "USD"
		}
		observations = append(observations, domain.Observation{
			ItemID:     item.ID,
			Source:     f.source,
			Title:      product.Title,
			UPC:        product.UPC,
			SKU:        product.SKU,
			Price:      decimal.NewFromFloat(product.Price),
			Currency:   currency,
			Available:  product.InStock,
			Rating:     product.Rating,
			Reviews:    product.Reviews,
			CapturedAt: now,
			RawURL:     product.URL,
		})
	}
	return domain.FetchSuccess(observations)
}
