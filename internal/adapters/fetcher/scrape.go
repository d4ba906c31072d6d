package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-scanner/internal/domain"
)

// Scraper добывает наблюдения со страниц поиска ритейлера через
// headless-браузер. Квоты API не расходует.
type Scraper struct {
	log       zerolog.Logger
	searchURL string
	source    string
	headless  bool
	timeout   time.Duration

	mu      sync.Mutex
	browser *rod.Browser
}

var _ domain.Fetcher = (*Scraper)(nil)

// NewScraper создаёт скрейпер. searchURL содержит %s для подстановки запроса.
func NewScraper(logger zerolog.Logger, searchURL, source string, headless bool, timeout time.Duration) *Scraper {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Scraper{
		log:       logger,
		searchURL: searchURL,
		source:    source,
		headless:  headless,
		timeout:   timeout,
	}
}

// UsesQuota сообщает, что скрейпинг квоту не расходует.
func (s *Scraper) UsesQuota() bool { return false }

// Timeout — мягкий таймаут одного вызова.
func (s *Scraper) Timeout() time.Duration { return s.timeout }

// Close останавливает браузер.
func (s *Scraper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.browser = nil
	return err
}

func (s *Scraper) ensureBrowser() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	l := launcher.New().Headless(s.headless)
	l = l.Set("disable-blink-features", "AutomationControlled")
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("запуск браузера: %w", err)
	}
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("подключение к браузеру: %w", err)
	}
	s.log.Info().Str("source", s.source).Bool("headless", s.headless).Msg("scraper: браузер запущен")
	s.browser = browser
	return browser, nil
}

type scrapedTile struct {
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	URL       string  `json:"url"`
	SKU       string  `json:"sku"`
	Available bool    `json:"available"`
}

// Скрипт собирает товарные плитки со страницы результатов поиска.
const extractScript = `() => {
	const tiles = Array.from(document.querySelectorAll('[data-product-id], .product-tile, .s-result-item'));
	return JSON.stringify(tiles.map(el => {
		const priceText = (el.querySelector('.price, [data-price], .a-price .a-offscreen') || {}).textContent || '';
		const price = parseFloat(priceText.replace(/[^0-9.]/g, ''));
		const link = el.querySelector('a');
		return {
			title: ((el.querySelector('h2, .product-title, .title') || {}).textContent || '').trim(),
			price: isNaN(price) ? 0 : price,
			url: link ? link.href : '',
			sku: el.getAttribute('data-product-id') || '',
			available: !el.querySelector('.out-of-stock, .unavailable')
		};
	}).filter(t => t.title && t.price > 0));
}`

// Fetch открывает страницу поиска и извлекает товарные плитки.
func (s *Scraper) Fetch(ctx context.Context, item domain.WatchlistItem, src domain.Source) domain.FetchResult {
	browser, err := s.ensureBrowser()
	if err != nil {
		return domain.FetchFailure(domain.FetchTransient, err)
	}

	pageURL := fmt.Sprintf(s.searchURL, url.QueryEscape(strings.Join(item.Keywords, " ")))

	page, err := stealth.Page(browser)
	if err != nil {
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("создание вкладки: %w", err))
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := page.Navigate(pageURL); err != nil {
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("переход на %s: %w", pageURL, err))
	}
	if err := page.WaitLoad(); err != nil {
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("загрузка %s: %w", pageURL, err))
	}

	if blocked, err := s.detectBlock(page); err == nil && blocked {
		return domain.FetchFailure(domain.FetchBlocked, fmt.Errorf("страница с captcha/отказом: %s", pageURL))
	}

	res, err := page.Eval(extractScript)
	if err != nil {
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("извлечение плиток: %w", err))
	}
	var tiles []scrapedTile
	if err := json.Unmarshal([]byte(res.Value.Str()), &tiles); err != nil {
		return domain.FetchFailure(domain.FetchTransient, fmt.Errorf("разбор плиток: %w", err))
	}

	now := time.Now().UTC()
	observations := make([]domain.Observation, 0, len(tiles))
	for _, tile := range tiles {
		observations = append(observations, domain.Observation{
			ItemID:     item.ID,
			Source:     s.source,
			Title:      tile.Title,
			SKU:        tile.SKU,
			Price:      decimal.NewFromFloat(tile.Price),
			Currency:   "USD",
			Available:  tile.Available,
			CapturedAt: now,
			RawURL:     tile.URL,
		})
	}
	return domain.FetchSuccess(observations)
}

func (s *Scraper) detectBlock(page *rod.Page) (bool, error) {
	res, err := page.Eval(`() => {
		const text = document.body ? document.body.innerText.toLowerCase() : '';
		return text.includes('captcha') || text.includes('access denied') || text.includes('robot check');
	}`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}
