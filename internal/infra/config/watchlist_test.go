package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWatchlist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchlist.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("не удалось записать файл: %v", err)
	}
	return path
}

func TestLoadWatchlist(t *testing.T) {
	path := writeWatchlist(t, `
watchlist:
  - id: 1
    category: electronics
    keywords: ["sony", "wh-1000xm5"]
    max_price: 250.00
    priority: high
    retailers: ["retail_api", "aggregator_api"]
  - id: 2
    keywords: ["lego", "star wars"]
    priority: low
`)
	items, err := LoadWatchlist(path)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ожидали 2 элемента, получили %d", len(items))
	}
	if items[0].MaxPrice == nil || items[0].MaxPrice.String() != "250" {
		t.Fatalf("ожидали max_price 250, получили %v", items[0].MaxPrice)
	}
	if items[1].MaxPrice != nil {
		t.Fatalf("ожидали элемент без предела цены")
	}
	if len(items[0].Retailers) != 2 {
		t.Fatalf("ожидали 2 ритейлера, получили %d", len(items[0].Retailers))
	}
}

func TestLoadWatchlistRejectsDuplicateID(t *testing.T) {
	path := writeWatchlist(t, `
watchlist:
  - id: 7
    keywords: ["x"]
    priority: high
  - id: 7
    keywords: ["y"]
    priority: low
`)
	if _, err := LoadWatchlist(path); err == nil {
		t.Fatalf("ожидали ошибку про повторяющийся id")
	}
}

func TestLoadWatchlistRejectsUnknownPriority(t *testing.T) {
	path := writeWatchlist(t, `
watchlist:
  - id: 1
    keywords: ["x"]
    priority: urgent
`)
	if _, err := LoadWatchlist(path); err == nil {
		t.Fatalf("ожидали ошибку про неизвестный приоритет")
	}
}

func TestLoadWatchlistRejectsEmptyKeywords(t *testing.T) {
	path := writeWatchlist(t, `
watchlist:
  - id: 1
    keywords: []
    priority: medium
`)
	if _, err := LoadWatchlist(path); err == nil {
		t.Fatalf("ожидали ошибку про пустые ключевые слова")
	}
}

func TestLoadWatchlistRejectsNonPositiveMaxPrice(t *testing.T) {
	path := writeWatchlist(t, `
watchlist:
  - id: 1
    keywords: ["x"]
    max_price: 0
    priority: medium
`)
	if _, err := LoadWatchlist(path); err == nil {
		t.Fatalf("ожидали ошибку про неположительный max_price")
	}
}
