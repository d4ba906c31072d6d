package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"deal-scanner/internal/domain"
)

type watchlistFile struct {
	Watchlist []watchlistEntry `yaml:"watchlist"`
}

type watchlistEntry struct {
	ID        int64    `yaml:"id"`
	Category  string   `yaml:"category"`
	Keywords  []string `yaml:"keywords"`
	MaxPrice  *float64 `yaml:"max_price"`
	Priority  string   `yaml:"priority"`
	Retailers []string `yaml:"retailers"`
}

// LoadWatchlist читает вочлист из YAML-файла. Неизвестные поля игнорируются,
// ошибки разбора и нарушения инвариантов фатальны на старте.
func LoadWatchlist(path string) ([]domain.WatchlistItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение вочлиста %s: %w", path, err)
	}
	var file watchlistFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("разбор вочлиста %s: %w", path, err)
	}

	seen := make(map[int64]struct{}, len(file.Watchlist))
	items := make([]domain.WatchlistItem, 0, len(file.Watchlist))
	for _, entry := range file.Watchlist {
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("вочлист: повторяющийся id %d", entry.ID)
		}
		seen[entry.ID] = struct{}{}
		if len(entry.Keywords) == 0 {
			return nil, fmt.Errorf("вочлист: элемент %d без ключевых слов", entry.ID)
		}
		priority := domain.Priority(entry.Priority)
		if !priority.Valid() {
			return nil, fmt.Errorf("вочлист: элемент %d с неизвестным приоритетом %q", entry.ID, entry.Priority)
		}
		item := domain.WatchlistItem{
			ID:        entry.ID,
			Category:  entry.Category,
			Keywords:  entry.Keywords,
			Priority:  priority,
			Retailers: entry.Retailers,
		}
		if entry.MaxPrice != nil {
			price := decimal.NewFromFloat(*entry.MaxPrice)
			if price.IsNegative() || price.IsZero() {
				return nil, fmt.Errorf("вочлист: элемент %d с неположительным max_price", entry.ID)
			}
			item.MaxPrice = &price
		}
		items = append(items, item)
	}
	return items, nil
}
