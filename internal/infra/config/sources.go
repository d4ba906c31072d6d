package config

import (
	"time"

	"deal-scanner/internal/domain"
)

// Декларации источников статичны: квоты, минимальный интервал между
// запросами, доверие к источнику и фолбэк при исчерпании квоты.
// Имена совпадают с полем retailers в вочлисте.
var sourceDeclarations = []domain.Source{
	{
		Name:         "retail_api",
		Kind:         domain.SourceAPIQuota,
		MonthlyQuota: 1000,
		HourlyQuota:  40,
		MinDelay:     2 * time.Second,
		Trust:        100,
		Fallback:     "retail_scrape",
	},
	{
		Name:     "retail_scrape",
		Kind:     domain.SourceScrape,
		MinDelay: 5 * time.Second,
		Trust:    100,
	},
	{
		Name:         "aggregator_api",
		Kind:         domain.SourceAPIQuota,
		MonthlyQuota: 500,
		HourlyQuota:  20,
		MinDelay:     3 * time.Second,
		Trust:        70,
	},
	{
		Name:  "deal_feed",
		Kind:  domain.SourceFeed,
		Trust: 70,
	},
}

// Sources возвращает карту деклараций источников по имени.
func Sources() map[string]domain.Source {
	out := make(map[string]domain.Source, len(sourceDeclarations))
	for _, src := range sourceDeclarations {
		out[src.Name] = src
	}
	return out
}
