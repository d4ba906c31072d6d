package domain

import (
	"sort"
	"strings"
	"unicode"
)

// Стоп-слова, выбрасываемые при канонизации названия.
var identityStopWords = map[string]struct{}{
	"the": {},
	"a":   {},
	"for": {},
}

// Identity возвращает стабильный отпечаток товара. Если у наблюдения есть
// UPC или SKU, отпечатком становится только он; иначе — отсортированный
// мультисет токенов нормализованного названия.
func (o Observation) Identity() string {
	if upc := strings.TrimSpace(o.UPC); upc != "" {
		return "upc:" + strings.ToLower(upc)
	}
	if sku := strings.TrimSpace(o.SKU); sku != "" {
		return "sku:" + strings.ToLower(sku)
	}
	return CanonicalTitle(o.Title)
}

// CanonicalTitle нормализует название: нижний регистр, без пунктуации,
// схлопнутые пробелы, без стоп-слов, токены в отсортированном порядке.
// Повторяющиеся токены сохраняются — это мультисет, а не множество.
func CanonicalTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	tokens := fields[:0]
	for _, tok := range fields {
		if _, stop := identityStopWords[tok]; stop {
			continue
		}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
