package gate

import (
	"fmt"
	"html"
	"strings"

	"deal-scanner/internal/domain"
)

// FormatDeal строит HTML-сообщение уведомления о сделке.
func FormatDeal(item domain.WatchlistItem, scored domain.ScoredObservation) string {
	obs := scored.Observation
	var b strings.Builder

	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(obs.Title))
	fmt.Fprintf(&b, "Цена: <b>%s %s</b>", obs.Price, html.EscapeString(obs.Currency))
	if item.MaxPrice != nil {
		fmt.Fprintf(&b, " (лимит %s)", item.MaxPrice)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Оценка: %.1f/100\n", scored.Score.Value)
	if scored.Score.Rationale != "" {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(scored.Score.Rationale))
	}
	fmt.Fprintf(&b, "Источник: %s", html.EscapeString(obs.Source))
	if obs.RawURL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Открыть</a>", html.EscapeString(obs.RawURL))
	}
	return b.String()
}
