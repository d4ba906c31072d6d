package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/metrics"
)

// Notifier доставляет уведомления о сделках в Telegram-чат.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier создаёт нотификатор.
func NewNotifier(bot *tgbotapi.BotAPI, chatID int64) *Notifier {
	return &Notifier{bot: bot, chatID: chatID}
}

// Send отправляет сообщение квитанции. Ошибки транспорта классифицируются:
// 429 и 5xx — временные, остальные ответы API — окончательные.
func (n *Notifier) Send(ctx context.Context, receipt domain.NotificationReceipt) error {
	parts := SplitMessage(receipt.Message)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(n.chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(n.chatID, 10), start, err)
		if err != nil {
			return classify(err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrDeliveryTransient, err)
		}
	}
	return nil
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return fmt.Errorf("%w: telegram: %v", domain.ErrDeliveryTransient, err)
		}
		return fmt.Errorf("%w: telegram: %v", domain.ErrDeliveryPermanent, err)
	}
	// Сетевые сбои без ответа API считаем временными.
	return fmt.Errorf("%w: telegram: %v", domain.ErrDeliveryTransient, err)
}
