package service

import (
	"context"
	"fmt"
	"strings"

	"migranthub/internal/domain"
	"migranthub/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramService posts dead-operation alerts to a support chat.
type TelegramService struct {
	bot    domain.TelegramSender
	chatID int64
}

func NewTelegramService(bot domain.TelegramSender, chatID int64) *TelegramService {
	return &TelegramService{
		bot:    bot,
		chatID: chatID,
	}
}

func (s *TelegramService) SendMessage(chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	return s.bot.Send(msg)
}

// PushDead implements domain.DeadLetterSink.
func (s *TelegramService) PushDead(_ context.Context, op *models.QueuedOperation) error {
	if _, err := s.SendMessage(s.chatID, DeadOperationText(op)); err != nil {
		return fmt.Errorf("telegram notify: %w", err)
	}
	return nil
}

// DeadOperationText renders the alert for op.
func DeadOperationText(op *models.QueuedOperation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation needs attention\n")
	fmt.Fprintf(&b, "id: %s\n", op.ID)
	fmt.Fprintf(&b, "entity: %s %s\n", op.EntityType, op.EntityID)
	fmt.Fprintf(&b, "kind: %s, attempts: %d\n", op.Kind, op.AttemptCount)
	if op.LastError != nil {
		fmt.Fprintf(&b, "error: %s\n", *op.LastError)
	}
	fmt.Fprintf(&b, "queued at: %s", op.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
