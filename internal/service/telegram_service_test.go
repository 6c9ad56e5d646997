package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"migranthub/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockTelegramSender struct {
	mock.Mock
}

func (m *mockTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func (m *mockTelegramSender) GetSelf() tgbotapi.User {
	args := m.Called()
	return args.Get(0).(tgbotapi.User)
}

func deadOp() *models.QueuedOperation {
	msg := "remote conflict: document-checklist-item d1 changed remotely"
	return &models.QueuedOperation{
		ID:           "op-1",
		EntityType:   models.EntityChecklistItem,
		EntityID:     "d1",
		Kind:         models.KindUpdate,
		Status:       models.OpDead,
		AttemptCount: 1,
		LastError:    &msg,
		CreatedAt:    time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestTelegramService(t *testing.T) {
	mockSender := new(mockTelegramSender)
	svc := NewTelegramService(mockSender, 555)

	t.Run("SendMessage", func(t *testing.T) {
		mockSender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && msg.Text == "hello" && msg.ChatID == 123
		})).Return(tgbotapi.Message{}, nil).Once()

		_, err := svc.SendMessage(123, "hello")
		assert.NoError(t, err)
		mockSender.AssertExpectations(t)
	})

	t.Run("PushDead", func(t *testing.T) {
		mockSender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && msg.ChatID == 555 &&
				strings.Contains(msg.Text, "op-1") &&
				strings.Contains(msg.Text, "changed remotely")
		})).Return(tgbotapi.Message{}, nil).Once()

		assert.NoError(t, svc.PushDead(context.Background(), deadOp()))
		mockSender.AssertExpectations(t)
	})

	t.Run("PushDeadError", func(t *testing.T) {
		mockSender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("chat not found")).Once()

		err := svc.PushDead(context.Background(), deadOp())
		assert.ErrorContains(t, err, "chat not found")
		mockSender.AssertExpectations(t)
	})
}

func TestDeadOperationText(t *testing.T) {
	text := DeadOperationText(deadOp())
	assert.Contains(t, text, "entity: document-checklist-item d1")
	assert.Contains(t, text, "kind: update, attempts: 1")
	assert.Contains(t, text, "queued at: 2025-05-10 08:00:00 UTC")
}
