package domain

import (
	"context"

	"migranthub/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DeadLetterSink receives a copy of every operation the sync engine gives up on.
type DeadLetterSink interface {
	PushDead(ctx context.Context, op *models.QueuedOperation) error
}

// DeadLetterReader lists what a sink has recorded, newest first.
type DeadLetterReader interface {
	RecentDead(ctx context.Context, limit int) ([]*models.QueuedOperation, error)
}

// DeadLetterRepository both records and lists dead operations.
type DeadLetterRepository interface {
	DeadLetterSink
	DeadLetterReader
}

// VersionStore keeps the last remote version seen per entity.
type VersionStore interface {
	EntityVersion(ctx context.Context, entityType models.EntityType, entityID string) (int64, bool, error)
	PutEntityVersion(ctx context.Context, entityType models.EntityType, entityID string, version int64) error
	DeleteEntityVersion(ctx context.Context, entityType models.EntityType, entityID string) error
}

type EventPublisher interface {
	Emit(eventType string, payload interface{})
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// TelegramBot is the part of the Bot API the operator bot drives.
type TelegramBot interface {
	TelegramSender
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}
