package bot

import (
	"context"
	"time"

	"migranthub/internal/config"
	"migranthub/internal/domain"
	"migranthub/internal/models"
	"migranthub/internal/status"
	"migranthub/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const updateTimeout = 30 * time.Second

type StatusSource interface {
	Snapshot() status.Snapshot
}

type Syncer interface {
	Sync(ctx context.Context) (worker.SyncResult, error)
}

type OperationStore interface {
	Operations() []*models.QueuedOperation
	DeadOperations() []*models.QueuedOperation
	Discard(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*models.QueuedOperation, error)
}

// BotWrapper adapts *tgbotapi.BotAPI to domain.TelegramBot.
type BotWrapper struct {
	*tgbotapi.BotAPI
}

func NewBotWrapper(api *tgbotapi.BotAPI) *BotWrapper {
	return &BotWrapper{BotAPI: api}
}

func (w *BotWrapper) GetSelf() tgbotapi.User {
	return w.Self
}

// Bot answers operator commands about the sync queue in Telegram.
type Bot struct {
	tg      domain.TelegramBot
	cfg     config.TelegramConfig
	admins  map[int64]bool
	status  StatusSource
	engine  Syncer
	ops     OperationStore
	metrics *Metrics
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewBot(
	tg domain.TelegramBot,
	cfg config.TelegramConfig,
	statusSource StatusSource,
	engine Syncer,
	ops OperationStore,
	metrics *Metrics,
	logger *zerolog.Logger,
) *Bot {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Bot{
		tg:      tg,
		cfg:     cfg,
		admins:  admins,
		status:  statusSource,
		engine:  engine,
		ops:     ops,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Start processes updates until ctx is done or the update channel closes.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.tg.GetUpdatesChan(u)
	b.logger.Info().Str("username", b.tg.GetSelf().UserName).Msg("Authorized on account")

	for {
		select {
		case <-ctx.Done():
			b.tg.StopReceivingUpdates()
			b.logger.Info().Msg("Bot stopping")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.UpdateProcessingTime.Observe(time.Since(start).Seconds())
		}
	}()

	msg := update.Message
	if msg == nil || msg.From == nil || !msg.IsCommand() {
		return
	}

	l := b.logger.With().
		Str("request_id", uuid.NewString()).
		Str("command", msg.Command()).
		Int64("user_id", msg.From.ID).
		Logger()
	defer b.recoverUpdate(&l)

	if !b.authorized(msg) {
		l.Warn().Msg("Command from unauthorized user")
		return
	}

	updateCtx, cancel := context.WithTimeout(l.WithContext(ctx), updateTimeout)
	defer cancel()
	b.handleCommand(updateCtx, msg)
}

// recoverUpdate must be deferred directly. A panicking command is logged with
// its label and counted, and the update loop keeps running.
func (b *Bot) recoverUpdate(l *zerolog.Logger) {
	r := recover()
	if r == nil {
		return
	}
	if b.metrics != nil {
		b.metrics.ErrorsTotal.Inc()
	}
	l.Error().Interface("panic", r).Msg("Recovered from panic in command handler")
}

func (b *Bot) authorized(msg *tgbotapi.Message) bool {
	if b.admins[msg.From.ID] {
		return true
	}
	return b.cfg.ChatID != 0 && msg.Chat != nil && msg.Chat.ID == b.cfg.ChatID
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.tg.Send(msg); err != nil {
		if b.metrics != nil {
			b.metrics.ErrorsTotal.Inc()
		}
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send reply")
	}
}
