package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"migranthub/internal/export"
	"migranthub/internal/models"
	"migranthub/internal/queue"
	"migranthub/internal/status"
	"migranthub/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	cmdStart   = "start"
	cmdHelp    = "help"
	cmdStatus  = "status"
	cmdDead    = "dead"
	cmdSync    = "sync"
	cmdRetry   = "retry"
	cmdDiscard = "discard"
	cmdExport  = "export"

	maxListed = 10
)

const helpText = `Sync queue commands:
/status - pending count, sync state and last error
/dead - operations that need attention
/sync - drain the queue now
/retry <id> - requeue a dead operation
/discard <id> - drop an operation
/export - queue snapshot as a spreadsheet`

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	command := msg.Command()
	chatID := msg.Chat.ID

	label := command
	switch command {
	case cmdStart, cmdHelp:
		b.reply(chatID, helpText)
	case cmdStatus:
		b.reply(chatID, statusText(b.status.Snapshot()))
	case cmdDead:
		b.reply(chatID, deadText(b.ops.DeadOperations()))
	case cmdSync:
		b.handleSync(ctx, chatID)
	case cmdRetry:
		b.handleRetry(ctx, chatID, strings.TrimSpace(msg.CommandArguments()))
	case cmdDiscard:
		b.handleDiscard(ctx, chatID, strings.TrimSpace(msg.CommandArguments()))
	case cmdExport:
		b.handleExport(chatID)
	default:
		label = "unknown"
		b.reply(chatID, "Unknown command. Send /help for the list.")
	}

	if b.metrics != nil {
		b.metrics.CommandsProcessed.WithLabelValues(label).Inc()
	}
}

func (b *Bot) handleSync(ctx context.Context, chatID int64) {
	res, err := b.engine.Sync(ctx)
	switch {
	case errors.Is(err, worker.ErrOffline):
		b.reply(chatID, "Offline: the queue will drain when the connection is back.")
	case errors.Is(err, context.DeadlineExceeded):
		b.reply(chatID, "Sync is still running. Check /status later.")
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("Sync command failed")
		b.reply(chatID, "Sync failed: "+err.Error())
	default:
		b.reply(chatID, syncText(res))
	}
}

func (b *Bot) handleRetry(ctx context.Context, chatID int64, id string) {
	if id == "" {
		b.reply(chatID, "Usage: /retry <operation id>")
		return
	}
	op, err := b.ops.Retry(ctx, id)
	if err != nil {
		b.reply(chatID, operationErrorText(id, err))
		return
	}
	zerolog.Ctx(ctx).Info().Str("op_id", id).Msg("Operation requeued from Telegram")
	b.reply(chatID, fmt.Sprintf("Requeued %s (%s %s).", op.ID, op.Kind, op.EntityID))
}

func (b *Bot) handleDiscard(ctx context.Context, chatID int64, id string) {
	if id == "" {
		b.reply(chatID, "Usage: /discard <operation id>")
		return
	}
	if err := b.ops.Discard(ctx, id); err != nil {
		b.reply(chatID, operationErrorText(id, err))
		return
	}
	zerolog.Ctx(ctx).Info().Str("op_id", id).Msg("Operation discarded from Telegram")
	b.reply(chatID, fmt.Sprintf("Discarded %s.", id))
}

func (b *Bot) handleExport(chatID int64) {
	now := b.now()
	var buf bytes.Buffer
	if err := export.Write(&buf, b.ops.Operations(), now); err != nil {
		b.logger.Error().Err(err).Msg("Failed to build export")
		b.reply(chatID, "Export failed.")
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("queue_export_%s.xlsx", now.Format("2006-01-02_15-04-05")),
		Bytes: buf.Bytes(),
	})
	if _, err := b.tg.Send(doc); err != nil {
		if b.metrics != nil {
			b.metrics.ErrorsTotal.Inc()
		}
		b.logger.Error().Err(err).Msg("Failed to send export")
	}
}

func operationErrorText(id string, err error) string {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return fmt.Sprintf("Operation %s not found.", id)
	case errors.Is(err, queue.ErrInFlight):
		return fmt.Sprintf("Operation %s is being sent right now.", id)
	case errors.Is(err, queue.ErrInvalidTransition):
		return fmt.Sprintf("Operation %s is not dead or failed.", id)
	default:
		return fmt.Sprintf("Operation %s: %v", id, err)
	}
}

func statusText(s status.Snapshot) string {
	var b strings.Builder
	network := "offline"
	if s.Online {
		network = "online"
	}
	fmt.Fprintf(&b, "Network: %s\n", network)
	fmt.Fprintf(&b, "Pending: %d\n", s.PendingCount)
	fmt.Fprintf(&b, "Dead: %d\n", len(s.DeadOperations))
	if s.IsSyncing {
		b.WriteString("Syncing now\n")
	}
	if s.LastSyncError != nil {
		fmt.Fprintf(&b, "Last error: %s\n", *s.LastSyncError)
	}
	return strings.TrimRight(b.String(), "\n")
}

func deadText(ops []*models.QueuedOperation) string {
	if len(ops) == 0 {
		return "No dead operations."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dead operations: %d\n", len(ops))
	for i, op := range ops {
		if i == maxListed {
			fmt.Fprintf(&b, "...and %d more", len(ops)-maxListed)
			break
		}
		fmt.Fprintf(&b, "\n%s\n%s %s %s", op.ID, op.Kind, op.EntityType, op.EntityID)
		if op.LastError != nil {
			fmt.Fprintf(&b, "\n%s", *op.LastError)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func syncText(res worker.SyncResult) string {
	text := fmt.Sprintf("Sync finished: %d sent, %d merged, %d retrying, %d dead, %d remaining.",
		res.Succeeded, res.Merged, res.Retried, res.Dead, res.Remaining)
	if res.StoppedOffline {
		text += " Stopped: connection lost."
	}
	return text
}
