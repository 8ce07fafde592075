package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/config"
	"github.com/tazhate/repobot/internal/floodwait"
	"github.com/tazhate/repobot/internal/metrics"
	"github.com/tazhate/repobot/internal/service"
	"github.com/tazhate/repobot/internal/storage"
)

// Messenger is the subset of *tgbotapi.BotAPI the bot talks through.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Services wires the bot to its domain logic. Conversations is nil in relay
// mode and Relay is nil in creator mode.
type Services struct {
	Users         *service.UserService
	Conversations *service.ConversationService
	Relay         *service.RelayService
}

type Bot struct {
	api      Messenger
	cfg      *config.Config
	mode     config.Mode
	users    *service.UserService
	conv     *service.ConversationService
	relay    *service.RelayService
	metrics  metrics.Recorder
	policy   floodwait.Policy
	throttle *throttle
	wg       sync.WaitGroup
}

// NewBotAPI connects to the Bot API and checks the token.
func NewBotAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	api.Debug = debug
	log.Info().Str("username", api.Self.UserName).Msg("Authorized on Telegram")
	return api, nil
}

func New(api Messenger, cfg *config.Config, mode config.Mode, svc Services, rec metrics.Recorder) *Bot {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Bot{
		api:      api,
		cfg:      cfg,
		mode:     mode,
		users:    svc.Users,
		conv:     svc.Conversations,
		relay:    svc.Relay,
		metrics:  rec,
		policy:   floodwait.Policy{MaxAttempts: cfg.Limits.FloodMaxAttempts, MaxWait: cfg.Limits.FloodMaxWait},
		throttle: newThrottle(cfg.Limits.UserRatePerSec, cfg.Limits.UserRateBurst),
	}
}

func (b *Bot) SetCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "start", Description: "🏠 Main menu"},
		{Command: "help", Description: "📚 Help"},
	}
	switch b.mode {
	case config.ModeCreator:
		commands = append(commands,
			tgbotapi.BotCommand{Command: "create", Description: "📁 Create a repository"},
			tgbotapi.BotCommand{Command: "cancel", Description: "❌ Cancel the current step"},
		)
	case config.ModeRelay:
		commands = append(commands,
			tgbotapi.BotCommand{Command: "login", Description: "🔑 Log in with the password"},
			tgbotapi.BotCommand{Command: "save", Description: "💾 Save a message by link"},
		)
	}

	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		log.Warn().Err(err).Msg("Failed to set commands")
	}
}

// SetupWebhook registers <WEBHOOK_URL>/bot with Telegram.
func (b *Bot) SetupWebhook() error {
	webhookURL := b.cfg.Telegram.WebhookURL + "/bot"

	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}

	log.Info().Str("url", webhookURL).Msg("Webhook set")
	return nil
}

// RemoveWebhook switches Telegram back to getUpdates delivery.
func (b *Bot) RemoveWebhook() error {
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Serve handles updates until ctx is done or the channel closes. Each update
// runs on its own goroutine.
func (b *Bot) Serve(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.dispatch(ctx, update)
		}
	}
}

// WebhookHandler accepts updates POSTed by Telegram.
func (b *Bot) WebhookHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		b.dispatch(ctx, update)
		w.WriteHeader(http.StatusOK)
	})
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Int("update_id", update.UpdateID).Msg("Update handler panicked")
			}
		}()
		b.handleUpdate(ctx, update)
	}()
}

// Wait blocks until in-flight updates are handled.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// PruneThrottle forgets per-user limiters idle for longer than idle.
func (b *Bot) PruneThrottle(idle time.Duration) int {
	return b.throttle.prune(idle)
}

// === Sending ===

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	return b.sendChattable(ctx, chatID, tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	return b.sendChattable(ctx, chatID, msg)
}

func (b *Bot) sendReply(ctx context.Context, chatID, userID int64, r service.Reply) {
	if r.Empty() {
		return
	}
	var err error
	if kb := b.keyboardFor(r.Markup, userID); kb != nil {
		err = b.SendMessageWithKeyboard(ctx, chatID, r.Text, *kb)
	} else {
		err = b.SendMessage(ctx, chatID, r.Text)
	}
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Send failed")
	}
}

// respond sends r, or a message derived from err when the handler failed.
func (b *Bot) respond(ctx context.Context, chatID, userID int64, r service.Reply, err error) {
	if err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			r = service.Reply{Text: msgConflict}
		} else {
			log.Error().Err(err).Int64("user_id", userID).Msg("Handler failed")
			r = service.Reply{Text: "❌ Error: " + err.Error()}
		}
	}
	b.sendReply(ctx, chatID, userID, r)
}

func (b *Bot) sendChattable(ctx context.Context, chatID int64, c tgbotapi.Chattable) error {
	return floodwait.Do(ctx, b.policy, func(wait time.Duration) {
		b.metrics.FloodWait()
		b.NotifyFloodWait(ctx, chatID, wait)
	}, func(ctx context.Context) error {
		_, err := b.api.Send(c)
		return err
	})
}

// NotifyFloodWait tells the user about the pause. The notice is sent once
// and never retried.
func (b *Bot) NotifyFloodWait(_ context.Context, chatID int64, wait time.Duration) {
	log.Warn().Int64("chat_id", chatID).Dur("wait", wait).Msg("Flood wait")
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, floodwait.Notice)); err != nil {
		log.Debug().Err(err).Msg("Flood wait notice not delivered")
	}
}

// withFloodNotice lets clients called while handling an update warn chatID
// before they pause on a rate limit.
func (b *Bot) withFloodNotice(ctx context.Context, chatID int64) context.Context {
	return floodwait.WithNotifier(ctx, func(wait time.Duration) {
		b.NotifyFloodWait(ctx, chatID, wait)
	})
}

func (b *Bot) answerCallback(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		log.Debug().Err(err).Msg("Answer callback failed")
	}
}

func (b *Bot) answerCallbackAlert(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallbackWithAlert(callbackID, text)); err != nil {
		log.Debug().Err(err).Msg("Answer callback failed")
	}
}

// Broadcast delivers text to one chat. Flood waits are retried without
// notifying the recipient.
func (b *Bot) Broadcast(ctx context.Context, chatID int64, text string) error {
	return floodwait.Do(ctx, b.policy, func(time.Duration) {
		b.metrics.FloodWait()
	}, func(ctx context.Context) error {
		_, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
		return err
	})
}
