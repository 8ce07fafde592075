package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/config"
	"github.com/tazhate/repobot/internal/service"
)

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.metrics.Update("message")
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.metrics.Update("callback")
		b.handleCallback(ctx, update.CallbackQuery)
	default:
		b.metrics.Update("other")
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if ok, warn := b.throttle.allow(userID); !ok {
		log.Debug().Int64("user_id", userID).Msg("Message throttled")
		if warn {
			b.sendReply(ctx, chatID, userID, service.Reply{Text: msgSlowDown})
		}
		return
	}
	if b.refuseBanned(ctx, chatID, userID) {
		return
	}
	ctx = b.withFloodNotice(ctx, chatID)

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	var (
		reply service.Reply
		err   error
	)
	switch b.mode {
	case config.ModeRelay:
		reply, err = b.relay.Save(ctx, userID, chatID, text)
	default:
		reply, err = b.conv.HandleText(ctx, userID, text)
	}
	b.respond(ctx, chatID, userID, reply, err)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil {
		return
	}
	userID := cb.From.ID
	chatID := userID
	if cb.Message != nil && cb.Message.Chat != nil {
		chatID = cb.Message.Chat.ID
	}

	if ok, warn := b.throttle.allow(userID); !ok {
		if warn {
			b.answerCallbackAlert(cb.ID, msgSlowDown)
		} else {
			b.answerCallback(cb.ID, "")
		}
		return
	}
	if b.refuseBanned(ctx, chatID, userID) {
		b.answerCallback(cb.ID, "")
		return
	}

	ctx = b.withFloodNotice(ctx, chatID)

	prefix, arg, _ := strings.Cut(cb.Data, ":")
	if (prefix == "admin" || cb.Data == "menu:admin") && !b.users.IsAdmin(userID) {
		b.answerCallbackAlert(cb.ID, msgNotAdminAlrt)
		return
	}

	var (
		reply service.Reply
		err   error
	)

	switch prefix {
	case "menu":
		reply, err = b.handleMenuCallback(ctx, userID, arg)
	case "admin":
		reply, err = b.handleAdminCallback(ctx, arg)
	case "login", "relogin", "repo":
		if b.conv == nil {
			break
		}
		reply, err = b.handleFlowCallback(ctx, userID, prefix, arg)
	default:
		log.Debug().Str("data", cb.Data).Msg("Unknown callback")
	}

	b.answerCallback(cb.ID, "")
	b.respond(ctx, chatID, userID, reply, err)
}

func (b *Bot) handleMenuCallback(ctx context.Context, userID int64, arg string) (service.Reply, error) {
	switch arg {
	case "start":
		return b.cmdStart(ctx, userID)
	case "help":
		return b.helpReply(), nil
	case "about":
		return service.Reply{Text: msgAbout}, nil
	case "admin":
		return service.Reply{Text: msgAdminPanel, Markup: service.MarkupAdmin}, nil
	}
	return service.Reply{}, nil
}

func (b *Bot) handleFlowCallback(ctx context.Context, userID int64, prefix, arg string) (service.Reply, error) {
	switch prefix + ":" + arg {
	case "login:telegram":
		return b.conv.StartTelegramLogin(ctx, userID)
	case "login:github":
		return b.conv.StartGithubLogin(ctx, userID)
	case "relogin:telegram":
		return b.conv.ForceTelegramLogin(ctx, userID)
	case "relogin:github":
		return b.conv.ForceGithubLogin(ctx, userID)
	case "repo:create":
		return b.conv.StartRepoWizard(ctx, userID)
	case "repo:public":
		return b.conv.HandleVisibility(ctx, userID, false)
	case "repo:private":
		return b.conv.HandleVisibility(ctx, userID, true)
	}
	return service.Reply{}, nil
}

func (b *Bot) handleAdminCallback(ctx context.Context, arg string) (service.Reply, error) {
	switch arg {
	case "users":
		return b.listUsers(ctx)
	case "ban":
		return service.Reply{Text: msgBanUsage}, nil
	case "unban":
		return service.Reply{Text: msgUnbanUsage}, nil
	case "broadcast":
		return service.Reply{Text: msgBroadcastUse}, nil
	}
	return service.Reply{}, nil
}

// refuseBanned answers banned users and reports whether the update should be
// dropped. Store errors are logged and let the update through.
func (b *Bot) refuseBanned(ctx context.Context, chatID, userID int64) bool {
	banned, err := b.users.IsBanned(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Ban check failed")
		return false
	}
	if !banned {
		return false
	}
	b.sendReply(ctx, chatID, userID, service.BannedReply())
	return true
}
