package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/config"
	"github.com/tazhate/repobot/internal/service"
)

const (
	msgWelcome = "🌟 Welcome to GitHub Repo Creator Bot! 🌟\n\n" +
		"This bot helps you create GitHub repositories using your Telegram account.\n" +
		"1. Log in with Telegram to authenticate.\n" +
		"2. Provide a GitHub token to create repos.\n" +
		"Start by logging in! 🚀"

	msgHelp = "📚 Detailed Help Guide 📚\n\n" +
		"This bot creates GitHub repositories using your Telegram and GitHub accounts.\n\n" +
		"User Features:\n" +
		"1. /start: Welcome menu with login and help options.\n" +
		"2. Telegram Login: Authenticate with your Telegram account (required).\n" +
		"3. GitHub Login: Provide a GitHub token with 'repo' scope.\n" +
		"4. /create: Create a GitHub repository.\n" +
		"   - Specify repo name, description, and private/public status.\n" +
		"5. /cancel: Abandon the current login or repository step.\n" +
		"6. FloodWait: Auto-handles Telegram rate limits to prevent bans.\n\n" +
		"Admin Features: (/admin)\n" +
		"1. List all users (/users).\n" +
		"2. Ban/unban users (/ban <id>, /unban <id>).\n" +
		"3. Broadcast messages to all users (/broadcast <text>).\n\n" +
		"Tips:\n" +
		"- Ensure your GitHub token has 'repo' scope.\n" +
		"- Keep your token secure; don't share it.\n" +
		"- For issues, contact admin."

	msgRelayHelp = "📚 Help\n\n" +
		"1. /login <password>: unlock the bot.\n" +
		"2. /save <message_link>: copy a post from a channel or group you can see.\n" +
		"   You can also just send the link.\n\n" +
		"Links look like https://t.me/channel/123 or https://t.me/c/1234567890/123."

	msgAbout        = "This bot is built with ❤️ using Go, the Telegram Bot API, MTProto and the GitHub API."
	msgAdminPanel   = "👤 Admin Panel 👤\nChoose an option:"
	msgNotAdmin     = "❌ You are not an admin."
	msgNotAdminAlrt = "You are not an admin!"
	msgUnknown      = "Unknown command. Use /help"
	msgConflict     = "⚠️ Another message is being processed, please retry."
	msgSlowDown     = "🐢 Too many messages. Wait a moment and send that again."
	msgBanUsage     = "Usage: /ban <user_id>"
	msgUnbanUsage   = "Usage: /unban <user_id>"
	msgBroadcastUse = "Usage: /broadcast <text>"
)

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	args := strings.TrimSpace(msg.CommandArguments())

	var (
		reply service.Reply
		err   error
	)

	switch msg.Command() {
	case "start":
		reply, err = b.cmdStart(ctx, userID)
	case "help":
		reply = b.helpReply()
	case "admin", "users", "ban", "unban", "broadcast":
		reply, err = b.handleAdminCommand(ctx, msg.Command(), userID, args)
	default:
		reply, err = b.handleModeCommand(ctx, msg.Command(), chatID, userID, args)
	}

	b.respond(ctx, chatID, userID, reply, err)
}

func (b *Bot) handleModeCommand(ctx context.Context, cmd string, chatID, userID int64, args string) (service.Reply, error) {
	switch b.mode {
	case config.ModeCreator:
		switch cmd {
		case "create":
			return b.conv.CreatePrompt(ctx, userID)
		case "cancel":
			return b.conv.Cancel(ctx, userID)
		}
	case config.ModeRelay:
		switch cmd {
		case "login":
			return b.relay.Login(ctx, userID, args)
		case "save":
			return b.relay.Save(ctx, userID, chatID, args)
		}
	}
	return service.Reply{Text: msgUnknown}, nil
}

func (b *Bot) cmdStart(ctx context.Context, userID int64) (service.Reply, error) {
	if _, err := b.users.Ensure(ctx, userID); err != nil {
		return service.Reply{}, err
	}
	if b.mode == config.ModeRelay {
		return b.relay.Welcome(), nil
	}
	return service.Reply{Text: msgWelcome, Markup: service.MarkupStart}, nil
}

func (b *Bot) helpReply() service.Reply {
	if b.mode == config.ModeRelay {
		return service.Reply{Text: msgRelayHelp}
	}
	return service.Reply{Text: msgHelp}
}

// === Admin ===

func (b *Bot) handleAdminCommand(ctx context.Context, cmd string, userID int64, args string) (service.Reply, error) {
	if !b.users.IsAdmin(userID) {
		return service.Reply{Text: msgNotAdmin}, nil
	}

	switch cmd {
	case "admin":
		return service.Reply{Text: msgAdminPanel, Markup: service.MarkupAdmin}, nil
	case "users":
		return b.listUsers(ctx)
	case "ban":
		id, ok := parseUserID(args)
		if !ok {
			return service.Reply{Text: msgBanUsage}, nil
		}
		if err := b.users.Ban(ctx, id); err != nil {
			if errors.Is(err, service.ErrCannotBanAdmin) {
				return service.Reply{Text: "❌ Admins cannot be banned."}, nil
			}
			return service.Reply{}, err
		}
		return service.Reply{Text: fmt.Sprintf("🚫 User %d banned.", id)}, nil
	case "unban":
		id, ok := parseUserID(args)
		if !ok {
			return service.Reply{Text: msgUnbanUsage}, nil
		}
		if err := b.users.Unban(ctx, id); err != nil {
			return service.Reply{}, err
		}
		return service.Reply{Text: fmt.Sprintf("✅ User %d unbanned.", id)}, nil
	case "broadcast":
		if args == "" {
			return service.Reply{Text: msgBroadcastUse}, nil
		}
		res, err := b.users.Broadcast(ctx, args, b.Broadcast)
		if err != nil {
			return service.Reply{}, err
		}
		log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("Broadcast finished")
		return service.Reply{Text: fmt.Sprintf("📢 Broadcast finished. Sent: %d, Failed: %d", res.Sent, res.Failed)}, nil
	}
	return service.Reply{Text: msgUnknown}, nil
}

func (b *Bot) listUsers(ctx context.Context) (service.Reply, error) {
	users, err := b.users.List(ctx)
	if err != nil {
		return service.Reply{}, err
	}
	return service.Reply{Text: b.users.FormatUserList(users)}, nil
}

func parseUserID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
