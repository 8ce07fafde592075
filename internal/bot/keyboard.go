package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/repobot/internal/service"
)

func (b *Bot) keyboardFor(m service.Markup, userID int64) *tgbotapi.InlineKeyboardMarkup {
	var kb tgbotapi.InlineKeyboardMarkup
	switch m {
	case service.MarkupStart:
		kb = startKeyboard(b.users.IsAdmin(userID))
	case service.MarkupTelegramRelogin:
		kb = reloginKeyboard("🔄 Re-Login", "relogin:telegram")
	case service.MarkupGithubRelogin:
		kb = reloginKeyboard("🔄 Re-Login GitHub", "relogin:github")
	case service.MarkupCreateRepo:
		kb = createRepoKeyboard()
	case service.MarkupVisibility:
		kb = visibilityKeyboard()
	case service.MarkupAdmin:
		kb = adminKeyboard()
	default:
		return nil
	}
	return &kb
}

func startKeyboard(isAdmin bool) tgbotapi.InlineKeyboardMarkup {
	last := tgbotapi.NewInlineKeyboardButtonData("ℹ️ About", "menu:about")
	if isAdmin {
		last = tgbotapi.NewInlineKeyboardButtonData("👤 Admin Panel", "menu:admin")
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔑 Telegram Login", "login:telegram")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔐 GitHub Login", "login:github")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📋 Help", "menu:help")),
		tgbotapi.NewInlineKeyboardRow(last),
	)
}

func reloginKeyboard(label, data string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, data)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "menu:start")),
	)
}

func createRepoKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📁 Create Repository", "repo:create")),
	)
}

func visibilityKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🌐 Public", "repo:public")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔒 Private", "repo:private")),
	)
}

func adminKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 List Users", "admin:users")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🚫 Ban User", "admin:ban")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Unban User", "admin:unban")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📢 Broadcast", "admin:broadcast")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "menu:start")),
	)
}
