package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/repobot/internal/domain"
)

// Copier copies channel and group posts with copyMessage, so the bot only
// needs to be a member of the source chat.
type Copier struct {
	api Messenger
}

func NewCopier(api Messenger) *Copier {
	return &Copier{api: api}
}

func (c *Copier) CopyMessage(_ context.Context, toChatID int64, from domain.MessageLink) error {
	var cfg tgbotapi.CopyMessageConfig
	if from.IsPrivate() {
		cfg = tgbotapi.NewCopyMessage(toChatID, from.ChatID, from.MessageID)
	} else {
		cfg = tgbotapi.CopyMessageConfig{
			BaseChat:            tgbotapi.BaseChat{ChatID: toChatID},
			FromChannelUsername: from.Username,
			MessageID:           from.MessageID,
		}
	}
	_, err := c.api.Request(cfg)
	return err
}
