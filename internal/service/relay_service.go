package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/floodwait"
	"github.com/tazhate/repobot/internal/metrics"
	"github.com/tazhate/repobot/internal/storage"
)

// MessageCopier copies a message into a chat without a forward header.
type MessageCopier interface {
	CopyMessage(ctx context.Context, toChatID int64, from domain.MessageLink) error
}

const (
	msgRelayWelcome   = "Welcome! Use /login <password> to access features. Then send a message link to save restricted content."
	msgRelayLoginOK   = "Logged in successfully! You can now use /save."
	msgRelayLoginBad  = "Incorrect password."
	msgRelayLoginUse  = "Usage: /login <password>"
	msgRelayNeedLogin = "Please /login first."
	msgRelaySaveUse   = "Usage: /save <message_link>"
	msgRelayBadLink   = "Invalid link format."
	msgRelayForbidden = "Add me to the channel/group as a member to access."
	msgRelayFailed    = "Error fetching content. Check logs."
	msgRelaySaved     = "Content saved and sent!"
)

// RelayService copies restricted messages for users who know the shared password.
type RelayService struct {
	users    storage.UserRepository
	copier   MessageCopier
	password string
	policy   floodwait.Policy
	notify   func(ctx context.Context, chatID int64, wait time.Duration)
	metrics  metrics.Recorder
}

func NewRelayService(users storage.UserRepository, copier MessageCopier, password string, policy floodwait.Policy, rec metrics.Recorder) *RelayService {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &RelayService{users: users, copier: copier, password: password, policy: policy, metrics: rec}
}

// OnFloodWait registers a callback run before every rate-limit pause.
func (s *RelayService) OnFloodWait(fn func(ctx context.Context, chatID int64, wait time.Duration)) {
	s.notify = fn
}

func (s *RelayService) Welcome() Reply { return text(msgRelayWelcome) }

// Login grants relay access. Banned users keep their status.
func (s *RelayService) Login(ctx context.Context, userID int64, args string) (Reply, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return text(msgRelayLoginUse), nil
	}
	if subtle.ConstantTimeCompare([]byte(fields[0]), []byte(s.password)) != 1 {
		log.Info().Int64("user_id", userID).Msg("Relay login rejected")
		return text(msgRelayLoginBad), nil
	}

	u, err := s.users.EnsureUser(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("ensure user: %w", err)
	}
	if u.IsBanned() {
		return text(msgBanned), nil
	}
	if err := s.users.SetRelayAccess(ctx, userID, true); err != nil {
		return Reply{}, fmt.Errorf("grant relay access: %w", err)
	}
	return text(msgRelayLoginOK), nil
}

// Save copies the linked message into chatID.
func (s *RelayService) Save(ctx context.Context, userID, chatID int64, args string) (Reply, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Reply{}, fmt.Errorf("get user: %w", err)
	}
	if !u.CanRelay() {
		return text(msgRelayNeedLogin), nil
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return text(msgRelaySaveUse), nil
	}
	link, err := ParseLink(fields[0])
	if err != nil {
		s.metrics.RelayCopy("invalid_link")
		return text(msgRelayBadLink), nil
	}

	err = floodwait.Do(ctx, s.policy, func(wait time.Duration) {
		s.metrics.FloodWait()
		if s.notify != nil {
			s.notify(ctx, chatID, wait)
		}
	}, func(ctx context.Context) error {
		return s.copier.CopyMessage(ctx, chatID, link)
	})
	switch {
	case err == nil:
		s.metrics.RelayCopy("ok")
		return text(msgRelaySaved), nil
	case isAccessError(err):
		s.metrics.RelayCopy("forbidden")
		return text(msgRelayForbidden), nil
	default:
		s.metrics.RelayCopy("error")
		log.Error().Err(err).Int64("user_id", userID).Str("link", fields[0]).Msg("Copy message failed")
		return text(msgRelayFailed), nil
	}
}

func isAccessError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"CHAT_FORBIDDEN",
		"CHAT_ADMIN_REQUIRED",
		"CHANNEL_PRIVATE",
		"chat not found",
		"bot is not a member",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ParseLink understands t.me message links:
//
//	https://t.me/c/<internal id>/<message id>  -> chat -100<internal id>
//	https://t.me/<username>/<message id>       -> @username
//
// A topic segment before the message id is allowed in both forms.
func ParseLink(raw string) (domain.MessageLink, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return domain.MessageLink{}, ErrInvalidLink
	}
	switch strings.TrimPrefix(strings.ToLower(u.Host), "www.") {
	case "t.me", "telegram.me", "telegram.dog":
	default:
		return domain.MessageLink{}, ErrInvalidLink
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return domain.MessageLink{}, ErrInvalidLink
	}

	msgID, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || msgID <= 0 {
		return domain.MessageLink{}, ErrInvalidLink
	}

	if parts[0] == "c" {
		if len(parts) < 3 || len(parts) > 4 {
			return domain.MessageLink{}, ErrInvalidLink
		}
		internal, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || internal <= 0 {
			return domain.MessageLink{}, ErrInvalidLink
		}
		chatID, err := strconv.ParseInt("-100"+parts[1], 10, 64)
		if err != nil {
			return domain.MessageLink{}, ErrInvalidLink
		}
		return domain.MessageLink{ChatID: chatID, MessageID: msgID}, nil
	}

	if len(parts) > 3 || !validUsername(parts[0]) {
		return domain.MessageLink{}, ErrInvalidLink
	}
	return domain.MessageLink{Username: "@" + parts[0], MessageID: msgID}, nil
}

func validUsername(name string) bool {
	if len(name) < 4 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
