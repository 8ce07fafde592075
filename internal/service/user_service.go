package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"
)

const msgBanned = "⛔ You are banned."

// BannedReply is sent to banned users for every message and button press.
func BannedReply() Reply { return text(msgBanned) }

type UserService struct {
	users          storage.UserRepository
	admins         []int64
	broadcastLimit rate.Limit
}

func NewUserService(users storage.UserRepository, admins []int64, broadcastPerSec float64) *UserService {
	limit := rate.Limit(broadcastPerSec)
	if broadcastPerSec <= 0 {
		limit = rate.Inf
	}
	return &UserService{users: users, admins: admins, broadcastLimit: limit}
}

func (s *UserService) Ensure(ctx context.Context, id int64) (*domain.User, error) {
	u, err := s.users.EnsureUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

func (s *UserService) IsAdmin(id int64) bool {
	return slices.Contains(s.admins, id)
}

// IsBanned treats unknown users as not banned.
func (s *UserService) IsBanned(ctx context.Context, id int64) (bool, error) {
	u, err := s.users.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	return u.IsBanned(), nil
}

func (s *UserService) Ban(ctx context.Context, id int64) error {
	if s.IsAdmin(id) {
		return ErrCannotBanAdmin
	}
	if err := s.users.SetUserStatus(ctx, id, domain.StatusBanned); err != nil {
		return fmt.Errorf("ban user: %w", err)
	}
	log.Info().Int64("user_id", id).Msg("User banned")
	return nil
}

func (s *UserService) Unban(ctx context.Context, id int64) error {
	if err := s.users.SetUserStatus(ctx, id, domain.StatusActive); err != nil {
		return fmt.Errorf("unban user: %w", err)
	}
	log.Info().Int64("user_id", id).Msg("User unbanned")
	return nil
}

func (s *UserService) List(ctx context.Context) ([]*domain.User, error) {
	return s.users.ListUsers(ctx)
}

func (s *UserService) FormatUserList(users []*domain.User) string {
	if len(users) == 0 {
		return "No users yet"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("👥 Users: %d\n\n", len(users)))
	for _, u := range users {
		role := ""
		if s.IsAdmin(u.ID) {
			role = " 👤 admin"
		}
		relay := ""
		if u.RelayAccess {
			relay = " 🔓"
		}
		sb.WriteString(fmt.Sprintf("%s %d%s%s\n", u.StatusEmoji(), u.ID, role, relay))
	}
	return sb.String()
}

type BroadcastResult struct {
	Sent   int
	Failed int
}

// Broadcast sends message to every active user, paced by the broadcast rate.
func (s *UserService) Broadcast(ctx context.Context, message string, send func(ctx context.Context, chatID int64, text string) error) (BroadcastResult, error) {
	var res BroadcastResult

	message = strings.TrimSpace(message)
	if message == "" {
		return res, fmt.Errorf("broadcast text cannot be empty")
	}

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return res, fmt.Errorf("list users: %w", err)
	}

	limiter := rate.NewLimiter(s.broadcastLimit, 1)
	for _, u := range users {
		if u.IsBanned() {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}
		if err := send(ctx, u.ID, message); err != nil {
			res.Failed++
			log.Warn().Err(err).Int64("user_id", u.ID).Msg("Broadcast delivery failed")
			continue
		}
		res.Sent++
	}
	return res, nil
}
