// Package storage declares the persistence contracts used by the bot. Every
// backend (memory, sqlite, mongo, redis) implements Store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tazhate/repobot/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStateConflict means the conversation version moved since it was read.
	ErrStateConflict = errors.New("conversation state changed concurrently")
)

type UserRepository interface {
	// EnsureUser creates an active user on first sight and returns the stored one.
	EnsureUser(ctx context.Context, id int64) (*domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	ListUsers(ctx context.Context) ([]*domain.User, error)
	SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) error
	SetRelayAccess(ctx context.Context, id int64, granted bool) error
}

type ConversationRepository interface {
	// LoadConversation never returns ErrNotFound: a user without a record is
	// Idle at version 0.
	LoadConversation(ctx context.Context, userID int64) (*domain.Conversation, error)
	// SwapState writes next only if the stored version still equals expected.
	SwapState(ctx context.Context, userID int64, expected int64, next domain.State) (*domain.Conversation, error)
	// ListStaleConversations returns non-idle conversations last written before t.
	ListStaleConversations(ctx context.Context, before time.Time) ([]*domain.Conversation, error)
}

type CredentialRepository interface {
	GetCredential(ctx context.Context, userID int64, kind domain.CredentialKind) (string, error)
	PutCredential(ctx context.Context, userID int64, kind domain.CredentialKind, secret string) error
	DeleteCredential(ctx context.Context, userID int64, kind domain.CredentialKind) error
}

type Store interface {
	UserRepository
	ConversationRepository
	CredentialRepository
	Ping(ctx context.Context) error
	Close() error
}
