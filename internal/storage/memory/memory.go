// Package memory is a process-local Store used by tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"
)

type credKey struct {
	userID int64
	kind   domain.CredentialKind
}

type Store struct {
	mu            sync.Mutex
	users         map[int64]domain.User
	conversations map[int64]domain.Conversation
	credentials   map[credKey]string
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:         make(map[int64]domain.User),
		conversations: make(map[int64]domain.Conversation),
		credentials:   make(map[credKey]string),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

func (s *Store) EnsureUser(ctx context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		now := time.Now()
		u = domain.User{ID: id, Status: domain.StatusActive, CreatedAt: now, UpdatedAt: now}
		s.users[id] = u
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]*domain.User, 0, len(s.users))
	for _, u := range s.users {
		u := u
		users = append(users, &u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.upsertLocked(id)
	u.Status = status
	s.users[id] = u
	return nil
}

func (s *Store) SetRelayAccess(ctx context.Context, id int64, granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.upsertLocked(id)
	u.RelayAccess = granted
	s.users[id] = u
	return nil
}

func (s *Store) upsertLocked(id int64) domain.User {
	now := time.Now()
	u, ok := s.users[id]
	if !ok {
		u = domain.User{ID: id, Status: domain.StatusActive, CreatedAt: now}
	}
	u.UpdatedAt = now
	return u
}

func (s *Store) LoadConversation(ctx context.Context, userID int64) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[userID]
	if !ok {
		return &domain.Conversation{UserID: userID, State: domain.Idle{}}, nil
	}
	return &c, nil
}

func (s *Store) SwapState(ctx context.Context, userID int64, expected int64, next domain.State) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.conversations[userID]
	if cur.Version != expected {
		return nil, storage.ErrStateConflict
	}
	if next == nil {
		next = domain.Idle{}
	}
	c := domain.Conversation{
		UserID:    userID,
		State:     next,
		Version:   expected + 1,
		UpdatedAt: time.Now(),
	}
	s.conversations[userID] = c
	return &c, nil
}

func (s *Store) ListStaleConversations(ctx context.Context, before time.Time) ([]*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Conversation
	for _, c := range s.conversations {
		if c.IsIdle() || !c.UpdatedAt.Before(before) {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context, userID int64, kind domain.CredentialKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.credentials[credKey{userID, kind}]
	if !ok {
		return "", storage.ErrNotFound
	}
	return secret, nil
}

func (s *Store) PutCredential(ctx context.Context, userID int64, kind domain.CredentialKind, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credKey{userID, kind}] = secret
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID int64, kind domain.CredentialKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, credKey{userID, kind})
	return nil
}
