// Package redis keeps users, conversations and credentials as JSON values and
// hashes in Redis. Conversation writes use WATCH/MULTI for compare-and-swap.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"
)

const (
	usersIndexKey    = "users:ids"
	activeConvKey    = "conv:active"
	maxWatchAttempts = 5
)

func userKey(id int64) string       { return fmt.Sprintf("user:%d", id) }
func convKey(id int64) string       { return fmt.Sprintf("conv:%d", id) }
func credentialKey(id int64) string { return fmt.Sprintf("cred:%d", id) }

type userRecord struct {
	ID          int64     `json:"id"`
	Status      string    `json:"status"`
	RelayAccess bool      `json:"relay_access"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type convRecord struct {
	Version   int64              `json:"version"`
	State     domain.StateRecord `json:"state"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type Store struct {
	client *redis.Client
}

var _ storage.Store = (*Store)(nil)

// Open creates a client and pings it to validate the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty redis addr")
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: c}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
func (s *Store) Close() error                   { return s.client.Close() }

// === Users ===

func (s *Store) EnsureUser(ctx context.Context, id int64) (*domain.User, error) {
	now := time.Now()
	data, err := json.Marshal(userRecord{ID: id, Status: string(domain.StatusActive), CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return nil, err
	}
	if err := s.client.SetNX(ctx, userKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := s.client.ZAdd(ctx, usersIndexKey, redis.Z{Score: float64(id), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("index user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	raw, err := s.client.Get(ctx, userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return rec.toDomain(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*domain.User, error) {
	ids, err := s.client.ZRange(ctx, usersIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	users := make([]*domain.User, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		u, err := s.GetUser(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) error {
	return s.updateUser(ctx, id, func(rec *userRecord) { rec.Status = string(status) })
}

func (s *Store) SetRelayAccess(ctx context.Context, id int64, granted bool) error {
	return s.updateUser(ctx, id, func(rec *userRecord) { rec.RelayAccess = granted })
}

func (s *Store) updateUser(ctx context.Context, id int64, mutate func(*userRecord)) error {
	key := userKey(id)
	txf := func(tx *redis.Tx) error {
		now := time.Now()
		rec := userRecord{ID: id, Status: string(domain.StatusActive), CreatedAt: now}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode user: %w", err)
			}
		}
		mutate(&rec)
		rec.UpdatedAt = now
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, usersIndexKey, redis.Z{Score: float64(id), Member: id})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update user %d: too much contention", id)
}

func (r *userRecord) toDomain() *domain.User {
	return &domain.User{
		ID:          r.ID,
		Status:      domain.UserStatus(r.Status),
		RelayAccess: r.RelayAccess,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// === Conversations ===

func (s *Store) LoadConversation(ctx context.Context, userID int64) (*domain.Conversation, error) {
	raw, err := s.client.Get(ctx, convKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &domain.Conversation{UserID: userID, State: domain.Idle{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeConversation(userID, raw)
}

func (s *Store) SwapState(ctx context.Context, userID int64, expected int64, next domain.State) (*domain.Conversation, error) {
	key := convKey(userID)
	rec := convRecord{Version: expected + 1, State: domain.EncodeState(next), UpdatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var cur convRecord
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("decode conversation: %w", err)
			}
		}
		if cur.Version != expected {
			return storage.ErrStateConflict
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			if rec.State.Kind == domain.KindIdle {
				p.ZRem(ctx, activeConvKey, userID)
			} else {
				p.ZAdd(ctx, activeConvKey, redis.Z{Score: float64(rec.UpdatedAt.UnixMilli()), Member: userID})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, storage.ErrStateConflict
	}
	if err != nil {
		return nil, err
	}

	state, err := domain.DecodeState(rec.State)
	if err != nil {
		return nil, err
	}
	return &domain.Conversation{UserID: userID, State: state, Version: rec.Version, UpdatedAt: rec.UpdatedAt}, nil
}

func (s *Store) ListStaleConversations(ctx context.Context, before time.Time) ([]*domain.Conversation, error) {
	ids, err := s.client.ZRangeByScore(ctx, activeConvKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []*domain.Conversation
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		c, err := s.LoadConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.IsIdle() {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func decodeConversation(userID int64, raw []byte) (*domain.Conversation, error) {
	var rec convRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	state, err := domain.DecodeState(rec.State)
	if err != nil {
		return nil, err
	}
	return &domain.Conversation{UserID: userID, State: state, Version: rec.Version, UpdatedAt: rec.UpdatedAt}, nil
}

// === Credentials ===

func (s *Store) GetCredential(ctx context.Context, userID int64, kind domain.CredentialKind) (string, error) {
	secret, err := s.client.HGet(ctx, credentialKey(userID), string(kind)).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	return secret, err
}

func (s *Store) PutCredential(ctx context.Context, userID int64, kind domain.CredentialKind, secret string) error {
	return s.client.HSet(ctx, credentialKey(userID), string(kind), secret).Err()
}

func (s *Store) DeleteCredential(ctx context.Context, userID int64, kind domain.CredentialKind) error {
	return s.client.HDel(ctx, credentialKey(userID), string(kind)).Err()
}
