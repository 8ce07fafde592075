package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Storage struct {
	db *sql.DB
}

var _ storage.Store = (*Storage)(nil)

func New(dbPath string) (*Storage, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = dbPath + "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps CAS updates serialised and :memory: on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return goose.Up(s.db, "migrations")
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// === Users ===

func (s *Storage) EnsureUser(ctx context.Context, id int64) (*domain.User, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, status, relay_access, created_at, updated_at) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, domain.StatusActive, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Storage) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, relay_access, created_at, updated_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return u, err
}

func (s *Storage) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, relay_access, created_at, updated_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Storage) SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, status, relay_access, created_at, updated_at) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		id, status, now, now,
	)
	return err
}

func (s *Storage) SetRelayAccess(ctx context.Context, id int64, granted bool) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, status, relay_access, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET relay_access = excluded.relay_access, updated_at = excluded.updated_at`,
		id, domain.StatusActive, granted, now, now,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*domain.User, error) {
	var (
		u                  domain.User
		relay              bool
		created, updatedAt int64
	)
	if err := row.Scan(&u.ID, &u.Status, &relay, &created, &updatedAt); err != nil {
		return nil, err
	}
	u.RelayAccess = relay
	u.CreatedAt = time.UnixMilli(created)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return &u, nil
}

// === Conversations ===

func (s *Storage) LoadConversation(ctx context.Context, userID int64) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, version, payload, updated_at FROM conversations WHERE user_id = ?`, userID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return &domain.Conversation{UserID: userID, State: domain.Idle{}}, nil
	}
	return c, err
}

func (s *Storage) SwapState(ctx context.Context, userID int64, expected int64, next domain.State) (*domain.Conversation, error) {
	rec := domain.EncodeState(next)
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	now := time.Now()

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO conversations (user_id, version, kind, payload, updated_at) VALUES (?, 1, ?, ?, ?)
			 ON CONFLICT(user_id) DO NOTHING`,
			userID, rec.Kind, string(payload), now.UnixMilli(),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET version = version + 1, kind = ?, payload = ?, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			rec.Kind, string(payload), now.UnixMilli(), userID, expected,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("swap state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, storage.ErrStateConflict
	}

	state, err := domain.DecodeState(rec)
	if err != nil {
		return nil, err
	}
	return &domain.Conversation{UserID: userID, State: state, Version: expected + 1, UpdatedAt: now}, nil
}

func (s *Storage) ListStaleConversations(ctx context.Context, before time.Time) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, version, payload, updated_at FROM conversations
		 WHERE kind != ? AND updated_at < ? ORDER BY user_id`,
		domain.KindIdle, before.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var (
		c         domain.Conversation
		payload   string
		updatedAt int64
	)
	if err := row.Scan(&c.UserID, &c.Version, &payload, &updatedAt); err != nil {
		return nil, err
	}
	var rec domain.StateRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode state payload: %w", err)
	}
	state, err := domain.DecodeState(rec)
	if err != nil {
		return nil, err
	}
	c.State = state
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}

// === Credentials ===

func (s *Storage) GetCredential(ctx context.Context, userID int64, kind domain.CredentialKind) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM credentials WHERE user_id = ? AND kind = ?`, userID, kind,
	).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	return secret, err
}

func (s *Storage) PutCredential(ctx context.Context, userID int64, kind domain.CredentialKind, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, kind, secret, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, kind) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at`,
		userID, kind, secret, time.Now().UnixMilli(),
	)
	return err
}

func (s *Storage) DeleteCredential(ctx context.Context, userID int64, kind domain.CredentialKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND kind = ?`, userID, kind)
	return err
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	log.Fatal().Msgf(strings.TrimSpace(format), v...)
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "goose").Msgf(strings.TrimSpace(format), v...)
}
