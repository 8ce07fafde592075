// Package mongo stores users, conversations and credentials as MongoDB documents.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	credentialsCollection   = "credentials"
)

type userDoc struct {
	ID          int64     `bson:"_id"`
	Status      string    `bson:"status"`
	RelayAccess bool      `bson:"relay_access"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type conversationDoc struct {
	UserID    int64              `bson:"_id"`
	Version   int64              `bson:"version"`
	State     domain.StateRecord `bson:"state"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

type credentialDoc struct {
	UserID    int64     `bson:"user_id"`
	Kind      string    `bson:"kind"`
	Secret    string    `bson:"secret"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type Store struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	credentials   *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Open connects, pings and ensures indexes. The caller owns Close.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("empty mongo uri")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:        client,
		users:         db.Collection(usersCollection),
		conversations: db.Collection(conversationsCollection),
		credentials:   db.Collection(credentialsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().Str("database", database).Msg("Connected to MongoDB")
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.credentials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "kind", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create credentials index: %w", err)
	}
	_, err = s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "state.kind", Value: 1}, {Key: "updated_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create conversations index: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the whole database. Used by integration tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.users.Database().Drop(ctx)
}

// === Users ===

func (s *Store) EnsureUser(ctx context.Context, id int64) (*domain.User, error) {
	now := time.Now()
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "status", Value: string(domain.StatusActive)},
			{Key: "relay_access", Value: false},
			{Key: "created_at", Value: now},
			{Key: "updated_at", Value: now},
		}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*domain.User, error) {
	cur, err := s.users.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	users := make([]*domain.User, 0, len(docs))
	for i := range docs {
		users = append(users, docs[i].toDomain())
	}
	return users, nil
}

func (s *Store) SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) error {
	now := time.Now()
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "status", Value: string(status)}, {Key: "updated_at", Value: now}}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "relay_access", Value: false}, {Key: "created_at", Value: now}}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) SetRelayAccess(ctx context.Context, id int64, granted bool) error {
	now := time.Now()
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "relay_access", Value: granted}, {Key: "updated_at", Value: now}}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "status", Value: string(domain.StatusActive)}, {Key: "created_at", Value: now}}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (d *userDoc) toDomain() *domain.User {
	return &domain.User{
		ID:          d.ID,
		Status:      domain.UserStatus(d.Status),
		RelayAccess: d.RelayAccess,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// === Conversations ===

func (s *Store) LoadConversation(ctx context.Context, userID int64) (*domain.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &domain.Conversation{UserID: userID, State: domain.Idle{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return doc.toDomain()
}

func (s *Store) SwapState(ctx context.Context, userID int64, expected int64, next domain.State) (*domain.Conversation, error) {
	doc := conversationDoc{
		UserID:    userID,
		Version:   expected + 1,
		State:     domain.EncodeState(next),
		UpdatedAt: time.Now(),
	}

	if expected == 0 {
		_, err := s.conversations.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return nil, storage.ErrStateConflict
		}
		if err != nil {
			return nil, fmt.Errorf("insert conversation: %w", err)
		}
		return doc.toDomain()
	}

	res, err := s.conversations.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}, {Key: "version", Value: expected}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "state", Value: doc.State}, {Key: "updated_at", Value: doc.UpdatedAt}}},
			{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, storage.ErrStateConflict
	}
	return doc.toDomain()
}

func (s *Store) ListStaleConversations(ctx context.Context, before time.Time) ([]*domain.Conversation, error) {
	filter := bson.D{
		{Key: "state.kind", Value: bson.D{{Key: "$ne", Value: string(domain.KindIdle)}}},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: before}}},
	}
	cur, err := s.conversations.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find stale conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]*domain.Conversation, 0, len(docs))
	for i := range docs {
		c, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *conversationDoc) toDomain() (*domain.Conversation, error) {
	state, err := domain.DecodeState(d.State)
	if err != nil {
		return nil, err
	}
	return &domain.Conversation{UserID: d.UserID, State: state, Version: d.Version, UpdatedAt: d.UpdatedAt}, nil
}

// === Credentials ===

func credentialFilter(userID int64, kind domain.CredentialKind) bson.D {
	return bson.D{{Key: "user_id", Value: userID}, {Key: "kind", Value: string(kind)}}
}

func (s *Store) GetCredential(ctx context.Context, userID int64, kind domain.CredentialKind) (string, error) {
	var doc credentialDoc
	err := s.credentials.FindOne(ctx, credentialFilter(userID, kind)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find credential: %w", err)
	}
	return doc.Secret, nil
}

func (s *Store) PutCredential(ctx context.Context, userID int64, kind domain.CredentialKind, secret string) error {
	_, err := s.credentials.UpdateOne(ctx,
		credentialFilter(userID, kind),
		bson.D{{Key: "$set", Value: bson.D{{Key: "secret", Value: secret}, {Key: "updated_at", Value: time.Now()}}}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) DeleteCredential(ctx context.Context, userID int64, kind domain.CredentialKind) error {
	_, err := s.credentials.DeleteOne(ctx, credentialFilter(userID, kind))
	return err
}
