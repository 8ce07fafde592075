// Package storagetest holds the behaviour every storage.Store backend must share.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"
)

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("EnsureUserIsIdempotent", func(t *testing.T) { testEnsureUser(t, newStore(t)) })
	t.Run("UserStatusAndRelayAccess", func(t *testing.T) { testUserStatus(t, newStore(t)) })
	t.Run("ListUsersSorted", func(t *testing.T) { testListUsers(t, newStore(t)) })
	t.Run("ConversationStartsIdle", func(t *testing.T) { testConversationIdle(t, newStore(t)) })
	t.Run("SwapStateCompareAndSwap", func(t *testing.T) { testSwapState(t, newStore(t)) })
	t.Run("SwapStateKeepsVariantFields", func(t *testing.T) { testSwapFields(t, newStore(t)) })
	t.Run("ListStaleConversations", func(t *testing.T) { testStale(t, newStore(t)) })
	t.Run("Credentials", func(t *testing.T) { testCredentials(t, newStore(t)) })
}

func testEnsureUser(t *testing.T, s storage.Store) {
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, domain.StatusActive, u.Status)

	require.NoError(t, s.SetUserStatus(ctx, 42, domain.StatusBanned))

	u, err = s.EnsureUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBanned, u.Status, "EnsureUser must not reset an existing user")

	_, err = s.GetUser(ctx, 7)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testUserStatus(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.SetRelayAccess(ctx, 5, true))
	u, err := s.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.True(t, u.RelayAccess)
	assert.Equal(t, domain.StatusActive, u.Status)

	require.NoError(t, s.SetUserStatus(ctx, 5, domain.StatusBanned))
	u, err = s.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.True(t, u.RelayAccess)
	assert.Equal(t, domain.StatusBanned, u.Status)

	require.NoError(t, s.SetUserStatus(ctx, 5, domain.StatusActive))
	u, err = s.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.True(t, u.CanRelay())
}

func testListUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, id := range []int64{30, 10, 20} {
		_, err := s.EnsureUser(ctx, id)
		require.NoError(t, err)
	}

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, []int64{10, 20, 30}, []int64{users[0].ID, users[1].ID, users[2].ID})
}

func testConversationIdle(t *testing.T, s storage.Store) {
	c, err := s.LoadConversation(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, c.IsIdle())
	assert.Equal(t, int64(0), c.Version)
}

func testSwapState(t *testing.T, s storage.Store) {
	ctx := context.Background()

	c, err := s.SwapState(ctx, 1, 0, domain.AwaitPhone{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)

	_, err = s.SwapState(ctx, 1, 0, domain.AwaitGithubToken{})
	assert.ErrorIs(t, err, storage.ErrStateConflict)

	loaded, err := s.LoadConversation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.KindPhone, loaded.State.Kind(), "lost race must not write")

	c, err = s.SwapState(ctx, 1, 1, domain.Idle{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Version)
	assert.True(t, c.IsIdle())

	_, err = s.SwapState(ctx, 1, 5, domain.AwaitRepoName{})
	assert.ErrorIs(t, err, storage.ErrStateConflict)
}

func testSwapFields(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.SwapState(ctx, 9, 0, domain.AwaitCode{Phone: "+15550100", CodeHash: "hash", AttemptID: "att"})
	require.NoError(t, err)

	c, err := s.LoadConversation(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, domain.AwaitCode{Phone: "+15550100", CodeHash: "hash", AttemptID: "att"}, c.State)

	desc := "A demo repo"
	_, err = s.SwapState(ctx, 9, c.Version, domain.AwaitRepoVisibility{Draft: domain.RepoDraft{Name: "demo", Description: &desc}})
	require.NoError(t, err)

	c, err = s.LoadConversation(ctx, 9)
	require.NoError(t, err)
	v, ok := c.State.(domain.AwaitRepoVisibility)
	require.True(t, ok)
	assert.Equal(t, "demo", v.Draft.Name)
	require.NotNil(t, v.Draft.Description)
	assert.Equal(t, desc, *v.Draft.Description)
}

func testStale(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.SwapState(ctx, 1, 0, domain.AwaitRepoName{})
	require.NoError(t, err)
	_, err = s.SwapState(ctx, 2, 0, domain.Idle{})
	require.NoError(t, err)

	stale, err := s.ListStaleConversations(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, int64(1), stale[0].UserID)

	stale, err = s.ListStaleConversations(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func testCredentials(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetCredential(ctx, 1, domain.CredentialGithubToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutCredential(ctx, 1, domain.CredentialGithubToken, "ghp_one"))
	require.NoError(t, s.PutCredential(ctx, 1, domain.CredentialGithubToken, "ghp_two"))
	require.NoError(t, s.PutCredential(ctx, 1, domain.CredentialTelegramSession, "sess"))

	got, err := s.GetCredential(ctx, 1, domain.CredentialGithubToken)
	require.NoError(t, err)
	assert.Equal(t, "ghp_two", got)

	require.NoError(t, s.DeleteCredential(ctx, 1, domain.CredentialGithubToken))
	_, err = s.GetCredential(ctx, 1, domain.CredentialGithubToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err = s.GetCredential(ctx, 1, domain.CredentialTelegramSession)
	require.NoError(t, err)
	assert.Equal(t, "sess", got)
}
