package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/internal/clients/github"
	"github.com/tazhate/repobot/internal/clients/mtproto"
	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"
)

const user = int64(42)

func TestTelegramLogin_Success(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	r, err := env.conv.StartTelegramLogin(ctx, user)
	require.NoError(t, err)
	assert.Contains(t, r.Text, "Telegram Login Process")
	assert.Equal(t, domain.AwaitPhone{}, env.state(t, user))

	r, err = env.conv.HandleText(ctx, user, " +15550001 ")
	require.NoError(t, err)
	assert.Equal(t, msgCodeSent, r.Text)
	assert.Equal(t, domain.AwaitCode{Phone: "+15550001", CodeHash: "hash-1", AttemptID: "att-1"}, env.state(t, user))

	r, err = env.conv.HandleText(ctx, user, "12345")
	require.NoError(t, err)
	assert.Equal(t, msgTelegramSuccess, r.Text)
	assert.Equal(t, domain.Idle{}, env.state(t, user))

	session, err := env.vault.Get(ctx, user, domain.CredentialTelegramSession)
	require.NoError(t, err)
	assert.Equal(t, "session-+15550001", session)
}

func TestTelegramLogin_SecondFactor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.auth.codeResult = mtproto.NeedsSecondFactor{}

	_, err := env.conv.StartTelegramLogin(ctx, user)
	require.NoError(t, err)
	_, err = env.conv.HandleText(ctx, user, "+1555")
	require.NoError(t, err)

	r, err := env.conv.HandleText(ctx, user, "11111")
	require.NoError(t, err)
	assert.Equal(t, msgNeedPassword, r.Text)
	assert.Equal(t, domain.AwaitPassword{Phone: "+1555", AttemptID: "att-1"}, env.state(t, user))

	has, err := env.vault.Has(ctx, user, domain.CredentialTelegramSession)
	require.NoError(t, err)
	assert.False(t, has)

	env.auth.pwResult = mtproto.InvalidPassword{}
	r, err = env.conv.HandleText(ctx, user, "wrong")
	require.NoError(t, err)
	assert.Equal(t, msgInvalidPassword, r.Text)
	assert.IsType(t, domain.AwaitPassword{}, env.state(t, user))

	env.auth.pwResult = nil
	r, err = env.conv.HandleText(ctx, user, "right")
	require.NoError(t, err)
	assert.Equal(t, msgTelegramSuccess, r.Text)
	assert.Equal(t, domain.Idle{}, env.state(t, user))

	session, err := env.vault.Get(ctx, user, domain.CredentialTelegramSession)
	require.NoError(t, err)
	assert.Equal(t, "session-2fa", session)
}

func TestTelegramLogin_InvalidPhoneStaysInPhone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.auth.sendResult = mtproto.InvalidPhone{}

	_, err := env.conv.StartTelegramLogin(ctx, user)
	require.NoError(t, err)

	r, err := env.conv.HandleText(ctx, user, "not-a-phone")
	require.NoError(t, err)
	assert.Equal(t, msgInvalidPhone, r.Text)
	assert.Equal(t, domain.AwaitPhone{}, env.state(t, user))

	has, err := env.vault.Has(ctx, user, domain.CredentialTelegramSession)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestTelegramLogin_OtherErrorReportedVerbatim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.auth.sendErr = errors.New("connection refused")

	_, err := env.conv.StartTelegramLogin(ctx, user)
	require.NoError(t, err)

	r, err := env.conv.HandleText(ctx, user, "+1555")
	require.NoError(t, err)
	assert.Equal(t, "❌ Error: connection refused", r.Text)
	assert.Equal(t, domain.AwaitPhone{}, env.state(t, user))
}

func TestTelegramLogin_InvalidCodeStays(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.auth.codeResult = mtproto.InvalidCode{}

	_, _ = env.conv.StartTelegramLogin(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "+1555")

	r, err := env.conv.HandleText(ctx, user, "000")
	require.NoError(t, err)
	assert.Equal(t, msgInvalidCode, r.Text)
	assert.IsType(t, domain.AwaitCode{}, env.state(t, user))
}

func TestTelegramLogin_ExpiredAttemptAsksPhoneAgain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.auth.codeErr = mtproto.ErrAttemptNotFound

	_, _ = env.conv.StartTelegramLogin(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "+1555")

	r, err := env.conv.HandleText(ctx, user, "123")
	require.NoError(t, err)
	assert.Equal(t, msgAttemptExpired, r.Text)
	assert.Equal(t, domain.AwaitPhone{}, env.state(t, user))
}

func TestTelegramLogin_AlreadyLoggedIn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.vault.Put(ctx, user, domain.CredentialTelegramSession, "s"))

	r, err := env.conv.StartTelegramLogin(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, MarkupTelegramRelogin, r.Markup)
	assert.Equal(t, domain.Idle{}, env.state(t, user))

	_, err = env.conv.ForceTelegramLogin(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, domain.AwaitPhone{}, env.state(t, user))
}

func TestGithubLogin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	r, err := env.conv.StartGithubLogin(ctx, user)
	require.NoError(t, err)
	assert.Contains(t, r.Text, "GitHub Login Process")

	r, err = env.conv.HandleText(ctx, user, "ghp_bad")
	require.NoError(t, err)
	assert.Equal(t, "❌ Invalid GitHub token: Bad credentials", r.Text)
	assert.Equal(t, domain.AwaitGithubToken{}, env.state(t, user))
	has, err := env.vault.Has(ctx, user, domain.CredentialGithubToken)
	require.NoError(t, err)
	assert.False(t, has)

	r, err = env.conv.HandleText(ctx, user, "ghp_good")
	require.NoError(t, err)
	assert.Contains(t, r.Text, "GitHub login successful (as octocat)")
	assert.Equal(t, domain.Idle{}, env.state(t, user))

	tok, err := env.vault.Get(ctx, user, domain.CredentialGithubToken)
	require.NoError(t, err)
	assert.Equal(t, "ghp_good", tok)

	r, err = env.conv.StartGithubLogin(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, MarkupGithubRelogin, r.Markup)
}

func TestRepoWizard_RequiresLogins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	r, err := env.conv.StartRepoWizard(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, msgNeedTelegram, r.Text)

	require.NoError(t, env.vault.Put(ctx, user, domain.CredentialTelegramSession, "s"))
	r, err = env.conv.CreatePrompt(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, msgNeedGithub, r.Text)
	assert.Equal(t, domain.Idle{}, env.state(t, user))

	require.NoError(t, env.vault.Put(ctx, user, domain.CredentialGithubToken, "ghp_good"))
	r, err = env.conv.CreatePrompt(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, MarkupCreateRepo, r.Markup)
}

func TestRepoWizard_NoneDescriptionPublic(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)

	_, err := env.conv.StartRepoWizard(ctx, user)
	require.NoError(t, err)
	_, err = env.conv.HandleText(ctx, user, "my-new-repo")
	require.NoError(t, err)
	r, err := env.conv.HandleText(ctx, user, "None")
	require.NoError(t, err)
	assert.Equal(t, MarkupVisibility, r.Markup)
	assert.Equal(t, domain.AwaitRepoVisibility{Draft: domain.RepoDraft{Name: "my-new-repo"}}, env.state(t, user))

	r, err = env.conv.HandleVisibility(ctx, user, false)
	require.NoError(t, err)
	assert.Contains(t, r.Text, "Visibility: Public")

	require.Len(t, env.host.calls, 1)
	assert.Equal(t, "my-new-repo", env.host.calls[0].Name)
	assert.Nil(t, env.host.calls[0].Description)
	assert.False(t, env.host.calls[0].Private)
}

func TestRepoWizard_PrivateDemo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)

	_, _ = env.conv.StartRepoWizard(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "demo")
	_, _ = env.conv.HandleText(ctx, user, "A demo repo")

	r, err := env.conv.HandleVisibility(ctx, user, true)
	require.NoError(t, err)
	assert.Equal(t, "✅ Repository created successfully!\nName: demo\nURL: https://github.com/octocat/demo\nVisibility: Private", r.Text)
	assert.Equal(t, domain.Idle{}, env.state(t, user))

	require.Len(t, env.host.calls, 1)
	require.NotNil(t, env.host.calls[0].Description)
	assert.Equal(t, "A demo repo", *env.host.calls[0].Description)
	assert.True(t, env.host.calls[0].Private)
}

func TestRepoWizard_SecondTapHasNoDraft(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)

	_, _ = env.conv.StartRepoWizard(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "demo")
	_, _ = env.conv.HandleText(ctx, user, "none")

	_, err := env.conv.HandleVisibility(ctx, user, true)
	require.NoError(t, err)
	r, err := env.conv.HandleVisibility(ctx, user, true)
	require.NoError(t, err)

	assert.Equal(t, msgNoDraft, r.Text)
	assert.Len(t, env.host.calls, 1)
}

func TestRepoWizard_FailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)
	env.host.err = &github.HostingAPIError{StatusCode: 422, Message: "name already exists on this account"}

	_, _ = env.conv.StartRepoWizard(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "dup")
	_, _ = env.conv.HandleText(ctx, user, "none")

	r, err := env.conv.HandleVisibility(ctx, user, false)
	require.NoError(t, err)
	assert.Equal(t, "❌ Failed to create repository: name already exists on this account", r.Text)
	assert.Equal(t, domain.Idle{}, env.state(t, user))
}

func TestRepoWizard_RejectedTokenIsDropped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)
	env.host.err = &github.HostingAPIError{StatusCode: 401, Message: "Bad credentials"}

	_, _ = env.conv.StartRepoWizard(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "demo")
	_, _ = env.conv.HandleText(ctx, user, "none")

	r, err := env.conv.HandleVisibility(ctx, user, false)
	require.NoError(t, err)
	assert.Equal(t, msgTokenRevoked+"Bad credentials", r.Text)
	assert.Equal(t, MarkupGithubRelogin, r.Markup)
	assert.Equal(t, domain.Idle{}, env.state(t, user))

	_, err = env.vault.Get(ctx, user, domain.CredentialGithubToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	has, err := env.vault.Has(ctx, user, domain.CredentialTelegramSession)
	require.NoError(t, err)
	assert.True(t, has)

	r, err = env.conv.StartRepoWizard(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, msgNeedGithub, r.Text)
}

func TestRepoWizard_VisibilityTextAsksForButtons(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)

	_, _ = env.conv.StartRepoWizard(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "demo")
	_, _ = env.conv.HandleText(ctx, user, "desc")

	r, err := env.conv.HandleText(ctx, user, "private")
	require.NoError(t, err)
	assert.Equal(t, MarkupVisibility, r.Markup)
	assert.IsType(t, domain.AwaitRepoVisibility{}, env.state(t, user))
}

func TestNewFlowReplacesActiveOne(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)

	_, _ = env.conv.ForceTelegramLogin(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "+1555")
	require.IsType(t, domain.AwaitCode{}, env.state(t, user))

	r, err := env.conv.StartRepoWizard(ctx, user)
	require.NoError(t, err)
	assert.Contains(t, r.Text, "Your unfinished Telegram login was cancelled")
	assert.Equal(t, domain.AwaitRepoName{}, env.state(t, user))
	assert.Equal(t, []string{"att-1"}, env.auth.cancelled)
}

func TestIdleTextIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.conv.HandleText(context.Background(), user, "hello")
	require.NoError(t, err)
	assert.True(t, r.Empty())
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	r, err := env.conv.Cancel(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, msgNothingToCancel, r.Text)

	_, _ = env.conv.ForceTelegramLogin(ctx, user)
	_, _ = env.conv.HandleText(ctx, user, "+1555")

	r, err = env.conv.Cancel(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, msgCancelled, r.Text)
	assert.Equal(t, domain.Idle{}, env.state(t, user))
	assert.Equal(t, []string{"att-1"}, env.auth.cancelled)
}

// racingStore lets another writer win between the engine's load and swap.
type racingStore struct {
	storage.ConversationRepository
	raced bool
}

func (r *racingStore) SwapState(ctx context.Context, userID, expected int64, next domain.State) (*domain.Conversation, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.ConversationRepository.SwapState(ctx, userID, expected, domain.AwaitGithubToken{}); err != nil {
			return nil, err
		}
	}
	return r.ConversationRepository.SwapState(ctx, userID, expected, next)
}

func TestConflictLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.loggedIn(t, user)

	_, err := env.conv.StartRepoWizard(ctx, user)
	require.NoError(t, err)

	racing := &racingStore{ConversationRepository: env.store}
	conv := NewConversationService(racing, env.vault, env.auth, env.gh, nil, nil)

	_, err = conv.HandleText(ctx, user, "demo")
	assert.ErrorIs(t, err, storage.ErrStateConflict)
	assert.Equal(t, domain.AwaitGithubToken{}, env.state(t, user))
}

func TestResetStale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, _ = env.conv.ForceTelegramLogin(ctx, 1)
	_, _ = env.conv.HandleText(ctx, 1, "+1555")
	_, _ = env.conv.ForceGithubLogin(ctx, 2)

	n, err := env.conv.ResetStale(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.Idle{}, env.state(t, 1))
	assert.Equal(t, domain.Idle{}, env.state(t, 2))
	assert.Contains(t, env.auth.cancelled, "att-1")

	n, err = env.conv.ResetStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
