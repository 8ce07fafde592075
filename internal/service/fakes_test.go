package service

import (
	"context"
	"sync"
	"testing"

	"github.com/tazhate/repobot/internal/clients/github"
	"github.com/tazhate/repobot/internal/clients/mtproto"
	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/floodwait"
	"github.com/tazhate/repobot/internal/storage/memory"
	"github.com/tazhate/repobot/internal/vault"
)

type fakeAuth struct {
	mu         sync.Mutex
	sendResult mtproto.Result
	sendErr    error
	codeResult mtproto.Result
	codeErr    error
	pwResult   mtproto.Result
	pwErr      error
	cancelled  []string
	phones     []string
}

func (f *fakeAuth) SendCode(ctx context.Context, phone string) (mtproto.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phones = append(f.phones, phone)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendResult != nil {
		return f.sendResult, nil
	}
	return mtproto.CodeSent{AttemptID: "att-1", CodeHash: "hash-1"}, nil
}

func (f *fakeAuth) SubmitCode(ctx context.Context, attemptID, phone, code, codeHash string) (mtproto.Result, error) {
	if f.codeErr != nil {
		return nil, f.codeErr
	}
	if f.codeResult != nil {
		return f.codeResult, nil
	}
	return mtproto.Success{SessionToken: "session-" + phone}, nil
}

func (f *fakeAuth) SubmitPassword(ctx context.Context, attemptID, password string) (mtproto.Result, error) {
	if f.pwErr != nil {
		return nil, f.pwErr
	}
	if f.pwResult != nil {
		return f.pwResult, nil
	}
	return mtproto.Success{SessionToken: "session-2fa"}, nil
}

func (f *fakeAuth) Cancel(attemptID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, attemptID)
}

type fakeValidator struct {
	valid map[string]string
}

func (f *fakeValidator) Validate(ctx context.Context, token string) (*github.Account, error) {
	if login, ok := f.valid[token]; ok {
		return &github.Account{Login: login}, nil
	}
	return nil, &github.HostingAPIError{StatusCode: 401, Message: "Bad credentials"}
}

type fakeHost struct {
	mu    sync.Mutex
	calls []github.CreateRepoRequest
	err   error
}

func (f *fakeHost) CreateRepository(ctx context.Context, token string, req github.CreateRepoRequest) (*domain.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Repository{
		Name:     req.Name,
		FullName: "octocat/" + req.Name,
		HTMLURL:  "https://github.com/octocat/" + req.Name,
		Private:  req.Private,
	}, nil
}

type testEnv struct {
	store *memory.Store
	vault *vault.Vault
	auth  *fakeAuth
	gh    *fakeValidator
	host  *fakeHost
	conv  *ConversationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	v := vault.New(store, nil)
	env := &testEnv{
		store: store,
		vault: v,
		auth:  &fakeAuth{},
		gh:    &fakeValidator{valid: map[string]string{"ghp_good": "octocat"}},
		host:  &fakeHost{},
	}
	repos := NewRepoService(env.host, v, floodwait.Policy{MaxAttempts: 2, MaxWait: 0}, nil)
	env.conv = NewConversationService(store, v, env.auth, env.gh, repos, nil)
	return env
}

func (e *testEnv) loggedIn(t *testing.T, userID int64) {
	t.Helper()
	ctx := context.Background()
	if err := e.vault.Put(ctx, userID, domain.CredentialTelegramSession, "session"); err != nil {
		t.Fatal(err)
	}
	if err := e.vault.Put(ctx, userID, domain.CredentialGithubToken, "ghp_good"); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) state(t *testing.T, userID int64) domain.State {
	t.Helper()
	c, err := e.store.LoadConversation(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return c.State
}
