package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/internal/clients/github"
	"github.com/tazhate/repobot/internal/clients/mtproto"
	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/metrics"
	"github.com/tazhate/repobot/internal/storage"
)

// Markup names the keyboard a reply should carry. The bot package maps it
// to concrete inline buttons.
type Markup int

const (
	MarkupNone Markup = iota
	MarkupStart
	MarkupTelegramRelogin
	MarkupGithubRelogin
	MarkupCreateRepo
	MarkupVisibility
	MarkupAdmin
)

type Reply struct {
	Text   string
	Markup Markup
}

func text(s string) Reply { return Reply{Text: s} }

// Empty replies are not sent.
func (r Reply) Empty() bool { return r.Text == "" }

// Authenticator runs the Telegram account login steps.
type Authenticator interface {
	SendCode(ctx context.Context, phone string) (mtproto.Result, error)
	SubmitCode(ctx context.Context, attemptID, phone, code, codeHash string) (mtproto.Result, error)
	SubmitPassword(ctx context.Context, attemptID, password string) (mtproto.Result, error)
	Cancel(attemptID string)
}

type TokenValidator interface {
	Validate(ctx context.Context, token string) (*github.Account, error)
}

// Credentials is the per-user secret store (see internal/vault).
type Credentials interface {
	Get(ctx context.Context, userID int64, kind domain.CredentialKind) (string, error)
	Has(ctx context.Context, userID int64, kind domain.CredentialKind) (bool, error)
	Put(ctx context.Context, userID int64, kind domain.CredentialKind, secret string) error
	Delete(ctx context.Context, userID int64, kind domain.CredentialKind) error
}

const (
	msgTelegramLoginGuide = "🔑 Telegram Login Process:\n\n" +
		"1. Send your phone number (e.g., +1234567890).\n" +
		"2. Receive a code on Telegram.\n" +
		"3. Reply with the code.\n" +
		"4. If 2FA is enabled, provide your password."
	msgGithubLoginGuide = "🔐 GitHub Login Process:\n\n" +
		"1. Send your GitHub Personal Access Token.\n" +
		"   - Get it from github.com > Settings > Developer settings > Personal access tokens.\n" +
		"   - Ensure it has 'repo' scope."
	msgTelegramAlready  = "You are already logged in to Telegram. Re-login?"
	msgGithubAlready    = "You are already logged in to GitHub. Re-login?"
	msgInvalidPhone     = "❌ Invalid phone number. Try again."
	msgCodeSent         = "📩 Code sent to your Telegram. Reply with the code."
	msgInvalidCode      = "❌ Invalid code. Try again."
	msgNeedPassword     = "🔒 2FA enabled. Send your password."
	msgInvalidPassword  = "❌ Invalid password. Try again."
	msgAttemptExpired   = "⌛ This login attempt expired. Send your phone number again."
	msgTelegramSuccess  = "✅ Telegram login successful! Now use GitHub login or /create."
	msgNeedTelegram     = "❌ Please login to Telegram first using /start > Telegram Login."
	msgNeedGithub       = "❌ Please login to GitHub first using /start > GitHub Login."
	msgCreateReady      = "Ready to create a GitHub repository! Click below:"
	msgAskRepoName      = "📁 Create Repository:\n\nSend the repository name (e.g., my-new-repo):"
	msgAskDescription   = "Send the repository description (or 'None' to skip):"
	msgAskVisibility    = "Choose repository visibility:"
	msgUseButtons       = "Please choose the visibility with the buttons below."
	msgNoDraft          = "❌ No active repository draft."
	msgCancelled        = "❌ Cancelled. Send /start to begin again."
	msgNothingToCancel  = "Nothing to cancel."
	msgErrorPrefix      = "❌ Error: "
	msgInvalidGithubTok = "❌ Invalid GitHub token: "
	msgTokenRevoked     = "❌ GitHub rejected your token, log in again: "
)

// ConversationService drives the Telegram login, GitHub login and repository
// wizard flows. Each step loads the user's conversation, runs the step's side
// effect and writes the next state with a compare-and-swap on its version.
type ConversationService struct {
	store   storage.ConversationRepository
	creds   Credentials
	auth    Authenticator
	github  TokenValidator
	repos   *RepoService
	metrics metrics.Recorder
}

func NewConversationService(
	store storage.ConversationRepository,
	creds Credentials,
	auth Authenticator,
	gh TokenValidator,
	repos *RepoService,
	rec metrics.Recorder,
) *ConversationService {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &ConversationService{store: store, creds: creds, auth: auth, github: gh, repos: repos, metrics: rec}
}

// === Flow entry points ===

func (s *ConversationService) StartTelegramLogin(ctx context.Context, userID int64) (Reply, error) {
	has, err := s.creds.Has(ctx, userID, domain.CredentialTelegramSession)
	if err != nil {
		return Reply{}, fmt.Errorf("check session: %w", err)
	}
	if has {
		return Reply{Text: msgTelegramAlready, Markup: MarkupTelegramRelogin}, nil
	}
	return s.ForceTelegramLogin(ctx, userID)
}

// ForceTelegramLogin starts the login even when a session is stored.
func (s *ConversationService) ForceTelegramLogin(ctx context.Context, userID int64) (Reply, error) {
	return s.begin(ctx, userID, domain.AwaitPhone{}, msgTelegramLoginGuide)
}

func (s *ConversationService) StartGithubLogin(ctx context.Context, userID int64) (Reply, error) {
	has, err := s.creds.Has(ctx, userID, domain.CredentialGithubToken)
	if err != nil {
		return Reply{}, fmt.Errorf("check github token: %w", err)
	}
	if has {
		return Reply{Text: msgGithubAlready, Markup: MarkupGithubRelogin}, nil
	}
	return s.ForceGithubLogin(ctx, userID)
}

func (s *ConversationService) ForceGithubLogin(ctx context.Context, userID int64) (Reply, error) {
	return s.begin(ctx, userID, domain.AwaitGithubToken{}, msgGithubLoginGuide)
}

// CreatePrompt answers /create: the Create Repository button when both
// logins are done, otherwise which login is missing.
func (s *ConversationService) CreatePrompt(ctx context.Context, userID int64) (Reply, error) {
	if r, ok, err := s.requireLogins(ctx, userID); err != nil || !ok {
		return r, err
	}
	return Reply{Text: msgCreateReady, Markup: MarkupCreateRepo}, nil
}

func (s *ConversationService) StartRepoWizard(ctx context.Context, userID int64) (Reply, error) {
	if r, ok, err := s.requireLogins(ctx, userID); err != nil || !ok {
		return r, err
	}
	return s.begin(ctx, userID, domain.AwaitRepoName{}, msgAskRepoName)
}

func (s *ConversationService) requireLogins(ctx context.Context, userID int64) (Reply, bool, error) {
	hasSession, err := s.creds.Has(ctx, userID, domain.CredentialTelegramSession)
	if err != nil {
		return Reply{}, false, fmt.Errorf("check session: %w", err)
	}
	if !hasSession {
		return text(msgNeedTelegram), false, nil
	}
	hasToken, err := s.creds.Has(ctx, userID, domain.CredentialGithubToken)
	if err != nil {
		return Reply{}, false, fmt.Errorf("check github token: %w", err)
	}
	if !hasToken {
		return text(msgNeedGithub), false, nil
	}
	return Reply{}, true, nil
}

// begin replaces whatever flow the user is in with next. An explicit start
// always wins, so a lost race is retried against the fresh version.
func (s *ConversationService) begin(ctx context.Context, userID int64, next domain.State, prompt string) (Reply, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		conv, err := s.store.LoadConversation(ctx, userID)
		if err != nil {
			return Reply{}, fmt.Errorf("load conversation: %w", err)
		}

		_, err = s.store.SwapState(ctx, userID, conv.Version, next)
		if errors.Is(err, storage.ErrStateConflict) {
			continue
		}
		if err != nil {
			return Reply{}, fmt.Errorf("start %s: %w", next.Flow(), err)
		}

		if id := conv.AttemptID(); id != "" {
			s.auth.Cancel(id)
		}
		s.metrics.FlowTransition(string(next.Flow()), string(next.Kind()), "started")

		if !conv.IsIdle() && conv.State.Flow() != next.Flow() {
			log.Info().Int64("user_id", userID).
				Str("replaced", string(conv.State.Flow())).
				Str("flow", string(next.Flow())).
				Msg("Flow replaced")
			prompt = fmt.Sprintf("ℹ️ Your unfinished %s was cancelled.\n\n%s", flowLabel(conv.State.Flow()), prompt)
		}
		return text(prompt), nil
	}
	return Reply{}, storage.ErrStateConflict
}

func flowLabel(f domain.Flow) string {
	switch f {
	case domain.FlowTelegramLogin:
		return "Telegram login"
	case domain.FlowGithubLogin:
		return "GitHub login"
	case domain.FlowRepoWizard:
		return "repository draft"
	default:
		return string(f)
	}
}

// === Step input ===

// HandleText feeds a free-text message to the user's current step. Idle users
// get an empty reply.
func (s *ConversationService) HandleText(ctx context.Context, userID int64, input string) (Reply, error) {
	conv, err := s.store.LoadConversation(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("load conversation: %w", err)
	}
	input = strings.TrimSpace(input)

	switch st := conv.State.(type) {
	case domain.AwaitPhone:
		return s.handlePhone(ctx, conv, input)
	case domain.AwaitCode:
		return s.handleCode(ctx, conv, st, input)
	case domain.AwaitPassword:
		return s.handlePassword(ctx, conv, st, input)
	case domain.AwaitGithubToken:
		return s.handleGithubToken(ctx, conv, input)
	case domain.AwaitRepoName:
		return s.handleRepoName(ctx, conv, input)
	case domain.AwaitRepoDescription:
		return s.handleRepoDescription(ctx, conv, st, input)
	case domain.AwaitRepoVisibility:
		return Reply{Text: msgUseButtons, Markup: MarkupVisibility}, nil
	default:
		return Reply{}, nil
	}
}

func (s *ConversationService) handlePhone(ctx context.Context, conv *domain.Conversation, phone string) (Reply, error) {
	if phone == "" {
		return text(msgInvalidPhone), nil
	}

	res, err := s.auth.SendCode(ctx, phone)
	if err != nil {
		s.step(conv, "error")
		log.Warn().Err(err).Int64("user_id", conv.UserID).Msg("Send code failed")
		return text(msgErrorPrefix + err.Error()), nil
	}

	switch r := res.(type) {
	case mtproto.CodeSent:
		next := domain.AwaitCode{Phone: phone, CodeHash: r.CodeHash, AttemptID: r.AttemptID}
		if err := s.swap(ctx, conv, next); err != nil {
			s.auth.Cancel(r.AttemptID)
			return Reply{}, err
		}
		return text(msgCodeSent), nil
	case mtproto.InvalidPhone:
		s.step(conv, "invalid")
		return text(msgInvalidPhone), nil
	default:
		return Reply{}, fmt.Errorf("send code: unexpected result %T", res)
	}
}

func (s *ConversationService) handleCode(ctx context.Context, conv *domain.Conversation, st domain.AwaitCode, code string) (Reply, error) {
	res, err := s.auth.SubmitCode(ctx, st.AttemptID, st.Phone, code, st.CodeHash)
	if errors.Is(err, mtproto.ErrAttemptNotFound) {
		return s.restartPhone(ctx, conv)
	}
	if err != nil {
		s.step(conv, "error")
		return text(msgErrorPrefix + err.Error()), nil
	}

	switch r := res.(type) {
	case mtproto.Success:
		return s.completeTelegram(ctx, conv, r.SessionToken)
	case mtproto.NeedsSecondFactor:
		if err := s.swap(ctx, conv, domain.AwaitPassword{Phone: st.Phone, AttemptID: st.AttemptID}); err != nil {
			return Reply{}, err
		}
		return text(msgNeedPassword), nil
	case mtproto.InvalidCode:
		s.step(conv, "invalid")
		return text(msgInvalidCode), nil
	default:
		return Reply{}, fmt.Errorf("submit code: unexpected result %T", res)
	}
}

func (s *ConversationService) handlePassword(ctx context.Context, conv *domain.Conversation, st domain.AwaitPassword, password string) (Reply, error) {
	res, err := s.auth.SubmitPassword(ctx, st.AttemptID, password)
	if errors.Is(err, mtproto.ErrAttemptNotFound) {
		return s.restartPhone(ctx, conv)
	}
	if err != nil {
		s.step(conv, "error")
		return text(msgErrorPrefix + err.Error()), nil
	}

	switch r := res.(type) {
	case mtproto.Success:
		return s.completeTelegram(ctx, conv, r.SessionToken)
	case mtproto.InvalidPassword:
		s.step(conv, "invalid")
		return text(msgInvalidPassword), nil
	default:
		return Reply{}, fmt.Errorf("submit password: unexpected result %T", res)
	}
}

func (s *ConversationService) restartPhone(ctx context.Context, conv *domain.Conversation) (Reply, error) {
	if err := s.swap(ctx, conv, domain.AwaitPhone{}); err != nil {
		return Reply{}, err
	}
	return text(msgAttemptExpired), nil
}

func (s *ConversationService) completeTelegram(ctx context.Context, conv *domain.Conversation, session string) (Reply, error) {
	if err := s.creds.Put(ctx, conv.UserID, domain.CredentialTelegramSession, session); err != nil {
		return Reply{}, fmt.Errorf("save session: %w", err)
	}
	if err := s.swap(ctx, conv, domain.Idle{}); err != nil {
		return Reply{}, err
	}
	log.Info().Int64("user_id", conv.UserID).Msg("Telegram login completed")
	return text(msgTelegramSuccess), nil
}

func (s *ConversationService) handleGithubToken(ctx context.Context, conv *domain.Conversation, token string) (Reply, error) {
	if token == "" {
		return text(msgInvalidGithubTok + "empty token"), nil
	}

	acct, err := s.github.Validate(ctx, token)
	if err != nil {
		s.step(conv, "invalid")
		var apiErr *github.HostingAPIError
		if errors.As(err, &apiErr) {
			return text(msgInvalidGithubTok + apiErr.Error()), nil
		}
		return text(msgErrorPrefix + err.Error()), nil
	}

	if err := s.creds.Put(ctx, conv.UserID, domain.CredentialGithubToken, token); err != nil {
		return Reply{}, fmt.Errorf("save github token: %w", err)
	}
	if err := s.swap(ctx, conv, domain.Idle{}); err != nil {
		return Reply{}, err
	}
	log.Info().Int64("user_id", conv.UserID).Str("login", acct.Login).Msg("GitHub login completed")
	return text(fmt.Sprintf("✅ GitHub login successful (as %s)! Use /create to make a repository.", acct.Login)), nil
}

func (s *ConversationService) handleRepoName(ctx context.Context, conv *domain.Conversation, name string) (Reply, error) {
	if name == "" {
		return text(msgAskRepoName), nil
	}
	if err := s.swap(ctx, conv, domain.AwaitRepoDescription{Name: name}); err != nil {
		return Reply{}, err
	}
	return text(msgAskDescription), nil
}

func (s *ConversationService) handleRepoDescription(ctx context.Context, conv *domain.Conversation, st domain.AwaitRepoDescription, input string) (Reply, error) {
	draft := domain.RepoDraft{Name: st.Name, Description: domain.ParseDescription(input)}
	if err := s.swap(ctx, conv, domain.AwaitRepoVisibility{Draft: draft}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: msgAskVisibility, Markup: MarkupVisibility}, nil
}

// HandleVisibility finishes the wizard. The draft is claimed (state reset to
// Idle) before the repository is created, so a second tap finds no draft.
func (s *ConversationService) HandleVisibility(ctx context.Context, userID int64, private bool) (Reply, error) {
	draft, err := s.claimDraft(ctx, userID)
	if errors.Is(err, ErrNoDraft) {
		return text(msgNoDraft), nil
	}
	if err != nil {
		return Reply{}, err
	}

	repo, err := s.repos.Create(ctx, userID, draft, private)
	if err != nil {
		var apiErr *github.HostingAPIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Unauthorized():
			if err := s.creds.Delete(ctx, userID, domain.CredentialGithubToken); err != nil {
				return Reply{}, fmt.Errorf("drop github token: %w", err)
			}
			log.Warn().Int64("user_id", userID).Msg("GitHub token rejected, dropped")
			return Reply{Text: msgTokenRevoked + apiErr.Error(), Markup: MarkupGithubRelogin}, nil
		case errors.As(err, &apiErr):
			return text("❌ Failed to create repository: " + apiErr.Error()), nil
		case errors.Is(err, ErrNoGithubToken):
			return text(msgNeedGithub), nil
		default:
			log.Error().Err(err).Int64("user_id", userID).Msg("Create repository failed")
			return text(msgErrorPrefix + err.Error()), nil
		}
	}

	return text(fmt.Sprintf("✅ Repository created successfully!\nName: %s\nURL: %s\nVisibility: %s",
		draft.Name, repo.HTMLURL, domain.VisibilityLabel(private))), nil
}

func (s *ConversationService) claimDraft(ctx context.Context, userID int64) (domain.RepoDraft, error) {
	conv, err := s.store.LoadConversation(ctx, userID)
	if err != nil {
		return domain.RepoDraft{}, fmt.Errorf("load conversation: %w", err)
	}
	st, ok := conv.State.(domain.AwaitRepoVisibility)
	if !ok {
		return domain.RepoDraft{}, ErrNoDraft
	}
	if err := s.swap(ctx, conv, domain.Idle{}); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			// Someone else claimed or replaced the draft first.
			return domain.RepoDraft{}, ErrNoDraft
		}
		return domain.RepoDraft{}, err
	}
	return st.Draft, nil
}

// Cancel abandons whatever flow the user is in.
func (s *ConversationService) Cancel(ctx context.Context, userID int64) (Reply, error) {
	conv, err := s.store.LoadConversation(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv.IsIdle() {
		return text(msgNothingToCancel), nil
	}
	if err := s.swap(ctx, conv, domain.Idle{}); err != nil {
		return Reply{}, err
	}
	if id := conv.AttemptID(); id != "" {
		s.auth.Cancel(id)
	}
	return text(msgCancelled), nil
}

// ResetStale moves conversations untouched since before back to Idle and
// returns how many were reset. Conversations written meanwhile are skipped.
func (s *ConversationService) ResetStale(ctx context.Context, before time.Time) (int, error) {
	stale, err := s.store.ListStaleConversations(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale conversations: %w", err)
	}

	reset := 0
	for _, conv := range stale {
		_, err := s.store.SwapState(ctx, conv.UserID, conv.Version, domain.Idle{})
		if errors.Is(err, storage.ErrStateConflict) {
			continue
		}
		if err != nil {
			return reset, fmt.Errorf("reset conversation %d: %w", conv.UserID, err)
		}
		if id := conv.AttemptID(); id != "" {
			s.auth.Cancel(id)
		}
		s.metrics.FlowTransition(string(conv.State.Flow()), string(conv.State.Kind()), "expired")
		reset++
	}
	return reset, nil
}

func (s *ConversationService) swap(ctx context.Context, conv *domain.Conversation, next domain.State) error {
	if _, err := s.store.SwapState(ctx, conv.UserID, conv.Version, next); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			s.step(conv, "conflict")
			return err
		}
		return fmt.Errorf("save conversation: %w", err)
	}
	s.step(conv, "ok")
	return nil
}

func (s *ConversationService) step(conv *domain.Conversation, outcome string) {
	s.metrics.FlowTransition(string(conv.State.Flow()), string(conv.State.Kind()), outcome)
}
