package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/internal/clients/github"
	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/floodwait"
	"github.com/tazhate/repobot/internal/metrics"
	"github.com/tazhate/repobot/internal/storage"
)

// RepositoryHost creates repositories on behalf of a token's owner.
type RepositoryHost interface {
	CreateRepository(ctx context.Context, token string, req github.CreateRepoRequest) (*domain.Repository, error)
}

type RepoService struct {
	host    RepositoryHost
	creds   Credentials
	policy  floodwait.Policy
	metrics metrics.Recorder
}

func NewRepoService(host RepositoryHost, creds Credentials, policy floodwait.Policy, rec metrics.Recorder) *RepoService {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &RepoService{host: host, creds: creds, policy: policy, metrics: rec}
}

// Create makes the repository with an initial commit using the user's stored
// GitHub token. Rate-limited calls are retried within the policy; nothing
// else is retried because creation is not idempotent.
func (s *RepoService) Create(ctx context.Context, userID int64, draft domain.RepoDraft, private bool) (*domain.Repository, error) {
	name := strings.TrimSpace(draft.Name)
	if name == "" {
		return nil, fmt.Errorf("repository name cannot be empty")
	}

	token, err := s.creds.Get(ctx, userID, domain.CredentialGithubToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoGithubToken
	}
	if err != nil {
		return nil, fmt.Errorf("get github token: %w", err)
	}

	req := github.CreateRepoRequest{Name: name, Description: draft.Description, Private: private}

	var repo *domain.Repository
	notify := floodwait.NotifierFrom(ctx)
	err = floodwait.Do(ctx, s.policy, func(wait time.Duration) {
		s.metrics.FloodWait()
		log.Warn().Int64("user_id", userID).Dur("wait", wait).Msg("GitHub rate limit, waiting")
		if notify != nil {
			notify(wait)
		}
	}, func(ctx context.Context) error {
		var err error
		repo, err = s.host.CreateRepository(ctx, token, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RepositoryCreated(private)
	log.Info().Int64("user_id", userID).Str("repo", repo.FullName).Bool("private", private).Msg("Repository created")
	return repo, nil
}
