package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/tazhate/repobot/internal/domain"
)

// Client is a GitHub API client acting as whichever user's token it is given
type Client struct {
	baseURL *url.URL
	timeout time.Duration
}

// NewClient creates a new GitHub client
func NewClient() *Client {
	return &Client{timeout: 30 * time.Second}
}

// WithBaseURL points the client at another API root (GitHub Enterprise, tests).
func (c *Client) WithBaseURL(raw string) (*Client, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{baseURL: u, timeout: c.timeout}, nil
}

func (c *Client) api(ctx context.Context, token string) *gh.Client {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	httpClient.Timeout = c.timeout
	client := gh.NewClient(httpClient)
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}
	return client
}

// Validate checks the token with a single authenticated GET /user.
func (c *Client) Validate(ctx context.Context, token string) (*Account, error) {
	user, _, err := c.api(ctx, token).Users.Get(ctx, "")
	if err != nil {
		return nil, wrapError("get user", err)
	}
	return &Account{Login: user.GetLogin(), Name: user.GetName()}, nil
}

// CreateRepository creates a repository owned by the token's user with an
// initial commit. It is not idempotent.
func (c *Client) CreateRepository(ctx context.Context, token string, req CreateRepoRequest) (*domain.Repository, error) {
	repo := &gh.Repository{
		Name:     gh.String(req.Name),
		Private:  gh.Bool(req.Private),
		AutoInit: gh.Bool(true),
	}
	if req.Description != nil {
		repo.Description = gh.String(*req.Description)
	}

	created, _, err := c.api(ctx, token).Repositories.Create(ctx, "", repo)
	if err != nil {
		return nil, wrapError("create repository", err)
	}

	return &domain.Repository{
		Name:     created.GetName(),
		FullName: created.GetFullName(),
		HTMLURL:  created.GetHTMLURL(),
		Private:  created.GetPrivate(),
	}, nil
}

// wrapError turns GitHub error responses into HostingAPIError. Rate limit
// errors are left as they are so callers can wait and retry.
func wrapError(op string, err error) error {
	var rl *gh.RateLimitError
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &rl) || errors.As(err, &abuse) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var resp *gh.ErrorResponse
	if errors.As(err, &resp) {
		status := 0
		if resp.Response != nil {
			status = resp.Response.StatusCode
		}
		msg := resp.Message
		if len(resp.Errors) > 0 {
			details := make([]string, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				if e.Message != "" {
					details = append(details, e.Message)
				} else if e.Code != "" {
					details = append(details, e.Field+" "+e.Code)
				}
			}
			if len(details) > 0 {
				msg += ": " + strings.Join(details, "; ")
			}
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &HostingAPIError{StatusCode: status, Message: msg, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}
