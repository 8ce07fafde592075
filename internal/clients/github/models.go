package github

import "net/http"

// Account is the GitHub user a token belongs to.
type Account struct {
	Login string
	Name  string
}

// CreateRepoRequest for creating a repository for the token owner
type CreateRepoRequest struct {
	Name        string
	Description *string
	Private     bool
}

// HostingAPIError is a rejection from GitHub (bad credentials, name taken, ...).
type HostingAPIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *HostingAPIError) Error() string {
	return e.Message
}

func (e *HostingAPIError) Unwrap() error { return e.Err }

// Unauthorized reports whether GitHub rejected the token itself.
func (e *HostingAPIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}
