package domain

type CredentialKind string

const (
	CredentialTelegramSession CredentialKind = "telegram_session"
	CredentialGithubToken     CredentialKind = "github_token"
)

func (k CredentialKind) Valid() bool {
	return k == CredentialTelegramSession || k == CredentialGithubToken
}
