package mtproto

import "errors"

// ErrAttemptNotFound means the login attempt expired, was cancelled, or
// belongs to a previous process.
var ErrAttemptNotFound = errors.New("login attempt not found or expired")

// Result is the outcome of one login step. Expected outcomes (wrong code,
// 2FA required) are results, not errors.
type Result interface {
	result()
}

// CodeSent means Telegram delivered a login code to the user's devices.
type CodeSent struct {
	AttemptID string
	CodeHash  string
}

type InvalidPhone struct{}

type InvalidCode struct{}

type NeedsSecondFactor struct{}

type InvalidPassword struct{}

// Success carries the exported, base64 encoded user session.
type Success struct {
	SessionToken string
}

func (CodeSent) result()          {}
func (InvalidPhone) result()      {}
func (InvalidCode) result()       {}
func (NeedsSecondFactor) result() {}
func (InvalidPassword) result()   {}
func (Success) result()           {}
