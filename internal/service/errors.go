package service

import "errors"

var (
	ErrNoDraft        = errors.New("no active repository draft")
	ErrNoGithubToken  = errors.New("github token not found")
	ErrCannotBanAdmin = errors.New("admins cannot be banned")
	ErrInvalidLink    = errors.New("invalid link format")
)
