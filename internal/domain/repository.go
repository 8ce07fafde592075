package domain

import "strings"

// RepoDraft collects the wizard answers. A nil Description means the
// repository is created without one.
type RepoDraft struct {
	Name        string
	Description *string
}

// ParseDescription maps the "none" sentinel (any case) to no description.
func ParseDescription(text string) *string {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "none") {
		return nil
	}
	return &text
}

type Repository struct {
	Name     string
	FullName string
	HTMLURL  string
	Private  bool
}

func VisibilityLabel(private bool) string {
	if private {
		return "Private"
	}
	return "Public"
}
