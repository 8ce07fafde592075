package domain

// MessageLink points at one message in a channel or group. Exactly one of
// ChatID and Username is set.
type MessageLink struct {
	ChatID    int64
	Username  string
	MessageID int
}

func (l MessageLink) IsPrivate() bool { return l.Username == "" }
