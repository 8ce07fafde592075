package domain

import (
	"fmt"
	"time"
)

type StateKind string

const (
	KindIdle            StateKind = "none"
	KindPhone           StateKind = "phone"
	KindCode            StateKind = "code"
	KindPassword        StateKind = "password"
	KindGithubToken     StateKind = "github_token"
	KindRepoName        StateKind = "repo_name"
	KindRepoDescription StateKind = "repo_description"
	KindRepoVisibility  StateKind = "repo_visibility"
)

type Flow string

const (
	FlowNone          Flow = "none"
	FlowTelegramLogin Flow = "telegram_login"
	FlowGithubLogin   Flow = "github_login"
	FlowRepoWizard    Flow = "repo_wizard"
)

// State is the step a user is expected to answer. Each variant carries only
// the fields valid for that step, so a user can never be in two flows at once.
type State interface {
	Kind() StateKind
	Flow() Flow
}

type Idle struct{}

type AwaitPhone struct{}

type AwaitCode struct {
	Phone     string
	CodeHash  string
	AttemptID string
}

type AwaitPassword struct {
	Phone     string
	AttemptID string
}

type AwaitGithubToken struct{}

type AwaitRepoName struct{}

type AwaitRepoDescription struct {
	Name string
}

type AwaitRepoVisibility struct {
	Draft RepoDraft
}

func (Idle) Kind() StateKind                 { return KindIdle }
func (AwaitPhone) Kind() StateKind           { return KindPhone }
func (AwaitCode) Kind() StateKind            { return KindCode }
func (AwaitPassword) Kind() StateKind        { return KindPassword }
func (AwaitGithubToken) Kind() StateKind     { return KindGithubToken }
func (AwaitRepoName) Kind() StateKind        { return KindRepoName }
func (AwaitRepoDescription) Kind() StateKind { return KindRepoDescription }
func (AwaitRepoVisibility) Kind() StateKind  { return KindRepoVisibility }

func (Idle) Flow() Flow                 { return FlowNone }
func (AwaitPhone) Flow() Flow           { return FlowTelegramLogin }
func (AwaitCode) Flow() Flow            { return FlowTelegramLogin }
func (AwaitPassword) Flow() Flow        { return FlowTelegramLogin }
func (AwaitGithubToken) Flow() Flow     { return FlowGithubLogin }
func (AwaitRepoName) Flow() Flow        { return FlowRepoWizard }
func (AwaitRepoDescription) Flow() Flow { return FlowRepoWizard }
func (AwaitRepoVisibility) Flow() Flow  { return FlowRepoWizard }

// Conversation is the persisted state of one user. Version grows by one on
// every write and is the compare-and-swap token for the next write.
type Conversation struct {
	UserID    int64
	State     State
	Version   int64
	UpdatedAt time.Time
}

func (c *Conversation) IsIdle() bool {
	return c == nil || c.State == nil || c.State.Kind() == KindIdle
}

// AttemptID returns the MTProto login attempt bound to the state, if any.
func (c *Conversation) AttemptID() string {
	if c == nil {
		return ""
	}
	switch s := c.State.(type) {
	case AwaitCode:
		return s.AttemptID
	case AwaitPassword:
		return s.AttemptID
	}
	return ""
}

// StateRecord is the flat, storage-friendly form of a State.
type StateRecord struct {
	Kind            StateKind `json:"kind" bson:"kind"`
	Phone           string    `json:"phone,omitempty" bson:"phone,omitempty"`
	CodeHash        string    `json:"code_hash,omitempty" bson:"code_hash,omitempty"`
	AttemptID       string    `json:"attempt_id,omitempty" bson:"attempt_id,omitempty"`
	RepoName        string    `json:"repo_name,omitempty" bson:"repo_name,omitempty"`
	RepoDescription *string   `json:"repo_description,omitempty" bson:"repo_description,omitempty"`
}

func EncodeState(s State) StateRecord {
	switch v := s.(type) {
	case nil, Idle:
		return StateRecord{Kind: KindIdle}
	case AwaitCode:
		return StateRecord{Kind: KindCode, Phone: v.Phone, CodeHash: v.CodeHash, AttemptID: v.AttemptID}
	case AwaitPassword:
		return StateRecord{Kind: KindPassword, Phone: v.Phone, AttemptID: v.AttemptID}
	case AwaitRepoDescription:
		return StateRecord{Kind: KindRepoDescription, RepoName: v.Name}
	case AwaitRepoVisibility:
		return StateRecord{Kind: KindRepoVisibility, RepoName: v.Draft.Name, RepoDescription: v.Draft.Description}
	default:
		return StateRecord{Kind: s.Kind()}
	}
}

func DecodeState(r StateRecord) (State, error) {
	switch r.Kind {
	case "", KindIdle:
		return Idle{}, nil
	case KindPhone:
		return AwaitPhone{}, nil
	case KindCode:
		return AwaitCode{Phone: r.Phone, CodeHash: r.CodeHash, AttemptID: r.AttemptID}, nil
	case KindPassword:
		return AwaitPassword{Phone: r.Phone, AttemptID: r.AttemptID}, nil
	case KindGithubToken:
		return AwaitGithubToken{}, nil
	case KindRepoName:
		return AwaitRepoName{}, nil
	case KindRepoDescription:
		return AwaitRepoDescription{Name: r.RepoName}, nil
	case KindRepoVisibility:
		return AwaitRepoVisibility{Draft: RepoDraft{Name: r.RepoName, Description: r.RepoDescription}}, nil
	default:
		return nil, fmt.Errorf("unknown state kind %q", r.Kind)
	}
}
