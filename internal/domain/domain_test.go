package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescription(t *testing.T) {
	tests := []struct {
		in   string
		want *string
	}{
		{"None", nil},
		{"  none ", nil},
		{"NONE", nil},
		{"", nil},
		{"A demo repo", strPtr("A demo repo")},
		{"  nonetheless  ", strPtr("nonetheless")},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDescription(tt.in))
		})
	}
}

func TestDecodeState_KeepsVariantFields(t *testing.T) {
	desc := "demo"
	s, err := DecodeState(EncodeState(AwaitRepoVisibility{Draft: RepoDraft{Name: "demo", Description: &desc}}))
	require.NoError(t, err)

	v, ok := s.(AwaitRepoVisibility)
	require.True(t, ok)
	assert.Equal(t, "demo", v.Draft.Name)
	require.NotNil(t, v.Draft.Description)
	assert.Equal(t, "demo", *v.Draft.Description)
	assert.Equal(t, FlowRepoWizard, s.Flow())
}

func TestDecodeState_EmptyKindIsIdle(t *testing.T) {
	s, err := DecodeState(StateRecord{})
	require.NoError(t, err)
	assert.Equal(t, KindIdle, s.Kind())
}

func TestDecodeState_UnknownKind(t *testing.T) {
	_, err := DecodeState(StateRecord{Kind: "banana"})
	assert.Error(t, err)
}

func TestEncodeState_NilIsIdle(t *testing.T) {
	assert.Equal(t, StateRecord{Kind: KindIdle}, EncodeState(nil))
}

func TestConversation_AttemptID(t *testing.T) {
	c := &Conversation{State: AwaitPassword{Phone: "+1", AttemptID: "a-1"}}
	assert.Equal(t, "a-1", c.AttemptID())
	assert.False(t, c.IsIdle())

	c.State = AwaitRepoName{}
	assert.Empty(t, c.AttemptID())

	var nilConv *Conversation
	assert.True(t, nilConv.IsIdle())
}

func TestUser_CanRelay(t *testing.T) {
	u := &User{ID: 1, Status: StatusActive, RelayAccess: true}
	assert.True(t, u.CanRelay())

	u.Status = StatusBanned
	assert.False(t, u.CanRelay())
	assert.True(t, u.IsBanned())

	u = &User{ID: 2, Status: StatusActive}
	assert.False(t, u.CanRelay())
}

func strPtr(s string) *string { return &s }
