package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/floodwait"
	"github.com/tazhate/repobot/internal/storage/memory"
)

func TestParseLink(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		want    domain.MessageLink
		wantErr bool
	}{
		{name: "private", link: "https://t.me/c/1234567890/55", want: domain.MessageLink{ChatID: -1001234567890, MessageID: 55}},
		{name: "private topic", link: "https://t.me/c/1234567890/7/55", want: domain.MessageLink{ChatID: -1001234567890, MessageID: 55}},
		{name: "public", link: "https://t.me/durov_channel/12", want: domain.MessageLink{Username: "@durov_channel", MessageID: 12}},
		{name: "no scheme", link: "t.me/durov_channel/12", want: domain.MessageLink{Username: "@durov_channel", MessageID: 12}},
		{name: "query ignored", link: "https://t.me/durov_channel/12?single", want: domain.MessageLink{Username: "@durov_channel", MessageID: 12}},
		{name: "other host", link: "https://example.com/durov/12", wantErr: true},
		{name: "missing message", link: "https://t.me/durov_channel", wantErr: true},
		{name: "non numeric message", link: "https://t.me/durov_channel/abc", wantErr: true},
		{name: "non numeric chat", link: "https://t.me/c/abc/1", wantErr: true},
		{name: "short username", link: "https://t.me/ab/1", wantErr: true},
		{name: "garbage", link: "hello world", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLink(tt.link)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidLink)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeCopier struct {
	errs  []error
	calls []domain.MessageLink
}

func (f *fakeCopier) CopyMessage(ctx context.Context, toChatID int64, from domain.MessageLink) error {
	f.calls = append(f.calls, from)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func newRelay(copier *fakeCopier) (*RelayService, *memory.Store) {
	store := memory.New()
	return NewRelayService(store, copier, "s3cret", floodwait.Policy{MaxAttempts: 3, MaxWait: time.Second}, nil), store
}

func TestRelayLogin(t *testing.T) {
	ctx := context.Background()
	relay, store := newRelay(&fakeCopier{})

	r, err := relay.Login(ctx, user, "")
	require.NoError(t, err)
	assert.Equal(t, msgRelayLoginUse, r.Text)

	r, err = relay.Login(ctx, user, "wrong")
	require.NoError(t, err)
	assert.Equal(t, msgRelayLoginBad, r.Text)

	r, err = relay.Login(ctx, user, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, msgRelayLoginOK, r.Text)

	u, err := store.GetUser(ctx, user)
	require.NoError(t, err)
	assert.True(t, u.CanRelay())
}

func TestRelayLogin_BannedStaysBanned(t *testing.T) {
	ctx := context.Background()
	relay, store := newRelay(&fakeCopier{})
	require.NoError(t, store.SetUserStatus(ctx, user, domain.StatusBanned))

	r, err := relay.Login(ctx, user, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, msgBanned, r.Text)

	u, err := store.GetUser(ctx, user)
	require.NoError(t, err)
	assert.True(t, u.IsBanned())
	assert.False(t, u.CanRelay())
}

func TestRelaySave(t *testing.T) {
	ctx := context.Background()

	t.Run("requires login", func(t *testing.T) {
		relay, _ := newRelay(&fakeCopier{})
		r, err := relay.Save(ctx, user, user, "https://t.me/durov_channel/1")
		require.NoError(t, err)
		assert.Equal(t, msgRelayNeedLogin, r.Text)
	})

	tests := []struct {
		name  string
		args  string
		errs  []error
		want  string
		calls int
	}{
		{name: "usage", args: "", want: msgRelaySaveUse},
		{name: "bad link", args: "https://t.me/x", want: msgRelayBadLink},
		{name: "saved", args: "https://t.me/durov_channel/1", want: msgRelaySaved, calls: 1},
		{name: "forbidden", args: "https://t.me/c/123/1", errs: []error{errors.New("Bad Request: chat not found")}, want: msgRelayForbidden, calls: 1},
		{name: "admin required", args: "https://t.me/c/123/1", errs: []error{errors.New("CHAT_ADMIN_REQUIRED")}, want: msgRelayForbidden, calls: 1},
		{name: "other", args: "https://t.me/c/123/1", errs: []error{errors.New("Bad Request: message to copy not found")}, want: msgRelayFailed, calls: 1},
		{
			name:  "flood wait retried",
			args:  "https://t.me/durov_channel/1",
			errs:  []error{&floodwait.Error{Wait: time.Millisecond}},
			want:  msgRelaySaved,
			calls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			copier := &fakeCopier{errs: tt.errs}
			relay, _ := newRelay(copier)
			_, err := relay.Login(ctx, user, "s3cret")
			require.NoError(t, err)

			waits := 0
			relay.OnFloodWait(func(context.Context, int64, time.Duration) { waits++ })

			r, err := relay.Save(ctx, user, user, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Text)
			assert.Len(t, copier.calls, tt.calls)
			assert.Equal(t, tt.calls-min(tt.calls, 1), waits)
		})
	}
}
