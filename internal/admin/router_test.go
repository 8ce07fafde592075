package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/service"
	"github.com/tazhate/repobot/internal/storage/memory"
)

const adminID = int64(1)

func setup(t *testing.T, withConsole bool) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, id := range []int64{adminID, 7} {
		_, err := store.EnsureUser(context.Background(), id)
		require.NoError(t, err)
	}

	deps := Deps{
		Users: service.NewUserService(store, []int64{adminID}, 0),
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("repobot_updates_total 1"))
		}),
	}
	if withConsole {
		deps.Username = "admin"
		deps.Password = "hunter2"
	}
	return NewRouter(deps), store
}

func do(h http.Handler, method, target string, form url.Values, auth bool) *httptest.ResponseRecorder {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth {
		req.SetBasicAuth("admin", "hunter2")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthMetricsWebhook(t *testing.T) {
	h, _ := setup(t, false)

	rec := do(h, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(h, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "repobot_updates_total")

	rec = do(h, http.MethodPost, "/bot", nil, false)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestConsoleNotMountedWithoutCredentials(t *testing.T) {
	h, _ := setup(t, false)

	rec := do(h, http.MethodGet, "/admin", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsoleRequiresBasicAuth(t *testing.T) {
	h, _ := setup(t, true)

	rec := do(h, http.MethodGet, "/admin", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConsolePageListsUsers(t *testing.T) {
	h, _ := setup(t, true)

	rec := do(h, http.MethodGet, "/admin/", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Users (2)")
	assert.Contains(t, body, `value="7"`)
	assert.NotContains(t, body, `action="/admin/ban"><input type="hidden" name="user_id" value="1"`)
}

func TestConsoleBanUnban(t *testing.T) {
	ctx := context.Background()
	h, store := setup(t, true)

	rec := do(h, http.MethodPost, "/admin/ban", url.Values{"user_id": {"7"}}, true)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin", rec.Header().Get("Location"))

	u, err := store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBanned, u.Status)

	rec = do(h, http.MethodPost, "/admin/unban", url.Values{"user_id": {"7"}}, true)
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	u, err = store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, u.Status)
}

func TestConsoleRejectsBadInput(t *testing.T) {
	h, _ := setup(t, true)

	rec := do(h, http.MethodPost, "/admin/ban", url.Values{"user_id": {"abc"}}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/admin/ban", url.Values{"user_id": {"1"}}, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConsoleUsersAPI(t *testing.T) {
	h, _ := setup(t, true)

	rec := do(h, http.MethodGet, "/admin/api/users", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool           `json:"success"`
		Data    []UserResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 2)

	byID := map[int64]UserResponse{}
	for _, u := range resp.Data {
		byID[u.ID] = u
	}
	assert.True(t, byID[adminID].Admin)
	assert.Equal(t, "active", byID[7].Status)
}
