package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/service"
)

type UserManager interface {
	List(ctx context.Context) ([]*domain.User, error)
	Ban(ctx context.Context, id int64) error
	Unban(ctx context.Context, id int64) error
	IsAdmin(id int64) bool
}

// Deps collects what the HTTP surface serves. Webhook and Metrics may be
// nil; the console is mounted only when both credentials are set.
type Deps struct {
	Users    UserManager
	Webhook  http.Handler
	Metrics  http.Handler
	Username string
	Password string
}

type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type UserResponse struct {
	ID          int64  `json:"id"`
	Status      string `json:"status"`
	Admin       bool   `json:"admin"`
	RelayAccess bool   `json:"relay_access"`
	CreatedAt   string `json:"created_at"`
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Webhook != nil {
		r.Method(http.MethodPost, "/bot", deps.Webhook)
	}

	if deps.Username != "" && deps.Password != "" {
		c := &console{users: deps.Users}
		r.Route("/admin", func(r chi.Router) {
			r.Use(basicAuth(deps.Username, deps.Password))
			r.Get("/", c.page)
			r.Post("/ban", c.setStatus(deps.Users.Ban))
			r.Post("/unban", c.setStatus(deps.Users.Unban))
			r.Get("/api/users", c.apiUsers)
		})
	}

	return r
}

func basicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="Repobot Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

type console struct {
	users UserManager
}

type userRow struct {
	ID          int64
	Banned      bool
	Admin       bool
	RelayAccess bool
	CreatedAt   string
}

var pageTmpl = template.Must(template.New("admin").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Repobot Admin</title></head>
<body>
<h1>Users ({{len .}})</h1>
<table border="1" cellpadding="4">
<tr><th>ID</th><th>Status</th><th>Role</th><th>Relay</th><th>Since</th><th></th></tr>
{{range .}}<tr>
<td>{{.ID}}</td>
<td>{{if .Banned}}banned{{else}}active{{end}}</td>
<td>{{if .Admin}}admin{{end}}</td>
<td>{{if .RelayAccess}}yes{{end}}</td>
<td>{{.CreatedAt}}</td>
<td>{{if .Banned}}<form method="post" action="/admin/unban"><input type="hidden" name="user_id" value="{{.ID}}"><button>Unban</button></form>
{{else if not .Admin}}<form method="post" action="/admin/ban"><input type="hidden" name="user_id" value="{{.ID}}"><button>Ban</button></form>{{end}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))

func (c *console) page(w http.ResponseWriter, r *http.Request) {
	users, err := c.users.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("List users failed")
		http.Error(w, "failed to list users", http.StatusInternalServerError)
		return
	}

	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		rows = append(rows, userRow{
			ID:          u.ID,
			Banned:      u.IsBanned(),
			Admin:       c.users.IsAdmin(u.ID),
			RelayAccess: u.RelayAccess,
			CreatedAt:   u.CreatedAt.Format("2006-01-02 15:04"),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTmpl.Execute(w, rows); err != nil {
		log.Error().Err(err).Msg("Render admin page failed")
	}
}

func (c *console) setStatus(apply func(ctx context.Context, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.FormValue("user_id"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		if err := apply(r.Context(), id); err != nil {
			if errors.Is(err, service.ErrCannotBanAdmin) {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			log.Error().Err(err).Int64("user_id", id).Msg("Update user status failed")
			http.Error(w, "failed to update user", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/admin", http.StatusSeeOther)
	}
}

// GET /admin/api/users
func (c *console) apiUsers(w http.ResponseWriter, r *http.Request) {
	users, err := c.users.List(r.Context())
	if err != nil {
		jsonError(w, "failed to list users", http.StatusInternalServerError)
		return
	}

	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, UserResponse{
			ID:          u.ID,
			Status:      string(u.Status),
			Admin:       c.users.IsAdmin(u.ID),
			RelayAccess: u.RelayAccess,
			CreatedAt:   u.CreatedAt.Format(time.RFC3339),
		})
	}
	jsonResponse(w, out)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: msg})
}
