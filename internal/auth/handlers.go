package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/codesense/codesense/internal/cache"
	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/tracing"
	"github.com/codesense/codesense/internal/users"
)

type UserStore interface {
	Create(ctx context.Context, u users.User) (users.User, error)
	GetByID(ctx context.Context, id string) (users.User, error)
	GetByEmail(ctx context.Context, email string) (users.User, error)
}

// SessionCache is implemented by *cache.Cache.
type SessionCache interface {
	SetUserSession(ctx context.Context, userID string, s cache.Session, ttl time.Duration) bool
	GetUserSession(ctx context.Context, userID string) (cache.Session, bool)
	DeleteUserSession(ctx context.Context, userID string) bool
	CacheUserData(ctx context.Context, userID string, p cache.UserProfile, ttl time.Duration) bool
	InvalidateUserCache(ctx context.Context, userID string) bool
}

type Limiter interface {
	Allow(ctx context.Context, identifier string, limit int, window time.Duration) cache.Decision
}

// Mailer queues e-mail tasks without waiting for the broker.
type Mailer interface {
	SendAsync(ctx context.Context, p celery.Payload, opts ...celery.SendOption) string
}

type HandlerOptions struct {
	SessionTTL  time.Duration
	UserDataTTL time.Duration
	LoginLimit  int
	LoginWindow time.Duration
}

// Handlers serves signup, login, logout and session lookups.
type Handlers struct {
	users     UserStore
	sessions  SessionCache
	limiter   Limiter
	mailer    Mailer
	issuer    *Issuer
	validator *Validator
	opts      HandlerOptions
	log       *logging.Logger
}

func NewHandlers(us UserStore, sc SessionCache, l Limiter, m Mailer, iss *Issuer, v *Validator, opts HandlerOptions, log *logging.Logger) *Handlers {
	if opts.LoginLimit <= 0 {
		opts.LoginLimit = 5
	}
	if opts.LoginWindow <= 0 {
		opts.LoginWindow = 15 * time.Minute
	}
	if log == nil {
		log = logging.New("codesense")
	}
	return &Handlers{users: us, sessions: sc, limiter: l, mailer: m, issuer: iss, validator: v, opts: opts, log: log}
}

type userView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type tokenResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

func viewOf(u users.User) userView {
	return userView{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "auth.signup")
	defer span.End()

	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// admins are promoted by an operator, never self-assigned
	u, err := users.NewUser(req.Name, req.Email, req.Password, users.RoleUser)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err = h.users.Create(ctx, u)
	if errors.Is(err, users.ErrEmailTaken) {
		writeError(w, http.StatusBadRequest, "Email already registered")
		return
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithError(err).Error("signup failed")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	resp, ok := h.startSession(ctx, w, u)
	if !ok {
		return
	}

	taskID := h.mailer.SendAsync(ctx, celery.WelcomeEmail{Email: u.Email, Name: u.Name})
	h.log.WithContext(ctx).WithUser(u.ID).WithTask(taskID).Info("welcome email queued")

	writeJSON(w, http.StatusOK, resp)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "auth.login")
	defer span.End()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if d := h.limiter.Allow(ctx, "login:"+email, h.opts.LoginLimit, h.opts.LoginWindow); !d.Allowed {
		cache.WriteLimited(w, d, "Too many login attempts. Please try again later.")
		return
	}

	u, err := h.users.GetByEmail(ctx, email)
	if errors.Is(err, users.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithError(err).Error("login lookup failed")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if err := users.CheckPassword(u.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}

	resp, ok := h.startSession(ctx, w, u)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// startSession issues a token and caches the session and profile. Cache
// failures are logged by the cache and do not fail the request.
func (h *Handlers) startSession(ctx context.Context, w http.ResponseWriter, u users.User) (tokenResponse, bool) {
	token, err := h.issuer.Issue(u.ID, u.Role)
	if err != nil {
		h.log.WithContext(ctx).WithUser(u.ID).WithError(err).Error("issue token")
		writeError(w, http.StatusInternalServerError, "Server error")
		return tokenResponse{}, false
	}

	h.sessions.SetUserSession(ctx, u.ID, cache.Session{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		Token:     token,
	}, h.opts.SessionTTL)
	h.sessions.CacheUserData(ctx, u.ID, profileOf(u), h.opts.UserDataTTL)

	return tokenResponse{Token: token, User: viewOf(u)}, true
}

func profileOf(u users.User) cache.UserProfile {
	p := cache.UserProfile{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
	if !u.CreatedAt.IsZero() {
		created := u.CreatedAt
		p.CreatedAt = &created
	}
	return p
}

// Logout drops the cached session. It always succeeds.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	msg := "Logged out"
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		if p, err := h.validator.ValidateToken(token); err == nil {
			h.sessions.DeleteUserSession(r.Context(), p.UserID)
			h.sessions.InvalidateUserCache(r.Context(), p.UserID)
			msg = "Logged out successfully"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// Session returns the caller's session from the cache, falling back to the
// database and re-caching the profile.
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "No token provided")
		return
	}
	p, err := h.validator.ValidateToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	if s, ok := h.sessions.GetUserSession(ctx, p.UserID); ok {
		writeJSON(w, http.StatusOK, map[string]any{"user": userView{
			ID: s.ID, Name: s.Name, Email: s.Email, Role: s.Role, CreatedAt: s.CreatedAt,
		}})
		return
	}

	u, err := h.users.GetByID(ctx, p.UserID)
	if errors.Is(err, users.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.log.WithContext(ctx).WithUser(p.UserID).WithError(err).Error("session lookup failed")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	h.sessions.CacheUserData(ctx, u.ID, profileOf(u), h.opts.UserDataTTL)
	writeJSON(w, http.StatusOK, map[string]any{"user": viewOf(u)})
}
