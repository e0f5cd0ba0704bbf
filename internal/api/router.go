package api

import (
	"context"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/codesense/codesense/internal/auth"
	"github.com/codesense/codesense/internal/cache"
	"github.com/codesense/codesense/internal/campaign"
	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/metrics"
	"github.com/codesense/codesense/internal/templates"
)

// Campaigns is implemented by *campaign.Service.
type Campaigns interface {
	SubmitBulk(ctx context.Context, admin campaign.Admin, req campaign.BulkRequest) (campaign.Submitted, error)
	SubmitAll(ctx context.Context, admin campaign.Admin, req campaign.AllRequest) (campaign.Submitted, error)
	TaskStatus(ctx context.Context, taskID string) celery.Result
	List(ctx context.Context, limit int) ([]campaign.Campaign, error)
	Update(ctx context.Context, id string, p campaign.Patch) (campaign.Campaign, error)
}

type Templates interface {
	All() []templates.Template
}

type BulkLimit struct {
	Limit  int
	Window time.Duration
}

// Deps wires the router. Auth may be nil to serve only admin routes.
type Deps struct {
	Campaigns Campaigns
	Templates Templates
	Validator *auth.Validator
	Auth      *auth.Handlers
	Limiter   *cache.RateLimiter
	BulkLimit BulkLimit
	Log       *logging.Logger
}

type server struct {
	campaigns Campaigns
	templates Templates
	log       *logging.Logger
}

type ctxKey struct{}

func pathParam(r *http.Request, name string) string {
	params, _ := r.Context().Value(ctxKey{}).(map[string]string)
	return params[name]
}

type middleware func(http.Handler) http.Handler

type route struct {
	method, pattern, label string
	h                      http.HandlerFunc
	mw                     []middleware
}

// NewRouter registers every API route on a grpc-gateway ServeMux.
func NewRouter(d Deps) (http.Handler, error) {
	if d.Log == nil {
		d.Log = logging.New("codesense")
	}
	if d.BulkLimit.Limit <= 0 {
		d.BulkLimit.Limit = 10
	}
	if d.BulkLimit.Window <= 0 {
		d.BulkLimit.Window = time.Hour
	}
	s := &server{campaigns: d.Campaigns, templates: d.Templates, log: d.Log}

	mux := runtime.NewServeMux(runtime.WithRoutingErrorHandler(routingError))

	admin := []middleware{d.Validator.HTTPMiddleware, auth.RequireAdmin}
	limited := append(admin[:len(admin):len(admin)],
		cache.RateLimit(d.Limiter, adminKey, d.BulkLimit.Limit, d.BulkLimit.Window,
			"Too many bulk email requests. Please try again later."))

	routes := []route{
		{"POST", "/api/admin/email/bulk", "email_bulk", s.bulk, limited},
		{"POST", "/api/admin/email/all", "email_all", s.all, limited},
		{"GET", "/api/admin/email/campaigns", "campaigns_list", s.listCampaigns, admin},
		{"PATCH", "/api/admin/email/campaigns/{id}", "campaigns_update", s.updateCampaign, admin},
		{"GET", "/api/admin/email/task/{taskId}", "task_status", s.taskStatus, admin},
		{"GET", "/api/admin/email/templates", "templates", s.listTemplates, admin},
	}
	if d.Auth != nil {
		routes = append(routes, []route{
			{"POST", "/api/auth/signup", "auth_signup", d.Auth.Signup, nil},
			{"POST", "/api/auth/login", "auth_login", d.Auth.Login, nil},
			{"POST", "/api/auth/logout", "auth_logout", d.Auth.Logout, nil},
			{"GET", "/api/auth/session", "auth_session", d.Auth.Session, nil},
		}...)
	}

	for _, rt := range routes {
		var h http.Handler = rt.h
		for i := len(rt.mw) - 1; i >= 0; i-- {
			h = rt.mw[i](h)
		}
		h = metrics.InstrumentRoute(rt.label, h)
		if err := mux.HandlePath(rt.method, rt.pattern, withParams(h)); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func withParams(h http.Handler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, params)))
	}
}

// adminKey limits bulk sends per admin.
func adminKey(r *http.Request) (string, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return "", false
	}
	return "bulk:" + p.UserID, true
}

func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, code int) {
	switch code {
	case http.StatusMethodNotAllowed:
		writeError(w, code, "Method not allowed")
	case http.StatusBadRequest:
		writeError(w, code, "Bad request")
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}
