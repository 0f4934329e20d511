// Package gateway implements the external request API: token issuance,
// deploy/stop/restart/extend, and read-only instance/task listings.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropzone/dropzone/internal/apperr"
	"github.com/dropzone/dropzone/internal/auth"
	"github.com/dropzone/dropzone/internal/config"
	"github.com/dropzone/dropzone/internal/httpserver"
	"github.com/dropzone/dropzone/internal/model"
	"github.com/dropzone/dropzone/internal/notify"
)

// Store is the subset of store.Store the gateway needs.
type Store interface {
	CreateInstanceForUser(ctx context.Context, draft model.Draft, userID int64, maxInstances int) (model.Instance, error)
	FindInstanceByID(ctx context.Context, id int64) (*model.Instance, error)
	ListInstancesForUser(ctx context.Context, userID int64) ([]model.Instance, error)
	UpdateInstance(ctx context.Context, id int64, status model.InstanceStatus, expiresAt time.Time) error
}

// Deployer is the subset of deployer.Deployer the gateway needs.
type Deployer interface {
	Deploy(ctx context.Context, taskName string) (model.Draft, error)
	Stop(ctx context.Context, inst model.Instance)
	Restart(ctx context.Context, inst model.Instance) error
	Extend(ctx context.Context, inst model.Instance, extraSecs int64) error
}

// Sessions is the subset of auth.Sessions the gateway needs.
type Sessions interface {
	IssueToken(ctx context.Context, username string) (string, time.Time, error)
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

// Captcha is the subset of auth.CaptchaVerifier the gateway needs.
type Captcha interface {
	Verify(ctx context.Context, responseToken string) error
}

// Gateway holds the dependencies for the HTTP request API.
type Gateway struct {
	store       Store
	deployer    Deployer
	sessions    Sessions
	captcha     Captcha
	notifier    *notify.Notifier
	rateLimiter *auth.RateLimiter
	cfg         *config.Config
	logger      *slog.Logger
}

// New creates a Gateway. rateLimiter may be nil, disabling per-IP token
// issuance throttling.
func New(store Store, deployer Deployer, sessions Sessions, captcha Captcha, notifier *notify.Notifier, rateLimiter *auth.RateLimiter, cfg *config.Config, logger *slog.Logger) *Gateway {
	return &Gateway{store: store, deployer: deployer, sessions: sessions, captcha: captcha, notifier: notifier, rateLimiter: rateLimiter, cfg: cfg, logger: logger}
}

// Mount attaches the gateway's routes onto r.
func (g *Gateway) Mount(r chi.Router) {
	r.Post("/token", g.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth)
		r.Post("/deploy", g.handleDeploy)
		r.Post("/stop", g.handleStop)
		r.Post("/restart", g.handleRestart)
		r.Post("/extend", g.handleExtend)
		r.Get("/instances", g.handleListInstances)
		r.Get("/tasks", g.handleListTasks)
	})
}

func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !asAppErr(err, &appErr) {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	switch appErr.Kind {
	case apperr.KindBadRequest:
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", appErr.Message)
	case apperr.KindForbidden:
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", appErr.Message)
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", appErr.Message)
	}
}

func asAppErr(err error, target **apperr.Error) bool {
	for err != nil {
		if ae, ok := err.(*apperr.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
