package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/dropzone/dropzone/internal/apperr"
	"github.com/dropzone/dropzone/internal/httpserver"
	"github.com/dropzone/dropzone/internal/model"
)

type callerKey struct{}

// requireAuth validates the Authorization: Bearer <token> header and injects
// the owning user into the request context.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, err := g.sessions.Authenticate(r.Context(), token)
		if err != nil {
			writeAppError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func callerFromContext(ctx context.Context) *model.User {
	u, _ := ctx.Value(callerKey{}).(*model.User)
	return u
}

// handleToken issues or reuses a bearer token for the given username. There
// is no password: possession of a username is sufficient, matching the
// CTF-practice threat model where accounts are disposable and unauthenticated
// up front — the token itself is what gates every other route.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ip := httpserver.ClientIP(r)
	if g.rateLimiter != nil {
		result, err := g.rateLimiter.Check(r.Context(), ip)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !result.Allowed {
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many token requests, try again later")
			return
		}
	}

	token, expiresAt, err := g.sessions.IssueToken(r.Context(), req.Username)
	if err != nil {
		if g.rateLimiter != nil {
			_ = g.rateLimiter.Record(r.Context(), ip)
		}
		writeAppError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// handleDeploy verifies the CAPTCHA, builds and starts a container for the
// requested task, and persists the resulting instance under the caller's
// quota. CAPTCHA verification runs before the quota check so a captcha
// failure never consumes a quota slot.
func (g *Gateway) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	caller := callerFromContext(r.Context())

	if err := g.captcha.Verify(r.Context(), req.CaptchaToken); err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "captcha_failed", "captcha verification failed")
		return
	}

	draft, err := g.deployer.Deploy(r.Context(), req.Task)
	if err != nil {
		writeAppError(w, err)
		return
	}

	inst, err := g.store.CreateInstanceForUser(r.Context(), draft, caller.ID, g.cfg.Sessions.MaxInstances)
	if err != nil {
		g.deployer.Stop(r.Context(), model.Instance{
			ID: 0, TaskName: draft.TaskName, UserID: caller.ID, Container: draft.Container,
			ExpiresAt: draft.ExpiresAt, Status: model.StatusRunning, Endpoint: draft.Endpoint, Port: draft.Port,
		})
		writeAppError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, instanceResponse(inst))
}

func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request) {
	g.withOwnedInstance(w, r, func(inst model.Instance) {
		g.deployer.Stop(r.Context(), inst)
		if err := g.store.UpdateInstance(r.Context(), inst.ID, model.StatusStopped, time.Now()); err != nil {
			writeAppError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusNoContent, nil)
	})
}

func (g *Gateway) handleRestart(w http.ResponseWriter, r *http.Request) {
	g.withOwnedInstance(w, r, func(inst model.Instance) {
		if err := g.deployer.Restart(r.Context(), inst); err != nil {
			writeAppError(w, err)
			return
		}
		newExpiry := time.Now().Add(time.Duration(g.cfg.Ports.DefaultTTLSecs) * time.Second)
		if err := g.store.UpdateInstance(r.Context(), inst.ID, model.StatusRunning, newExpiry); err != nil {
			writeAppError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusNoContent, nil)
	})
}

func (g *Gateway) handleExtend(w http.ResponseWriter, r *http.Request) {
	g.withOwnedInstance(w, r, func(inst model.Instance) {
		extraSecs := int64(g.cfg.Ports.ExtendTimeSecs)
		if err := g.deployer.Extend(r.Context(), inst, extraSecs); err != nil {
			writeAppError(w, err)
			return
		}
		newExpiry := time.Now().Add(time.Duration(extraSecs) * time.Second)
		if err := g.store.UpdateInstance(r.Context(), inst.ID, inst.Status, newExpiry); err != nil {
			writeAppError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusNoContent, nil)
	})
}

// withOwnedInstance decodes an ActionRequest, loads the instance, and rejects
// the request with 403 if the caller does not own it.
func (g *Gateway) withOwnedInstance(w http.ResponseWriter, r *http.Request, fn func(model.Instance)) {
	var req ActionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	caller := callerFromContext(r.Context())

	inst, err := g.store.FindInstanceByID(r.Context(), req.InstanceID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if inst == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	if inst.UserID != caller.ID {
		writeAppError(w, apperr.Forbidden("you do not own this instance"))
		return
	}

	fn(*inst)
}

func (g *Gateway) handleListInstances(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())

	instances, err := g.store.ListInstancesForUser(r.Context(), caller.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	items := make([]InstanceListItem, 0, len(instances))
	for _, inst := range instances {
		items = append(items, InstanceListItem{
			ID:            inst.ID,
			TaskName:      inst.TaskName,
			ExpiresInSecs: secsUntil(inst.ExpiresAt),
			Endpoint:      inst.Endpoint,
			Status:        string(inst.Status),
		})
	}

	httpserver.Respond(w, http.StatusOK, items)
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := make([]TaskInfo, 0, len(g.cfg.Tasks))
	for name, t := range g.cfg.Tasks {
		if name == "_default" {
			continue
		}
		tasks = append(tasks, TaskInfo{Name: name, Protocol: t.Protocol, ContainerPort: t.ContainerPort})
	}

	httpserver.Respond(w, http.StatusOK, tasks)
}

func instanceResponse(inst model.Instance) InstanceResponse {
	return InstanceResponse{
		ID:        inst.ID,
		TaskName:  inst.TaskName,
		Container: inst.Container,
		UserID:    inst.UserID,
		CreatedAt: inst.CreatedAt,
		ExpiresAt: inst.ExpiresAt,
		Status:    string(inst.Status),
		Endpoint:  inst.Endpoint,
		Port:      inst.Port,
	}
}

func secsUntil(t time.Time) int64 {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}
