package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropzone/dropzone/internal/apperr"
	"github.com/dropzone/dropzone/internal/config"
	"github.com/dropzone/dropzone/internal/model"
)

type fakeStore struct {
	instances map[int64]model.Instance
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{instances: map[int64]model.Instance{}}
}

func (f *fakeStore) CreateInstanceForUser(ctx context.Context, draft model.Draft, userID int64, maxInstances int) (model.Instance, error) {
	count := 0
	for _, inst := range f.instances {
		if inst.UserID == userID && inst.Status == model.StatusRunning {
			count++
		}
	}
	if count >= maxInstances {
		return model.Instance{}, apperr.BadRequest("instance quota exceeded")
	}

	f.nextID++
	inst := model.Instance{
		ID: f.nextID, TaskName: draft.TaskName, UserID: userID, Container: draft.Container,
		CreatedAt: time.Now(), ExpiresAt: draft.ExpiresAt, Status: model.StatusRunning,
		Endpoint: draft.Endpoint, Port: draft.Port,
	}
	f.instances[inst.ID] = inst
	return inst, nil
}

func (f *fakeStore) FindInstanceByID(ctx context.Context, id int64) (*model.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (f *fakeStore) ListInstancesForUser(ctx context.Context, userID int64) ([]model.Instance, error) {
	var out []model.Instance
	for _, inst := range f.instances {
		if inst.UserID == userID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateInstance(ctx context.Context, id int64, status model.InstanceStatus, expiresAt time.Time) error {
	inst, ok := f.instances[id]
	if !ok {
		return apperr.New(apperr.KindStorage, "instance not found")
	}
	inst.Status = status
	inst.ExpiresAt = expiresAt
	f.instances[id] = inst
	return nil
}

type fakeDeployer struct {
	deployErr error
}

func (f *fakeDeployer) Deploy(ctx context.Context, taskName string) (model.Draft, error) {
	if f.deployErr != nil {
		return model.Draft{}, f.deployErr
	}
	return model.Draft{TaskName: taskName, Container: "container-1", ExpiresAt: time.Now().Add(time.Hour), Endpoint: "http://example.test"}, nil
}
func (f *fakeDeployer) Stop(ctx context.Context, inst model.Instance)           {}
func (f *fakeDeployer) Restart(ctx context.Context, inst model.Instance) error  { return nil }
func (f *fakeDeployer) Extend(ctx context.Context, inst model.Instance, extraSecs int64) error {
	return nil
}

type fakeSessions struct {
	users map[string]*model.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{users: map[string]*model.User{}}
}

func (f *fakeSessions) IssueToken(ctx context.Context, username string) (string, time.Time, error) {
	u, ok := f.users[username]
	if !ok {
		u = &model.User{ID: int64(len(f.users) + 1), Username: username, CreatedAt: time.Now()}
		f.users[username] = u
	}
	return "token-" + username, time.Now().Add(time.Hour), nil
}

func (f *fakeSessions) Authenticate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperr.BadRequest("missing token")
	}
	for username, u := range f.users {
		if token == "token-"+username {
			return u, nil
		}
	}
	return nil, apperr.BadRequest("invalid token")
}

type fakeCaptcha struct {
	fail bool
}

func (f *fakeCaptcha) Verify(ctx context.Context, responseToken string) error {
	if f.fail {
		return apperr.BadRequest("captcha rejected")
	}
	return nil
}

func newTestGateway() (*Gateway, *fakeStore, *fakeSessions) {
	store := newFakeStore()
	sessions := newFakeSessions()
	cfg := &config.Config{
		Sessions: config.SessionsConfig{MaxInstances: 2},
		Ports:    config.PortsConfig{ExtendTimeSecs: 300, DefaultTTLSecs: 3600},
		Tasks: map[string]config.TaskConfig{
			"_default": {Protocol: "http", ContainerPort: 8080},
			"pwn-one":  {Protocol: "http", ContainerPort: 8080},
		},
	}
	g := New(store, &fakeDeployer{}, sessions, &fakeCaptcha{}, nil, nil, cfg, slog.Default())
	return g, store, sessions
}

func router(g *Gateway) http.Handler {
	r := chi.NewRouter()
	g.Mount(r)
	return r
}

func issueToken(t *testing.T, sessions *fakeSessions, username string) string {
	t.Helper()
	token, _, err := sessions.IssueToken(context.Background(), username)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func TestHandleTokenIssuesToken(t *testing.T) {
	g, _, _ := newTestGateway()
	body, _ := json.Marshal(TokenRequest{Username: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestHandleDeployRejectsMissingToken(t *testing.T) {
	g, _, _ := newTestGateway()
	body, _ := json.Marshal(DeployRequest{Task: "pwn-one", CaptchaToken: "good"})
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeployRejectsFailedCaptchaBeforeQuota(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	cfg := &config.Config{
		Sessions: config.SessionsConfig{MaxInstances: 0},
		Tasks:    map[string]config.TaskConfig{"_default": {Protocol: "http", ContainerPort: 8080}},
	}
	g := New(store, &fakeDeployer{}, sessions, &fakeCaptcha{fail: true}, nil, nil, cfg, slog.Default())

	token := issueToken(t, sessions, "alice")
	body, _ := json.Marshal(DeployRequest{Task: "pwn-one", CaptchaToken: "bad"})
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a failed captcha, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeploySucceeds(t *testing.T) {
	g, store, sessions := newTestGateway()
	token := issueToken(t, sessions, "alice")

	body, _ := json.Marshal(DeployRequest{Task: "pwn-one", CaptchaToken: "good"})
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.instances) != 1 {
		t.Fatalf("expected 1 persisted instance, got %d", len(store.instances))
	}
}

func TestHandleStopRejectsNonOwner(t *testing.T) {
	g, store, sessions := newTestGateway()
	store.instances[1] = model.Instance{ID: 1, UserID: 42, Status: model.StatusRunning, ExpiresAt: time.Now().Add(time.Hour)}
	token := issueToken(t, sessions, "mallory")

	body, _ := json.Marshal(ActionRequest{InstanceID: 1})
	req := httptest.NewRequest(http.MethodPost, "/stop", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-owner stop, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStopSucceedsForOwner(t *testing.T) {
	g, store, sessions := newTestGateway()
	token := issueToken(t, sessions, "alice")

	// The token mints the user row; seed an instance owned by that same user.
	var ownerID int64
	for _, u := range sessions.users {
		if u.Username == "alice" {
			ownerID = u.ID
		}
	}
	staleExpiry := time.Now().Add(time.Hour)
	store.instances[1] = model.Instance{ID: 1, UserID: ownerID, Status: model.StatusRunning, ExpiresAt: staleExpiry}

	body, _ := json.Marshal(ActionRequest{InstanceID: 1})
	req := httptest.NewRequest(http.MethodPost, "/stop", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.instances[1].Status != model.StatusStopped {
		t.Fatalf("expected instance to be marked stopped, got %q", store.instances[1].Status)
	}
	if !store.instances[1].ExpiresAt.Before(staleExpiry) {
		t.Fatalf("expected expires_at to be reset to now, still at stale value %v", store.instances[1].ExpiresAt)
	}
}

func TestHandleRestartExtendsToDefaultTTLFromNow(t *testing.T) {
	g, store, sessions := newTestGateway()
	token := issueToken(t, sessions, "alice")

	var ownerID int64
	for _, u := range sessions.users {
		if u.Username == "alice" {
			ownerID = u.ID
		}
	}
	store.instances[1] = model.Instance{ID: 1, UserID: ownerID, Status: model.StatusStopped, ExpiresAt: time.Now().Add(-time.Hour)}

	body, _ := json.Marshal(ActionRequest{InstanceID: 1})
	req := httptest.NewRequest(http.MethodPost, "/restart", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.instances[1].Status != model.StatusRunning {
		t.Fatalf("expected instance to be marked running, got %q", store.instances[1].Status)
	}
	if !store.instances[1].ExpiresAt.After(time.Now()) {
		t.Fatalf("expected expires_at to be reset to now + default TTL, got %v", store.instances[1].ExpiresAt)
	}
}

func TestHandleExtendAddsTimeFromNowNotFromStaleExpiry(t *testing.T) {
	g, store, sessions := newTestGateway()
	token := issueToken(t, sessions, "alice")

	var ownerID int64
	for _, u := range sessions.users {
		if u.Username == "alice" {
			ownerID = u.ID
		}
	}
	staleExpiry := time.Now().Add(-24 * time.Hour)
	store.instances[1] = model.Instance{ID: 1, UserID: ownerID, Status: model.StatusRunning, ExpiresAt: staleExpiry}

	body, _ := json.Marshal(ActionRequest{InstanceID: 1})
	req := httptest.NewRequest(http.MethodPost, "/extend", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	// extend_time_secs is 300 in the test config; from-now math must land
	// roughly 5 minutes out, not 5 minutes past the stale expiry above.
	if !store.instances[1].ExpiresAt.After(time.Now()) {
		t.Fatalf("expected expires_at to be in the future relative to now, got %v", store.instances[1].ExpiresAt)
	}
	if store.instances[1].ExpiresAt.Sub(staleExpiry) < 24*time.Hour {
		t.Fatalf("expected extend to compute from now, not from the stale expiry %v", staleExpiry)
	}
}

func TestHandleListTasksExcludesDefault(t *testing.T) {
	g, _, sessions := newTestGateway()
	token := issueToken(t, sessions, "alice")

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router(g).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tasks []TaskInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	for _, task := range tasks {
		if task.Name == "_default" {
			t.Fatal("expected _default to be excluded from the task listing")
		}
	}
	if len(tasks) != 1 || tasks[0].Name != "pwn-one" {
		t.Fatalf("expected only pwn-one, got %+v", tasks)
	}
}
