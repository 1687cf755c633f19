package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reservation-engine/auth"
	"reservation-engine/cache"
	"reservation-engine/coordination/application"
	"reservation-engine/coordination/domain"
	"reservation-engine/coordination/infra"
	"reservation-engine/httpapi"
	"reservation-engine/logger"
	"reservation-engine/middleware/idempotency"
	"reservation-engine/queue"
	"reservation-engine/repository/memory"
	"reservation-engine/reservation"
	"reservation-engine/store"
	"reservation-engine/telemetry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testEmail    = "ana@example.com"
	testPassword = "correct horse battery staple"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []recorded
}

type recorded struct {
	queue, name string
	payload     any
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, queueName, jobName string, payload any, _ ...queue.JobOption) (*queue.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, recorded{queue: queueName, name: jobName, payload: payload})
	return &queue.Job{ID: "mail-1", Queue: queueName, Name: jobName}, nil
}

func (e *recordingEnqueuer) last() recorded {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[len(e.jobs)-1]
}

type fixture struct {
	mr      *miniredis.Miniredis
	handler http.Handler
	mails   *recordingEnqueuer
	stats   *infra.MemoryStatsStore
}

func newFixture(t *testing.T, protect ...func(http.Handler) http.Handler) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := store.NewFromClients(rdb, nil)

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := memory.New()
	users.PutUser(auth.User{ID: "u1", Email: testEmail, PasswordHash: hash, CreatedAt: time.Now()})

	c := cache.New(rdb, logger.Nop())
	manager, err := auth.NewManager(users, c, infra.NewRedisRateLimiter(rdb), auth.DefaultConfig([]byte("test-secret-with-enough-bytes")))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	runtime := queue.NewRuntime(client, nil, logger.Nop())
	validator := reservation.NewJobHandler(nil, users, application.LockService{})
	mails := &recordingEnqueuer{}
	stats := infra.NewMemoryStatsStore()

	h := httpapi.New(httpapi.Options{
		Health:       httpapi.NewHealthHandler(client, nil),
		Reservations: httpapi.NewReservationHandler(runtime, validator, nil),
		Auth:         httpapi.NewAuthHandler(manager, mails, nil),
		Metrics:      telemetry.NewMetrics().Handler(),
		Stats:        stats,
		Idempotency:  idempotency.Middleware(idempotency.Options{Store: idempotency.CacheStore{Cache: c}}),
		Protect:      protect,
	})
	return &fixture{mr: mr, handler: h, mails: mails, stats: stats}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	w := f.do(t, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusOK || w.Header().Get(httpapi.RequestIDHeader) == "" {
		t.Fatalf("ready: %d headers=%v", w.Code, w.Header())
	}

	f.mr.Close()
	if w := f.do(t, http.MethodGet, "/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without redis, got %d", w.Code)
	}
}

func TestReservations_EnqueueAndLookup(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/reservations/r1/create", `{"userId":"u1"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[httpapi.EnqueuedResponse](t, w)
	if resp.JobID == "" || resp.Queue != queue.QueueReservation || resp.Status != queue.StatusPending {
		t.Fatalf("unexpected response %+v", resp)
	}

	w = f.do(t, http.MethodGet, "/v1/jobs/reservation/"+resp.JobID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get job: %d %s", w.Code, w.Body.String())
	}
	job := decodeJSON[queue.Job](t, w)
	var in reservation.Payload
	if err := job.Decode(&in); err != nil || in.ReservationID != "r1" || in.UserID != "u1" || in.Action != reservation.ActionCreate {
		t.Fatalf("unexpected payload %+v err=%v", in, err)
	}
}

func TestReservations_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"internal action", http.MethodPost, "/v1/reservations/r1/cleanup", "", http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/v1/reservations/r1/explode", "", http.StatusBadRequest},
		{"bad meta status", http.MethodPost, "/v1/reservations/r1/update", `{"meta":{"status":"LOST"}}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/v1/reservations/r1/create", `{"userId":`, http.StatusBadRequest},
		{"unknown queue", http.MethodGet, "/v1/jobs/nope/j1", "", http.StatusNotFound},
		{"unknown job", http.MethodGet, "/v1/jobs/reservation/missing", "", http.StatusNotFound},
		{"unknown route", http.MethodGet, "/v1/nothing", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := f.do(t, tc.method, tc.path, tc.body, nil); w.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestReservations_IdempotentEnqueue(t *testing.T) {
	f := newFixture(t)
	key := map[string]string{idempotency.DefaultHeader: "k-123"}

	first := f.do(t, http.MethodPost, "/v1/reservations/r1/cancel", "", key)
	second := f.do(t, http.MethodPost, "/v1/reservations/r1/cancel", "", key)
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("unexpected codes %d %d", first.Code, second.Code)
	}
	if second.Header().Get(idempotency.ReplayedHeader) != "true" {
		t.Fatalf("expected replayed response")
	}
	a := decodeJSON[httpapi.EnqueuedResponse](t, first)
	b := decodeJSON[httpapi.EnqueuedResponse](t, second)
	if a.JobID != b.JobID || a.JobID != "api:cancel:r1:k-123" {
		t.Fatalf("expected the same derived job id, got %q and %q", a.JobID, b.JobID)
	}
}

func TestAuth_SessionFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/auth/login", `{"email":"ana@example.com","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/auth/login", `{"email":"ana@example.com","password":"`+testPassword+`"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	login := decodeJSON[auth.AuthResult](t, w)
	if !login.Success || login.AccessToken == "" || login.RefreshToken == "" || login.User == nil || login.User.ID != "u1" {
		t.Fatalf("unexpected login %+v", login)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Fatalf("password hash leaked: %s", w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/v1/auth/session", "", bearer(login.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("session: %d", w.Code)
	}
	view := decodeJSON[httpapi.SessionView](t, w)
	if view.UserID != "u1" || strings.Contains(w.Body.String(), login.AccessToken) {
		t.Fatalf("unexpected session view %s", w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/v1/auth/refresh", `{"refreshToken":"`+login.RefreshToken+`"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	rotated := decodeJSON[auth.AuthResult](t, w)
	if w := f.do(t, http.MethodPost, "/v1/auth/refresh", `{"refreshToken":"`+login.RefreshToken+`"}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh token must be single use, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/auth/session", "", bearer(login.AccessToken)); w.Code != http.StatusUnauthorized {
		t.Fatalf("rotated session must be gone, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/auth/logout", "", bearer(rotated.AccessToken))
	if w.Code != http.StatusOK || !decodeJSON[map[string]bool](t, w)["loggedOut"] {
		t.Fatalf("logout: %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/v1/auth/session", "", bearer(rotated.AccessToken)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/auth/session", "", nil); w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected challenge without token, got %d", w.Code)
	}
}

func TestAuth_RevokeAll(t *testing.T) {
	f := newFixture(t)
	creds := `{"email":"ana@example.com","password":"` + testPassword + `"}`

	a := decodeJSON[auth.AuthResult](t, f.do(t, http.MethodPost, "/v1/auth/login", creds, nil))
	b := decodeJSON[auth.AuthResult](t, f.do(t, http.MethodPost, "/v1/auth/login", creds, nil))

	w := f.do(t, http.MethodPost, "/v1/auth/revoke-all", "", bearer(a.AccessToken))
	if w.Code != http.StatusOK || decodeJSON[map[string]int](t, w)["revoked"] != 2 {
		t.Fatalf("revoke-all: %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/v1/auth/session", "", bearer(b.AccessToken)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected every session revoked, got %d", w.Code)
	}
}

func TestAuth_LoginThrottled(t *testing.T) {
	f := newFixture(t)
	wrong := `{"email":"ana@example.com","password":"wrong"}`

	for i := 0; i < 5; i++ {
		if w := f.do(t, http.MethodPost, "/v1/auth/login", wrong, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, w.Code)
		}
	}
	w := f.do(t, http.MethodPost, "/v1/auth/login", wrong, nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", w.Code, w.Header())
	}
	if w := f.do(t, http.MethodPost, "/v1/auth/login", `{"email":"not-an-email"}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid payload, got %d", w.Code)
	}
}

func TestAuth_VerificationCodeIsDeliveredByEmailJob(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/auth/verify/request", `{"identifier":" Ana@Example.com "}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("request: %d %s", w.Code, w.Body.String())
	}
	mail := f.mails.last()
	payload, ok := mail.payload.(httpapi.VerificationEmail)
	if !ok || mail.queue != queue.QueueEmail || mail.name != httpapi.JobNameVerificationEmail || len(payload.Code) != 6 {
		t.Fatalf("unexpected email job %+v", mail)
	}
	if payload.Identifier != testEmail || strings.Contains(w.Body.String(), `"code"`) {
		t.Fatalf("code must only travel in the email job: %s", w.Body.String())
	}

	body := `{"identifier":"ana@example.com","code":"` + payload.Code + `"}`
	if w := f.do(t, http.MethodPost, "/v1/auth/verify/confirm", body, nil); w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/v1/auth/verify/confirm", body, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("code must be single use, got %d", w.Code)
	}
}

func TestProtect_AppliesOnlyToAPIRoutes(t *testing.T) {
	teapot := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	}
	f := newFixture(t, teapot)

	if w := f.do(t, http.MethodGet, "/v1/jobs/reservation/x", "", nil); w.Code != http.StatusTeapot {
		t.Fatalf("expected api routes to be wrapped, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health must bypass protection, got %d", w.Code)
	}
	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics must bypass protection, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/stats", "", nil); w.Code != http.StatusOK {
		t.Fatalf("stats must bypass protection, got %d", w.Code)
	}
}

func TestStats_ReportsRateLimitDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.stats.Record(ctx, domain.StatsEvent{Key: "10.0.0.1", Action: "http", Allowed: true, Route: "POST /v1/reservations"})
	_ = f.stats.Record(ctx, domain.StatsEvent{Key: "10.0.0.1", Action: "http", Allowed: false, Route: "POST /v1/reservations"})

	w := f.do(t, http.MethodGet, "/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	snap := decodeJSON[infra.StatsSnapshot](t, w)
	if snap.Total.Allowed != 1 || snap.Total.Denied != 1 {
		t.Fatalf("unexpected totals %+v", snap.Total)
	}
	if got := snap.Routes["POST /v1/reservations"]; got.Denied != 1 {
		t.Fatalf("unexpected routes %+v", snap.Routes)
	}
	if d := snap.LastDenials["http"]; d.Key != "10.0.0.1" {
		t.Fatalf("unexpected last denial %+v", d)
	}
}

func TestRecovery(t *testing.T) {
	h := httpapi.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), httpapi.Recovery(logger.Nop()), httpapi.RequestLogging(logger.Nop()))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(httpapi.RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError || w.Header().Get(httpapi.RequestIDHeader) != "req-1" {
		t.Fatalf("unexpected response %d %v", w.Code, w.Header())
	}
}
