package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latepass/internal/attendance"
	"latepass/internal/auth"
	"latepass/internal/latepass"
)

const (
	jwtKey    = "api-test-key"
	jwtIssuer = "latepass-test"
	orgID     = "org-1"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type apiEnv struct {
	router *gin.Engine
	clock  *testClock
	staff  string
	admin  string
	health map[string]HealthCheck
}

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 10, hh, mm, 0, 0, time.UTC)
}

func newAPI(t *testing.T, opts ...func(*Deps)) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := &testClock{now: at(9, 0)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := latepass.NewMemoryRepository()
	repo.AddSession(latepass.Session{ID: "sess-1", OrgID: orgID, StartsAt: at(10, 0), ClassroomID: "class-a"})
	repo.AddClassroomMember(orgID, "class-a", "stu-1")
	repo.AddClassroomMember(orgID, "class-a", "stu-2")

	codec, err := latepass.NewCodec(latepass.CodecConfig{SigningKey: []byte("ticket-key")}, clock.Now)
	require.NoError(t, err)
	policy := latepass.NewPolicyStore(repo, clock.Now, log)
	manager := latepass.NewManager(repo, policy, codec, nil, clock.Now, log)

	staff, _, err := auth.Issue("staff-1", orgID, auth.RoleStaff, jwtIssuer, jwtKey, time.Hour)
	require.NoError(t, err)
	admin, _, _ := auth.Issue("admin-1", orgID, auth.RoleAdmin, jwtIssuer, jwtKey, time.Hour)

	health := map[string]HealthCheck{"store": func(context.Context) bool { return true }}
	e := &apiEnv{clock: clock, staff: staff, admin: admin, health: health}
	deps := Deps{
		Policy:        policy,
		Resolver:      latepass.NewResolver(repo, policy, clock.Now),
		Manager:       manager,
		Gate:          latepass.NewGate(manager, codec, clock.Now),
		Attendance:    attendance.NewService(repo, clock.Now),
		JWTSigningKey: jwtKey,
		JWTIssuer:     jwtIssuer,
		Health:        health,
		Log:           log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	e.router = NewRouter(deps)
	return e
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	require.Equal(t, want, w.Code, "body: %s", w.Body.String())
}

func TestHealthz(t *testing.T) {
	e := newAPI(t)
	w, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, true, body["store"])

	e.health["redis"] = func(context.Context) bool { return false }
	w, body = e.do(t, http.MethodGet, "/healthz", "", nil)
	wantStatus(t, w, http.StatusServiceUnavailable)
	assert.Equal(t, "degraded", body["status"])
}

func TestRequiresAuth(t *testing.T) {
	e := newAPI(t)
	w, _ := e.do(t, http.MethodGet, "/v1/late-pass/config", "", nil)
	wantStatus(t, w, http.StatusUnauthorized)
}

func TestTicketFlow(t *testing.T) {
	e := newAPI(t)

	w, ticket := e.do(t, http.MethodPost, "/v1/late-pass/tickets", e.staff, map[string]string{"studentId": "stu-1", "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusCreated)
	id, _ := ticket["id"].(string)
	token, _ := ticket["tokenData"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)
	assert.Equal(t, "LPT-2025-000001", ticket["ticketNumber"])
	assert.Equal(t, "ISSUED", ticket["status"])

	w, body := e.do(t, http.MethodPost, "/v1/late-pass/tickets", e.staff, map[string]string{"studentId": "stu-1", "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusConflict)
	assert.Equal(t, "AlreadyExists", body["code"])

	w, _ = e.do(t, http.MethodPost, "/v1/late-pass/tickets", e.staff, map[string]string{"studentId": "stu-1"})
	wantStatus(t, w, http.StatusBadRequest)

	w, _ = e.do(t, http.MethodGet, "/v1/late-pass/tickets/"+id, e.staff, nil)
	wantStatus(t, w, http.StatusOK)

	w, body = e.do(t, http.MethodGet, "/v1/late-pass/tickets/nope", e.staff, nil)
	wantStatus(t, w, http.StatusNotFound)
	assert.Equal(t, string(latepass.ReasonNotFound), body["reason"])

	w, body = e.do(t, http.MethodGet, "/v1/late-pass/tickets?studentId=stu-1&status=ISSUED", e.staff, nil)
	wantStatus(t, w, http.StatusOK)
	assert.Len(t, body["tickets"], 1)
	w, _ = e.do(t, http.MethodGet, "/v1/late-pass/tickets?limit=abc", e.staff, nil)
	wantStatus(t, w, http.StatusBadRequest)
	w, _ = e.do(t, http.MethodGet, "/v1/late-pass/tickets?issuedFrom=yesterday", e.staff, nil)
	wantStatus(t, w, http.StatusBadRequest)

	e.clock.Set(at(10, 10))
	w, body = e.do(t, http.MethodPost, "/v1/late-pass/validate", e.staff, map[string]string{"token": token, "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, true, body["valid"])
	w, body = e.do(t, http.MethodPost, "/v1/late-pass/validate", e.staff, map[string]string{"token": token, "sessionId": "sess-2"})
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, string(latepass.ReasonWrongTimetable), body["errorCode"])

	w, body = e.do(t, http.MethodPost, "/v1/late-pass/redeem", e.staff, map[string]string{"token": token, "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusOK)
	verdict, _ := body["verdict"].(map[string]any)
	rec, _ := body["attendance"].(map[string]any)
	assert.Equal(t, true, verdict["valid"])
	assert.Equal(t, "LATE", rec["status"])
	assert.Equal(t, attendance.SourceLatePass, rec["source"])

	w, body = e.do(t, http.MethodPost, "/v1/late-pass/tickets/"+id+"/use", e.staff, map[string]string{"status": "PRESENT"})
	wantStatus(t, w, http.StatusUnprocessableEntity)
	assert.Equal(t, string(latepass.ReasonAlreadyUsed), body["reason"])
	w, _ = e.do(t, http.MethodPost, "/v1/late-pass/tickets/"+id+"/use", e.staff, map[string]string{"status": "ABSENT"})
	wantStatus(t, w, http.StatusBadRequest)
}

func TestIssueAfterWindowAndExpiry(t *testing.T) {
	e := newAPI(t)
	w, ticket := e.do(t, http.MethodPost, "/v1/late-pass/tickets", e.staff, map[string]string{"studentId": "stu-1", "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusCreated)
	id := ticket["id"].(string)

	e.clock.Set(at(10, 20))
	w, _ = e.do(t, http.MethodPost, "/v1/late-pass/tickets", e.staff, map[string]string{"studentId": "stu-2", "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusUnprocessableEntity)

	e.clock.Set(at(10, 40))
	w, body := e.do(t, http.MethodPost, "/v1/late-pass/tickets/"+id+"/cancel", e.staff, map[string]string{"reason": "late"})
	wantStatus(t, w, http.StatusGone)
	assert.Equal(t, string(latepass.ReasonExpired), body["reason"])

	w, _ = e.do(t, http.MethodPost, "/v1/late-pass/expire", e.staff, nil)
	wantStatus(t, w, http.StatusForbidden)
	w, body = e.do(t, http.MethodPost, "/v1/late-pass/expire", e.admin, nil)
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, float64(1), body["expired"])
}

func TestConfigEndpoints(t *testing.T) {
	e := newAPI(t)
	w, cfg := e.do(t, http.MethodGet, "/v1/late-pass/config", e.staff, nil)
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, float64(15), cfg["generationWindowMinutes"])
	assert.Equal(t, float64(30), cfg["acceptanceWindowMinutes"])

	w, _ = e.do(t, http.MethodPut, "/v1/late-pass/config", e.staff, map[string]int{"ticketValidityDays": 3})
	wantStatus(t, w, http.StatusForbidden)

	w, cfg = e.do(t, http.MethodPut, "/v1/late-pass/config", e.admin, map[string]int{"ticketValidityDays": 3})
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, float64(3), cfg["ticketValidityDays"])
	assert.Equal(t, "admin-1", cfg["updatedBy"])

	w, _ = e.do(t, http.MethodPut, "/v1/late-pass/config", e.admin, map[string]int{"ticketValidityDays": 31})
	wantStatus(t, w, http.StatusBadRequest)
}

func TestAttendanceDrivesEligibility(t *testing.T) {
	e := newAPI(t)

	w, _ := e.do(t, http.MethodPost, "/v1/attendance", e.staff, map[string]string{"studentId": "stu-2", "sessionId": "old", "status": "ABSENT"})
	wantStatus(t, w, http.StatusCreated)
	w, _ = e.do(t, http.MethodPost, "/v1/attendance", e.staff, map[string]string{"studentId": "stu-2", "sessionId": "old", "status": "GONE"})
	wantStatus(t, w, http.StatusBadRequest)

	w, body := e.do(t, http.MethodGet, "/v1/late-pass/eligible?classroomId=class-a", e.staff, nil)
	wantStatus(t, w, http.StatusOK)
	students, _ := body["students"].([]any)
	require.Len(t, students, 1)
	s := students[0].(map[string]any)
	assert.Equal(t, "stu-2", s["studentId"])
	assert.Equal(t, float64(1), s["upcomingTimetablesCount"])

	w, _ = e.do(t, http.MethodGet, "/v1/late-pass/eligible", e.staff, nil)
	wantStatus(t, w, http.StatusBadRequest)

	w, body = e.do(t, http.MethodGet, "/v1/late-pass/students/stu-2/sessions", e.staff, nil)
	wantStatus(t, w, http.StatusOK)
	assert.Len(t, body["sessions"], 1)

	w, body = e.do(t, http.MethodGet, "/v1/attendance/students/stu-2", e.staff, nil)
	wantStatus(t, w, http.StatusOK)
	assert.Len(t, body["records"], 1)
}

func TestExpiredTicketAtGate(t *testing.T) {
	e := newAPI(t)
	w, ticket := e.do(t, http.MethodPost, "/v1/late-pass/tickets", e.staff, map[string]string{"studentId": "stu-1", "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusCreated)
	token := ticket["tokenData"].(string)

	e.clock.Set(at(10, 30))
	w, body := e.do(t, http.MethodPost, "/v1/late-pass/validate", e.staff, map[string]string{"token": token, "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, true, body["valid"], "at expiresAt")

	e.clock.Set(at(10, 31))
	w, body = e.do(t, http.MethodPost, "/v1/late-pass/validate", e.staff, map[string]string{"token": token, "sessionId": "sess-1"})
	wantStatus(t, w, http.StatusOK)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, string(latepass.ReasonExpired), body["errorCode"])
	assert.NotNil(t, body["ticket"], "expired verdict carries the ticket")
}

func TestCORS(t *testing.T) {
	allow := func(origins ...string) func(*Deps) {
		return func(d *Deps) { d.AllowedOrigins = origins }
	}
	tests := []struct {
		name            string
		allowed         []string
		origin          string
		wantOrigin      string
		wantCredentials string
		wantVary        string
	}{
		{name: "no allowlist", origin: "https://evil.example", wantOrigin: "*"},
		{name: "allowed origin", allowed: []string{"https://app.example"}, origin: "https://app.example",
			wantOrigin: "https://app.example", wantCredentials: "true", wantVary: "Origin"},
		{name: "other origin", allowed: []string{"https://app.example"}, origin: "https://evil.example", wantVary: "Origin"},
		{name: "no origin header", allowed: []string{"https://app.example"}, wantVary: "Origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newAPI(t, allow(tt.allowed...))
			req := httptest.NewRequest(http.MethodOptions, "/v1/late-pass/config", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			e.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, w.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, tt.wantVary, w.Header().Get("Vary"))
		})
	}
}
