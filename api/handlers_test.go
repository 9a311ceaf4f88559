package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"task-manager/domain"
	"task-manager/storage"
)

var testNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

type testServer struct {
	e        *echo.Echo
	sessions *storage.Sessions
	auth     *SessionAuth
}

func newTestServer(t *testing.T, deduper Deduper, maxSessions int) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	auth, err := NewSessionAuth([]byte("test-secret"), time.Hour, "task-manager")
	if err != nil {
		t.Fatalf("new session auth: %v", err)
	}
	sessions := storage.NewSessions(time.Hour, maxSessions, logger)

	e := echo.New()
	Register(e, sessions, auth, deduper, logger, WithClock(func() time.Time { return testNow }))
	return &testServer{e: e, sessions: sessions, auth: auth}
}

func (s *testServer) do(t *testing.T, method, target, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) newSession(t *testing.T) sessionResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/sessions", "", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	decodeBody(t, rec, &resp)
	if resp.SessionID == "" || resp.Token == "" {
		t.Fatalf("expected session id and token, got %+v", resp)
	}
	return resp
}

func (s *testServer) addTask(t *testing.T, token, body string) domain.Task {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/tasks", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add task: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	decodeBody(t, rec, &task)
	return task
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestCreateSessionIssuesWorkingToken(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	resp := srv.newSession(t)

	id, err := srv.auth.SessionIDFromAuthHeader("Bearer " + resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if id != resp.SessionID {
		t.Fatalf("token subject %q does not match session %q", id, resp.SessionID)
	}

	rec := srv.do(t, http.MethodGet, "/healthz", "", "")
	var health healthResponse
	decodeBody(t, rec, &health)
	if health.Status != "ok" || health.Sessions != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestCreateSessionLimit(t *testing.T) {
	srv := newTestServer(t, nil, 1)
	srv.newSession(t)

	rec := srv.do(t, http.MethodPost, "/api/sessions", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at the session limit, got %d", rec.Code)
	}
}

func TestBoardRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, nil, 0)

	for _, target := range []string{"/api/tasks", "/api/view", "/api/stats", "/api/form/errors"} {
		rec := srv.do(t, http.MethodGet, target, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: expected 401, got %d", target, rec.Code)
		}
	}

	rec := srv.do(t, http.MethodGet, "/api/tasks", "not.a.token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestAddTaskReturnsCreatedTask(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	task := srv.addTask(t, sess.Token, `{"title":"Write report","description":"Q2","date":"05/02/2024","priority":"High"}`)
	if task.ID == "" {
		t.Fatalf("expected an id")
	}
	if task.Title != "Write report" || task.Description != "Q2" || task.Date != "05/02/2024" {
		t.Fatalf("unexpected task fields: %+v", task)
	}
	if task.Priority != domain.PriorityHigh || task.Completed {
		t.Fatalf("unexpected priority or completion: %+v", task)
	}

	store, err := srv.sessions.Get(sess.SessionID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one task on the board, got %d", store.Len())
	}
}

func TestAddTaskUnknownPriorityDefaultsToLow(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	task := srv.addTask(t, sess.Token, `{"title":"x","priority":"Urgent"}`)
	if task.Priority != domain.PriorityLow {
		t.Fatalf("expected Low, got %v", task.Priority)
	}
}

func TestAddTaskValidationErrors(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	rec := srv.do(t, http.MethodPost, "/api/tasks", sess.Token, `{"title":"   ","date":"13/01/2024"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var verr validationResponse
	decodeBody(t, rec, &verr)
	if verr.Field != domain.FieldTitle || verr.Kind != domain.MissingTitle || verr.Error != "Title is required." {
		t.Fatalf("unexpected validation body: %+v", verr)
	}

	rec = srv.do(t, http.MethodPost, "/api/tasks", sess.Token, `{"title":"ok","date":"02/30/2024"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	decodeBody(t, rec, &verr)
	if verr.Field != domain.FieldDate || verr.Kind != domain.InvalidDate {
		t.Fatalf("unexpected validation body: %+v", verr)
	}

	rec = srv.do(t, http.MethodGet, "/api/form/errors", sess.Token, "")
	var errs domain.FieldErrors
	decodeBody(t, rec, &errs)
	if errs.Title != "Title is required." || errs.Date != "Please enter a valid date in MM/DD/YYYY format." {
		t.Fatalf("unexpected field errors: %+v", errs)
	}

	rec = srv.do(t, http.MethodGet, "/api/tasks", sess.Token, "")
	var list tasksResponse
	decodeBody(t, rec, &list)
	if len(list.Tasks) != 0 {
		t.Fatalf("expected rejected drafts to leave the board empty, got %d tasks", len(list.Tasks))
	}
}

func TestAddTaskRejectsBadBodies(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	for _, body := range []string{`{"title":`, `{"title":"x","owner":"me"}`, `[]`} {
		rec := srv.do(t, http.MethodPost, "/api/tasks", sess.Token, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestFormInputsClearErrors(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	srv.do(t, http.MethodPost, "/api/tasks", sess.Token, `{"title":""}`)
	srv.do(t, http.MethodPost, "/api/tasks", sess.Token, `{"title":"x","date":"99/99/2024"}`)

	rec := srv.do(t, http.MethodPost, "/api/form/title", sess.Token, `{"title":"  "}`)
	var errs domain.FieldErrors
	decodeBody(t, rec, &errs)
	if errs.Title == "" {
		t.Fatalf("blank title must keep the error")
	}

	rec = srv.do(t, http.MethodPost, "/api/form/title", sess.Token, `{"title":"Buy milk"}`)
	decodeBody(t, rec, &errs)
	if errs.Title != "" {
		t.Fatalf("expected title error cleared, got %q", errs.Title)
	}

	rec = srv.do(t, http.MethodPost, "/api/form/date", sess.Token, `{"raw":"1225"}`)
	var partial dateInputResponse
	decodeBody(t, rec, &partial)
	if partial.Formatted != "12/25" || partial.Valid || partial.Errors.Date == "" {
		t.Fatalf("partial date must keep the error: %+v", partial)
	}

	rec = srv.do(t, http.MethodPost, "/api/form/date", sess.Token, `{"raw":"12252024"}`)
	var full dateInputResponse
	decodeBody(t, rec, &full)
	if full.Formatted != "12/25/2024" || !full.Valid || full.Errors.Date != "" {
		t.Fatalf("complete date must clear the error: %+v", full)
	}
}

func TestToggleAndDelete(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)
	task := srv.addTask(t, sess.Token, `{"title":"a"}`)

	rec := srv.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/toggle", sess.Token, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("toggle: expected 204, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodGet, "/api/tasks?tab=completed", sess.Token, "")
	var list tasksResponse
	decodeBody(t, rec, &list)
	if len(list.Tasks) != 1 || !list.Tasks[0].Completed {
		t.Fatalf("expected the task on the completed tab, got %+v", list.Tasks)
	}

	if rec := srv.do(t, http.MethodPost, "/api/tasks/missing/toggle", sess.Token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("toggle unknown: expected 204, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodDelete, "/api/tasks/missing", sess.Token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete unknown: expected 204, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodDelete, "/api/tasks/"+task.ID, sess.Token, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodGet, "/api/stats", sess.Token, "")
	var stats domain.Statistics
	decodeBody(t, rec, &stats)
	if stats.Total != 0 {
		t.Fatalf("expected an empty board, got %+v", stats)
	}
}

func TestListTasksTabsAndOrder(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	low := srv.addTask(t, sess.Token, `{"title":"low","priority":"Low"}`)
	high := srv.addTask(t, sess.Token, `{"title":"high","priority":"High"}`)
	done := srv.addTask(t, sess.Token, `{"title":"done","priority":"High"}`)
	srv.do(t, http.MethodPost, "/api/tasks/"+done.ID+"/toggle", sess.Token, "")

	rec := srv.do(t, http.MethodGet, "/api/tasks", sess.Token, "")
	var list tasksResponse
	decodeBody(t, rec, &list)
	if list.Tab != domain.TabDashboard {
		t.Fatalf("expected default dashboard tab, got %q", list.Tab)
	}
	got := make([]string, 0, len(list.Tasks))
	for _, task := range list.Tasks {
		got = append(got, task.ID)
	}
	want := []string{high.ID, low.ID, done.ID}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order: got %v want %v", got, want)
	}

	rec = srv.do(t, http.MethodGet, "/api/tasks?tab=pending", sess.Token, "")
	decodeBody(t, rec, &list)
	if len(list.Tasks) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(list.Tasks))
	}

	rec = srv.do(t, http.MethodGet, "/api/tasks?tab=archive", sess.Token, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tab, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodGet, "/api/stats", sess.Token, "")
	var stats domain.Statistics
	decodeBody(t, rec, &stats)
	wantStats := domain.Statistics{Total: 3, Completed: 1, Pending: 2, Low: 1, Medium: 0, High: 2, CompletionRate: 33}
	if stats != wantStats {
		t.Fatalf("unexpected stats: got %+v want %+v", stats, wantStats)
	}
}

func TestDueSoonAndView(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	soon := srv.addTask(t, sess.Token, `{"title":"soon","date":"05/04/2024"}`)
	srv.addTask(t, sess.Token, `{"title":"later","date":"05/05/2024"}`)
	srv.addTask(t, sess.Token, `{"title":"undated"}`)

	rec := srv.do(t, http.MethodGet, "/api/tasks/due-soon", sess.Token, "")
	var list tasksResponse
	decodeBody(t, rec, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != soon.ID {
		t.Fatalf("expected only the task due in three days, got %+v", list.Tasks)
	}

	rec = srv.do(t, http.MethodGet, "/api/view?tab=pending", sess.Token, "")
	var view domain.View
	decodeBody(t, rec, &view)
	if view.Tab != domain.TabPending || len(view.Tasks) != 3 || len(view.DueSoon) != 1 || view.Stats.Total != 3 {
		t.Fatalf("unexpected view: %+v", view)
	}

	rec = srv.do(t, http.MethodGet, "/api/view?tab=completed", sess.Token, "")
	decodeBody(t, rec, &view)
	if len(view.Tasks) != 0 || len(view.DueSoon) != 0 {
		t.Fatalf("completed view should be empty, got %+v", view)
	}
}

func TestBoardsAreIsolated(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	a := srv.newSession(t)
	b := srv.newSession(t)

	task := srv.addTask(t, a.Token, `{"title":"mine"}`)

	srv.do(t, http.MethodDelete, "/api/tasks/"+task.ID, b.Token, "")
	rec := srv.do(t, http.MethodGet, "/api/tasks", a.Token, "")
	var list tasksResponse
	decodeBody(t, rec, &list)
	if len(list.Tasks) != 1 {
		t.Fatalf("another session must not touch this board")
	}
}

func TestEndSessionRevokesBoard(t *testing.T) {
	srv := newTestServer(t, nil, 0)
	sess := srv.newSession(t)

	rec := srv.do(t, http.MethodDelete, "/api/sessions", sess.Token, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodGet, "/api/tasks", sess.Token, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after ending the session, got %d", rec.Code)
	}
}

func TestDateEndpointsAreStateless(t *testing.T) {
	srv := newTestServer(t, nil, 0)

	rec := srv.do(t, http.MethodGet, "/api/dates/format?raw=12a25-2024", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var formatted formatResponse
	decodeBody(t, rec, &formatted)
	if formatted.Formatted != "12/25/2024" || !formatted.Valid {
		t.Fatalf("unexpected format response: %+v", formatted)
	}

	rec = srv.do(t, http.MethodGet, "/api/dates/validate?value=02/29/2023", "", "")
	var valid validateResponse
	decodeBody(t, rec, &valid)
	if valid.Valid {
		t.Fatalf("02/29/2023 is not a real date")
	}
}

func newMiniredisDeduper(t *testing.T) *RedisDeduper {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, time.Minute)
}

func TestAddTaskIdempotencyKey(t *testing.T) {
	srv := newTestServer(t, newMiniredisDeduper(t), 0)
	sess := srv.newSession(t)

	body := `{"title":"once"}`
	rec := srv.do(t, http.MethodPost, "/api/tasks", sess.Token, body, headerIdempotency, "submit-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/tasks", sess.Token, body, headerIdempotency, "submit-1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a replayed key, got %d", rec.Code)
	}

	store, err := srv.sessions.Get(sess.SessionID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected a single task, got %d", store.Len())
	}

	rec = srv.do(t, http.MethodPost, "/api/tasks", sess.Token, body, headerIdempotency, strings.Repeat("k", idempotencyKeyLimit+1))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized key, got %d", rec.Code)
	}
}

func TestAddTaskIdempotencyKeyReleasedOnValidationError(t *testing.T) {
	srv := newTestServer(t, newMiniredisDeduper(t), 0)
	sess := srv.newSession(t)

	rec := srv.do(t, http.MethodPost, "/api/tasks", sess.Token, `{"title":""}`, headerIdempotency, "submit-2")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/tasks", sess.Token, `{"title":"fixed"}`, headerIdempotency, "submit-2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected corrected draft to be accepted, got %d", rec.Code)
	}
}

type failingDeduper struct{}

func (failingDeduper) Add(context.Context, string, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingDeduper) Remove(context.Context, string, string) error { return nil }

func TestAddTaskProceedsWhenDeduperFails(t *testing.T) {
	srv := newTestServer(t, failingDeduper{}, 0)
	sess := srv.newSession(t)

	rec := srv.do(t, http.MethodPost, "/api/tasks", sess.Token, `{"title":"x"}`, headerIdempotency, "k")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 when dedupe is unavailable, got %d", rec.Code)
	}
}

func TestParseTab(t *testing.T) {
	cases := map[string]domain.Tab{
		"":          domain.TabDashboard,
		"dashboard": domain.TabDashboard,
		" Pending ": domain.TabPending,
		"COMPLETED": domain.TabCompleted,
	}
	for in, want := range cases {
		got, err := parseTab(in)
		if err != nil || got != want {
			t.Fatalf("parseTab(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := parseTab("all"); err == nil {
		t.Fatalf("expected error for unknown tab")
	}
}
