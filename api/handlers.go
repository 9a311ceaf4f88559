package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-manager/domain"
	"task-manager/storage"
)

type server struct {
	sessions  Sessions
	auth      Authenticator
	deduper   Deduper
	logger    *log.Logger
	broker    *broker
	now       func() time.Time
	heartbeat time.Duration
}

// Option customizes the handlers installed by Register.
type Option func(*server)

// WithClock replaces time.Now as the reference for due soon windows.
func WithClock(now func() time.Time) Option {
	return func(s *server) { s.now = now }
}

// WithHeartbeat sets how often idle streams receive a keep-alive comment.
func WithHeartbeat(d time.Duration) Option {
	return func(s *server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// Register wires up all API routes on the provided Echo instance. deduper may
// be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, sessions Sessions, auth Authenticator, deduper Deduper, logger *log.Logger, opts ...Option) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &server{
		sessions:  sessions,
		auth:      auth,
		deduper:   deduper,
		logger:    logger,
		broker:    newBroker(),
		now:       time.Now,
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.JSONSerializer = sonicSerializer{}

	a := e.Group("/api", RequestMetrics(logger))
	a.POST("/sessions", s.createSession)
	a.GET("/dates/format", s.formatDate)
	a.GET("/dates/validate", s.validateDate)
	a.GET("/stream", s.streamView)

	b := a.Group("", requireSession(sessions, auth))
	b.DELETE("/sessions", s.endSession)
	b.GET("/tasks", s.listTasks)
	b.POST("/tasks", s.addTask)
	b.GET("/tasks/due-soon", s.dueSoon)
	b.POST("/tasks/:id/toggle", s.toggleTask)
	b.DELETE("/tasks/:id", s.deleteTask)
	b.GET("/stats", s.stats)
	b.GET("/view", s.view)
	b.GET("/form/errors", s.formErrors)
	b.POST("/form/title", s.titleInput)
	b.POST("/form/date", s.dateInput)

	e.GET("/healthz", s.healthz)
}

func resolveBoard(sessions Sessions, auth Authenticator, header string) (string, *domain.Store, error) {
	sessionID, err := auth.SessionIDFromAuthHeader(header)
	if err != nil {
		return "", nil, err
	}
	store, err := sessions.Get(sessionID)
	if err != nil {
		return "", nil, err
	}
	return sessionID, store, nil
}

func boardFrom(c echo.Context) (string, *domain.Store) {
	sessionID, _ := c.Get(ctxSessionID).(string)
	store, _ := c.Get(ctxBoard).(*domain.Store)
	return sessionID, store
}

var errInvalidTab = errors.New("invalid tab")

func parseTab(raw string) (domain.Tab, error) {
	switch tab := domain.Tab(strings.ToLower(strings.TrimSpace(raw))); tab {
	case "":
		return domain.TabDashboard, nil
	case domain.TabDashboard, domain.TabPending, domain.TabCompleted:
		return tab, nil
	}
	return "", errInvalidTab
}

func (s *server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Sessions: s.sessions.Len()})
}

func (s *server) createSession(c echo.Context) error {
	sessionID, _, err := s.sessions.Create()
	if err != nil {
		if errors.Is(err, storage.ErrTooManySessions) {
			metricsFrom(c).SetErrorStage("session_limit")
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		metricsFrom(c).SetErrorStage("session_create")
		return c.String(http.StatusInternalServerError, err.Error())
	}
	token, err := s.auth.Issue(sessionID)
	if err != nil {
		s.sessions.End(sessionID)
		metricsFrom(c).SetErrorStage("issue_token")
		s.logger.WithError(err).Error("failed to issue session token")
		return c.String(http.StatusInternalServerError, "failed to issue token")
	}
	metricsFrom(c).SetSessionResolved(true)
	return c.JSON(http.StatusCreated, sessionResponse{SessionID: sessionID, Token: token})
}

func (s *server) endSession(c echo.Context) error {
	sessionID, _ := boardFrom(c)
	s.sessions.End(sessionID)
	s.broker.closeSession(sessionID)
	return c.NoContent(http.StatusNoContent)
}

func (s *server) listTasks(c echo.Context) error {
	tab, err := parseTab(c.QueryParam("tab"))
	if err != nil {
		metricsFrom(c).SetErrorStage("invalid_tab")
		return c.String(http.StatusBadRequest, err.Error())
	}
	_, store := boardFrom(c)
	tasks := domain.SortForDisplay(domain.FilterByTab(store.Tasks(), tab))
	metricsFrom(c).SetTasksReturned(len(tasks))
	return c.JSON(http.StatusOK, tasksResponse{Tab: tab, Tasks: tasks})
}

func (s *server) addTask(c echo.Context) error {
	m := metricsFrom(c)
	sessionID, store := boardFrom(c)

	lr := io.LimitReader(c.Request().Body, postTaskMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()

	var draft domain.Draft
	if err := dec.Decode(&draft); err != nil {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}

	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotency))
	if len(key) > idempotencyKeyLimit {
		m.SetErrorStage("idempotency_key")
		return c.String(http.StatusBadRequest, "idempotency key too long")
	}
	ctx := c.Request().Context()
	if key != "" && s.deduper != nil {
		added, err := s.deduper.Add(ctx, sessionID, key)
		switch {
		case err != nil:
			s.logger.WithError(err).Warn("idempotency check failed; processing without dedupe")
			key = ""
		case !added:
			m.SetErrorStage("duplicate")
			return c.String(http.StatusConflict, "duplicate submission")
		}
	} else {
		key = ""
	}

	task, err := store.AddTask(draft)
	if err != nil {
		if key != "" {
			if rerr := s.deduper.Remove(ctx, sessionID, key); rerr != nil {
				s.logger.WithError(rerr).Warn("failed to release idempotency key")
			}
		}
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			m.SetErrorStage("validation")
			return c.JSON(http.StatusUnprocessableEntity, validationResponse{
				Field: verr.Field,
				Kind:  verr.Kind,
				Error: verr.Error(),
			})
		}
		m.SetErrorStage("add_task")
		return c.String(http.StatusInternalServerError, err.Error())
	}

	s.broker.notify(sessionID)
	return c.JSON(http.StatusCreated, task)
}

func (s *server) toggleTask(c echo.Context) error {
	sessionID, store := boardFrom(c)
	store.ToggleCompletion(c.Param("id"))
	s.broker.notify(sessionID)
	return c.NoContent(http.StatusNoContent)
}

func (s *server) deleteTask(c echo.Context) error {
	sessionID, store := boardFrom(c)
	store.DeleteTask(c.Param("id"))
	s.broker.notify(sessionID)
	return c.NoContent(http.StatusNoContent)
}

func (s *server) dueSoon(c echo.Context) error {
	_, store := boardFrom(c)
	tasks := domain.DueSoon(store.Tasks(), s.now())
	metricsFrom(c).SetTasksReturned(len(tasks))
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
}

func (s *server) stats(c echo.Context) error {
	_, store := boardFrom(c)
	return c.JSON(http.StatusOK, domain.ComputeStatistics(store.Tasks()))
}

func (s *server) view(c echo.Context) error {
	tab, err := parseTab(c.QueryParam("tab"))
	if err != nil {
		metricsFrom(c).SetErrorStage("invalid_tab")
		return c.String(http.StatusBadRequest, err.Error())
	}
	_, store := boardFrom(c)
	v := store.Snapshot(tab, s.now())
	metricsFrom(c).SetTasksReturned(len(v.Tasks))
	return c.JSON(http.StatusOK, v)
}

func (s *server) formErrors(c echo.Context) error {
	_, store := boardFrom(c)
	return c.JSON(http.StatusOK, store.FieldErrors())
}

func (s *server) titleInput(c echo.Context) error {
	var req titleInputRequest
	if err := c.Bind(&req); err != nil {
		metricsFrom(c).SetErrorStage("decode")
		return err
	}
	_, store := boardFrom(c)
	store.TitleInput(req.Title)
	return c.JSON(http.StatusOK, store.FieldErrors())
}

func (s *server) dateInput(c echo.Context) error {
	var req dateInputRequest
	if err := c.Bind(&req); err != nil {
		metricsFrom(c).SetErrorStage("decode")
		return err
	}
	_, store := boardFrom(c)
	formatted := store.DateInput(req.Raw)
	return c.JSON(http.StatusOK, dateInputResponse{
		Formatted: formatted,
		Valid:     domain.IsValidDate(formatted),
		Errors:    store.FieldErrors(),
	})
}

func (s *server) formatDate(c echo.Context) error {
	formatted := domain.FormatDateInput(c.QueryParam("raw"))
	return c.JSON(http.StatusOK, formatResponse{Formatted: formatted, Valid: domain.IsValidDate(formatted)})
}

func (s *server) validateDate(c echo.Context) error {
	return c.JSON(http.StatusOK, validateResponse{Valid: domain.IsValidDate(c.QueryParam("value"))})
}
