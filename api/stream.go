package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"task-manager/domain"
)

const defaultHeartbeat = 15 * time.Second

// broker fans board changes out to the SSE streams of that session.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *broker) subscribe(sessionID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (b *broker) unsubscribe(sessionID string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, sessionID)
	}
}

// notify wakes every stream of the session. Pending wakeups coalesce.
func (b *broker) notify(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// closeSession ends every stream of the session.
func (b *broker) closeSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
}

func (b *broker) subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// streamView pushes the board view for a tab on connect and after each change.
func (s *server) streamView(c echo.Context) error {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); auth == "" && token != "" {
		auth = "Bearer " + token
	}
	sessionID, store, err := resolveBoard(s.sessions, s.auth, auth)
	if err != nil {
		metricsFrom(c).SetErrorStage("auth")
		return c.String(http.StatusUnauthorized, err.Error())
	}
	metricsFrom(c).SetSessionResolved(true)

	tab, err := parseTab(c.QueryParam("tab"))
	if err != nil {
		metricsFrom(c).SetErrorStage("invalid_tab")
		return c.String(http.StatusBadRequest, err.Error())
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		metricsFrom(c).SetErrorStage("stream_unsupported")
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	updates := s.broker.subscribe(sessionID)
	defer s.broker.unsubscribe(sessionID, updates)

	res.WriteHeader(http.StatusOK)
	if err := writeView(res, store.Snapshot(tab, s.now())); err != nil {
		return nil
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-updates:
			if !open {
				return nil
			}
			if err := writeView(res, store.Snapshot(tab, s.now())); err != nil {
				return nil
			}
		case <-ticker.C:
			// an open stream keeps its session alive; expired sessions end it
			if _, err := s.sessions.Get(sessionID); err != nil {
				return nil
			}
			if _, err := res.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
		}
		flusher.Flush()
	}
}

func writeView(w http.ResponseWriter, view domain.View) error {
	data, err := sonic.Marshal(view)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	_, err = w.Write(buf)
	return err
}
