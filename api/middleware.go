package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var errInflatedTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

// GzipRequestMiddleware inflates gzip request bodies for the handlers and caps
// the inflated size at maxInflated bytes (postTaskMaxSize when not positive).
// A body that is not gzip gets a 400, one that inflates past the cap a 413.
func GzipRequestMiddleware(maxInflated int64) echo.MiddlewareFunc {
	if maxInflated <= 0 {
		maxInflated = postTaskMaxSize
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{zr: zr, raw: req.Body, left: maxInflated}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for header != "" {
		var enc string
		enc, header, _ = strings.Cut(header, ",")
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// inflatedBody reads at most left bytes of decompressed data.
type inflatedBody struct {
	zr   *gzip.Reader
	raw  io.Closer
	left int64
}

func (b *inflatedBody) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, errInflatedTooLarge
	}
	// one byte past the cap is enough to detect an oversized body
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.zr.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return n - 1, errInflatedTooLarge
	}
	return n, err
}

func (b *inflatedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

const (
	ctxSessionID = "sessionID"
	ctxBoard     = "board"
	ctxMetrics   = "requestMetrics"
)

// requireSession resolves the bearer token to a board and stores both on the
// context. Unknown or expired sessions get a 401.
func requireSession(sessions Sessions, auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sessionID, store, err := resolveBoard(sessions, auth, c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				metricsFrom(c).SetErrorStage("auth")
				return c.String(http.StatusUnauthorized, err.Error())
			}
			metricsFrom(c).SetSessionResolved(true)
			c.Set(ctxSessionID, sessionID)
			c.Set(ctxBoard, store)
			return next(c)
		}
	}
}
