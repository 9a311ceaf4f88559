package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-manager/api"
	"task-manager/storage"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	auth, err := api.NewSessionAuth([]byte(cfg.TokenSecret), cfg.TokenTTL, cfg.TokenIssuer)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	shutdownOps := map[string]gfshutdown.Operation{}

	var deduper api.Deduper
	if cfg.RedisConn != "" {
		rc := redis.NewClient(redisOptions(cfg.RedisConn))
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		shutdownOps["redis"] = func(context.Context) error { return rc.Close() }
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; Idempotency-Key headers are ignored")
	}

	sessions := storage.NewSessions(cfg.SessionTTL, cfg.MaxSessions, logger)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go sessions.Run(janitorCtx, cfg.SweepInterval)
	shutdownOps["janitor"] = func(context.Context) error {
		stopJanitor()
		return nil
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware("taskmanager"))
	e.Use(api.GzipRequestMiddleware(cfg.MaxBodyBytes))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, sessions, auth, deduper, logger, api.WithHeartbeat(cfg.StreamHeartbeat))
	shutdownOps["http"] = func(ctx context.Context) error { return e.Shutdown(ctx) }

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, shutdownOps)
	exitCode := <-wait
	logger.WithField("code", exitCode).Info("stopped")
	os.Exit(exitCode)
}
