package main

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type config struct {
	ListenAddr      string
	Debug           bool
	SessionTTL      time.Duration
	SweepInterval   time.Duration
	MaxSessions     int
	MaxBodyBytes    int64
	TokenSecret     string
	TokenTTL        time.Duration
	TokenIssuer     string
	RedisConn       string
	DeduperTTL      time.Duration
	StreamHeartbeat time.Duration
	ShutdownTimeout time.Duration
}

// loadConfig reads settings through getenv so tests can supply a map.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		ListenAddr:  ":8080",
		TokenIssuer: "task-manager",
		RedisConn:   getenv("REDIS_CONNECTION_STRING"),
		TokenSecret: getenv("SESSION_TOKEN_SECRET"),
	}
	if cfg.TokenSecret == "" {
		return cfg, fmt.Errorf("missing SESSION_TOKEN_SECRET")
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	} else if v := getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := getenv("SESSION_TOKEN_ISSUER"); v != "" {
		cfg.TokenIssuer = v
	}

	var err error
	if cfg.Debug, err = envBool(getenv, "DEBUG", false); err != nil {
		return cfg, err
	}
	if cfg.MaxSessions, err = envInt(getenv, "MAX_SESSIONS", 1000); err != nil {
		return cfg, err
	}
	maxBody, err := envInt(getenv, "MAX_BODY_BYTES", 16*1024)
	if err != nil {
		return cfg, err
	}
	cfg.MaxBodyBytes = int64(maxBody)
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"SESSION_TTL", 30 * time.Minute, &cfg.SessionTTL},
		{"SESSION_SWEEP_INTERVAL", time.Minute, &cfg.SweepInterval},
		{"SESSION_TOKEN_TTL", 12 * time.Hour, &cfg.TokenTTL},
		{"DEDUPER_TTL", 10 * time.Minute, &cfg.DeduperTTL},
		{"STREAM_HEARTBEAT", 15 * time.Second, &cfg.StreamHeartbeat},
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDur(getenv, d.key, d.def); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func envDur(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func envBool(getenv func(string) string, key string, def bool) (bool, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

// redisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by managed caches.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
