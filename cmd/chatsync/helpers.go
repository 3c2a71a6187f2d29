package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roomline/chatsync"
)

const requestTimeout = 15 * time.Second

// newLogger returns a development logger with --verbose and a quiet
// production logger otherwise.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// cliEnv bundles what every networked command needs.
type cliEnv struct {
	cfg    *Config
	client *chatsync.Client
	logger *zap.Logger
}

// getClient resolves the configuration and builds an authenticated client.
func getClient() (*cliEnv, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no server URL. Run 'chatsync init <base-url> <token>' first")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token. Run 'chatsync init <base-url> <token>' first")
	}
	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	client := chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token,
		chatsync.WithTimeout(requestTimeout),
		chatsync.WithLogger(logger))
	return &cliEnv{cfg: cfg, client: client, logger: logger}, nil
}

// location returns the configured display zone, or the local zone.
func (e *cliEnv) location() (*time.Location, error) {
	if e.cfg.Default.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(e.cfg.Default.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", e.cfg.Default.Timezone, err)
	}
	return loc, nil
}

// sessionOptions translates [session] settings into session options.
func (e *cliEnv) sessionOptions() ([]chatsync.SessionOption, error) {
	loc, err := e.location()
	if err != nil {
		return nil, err
	}
	opts := []chatsync.SessionOption{
		chatsync.WithLocation(loc),
		chatsync.WithSessionLogger(e.logger),
	}
	if e.cfg.Session.PageSize > 0 {
		opts = append(opts, chatsync.WithPageSize(e.cfg.Session.PageSize))
	}
	if e.cfg.Session.PollInterval != "" {
		d, err := time.ParseDuration(e.cfg.Session.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval %q: %w", e.cfg.Session.PollInterval, err)
		}
		opts = append(opts, chatsync.WithPollInterval(d))
	}
	if e.cfg.Session.AutoReconnect {
		opts = append(opts, chatsync.WithAutoReconnect())
	}
	return opts, nil
}

func (e *cliEnv) close() {
	_ = e.logger.Sync()
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func roomKind(r chatsync.Room) string {
	if r.Kind == chatsync.GroupRoom {
		return "group"
	}
	return "direct"
}
