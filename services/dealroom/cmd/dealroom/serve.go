package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dealroom/internal/ratelimit"
	"dealroom/internal/util"
	"dealroom/pkg/queue"
	"dealroom/services/dealroom/internal/app"
	"dealroom/services/dealroom/internal/config"
	"dealroom/services/dealroom/internal/events"
	"dealroom/services/dealroom/internal/metrics"
	"dealroom/services/dealroom/internal/server"
	"dealroom/services/dealroom/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket event feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.FileConfig) error {
	kv, redisClient, err := openSessionKV(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	docs, err := openDocuments(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open document storage: %w", err)
	}

	m := metrics.New()
	hub := events.NewHub(originChecker(cfg.AllowedOrigins))
	fanout := events.Fanout{hub}
	var activity *queue.EventStream
	if cfg.ActivityStream {
		activity, err = openActivityStream(cfg, redisClient)
		if err != nil {
			return err
		}
		defer activity.Close()
		fanout = append(fanout, activity)
	}
	appCfg := app.Config{
		KV:                kv,
		Publisher:         m.Publisher(fanout),
		Observer:          m,
		StrictTransitions: cfg.StrictStatusTransitions,
	}
	if docs != nil {
		appCfg.Documents = docs
	}
	if cfg.SimulateLatency {
		appCfg.Latency = app.DefaultSimulatedLatency()
	}
	if cfg.DemoPasswordHash != "" {
		demo, _ := store.FixtureUser("user-1")
		appCfg.Authenticator = app.NewStaticAuthenticatorHash(demo, cfg.DemoPasswordHash)
	}
	if cfg.DatabaseURL != "" {
		db, err := store.NewGormSource(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		appCfg.Source = db
		appCfg.Persister = db
	}

	ws, err := app.New(ctx, appCfg)
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	srvCfg := server.Config{
		Workspace:      ws,
		Events:         hub,
		Metrics:        m.Handler(),
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if docs != nil {
		srvCfg.Documents = docs
	}
	if activity != nil {
		srvCfg.Activity = activity
	}
	if err := attachLimiters(&srvCfg, cfg, redisClient); err != nil {
		return err
	}
	httpServer, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	// The activity stream outlives ctx so events from requests drained by
	// Shutdown are still appended. It must finish before the deferred closes.
	hubCtx, stopHub := context.WithCancel(ctx)
	background, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var g errgroup.Group
	defer func() {
		stopHub()
		stopBackground()
		_ = g.Wait()
	}()
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	if activity != nil {
		g.Go(func() error {
			activity.Run(background)
			return nil
		})
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "session_store", cfg.SessionStore, "document_store", cfg.DocumentStore)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func attachLimiters(srvCfg *server.Config, cfg config.FileConfig, client *redis.Client) error {
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "dealroom:ratelimit:" + name
		if client != nil {
			return ratelimit.NewFixedWindowLimiter(client, prefix, limit, time.Minute)
		}
		return ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
	}
	if cfg.LoginRateLimitPerMinute > 0 {
		l, err := newLimiter("login", cfg.LoginRateLimitPerMinute)
		if err != nil {
			return fmt.Errorf("init login limiter: %w", err)
		}
		srvCfg.LoginLimiter = l
	}
	if cfg.RegisterRateLimitPerMinute > 0 {
		l, err := newLimiter("register", cfg.RegisterRateLimitPerMinute)
		if err != nil {
			return fmt.Errorf("init register limiter: %w", err)
		}
		srvCfg.RegisterLimiter = l
	}
	return nil
}
