package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/parsemd/internal/app"
	"github.com/joshu-sajeev/parsemd/internal/document"
	"github.com/joshu-sajeev/parsemd/internal/httpapi"
	"github.com/joshu-sajeev/parsemd/internal/job"
	"github.com/joshu-sajeev/parsemd/internal/storage/redisstore"
	"github.com/joshu-sajeev/parsemd/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		app.NewLogger("error").Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	deps, err := app.Open(ctx, "api")
	if err != nil {
		return err
	}
	defer deps.Close()

	cfg := deps.Config
	logger := deps.Logger

	store, err := document.NewStore(cfg.UploadDir)
	if err != nil {
		return err
	}

	policy, err := deps.SubmitPolicy()
	if err != nil {
		return err
	}

	var limiter middleware.Limiter
	if cfg.Redis.Addr != "" && cfg.Limits.Uploads > 0 {
		rs := redisstore.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, uploads are allowed until it recovers", "error", err)
		}
		limiter = rs.NewLimiter("ratelimit:upload", cfg.Limits.Uploads, cfg.Limits.Window)
	} else {
		logger.Warn("upload rate limiting disabled")
	}

	service := job.NewJobService(deps.Records, deps.Queue, store, policy, logger)
	handler := job.NewJobHandler(service, cfg.UploadMaxBytes)

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Options{
		Handler:     handler,
		Limiter:     limiter,
		AdminSecret: cfg.AdminJWTSecret,
		Health:      deps.Ping,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
