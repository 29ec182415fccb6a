// Package httpapi assembles the gin engine served by cmd/api.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/config"
	"github.com/joshu-sajeev/parsemd/internal/job"
	"github.com/joshu-sajeev/parsemd/middleware"
)

type Options struct {
	Handler job.JobHandlerInterface
	// Limiter guards uploads. Nil leaves them unlimited.
	Limiter        middleware.Limiter
	AdminSecret    string
	RequestTimeout time.Duration
	Health         func(ctx context.Context) error
	Logger         *slog.Logger
}

func NewRouter(o Options) *gin.Engine {
	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := o.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestLogger(logger),
		middleware.TimeoutMiddleware(timeout),
		middleware.ErrorHandler(logger),
	)

	r.NoRoute(func(c *gin.Context) {
		c.Error(common.Errf(http.StatusNotFound, "route not found"))
	})

	r.GET("/healthz", func(c *gin.Context) {
		if o.Health != nil {
			if err := o.Health(c.Request.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	upload := []gin.HandlerFunc{}
	if o.Limiter != nil {
		upload = append(upload, middleware.RateLimit(o.Limiter, config.RateLimitMessage, logger))
	}
	upload = append(upload, o.Handler.Upload)
	api.POST("/upload", upload...)
	api.GET("/status/:jobId", o.Handler.Status)
	api.GET("/result/:jobId", o.Handler.Result)

	admin := r.Group("/admin/queues", middleware.AdminAuth(o.AdminSecret))
	admin.GET("/entries", o.Handler.ListEntries)
	admin.GET("/entries/:jobId", o.Handler.GetEntry)

	return r
}
