// Package api exposes jobs, printers and webhooks over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/api/handlers"
	"github.com/orrn/printsync/internal/api/middleware"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	DB             Pinger
	Auth           *middleware.Auth
	AllowedOrigins []string
	Jobs           *handlers.JobHandler
	Print          *handlers.PrintHandler
	Printers       *handlers.PrinterHandler
	Webhooks       *handlers.WebhookHandler
	Log            logrus.FieldLogger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(d.Log))
	if len(d.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(d.AllowedOrigins))
	}

	r.GET("/healthz", health(d.DB))

	apiGroup := r.Group("/api", d.Auth.RequireAuth())
	d.Jobs.RegisterRoutes(apiGroup)
	d.Print.RegisterRoutes(apiGroup)
	d.Printers.RegisterRoutes(apiGroup)
	d.Webhooks.RegisterRoutes(apiGroup)

	return r
}

func health(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
