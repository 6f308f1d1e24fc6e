package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/ledger"
	"github.com/optimly/integrations_backend/middlewares"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/syncengine"
	"github.com/optimly/integrations_backend/utils"
	"github.com/optimly/integrations_backend/webhooks"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs only requests that recorded gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			entry := logger.WithField("field", "http")
			if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
				entry = entry.WithField("correlation_id", cid)
			}
			entry.Error(c.Errors.String())
		}
	}
}

func main() {
	_ = godotenv.Load()

	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Provider-facing ingestion. Signature verification happens inside; no session.
	r.POST("/webhooks/:provider/:instanceId", webhooks.ReceiveHandler())

	// Pub/Sub push delivery (gated by env inside the handlers).
	r.POST("/pubsub/sync-jobs", syncengine.PubSubPushHandler())
	r.POST("/pubsub/webhook-events", webhooks.PubSubPushHandler())

	// Tenant API.
	r.POST("/instances", syncengine.CreateInstanceHandler())
	r.GET("/instances/:id", syncengine.InstanceStatusHandler())
	r.POST("/instances/:id/connect", syncengine.ConnectHandler())
	r.POST("/instances/:id/disconnect", syncengine.DisconnectHandler())
	r.POST("/instances/:id/sync", syncengine.TriggerSyncHandler())
	r.GET("/jobs/:id", syncengine.JobStatusHandler())
	r.POST("/jobs/:id/cancel", syncengine.CancelJobHandler())
	r.GET("/jobs/:id/failures", syncengine.ListRecordFailuresHandler())
	r.POST("/mappings", syncengine.CreateMappingHandler())
	r.GET("/mappings", syncengine.ListMappingsHandler())
	r.GET("/mappings/:id", syncengine.GetMappingHandler())
	r.PUT("/mappings/:id", syncengine.UpdateMappingHandler())
	r.DELETE("/mappings/:id", syncengine.DeleteMappingHandler())
	r.GET("/conflicts", syncengine.ListConflictsHandler())
	r.POST("/conflicts/:id/resolve", syncengine.ResolveConflictHandler())
	r.GET("/reports/activity/export", ledger.ExportActivityHandler())

	// Ops tooling: dead letter inspection and replay.
	r.GET("/internal/ops/webhooks/dead-letters", webhooks.ListDeadLettersHandler())
	r.POST("/internal/ops/webhooks/:id/replay", webhooks.ReplayHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("integrations service listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
