package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/credstore"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/syncengine"
	"github.com/optimly/integrations_backend/webhooks"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8081"

// Runs the sync job workers and the webhook event dispatcher. A minimal HTTP
// listener is kept up so the worker deploys on Cloud Run like the API service.
func main() {
	_ = godotenv.Load()

	port := os.Getenv("WORKER_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		_ = srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go syncengine.NewJobDispatcher().Run(workerCtx)
	go webhooks.NewDispatcher(db, logger).Run(workerCtx)

	// Hourly sweep of rotated credential ciphertexts past their grace window.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				purged, err := credstore.PurgeExpiredGraceCiphertexts(workerCtx)
				if err != nil {
					config.LogError(logger, "main.go", "main", "PurgeExpiredGraceCiphertexts", nil, err)
					continue
				}
				if purged > 0 {
					logger.WithFields(logrus.Fields{
						"field":  "credstore",
						"purged": purged,
					}).Info("purged expired grace ciphertexts")
				}
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("sync worker started on port ", port)

	<-sigCtx.Done()
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
