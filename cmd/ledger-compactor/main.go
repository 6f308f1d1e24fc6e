package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/ledger"
	"github.com/sirupsen/logrus"
)

// One-shot job that archives expired ledger entries to GCS and deletes them.
// Intended to run on a schedule (Cloud Scheduler + Cloud Run job).
func main() {
	_ = godotenv.Load()

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	archived, err := ledger.Compact(sigCtx)
	if err != nil {
		config.LogError(logger, "main.go", "main", "ledger.Compact", nil, err)
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"field":    "LedgerCompaction",
		"archived": archived,
	}).Info("ledger compaction finished")
}
