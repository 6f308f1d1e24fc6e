package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/utils"
	"github.com/sirupsen/logrus"
)

const compactBatchSize = 500

// RetentionFor returns how long a terminal ledger entry is kept in the hot
// table. Failed work is kept longer because it gets investigated.
func RetentionFor(status models.LedgerStatus) time.Duration {
	switch status {
	case models.LedgerStatusFailed:
		return time.Duration(config.IntFromEnv("LEDGER_RETENTION_FAILED_DAYS", 90)) * 24 * time.Hour
	default:
		return time.Duration(config.IntFromEnv("LEDGER_RETENTION_DAYS", 30)) * 24 * time.Hour
	}
}

// ArchiveObjectName builds the GCS object key for one compaction batch.
func ArchiveObjectName(status models.LedgerStatus, asOf time.Time) string {
	return fmt.Sprintf("ledger-archive/%s/%s/%s.jsonl",
		asOf.UTC().Format("2006/01/02"), string(status), asOf.UTC().Format("150405.000000000"))
}

// EncodeArchive renders entries as JSON lines for the archive object.
func EncodeArchive(entries []models.LedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Compact archives terminal ledger entries past retention to Cloud Storage
// as JSON lines, then deletes them from the hot table. Returns how many
// entries were archived.
func Compact(ctx context.Context) (int, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	total := 0

	for _, status := range []models.LedgerStatus{models.LedgerStatusSucceeded, models.LedgerStatusFailed} {
		cutoff := time.Now().Add(-RetentionFor(status))
		for {
			var batch []models.LedgerEntry
			err := db.WithContext(ctx).
				Where("status = ? AND updated_at < ? AND archived_at IS NULL", status, cutoff).
				Order("id").
				Limit(compactBatchSize).
				Find(&batch).Error
			if err != nil {
				return total, err
			}
			if len(batch) == 0 {
				break
			}

			payload, err := EncodeArchive(batch)
			if err != nil {
				return total, err
			}
			object := ArchiveObjectName(status, time.Now())
			if err := utils.UploadBytesToGCS(ctx, object, payload, "application/x-ndjson"); err != nil {
				config.LogError(logger, "ledger", "Compact", "archive upload", map[string]interface{}{
					"object": object,
					"status": string(status),
				}, err)
				return total, err
			}

			ids := make([]uint, 0, len(batch))
			for i := range batch {
				ids = append(ids, batch[i].ID)
			}
			if err := db.WithContext(ctx).
				Where("id IN ?", ids).
				Delete(&models.LedgerEntry{}).Error; err != nil {
				return total, err
			}

			total += len(batch)
			logger.WithFields(logrus.Fields{
				"field":    "LedgerCompact",
				"status":   string(status),
				"archived": len(batch),
				"object":   object,
			}).Info("ledger batch archived")

			if len(batch) < compactBatchSize {
				break
			}
		}
	}
	return total, nil
}
