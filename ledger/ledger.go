package ledger

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/optimly/integrations_backend/models"
	"gorm.io/gorm"
)

var ErrInProgress = errors.New("ledger entry in progress")

// staleAfter is how long a STARTED entry may sit untouched before another
// worker may take it over. Covers worker crashes mid-unit.
const staleAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// Begin inserts STARTED for a unit of work. If the unit already SUCCEEDED,
// returns (true, nil) meaning "skip safely". If another worker holds a fresh
// STARTED, returns ErrInProgress so the caller's queue retries.
func Begin(tx *gorm.DB, tenantId, kind, idempotencyKey string) (skip bool, err error) {
	entry := models.LedgerEntry{
		TenantId:       tenantId,
		Kind:           kind,
		IdempotencyKey: idempotencyKey,
		Status:         models.LedgerStatusStarted,
	}
	if err := tx.Create(&entry).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.LedgerEntry
	if err := tx.Where("tenant_id = ? AND kind = ? AND idempotency_key = ?", tenantId, kind, idempotencyKey).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.LedgerStatusSucceeded:
		return true, nil
	case models.LedgerStatusStarted, models.LedgerStatusCheckpointed:
		if time.Since(existing.UpdatedAt) < staleAfter {
			return false, ErrInProgress
		}
		// Stale owner: take over, keeping the last checkpoint cursor so the
		// new run resumes instead of restarting.
		return false, tx.Model(&models.LedgerEntry{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.LedgerStatusStarted, "last_error": nil}).Error
	default: // FAILED, retryable
		return false, tx.Model(&models.LedgerEntry{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.LedgerStatusStarted, "last_error": nil}).Error
	}
}

// Checkpoint persists the unit's progress cursor so a takeover resumes from
// here rather than from the start.
func Checkpoint(tx *gorm.DB, tenantId, kind, idempotencyKey string, cursor []byte, stats []byte) error {
	return tx.Model(&models.LedgerEntry{}).
		Where("tenant_id = ? AND kind = ? AND idempotency_key = ?", tenantId, kind, idempotencyKey).
		Updates(map[string]interface{}{
			"status":      models.LedgerStatusCheckpointed,
			"cursor_json": cursor,
			"stats_json":  stats,
		}).Error
}

func MarkSucceeded(tx *gorm.DB, tenantId, kind, idempotencyKey string, stats []byte) error {
	updates := map[string]interface{}{
		"status":     models.LedgerStatusSucceeded,
		"last_error": nil,
	}
	if stats != nil {
		updates["stats_json"] = stats
	}
	return tx.Model(&models.LedgerEntry{}).
		Where("tenant_id = ? AND kind = ? AND idempotency_key = ?", tenantId, kind, idempotencyKey).
		Updates(updates).Error
}

func MarkFailed(tx *gorm.DB, tenantId, kind, idempotencyKey string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return tx.Model(&models.LedgerEntry{}).
		Where("tenant_id = ? AND kind = ? AND idempotency_key = ?", tenantId, kind, idempotencyKey).
		Updates(map[string]interface{}{"status": models.LedgerStatusFailed, "last_error": &msg}).Error
}

// LastCheckpoint returns the persisted cursor for a unit, or nil when none
// has been recorded.
func LastCheckpoint(tx *gorm.DB, tenantId, kind, idempotencyKey string) ([]byte, error) {
	var existing models.LedgerEntry
	err := tx.Where("tenant_id = ? AND kind = ? AND idempotency_key = ?", tenantId, kind, idempotencyKey).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return existing.CursorJSON, nil
}

// IsAlreadyProcessed reports whether a unit of work has a SUCCEEDED entry.
func IsAlreadyProcessed(tx *gorm.DB, tenantId, kind, idempotencyKey string) (bool, error) {
	var count int64
	err := tx.Model(&models.LedgerEntry{}).
		Where("tenant_id = ? AND kind = ? AND idempotency_key = ? AND status = ?",
			tenantId, kind, idempotencyKey, models.LedgerStatusSucceeded).
		Count(&count).Error
	return count > 0, err
}
