package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/utils"
	"github.com/xuri/excelize/v2"
)

// ActivityRow is one line of the sync activity report.
type ActivityRow struct {
	Kind           string
	IdempotencyKey string
	Status         string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func getActivityReport(ctx context.Context, since time.Time) ([]ActivityRow, error) {
	db := config.GetDB()
	var entries []models.LedgerEntry
	if err := db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	rows := make([]ActivityRow, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		lastErr := ""
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		rows = append(rows, ActivityRow{
			Kind:           e.Kind,
			IdempotencyKey: e.IdempotencyKey,
			Status:         string(e.Status),
			LastError:      lastErr,
			CreatedAt:      e.CreatedAt,
			UpdatedAt:      e.UpdatedAt,
		})
	}
	return rows, nil
}

// BuildActivityWorkbook renders activity rows into an xlsx workbook.
func BuildActivityWorkbook(rows []ActivityRow) (*excelize.File, error) {
	f := excelize.NewFile()
	if _, err := f.NewSheet("Sheet1"); err != nil {
		return nil, err
	}

	// Add headers
	f.SetCellValue("Sheet1", "A1", "Kind")
	f.SetCellValue("Sheet1", "B1", "IdempotencyKey")
	f.SetCellValue("Sheet1", "C1", "Status")
	f.SetCellValue("Sheet1", "D1", "LastError")
	f.SetCellValue("Sheet1", "E1", "CreatedAt")
	f.SetCellValue("Sheet1", "F1", "UpdatedAt")

	// Add data
	for i, r := range rows {
		f.SetCellValue("Sheet1", "A"+fmt.Sprint(i+2), r.Kind)
		f.SetCellValue("Sheet1", "B"+fmt.Sprint(i+2), r.IdempotencyKey)
		f.SetCellValue("Sheet1", "C"+fmt.Sprint(i+2), r.Status)
		f.SetCellValue("Sheet1", "D"+fmt.Sprint(i+2), r.LastError)
		f.SetCellValue("Sheet1", "E"+fmt.Sprint(i+2), r.CreatedAt.Format(time.RFC3339))
		f.SetCellValue("Sheet1", "F"+fmt.Sprint(i+2), r.UpdatedAt.Format(time.RFC3339))
	}
	return f, nil
}

// ExportActivityHandler streams the tenant's recent ledger activity as xlsx.
// Query param "days" bounds the window, default 7.
func ExportActivityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		if _, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		days := 7
		if raw := c.Query("days"); raw != "" {
			if _, err := fmt.Sscanf(raw, "%d", &days); err != nil || days <= 0 || days > 90 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 90"})
				return
			}
		}

		rows, err := getActivityReport(c.Request.Context(), time.Now().AddDate(0, 0, -days))
		if err != nil {
			config.LogError(logger, "ledger", "ExportActivityHandler", "load report", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load report"})
			return
		}

		f, err := BuildActivityWorkbook(rows)
		if err != nil {
			config.LogError(logger, "ledger", "ExportActivityHandler", "build workbook", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build report"})
			return
		}

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=sync-activity.xlsx")
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			config.LogError(logger, "ledger", "ExportActivityHandler", "write workbook", nil, err)
		}
	}
}
