package ledger

import (
	"strings"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/optimly/integrations_backend/models"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	if !isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1062}) {
		t.Fatal("1062 should be a duplicate key error")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Fatal("1213 is a deadlock, not a duplicate key")
	}
	if isDuplicateKeyErr(nil) {
		t.Fatal("nil is not a duplicate key error")
	}
}

func TestRetentionForFailedLongerThanSucceeded(t *testing.T) {
	t.Setenv("LEDGER_RETENTION_DAYS", "")
	t.Setenv("LEDGER_RETENTION_FAILED_DAYS", "")

	succeeded := RetentionFor(models.LedgerStatusSucceeded)
	failed := RetentionFor(models.LedgerStatusFailed)
	if succeeded != 30*24*time.Hour {
		t.Fatalf("succeeded retention = %v, want 720h", succeeded)
	}
	if failed != 90*24*time.Hour {
		t.Fatalf("failed retention = %v, want 2160h", failed)
	}
}

func TestArchiveObjectName(t *testing.T) {
	asOf := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	name := ArchiveObjectName(models.LedgerStatusFailed, asOf)
	if !strings.HasPrefix(name, "ledger-archive/2026/03/14/FAILED/") {
		t.Fatalf("unexpected object name %q", name)
	}
	if !strings.HasSuffix(name, ".jsonl") {
		t.Fatalf("archive object should be jsonl, got %q", name)
	}
}

func TestEncodeArchiveJSONLines(t *testing.T) {
	lastErr := "boom"
	entries := []models.LedgerEntry{
		{TenantId: "t1", Kind: models.LedgerKindSyncJob, IdempotencyKey: "job-1", Status: models.LedgerStatusSucceeded},
		{TenantId: "t1", Kind: models.LedgerKindRecord, IdempotencyKey: "rec-9", Status: models.LedgerStatusFailed, LastError: &lastErr},
	}
	out, err := EncodeArchive(entries)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 JSON lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `"boom"`) {
		t.Fatalf("second line missing last_error: %s", lines[1])
	}
}

func TestBuildActivityWorkbook(t *testing.T) {
	rows := []ActivityRow{
		{Kind: models.LedgerKindWebhookEvent, IdempotencyKey: "evt-1", Status: "SUCCEEDED"},
		{Kind: models.LedgerKindSyncJob, IdempotencyKey: "job-2", Status: "FAILED", LastError: "rate limited"},
	}
	f, err := BuildActivityWorkbook(rows)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := f.GetCellValue("Sheet1", "B3")
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if got != "job-2" {
		t.Fatalf("B3 = %q, want job-2", got)
	}
	status, _ := f.GetCellValue("Sheet1", "C3")
	if status != "FAILED" {
		t.Fatalf("C3 = %q, want FAILED", status)
	}
}
