package syncengine_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/credstore"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/syncengine"
	"github.com/optimly/integrations_backend/utils"
)

// Full pull sync against a fake provider: 250 records over 3 pages, a 429 on
// the last page, and one record missing a required field. The job must
// checkpoint per page, park as throttled, resume from the saved cursor
// without re-reading earlier pages, and finish partially failed with exact
// stats.
func TestOrchestratorPullResumeAfterThrottle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "integrations_test")

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("rand: %v", err)
	}
	t.Setenv("CREDENTIAL_MASTER_KEY", base64.StdEncoding.EncodeToString(masterKey))

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	// Fake provider. Pages: 100 + 100 + 50. First hit on page p3 throttles.
	var mu sync.Mutex
	var requestedCursors []string
	throttledOnce := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/contacts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		cursor := r.URL.Query().Get("cursor")
		mu.Lock()
		requestedCursors = append(requestedCursors, cursor)
		if cursor == "p3" && !throttledOnce {
			throttledOnce = true
			mu.Unlock()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		mu.Unlock()

		switch cursor {
		case "":
			writePage(w, 0, 100, "p2", true)
		case "p2":
			writePage(w, 100, 100, "p3", true)
		case "p3":
			writePage(w, 200, 50, "", false)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	t.Setenv("CRM_A_API_BASE_URL", srv.URL)
	t.Setenv("CRM_A_RATE_LIMIT_PER_MIN", "600000")

	tenantId := "tenant-sync-test"
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetActorInContext(ctx, "integration-test")

	db := config.GetDB()
	settings, _ := json.Marshal(models.InstanceSettings{EntityTypes: []string{"contacts"}})
	instance := models.IntegrationInstance{
		TenantId:     tenantId,
		ProviderType: models.ProviderTypeCRMA,
		Status:       models.InstanceStatusPendingAuth,
		DisplayName:  "CRM A Test",
		SettingsJSON: settings,
	}
	if err := db.WithContext(ctx).Create(&instance).Error; err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if _, err := credstore.Store(ctx, instance.ID, &credstore.Credential{
		AuthType: "api_key",
		APIKey:   "test-key",
	}); err != nil {
		t.Fatalf("store credential: %v", err)
	}

	rules := []byte(`[{"source_field":"name","target_field":"full_name","transform":"identity","data_type":"string","required":true}]`)
	mapping := models.FieldMapping{
		TenantId:     tenantId,
		Name:         "contacts-v1",
		Version:      1,
		ProviderType: models.ProviderTypeCRMA,
		EntityType:   "contacts",
		RulesJSON:    rules,
	}
	if err := db.WithContext(ctx).Create(&mapping).Error; err != nil {
		t.Fatalf("create mapping: %v", err)
	}

	job := models.SyncJob{
		TenantId:              tenantId,
		IntegrationInstanceId: instance.ID,
		ProviderType:          models.ProviderTypeCRMA,
		Direction:             models.SyncDirectionPull,
		Status:                models.SyncJobStatusQueued,
		TriggeredBy:           models.SyncTriggeredManual,
		EntityTypesJSON:       models.EncodeEntityTypes([]string{"contacts"}),
	}
	if err := models.CreateSyncJob(ctx, &job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	orch := syncengine.NewOrchestrator()
	if err := orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}

	after, err := models.GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if after.Status != models.SyncJobStatusThrottled {
		t.Fatalf("after 429 status = %q, want throttled", after.Status)
	}
	if after.ResumeAt == nil {
		t.Fatal("throttled job must carry a resume time")
	}
	stats := models.DecodeSyncStats(after.StatsJSON)
	if stats.RecordsRead != 200 || stats.RecordsWritten != 200 {
		t.Fatalf("checkpointed stats = %+v, want 200 read / 200 written", stats)
	}
	cursorState := syncengine.DecodeCursorState(after.CursorStateJSON)
	if cursorState["contacts"].Cursor != "p3" {
		t.Fatalf("checkpointed cursor = %q, want p3", cursorState["contacts"].Cursor)
	}

	time.Sleep(1200 * time.Millisecond)

	if err := orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	final, err := models.GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if final.Status != models.SyncJobStatusPartiallyFailed {
		t.Fatalf("final status = %q, want partially_failed", final.Status)
	}
	stats = models.DecodeSyncStats(final.StatsJSON)
	if stats.RecordsRead != 250 {
		t.Fatalf("records_read = %d, want 250", stats.RecordsRead)
	}
	if stats.RecordsWritten != 249 {
		t.Fatalf("records_written = %d, want 249", stats.RecordsWritten)
	}
	if stats.RecordsFailed != 1 {
		t.Fatalf("records_failed = %d, want 1", stats.RecordsFailed)
	}

	// The resumed run must pick up at p3: no re-read of earlier pages.
	mu.Lock()
	cursors := append([]string(nil), requestedCursors...)
	mu.Unlock()
	want := []string{"", "p2", "p3", "p3"}
	if len(cursors) != len(want) {
		t.Fatalf("provider saw cursors %v, want %v", cursors, want)
	}
	for i := range want {
		if cursors[i] != want[i] {
			t.Fatalf("provider saw cursors %v, want %v", cursors, want)
		}
	}

	var failures []models.RecordFailure
	if err := db.WithContext(ctx).Where("sync_job_id = ?", job.ID).Find(&failures).Error; err != nil {
		t.Fatalf("load failures: %v", err)
	}
	if len(failures) != 1 || failures[0].ErrorCode != "MissingRequiredField" {
		t.Fatalf("failures = %+v, want one MissingRequiredField", failures)
	}

	var count int64
	if err := db.WithContext(ctx).Model(&models.InternalRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count internal records: %v", err)
	}
	if count != 249 {
		t.Fatalf("internal records = %d, want 249", count)
	}
}

// writePage renders `count` contact records starting at offset `start`.
// Record 237 ships without its name to exercise required-field rejection.
func writePage(w http.ResponseWriter, start, count int, next string, hasMore bool) {
	type wireRecord struct {
		ID        string                 `json:"id"`
		Version   string                 `json:"version"`
		UpdatedAt string                 `json:"updated_at"`
		Data      map[string]interface{} `json:"data"`
	}
	records := make([]wireRecord, 0, count)
	for i := start; i < start+count; i++ {
		data := map[string]interface{}{"name": fmt.Sprintf("Contact %d", i)}
		if i == 237 {
			data = map[string]interface{}{"nickname": "anonymous"}
		}
		records = append(records, wireRecord{
			ID:        fmt.Sprintf("c-%d", i),
			Version:   fmt.Sprintf("v%d", i),
			UpdatedAt: time.Date(2026, 5, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339),
			Data:      data,
		})
	}
	resp := map[string]interface{}{
		"data":        records,
		"next_cursor": next,
		"has_more":    hasMore,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("integrations-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("integrations-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=integrations_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
