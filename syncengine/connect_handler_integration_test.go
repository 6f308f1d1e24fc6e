package syncengine_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/credstore"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/syncengine"
	"github.com/optimly/integrations_backend/utils"
)

// Connecting an instance twice must keep the same opaque credential ref: the
// first call stores, the second rotates, and both responses carry the ref.
func TestConnectHandlerRotationKeepsCredentialRef(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

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
	models.MigrateTable()

	tenantId := "tenant-connect-test"
	db := config.GetDB()
	instance := models.IntegrationInstance{
		TenantId:     tenantId,
		ProviderType: models.ProviderTypeCRMA,
		Status:       models.InstanceStatusPendingAuth,
		DisplayName:  "CRM A Connect Test",
	}
	if err := db.Create(&instance).Error; err != nil {
		t.Fatalf("create instance: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
		ctx = utils.SetActorInContext(ctx, "integration-test")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.POST("/instances/:id/connect", syncengine.ConnectHandler())

	connect := func(apiKey string) string {
		t.Helper()
		body, _ := json.Marshal(map[string]string{
			"auth_type": "api_key",
			"api_key":   apiKey,
		})
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/instances/%d/connect", instance.ID), bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("connect status = %d: %s", w.Code, w.Body.String())
		}
		var resp struct {
			Data struct {
				CredentialRef string `json:"credential_ref"`
			} `json:"data"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp.Data.CredentialRef
	}

	firstRef := connect("key-v1")
	if firstRef == "" {
		t.Fatal("fresh connect returned empty credential_ref")
	}

	rotatedRef := connect("key-v2")
	if rotatedRef == "" {
		t.Fatal("rotation returned empty credential_ref")
	}
	if rotatedRef != firstRef {
		t.Fatalf("ref changed across rotation: %q -> %q", firstRef, rotatedRef)
	}

	ctx := utils.SetTenantIdInContext(context.Background(), tenantId)
	cred, err := credstore.Retrieve(ctx, instance.ID)
	if err != nil {
		t.Fatalf("retrieve after rotation: %v", err)
	}
	if cred.APIKey != "key-v2" {
		t.Fatalf("active key = %q, want rotated key", cred.APIKey)
	}
}
