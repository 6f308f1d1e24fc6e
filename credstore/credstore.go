package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/models"
	"github.com/optimly/integrations_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExpired  = errors.New("credential expired")
)

// Credential is the plaintext secret material for one integration instance.
// It exists only inside request scope; it is never persisted or logged as-is.
type Credential struct {
	AuthType     string     `json:"auth_type"` // oauth, api_key
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	APIKey       string     `json:"api_key,omitempty"`
	SigningKey   string     `json:"signing_key,omitempty"` // webhook shared secret / RSA public key PEM
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// RotationGraceWindow is how long the previous ciphertext stays decryptable
// after a rotation, so in-flight jobs can complete.
func RotationGraceWindow() time.Duration {
	return time.Duration(config.IntFromEnv("CREDENTIAL_ROTATION_GRACE_SECONDS", 600)) * time.Second
}

// Store encrypts and persists a credential for an instance, returning the
// opaque credential ref recorded on the instance.
func Store(ctx context.Context, instanceId uint, cred *Credential) (string, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return "", errors.New("tenant missing from context")
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	sealed, err := seal(tenantId, plaintext)
	if err != nil {
		return "", err
	}

	ref := uuid.NewString()
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Credential
		findErr := tx.Where("integration_instance_id = ?", instanceId).Take(&existing).Error
		if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			row := models.Credential{
				TenantId:              tenantId,
				IntegrationInstanceId: instanceId,
				Ref:                   ref,
				Ciphertext:            sealed,
				KeyVersion:            1,
				ExpiresAt:             cred.ExpiresAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&models.Credential{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"ref":        ref,
					"ciphertext": sealed,
					"expires_at": cred.ExpiresAt,
				}).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.IntegrationInstance{}).
			Where("id = ?", instanceId).
			Updates(map[string]interface{}{
				"credential_ref": ref,
				"status":         models.InstanceStatusActive,
			}).Error
	})
	if err != nil {
		return "", err
	}

	auditLog(ctx, "store", instanceId, tenantId)
	return ref, nil
}

// Retrieve decrypts the instance's credential on demand.
func Retrieve(ctx context.Context, instanceId uint) (*Credential, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant missing from context")
	}

	db := config.GetDB()
	var row models.Credential
	if err := db.WithContext(ctx).
		Where("integration_instance_id = ?", instanceId).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}

	plaintext, err := open(tenantId, row.Ciphertext)
	if err != nil {
		// A freshly rotated ciphertext may not reach a replica before an
		// in-flight job reads; fall back to the previous one inside the
		// grace window.
		if len(row.PrevCiphertext) > 0 && row.PrevExpiresAt != nil && row.PrevExpiresAt.After(time.Now()) {
			plaintext, err = open(tenantId, row.PrevCiphertext)
		}
		if err != nil {
			return nil, err
		}
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, err
	}
	if cred.ExpiresAt != nil && cred.ExpiresAt.Before(time.Now()) {
		auditLog(ctx, "retrieve_expired", instanceId, tenantId)
		return nil, ErrCredentialExpired
	}

	auditLog(ctx, "retrieve", instanceId, tenantId)
	return &cred, nil
}

// Rotate atomically replaces the credential; the old ciphertext is retained
// through the grace window for in-flight jobs, then purged. The ref is stable
// across rotations and is returned so callers can echo it back.
func Rotate(ctx context.Context, instanceId uint, newCred *Credential) (string, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return "", errors.New("tenant missing from context")
	}

	plaintext, err := json.Marshal(newCred)
	if err != nil {
		return "", err
	}
	sealed, err := seal(tenantId, plaintext)
	if err != nil {
		return "", err
	}

	now := time.Now()
	graceUntil := now.Add(RotationGraceWindow())

	var ref string
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Credential
		if err := tx.Where("integration_instance_id = ?", instanceId).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCredentialNotFound
			}
			return err
		}
		ref = row.Ref
		return tx.Model(&models.Credential{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"prev_ciphertext": row.Ciphertext,
				"prev_expires_at": graceUntil,
				"ciphertext":      sealed,
				"key_version":     row.KeyVersion + 1,
				"expires_at":      newCred.ExpiresAt,
				"rotated_at":      now,
			}).Error
	})
	if err != nil {
		return "", err
	}

	auditLog(ctx, "rotate", instanceId, tenantId)
	return ref, nil
}

// Revoke deletes the instance's credential and marks the instance revoked.
// Used when a tenant disconnects an integration.
func Revoke(ctx context.Context, instanceId uint) error {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return errors.New("tenant missing from context")
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("integration_instance_id = ?", instanceId).Delete(&models.Credential{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCredentialNotFound
		}
		return tx.Model(&models.IntegrationInstance{}).
			Where("id = ?", instanceId).
			Updates(map[string]interface{}{
				"credential_ref": "",
				"status":         models.InstanceStatusRevoked,
			}).Error
	})
	if err != nil {
		return err
	}

	auditLog(ctx, "revoke", instanceId, tenantId)
	return nil
}

// PurgeExpiredGraceCiphertexts clears previous ciphertexts whose grace window
// has passed. Run periodically by the worker.
func PurgeExpiredGraceCiphertexts(ctx context.Context) (int64, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("prev_ciphertext IS NOT NULL AND prev_expires_at < ?", time.Now()).
		Updates(map[string]interface{}{
			"prev_ciphertext": nil,
			"prev_expires_at": nil,
		})
	return res.RowsAffected, res.Error
}

// auditLog records credential access without ever touching secret material.
func auditLog(ctx context.Context, op string, instanceId uint, tenantId string) {
	actor, _ := utils.GetActorFromContext(ctx)
	if actor == "" {
		actor = "system"
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":       "CredentialAudit",
		"op":          op,
		"instance_id": instanceId,
		"tenant_id":   tenantId,
		"actor":       actor,
	}).Info("credential access")
}
