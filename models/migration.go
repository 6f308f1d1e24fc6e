package models

import (
	"log"

	"github.com/optimly/integrations_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&IntegrationInstance{},
		&Credential{},
		&FieldMapping{},
		&SyncJob{},
		&WebhookEvent{},
		&ConflictRecord{},
		&EntityMapping{},
		&InternalRecord{},
		&RecordFailure{},
		&LedgerEntry{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
