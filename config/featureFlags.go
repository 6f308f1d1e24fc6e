package config

import (
	"os"
	"strings"
)

// BoolFromEnv reads a boolean env var with a default.
func BoolFromEnv(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// StrictMappingImmutability rejects in-place edits of field mappings that have
// already been referenced by a completed sync run; edits must create a new version.
//
// Set via env:
// - STRICT_MAPPING_IMMUTABLE=false to allow in-place edits (dev only)
func StrictMappingImmutability() bool {
	return BoolFromEnv("STRICT_MAPPING_IMMUTABLE", true)
}

// EnabledProviders restricts which provider types may receive webhooks or run
// sync jobs. Empty means all registered providers are enabled.
//
// Set via env:
// - ENABLED_PROVIDERS="crm_a,crm_b,cms,scm"
//
// Provider keys are case-insensitive.
func ProviderEnabled(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return false
	}
	raw := os.Getenv("ENABLED_PROVIDERS")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == provider {
			return true
		}
	}
	return false
}
