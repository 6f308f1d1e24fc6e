package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/optimly/integrations_backend/config"
)

// PayloadHash returns the hex sha256 of a raw payload. Used as the webhook
// dedupe key and as a per-record idempotency component.
func PayloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ObtainInstanceLock serializes work per integration instance across workers.
// The caller must Release the returned lock.
func ObtainInstanceLock(ctx context.Context, lockType string, instanceId uint, ttl time.Duration) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when Redis lock isn't initialized yet.
		config.LogError(logger, "utils", "ObtainInstanceLock", "Redis lock not initialized", instanceId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%d", lockType, instanceId)
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrConcurrencyConflict
	} else if err != nil {
		config.LogError(logger, "utils", "ObtainInstanceLock", "Error obtaining instance lock", instanceId, err)
		return nil, err
	}
	return lock, nil
}

// ParseTimeLenient accepts RFC3339 with or without sub-seconds, plus the date
// layouts external platforms commonly send.
func ParseTimeLenient(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SplitAndTrim splits a comma-separated value, dropping empty entries.
func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
