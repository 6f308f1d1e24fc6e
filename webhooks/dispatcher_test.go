package webhooks

import (
	"testing"
	"time"
)

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	cfg := retryConfig{maxRetries: 5, baseBackoff: 5 * time.Second, maxBackoff: 10 * time.Minute}

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{10, 10 * time.Minute},
		{40, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := retryBackoff(tc.retry, cfg); got != tc.want {
			t.Fatalf("retryBackoff(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestGetRetryConfigDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_MAX_RETRIES", "")
	t.Setenv("WEBHOOK_BASE_BACKOFF_SECONDS", "")
	t.Setenv("WEBHOOK_MAX_BACKOFF_SECONDS", "")

	cfg := getRetryConfig()
	if cfg.maxRetries != 5 {
		t.Fatalf("maxRetries = %d, want 5", cfg.maxRetries)
	}
	if cfg.baseBackoff != 5*time.Second {
		t.Fatalf("baseBackoff = %v, want 5s", cfg.baseBackoff)
	}
}

func TestGetRetryConfigOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_MAX_RETRIES", "3")
	t.Setenv("WEBHOOK_BASE_BACKOFF_SECONDS", "1")
	t.Setenv("WEBHOOK_MAX_BACKOFF_SECONDS", "8")

	cfg := getRetryConfig()
	if cfg.maxRetries != 3 || cfg.baseBackoff != time.Second || cfg.maxBackoff != 8*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if got := retryBackoff(5, cfg); got != 8*time.Second {
		t.Fatalf("capped backoff = %v, want 8s", got)
	}
}

func TestDedupeWindowDefault(t *testing.T) {
	t.Setenv("WEBHOOK_DEDUPE_WINDOW_HOURS", "")
	if got := DedupeWindow(); got != 24*time.Hour {
		t.Fatalf("dedupe window = %v, want 24h", got)
	}
}

func TestDedupeKeyShape(t *testing.T) {
	if got := dedupeKey(42, "abc123"); got != "webhook:dedupe:42:abc123" {
		t.Fatalf("dedupe key = %q", got)
	}
}

func TestEventLedgerKeyShape(t *testing.T) {
	if got := eventLedgerKey(42, "abc123"); got != "42:abc123" {
		t.Fatalf("event ledger key = %q", got)
	}
	// Two instances receiving an identical payload must not share a key.
	if eventLedgerKey(1, "abc123") == eventLedgerKey(2, "abc123") {
		t.Fatal("ledger keys collide across instances")
	}
}
