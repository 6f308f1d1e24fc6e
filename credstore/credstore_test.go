package credstore

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func testMasterKey(t *testing.T) {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	t.Setenv("CREDENTIAL_MASTER_KEY", base64.StdEncoding.EncodeToString(raw))
}

func TestSealOpenRoundTrip(t *testing.T) {
	testMasterKey(t)

	plaintext := []byte(`{"auth_type":"api_key","api_key":"sk-abc123"}`)
	sealed, err := seal("tenant-1", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("sk-abc123")) {
		t.Fatal("ciphertext leaks plaintext secret")
	}

	opened, err := open("tenant-1", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q", opened)
	}
}

func TestOpenWrongTenantFails(t *testing.T) {
	testMasterKey(t)

	sealed, err := seal("tenant-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := open("tenant-2", sealed); err == nil {
		t.Fatal("expected decryption failure with another tenant's key")
	}
}

func TestSealWithoutMasterKey(t *testing.T) {
	t.Setenv("CREDENTIAL_MASTER_KEY", "")

	if _, err := seal("tenant-1", []byte("secret")); !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption, got %v", err)
	}
}

func TestSealWithShortMasterKey(t *testing.T) {
	t.Setenv("CREDENTIAL_MASTER_KEY", base64.StdEncoding.EncodeToString([]byte("too-short")))

	if _, err := seal("tenant-1", []byte("secret")); !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption, got %v", err)
	}
}

func TestSealNonDeterministicNonce(t *testing.T) {
	testMasterKey(t)

	a, err := seal("tenant-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := seal("tenant-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestOpenTamperedCiphertext(t *testing.T) {
	testMasterKey(t)

	sealed, err := seal("tenant-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := open("tenant-1", sealed); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestRotationGraceWindowDefault(t *testing.T) {
	t.Setenv("CREDENTIAL_ROTATION_GRACE_SECONDS", "")

	if got := RotationGraceWindow(); got != 10*time.Minute {
		t.Fatalf("default grace window = %v, want 10m", got)
	}
}
