package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var ErrEncryption = errors.New("credential encryption unavailable")

// tenantKey derives a per-tenant AES-256 key from the service master key via
// HKDF-SHA256, so one tenant's ciphertexts are useless against another's.
func tenantKey(tenantId string) ([]byte, error) {
	master := strings.TrimSpace(os.Getenv("CREDENTIAL_MASTER_KEY"))
	if master == "" {
		return nil, ErrEncryption
	}
	masterBytes, err := base64.StdEncoding.DecodeString(master)
	if err != nil || len(masterBytes) < 32 {
		return nil, ErrEncryption
	}

	reader := hkdf.New(sha256.New, masterBytes, []byte("optimly-credstore"), []byte(tenantId))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, ErrEncryption
	}
	return key, nil
}

// seal encrypts plaintext with AES-256-GCM under the tenant's derived key.
// The nonce is prepended to the returned ciphertext.
func seal(tenantId string, plaintext []byte) ([]byte, error) {
	key, err := tenantKey(tenantId)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrEncryption
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEncryption
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ErrEncryption
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(tenantId string, sealed []byte) ([]byte, error) {
	key, err := tenantKey(tenantId)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrEncryption
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEncryption
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
