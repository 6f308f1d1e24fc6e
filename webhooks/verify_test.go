package webhooks

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"testing"

	"github.com/optimly/integrations_backend/models"
)

func hmacHex(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacB64(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACHexAccepts(t *testing.T) {
	verify, ok := LookupVerifier(models.ProviderTypeCRMA)
	if !ok {
		t.Fatal("no verifier for crm_a")
	}
	body := []byte(`{"entity_type":"contact","event_type":"updated"}`)
	headers := http.Header{}
	headers.Set("X-Crma-Signature", hmacHex("topsecret", body))

	if err := verify("topsecret", body, headers); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifyHMACHexWithPrefix(t *testing.T) {
	verify, _ := LookupVerifier(models.ProviderTypeCRMA)
	body := []byte(`{}`)
	headers := http.Header{}
	headers.Set("X-Crma-Signature", "sha256="+hmacHex("topsecret", body))

	if err := verify("topsecret", body, headers); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
}

func TestVerifyHMACHexRejectsWrongKey(t *testing.T) {
	verify, _ := LookupVerifier(models.ProviderTypeCRMA)
	body := []byte(`{}`)
	headers := http.Header{}
	headers.Set("X-Crma-Signature", hmacHex("wrong", body))

	if err := verify("topsecret", body, headers); err == nil {
		t.Fatal("wrong key accepted")
	}
}

func TestVerifyHMACHexRejectsTamperedBody(t *testing.T) {
	verify, _ := LookupVerifier(models.ProviderTypeSCM)
	body := []byte(`{"a":1}`)
	headers := http.Header{}
	headers.Set("X-Scm-Hmac", hmacHex("topsecret", body))

	if err := verify("topsecret", []byte(`{"a":2}`), headers); err == nil {
		t.Fatal("tampered body accepted")
	}
}

func TestVerifyHMACBase64(t *testing.T) {
	verify, ok := LookupVerifier(models.ProviderTypeCRMB)
	if !ok {
		t.Fatal("no verifier for crm_b")
	}
	body := []byte(`{"entity_type":"deal"}`)
	headers := http.Header{}
	headers.Set("X-Crmb-Signature-256", hmacB64("anothersecret", body))

	if err := verify("anothersecret", body, headers); err != nil {
		t.Fatalf("valid base64 signature rejected: %v", err)
	}

	headers.Set("X-Crmb-Signature-256", "not!!base64")
	if err := verify("anothersecret", body, headers); err == nil {
		t.Fatal("malformed base64 accepted")
	}
}

func TestVerifyMissingSignatureHeader(t *testing.T) {
	verify, _ := LookupVerifier(models.ProviderTypeCRMA)
	if err := verify("topsecret", []byte(`{}`), http.Header{}); err == nil {
		t.Fatal("missing header accepted")
	}
}

func TestVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	body := []byte(`{"entity_type":"article"}`)
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verify, ok := LookupVerifier(models.ProviderTypeCMS)
	if !ok {
		t.Fatal("no verifier for cms")
	}
	headers := http.Header{}
	headers.Set("X-Cms-Signature", base64.StdEncoding.EncodeToString(sig))

	if err := verify(pubPEM, body, headers); err != nil {
		t.Fatalf("valid RSA signature rejected: %v", err)
	}
	if err := verify(pubPEM, []byte(`{"entity_type":"other"}`), headers); err == nil {
		t.Fatal("RSA signature accepted for different body")
	}
}

func TestLookupVerifierUnknownProvider(t *testing.T) {
	if _, ok := LookupVerifier("ftp_uploads"); ok {
		t.Fatal("unexpected verifier for unknown provider")
	}
}
