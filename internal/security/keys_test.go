package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPEM_InlinePEM(t *testing.T) {
	pemBytes, err := LoadPEM(testPrivateKeyPEM)
	if err != nil {
		t.Fatalf("LoadPEM: %v", err)
	}
	if !strings.Contains(string(pemBytes), "-----BEGIN") {
		t.Error("LoadPEM did not return PEM content")
	}
}

func TestLoadPEM_LiteralNewlines(t *testing.T) {
	escaped := strings.ReplaceAll(testPublicKeyPEM, "\n", `\n`)
	pub, err := ParsePublicKey(escaped)
	if err != nil {
		t.Fatalf("ParsePublicKey with literal \\n: %v", err)
	}
	if KeyAlg(pub) != "RS256" {
		t.Errorf("KeyAlg = %q, want RS256", KeyAlg(pub))
	}
}

func TestLoadPEM_FilePath(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.pem")
	if err := os.WriteFile(tmpFile, []byte(testPrivateKeyPEM), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	signer, err := ParsePrivateKey(tmpFile)
	if err != nil {
		t.Fatalf("ParsePrivateKey(file): %v", err)
	}
	if KeyAlg(signer.Public()) != "RS256" {
		t.Errorf("KeyAlg = %q, want RS256", KeyAlg(signer.Public()))
	}
}

func TestLoadPEM_EmptyString(t *testing.T) {
	if _, err := LoadPEM("   "); err != ErrInvalidKey {
		t.Errorf("LoadPEM empty: want ErrInvalidKey, got %v", err)
	}
}

func TestLoadPEM_MissingFile(t *testing.T) {
	if _, err := LoadPEM(filepath.Join(t.TempDir(), "absent.pem")); err == nil {
		t.Error("LoadPEM missing file: want error")
	}
}

func TestParsePrivateKey_NotPEM(t *testing.T) {
	if _, err := ParsePrivateKey("-----BEGIN garbage"); err != ErrInvalidKey {
		t.Errorf("ParsePrivateKey garbage: want ErrInvalidKey, got %v", err)
	}
}

func TestLoadKeyPair_ECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER}))
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	signer, pub, err := LoadKeyPair(privPEM, pubPEM)
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if KeyAlg(pub) != "ES256" {
		t.Errorf("KeyAlg = %q, want ES256", KeyAlg(pub))
	}

	p := NewTokenProvider(signer, pub, TestIssuer, TestAudience, TestAccessTTL, TestRefreshTTL)
	issued, err := p.IssueAccess("u1", "staff")
	if err != nil {
		t.Fatalf("IssueAccess ES256: %v", err)
	}
	if _, err := p.ValidateAccess(issued.Token); err != nil {
		t.Errorf("ValidateAccess ES256: %v", err)
	}
}

func TestLoadKeyPair_Mismatch(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	_, _, err = LoadKeyPair(testPrivateKeyPEM, pubPEM)
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("LoadKeyPair mismatch: want ErrInvalidKey, got %v", err)
	}
}
