package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTLSFromEnvOverridesConfig(t *testing.T) {
	t.Setenv("NARRATIVE_TLS_CERT", "/env/cert.pem")
	t.Setenv("NARRATIVE_TLS_KEY", "")

	got := TLSFromEnv(TLSFiles{CertFile: "/cfg/cert.pem", KeyFile: "/cfg/key.pem"})
	if got.CertFile != "/env/cert.pem" || got.KeyFile != "/cfg/key.pem" {
		t.Errorf("unexpected files: %+v", got)
	}
}

func TestTLSDisabledLoadsNothing(t *testing.T) {
	cfg, err := TLSFiles{}.Load()
	if err != nil || cfg != nil {
		t.Errorf("expected nil config and error, got %v %v", cfg, err)
	}
}

func TestTLSHalfPairIsAnError(t *testing.T) {
	if _, err := (TLSFiles{CertFile: "/path/to/cert.pem"}).Load(); err == nil {
		t.Error("expected error when only the certificate is set")
	}
}

func TestTLSMissingFiles(t *testing.T) {
	files := TLSFiles{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	if _, err := files.Load(); err == nil {
		t.Error("expected error when files don't exist")
	}
}

func TestTLSLoadsSelfSignedPair(t *testing.T) {
	files := writeSelfSigned(t)
	cfg, err := files.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(cfg.Certificates))
	}
}

func writeSelfSigned(t *testing.T) TLSFiles {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	files := TLSFiles{CertFile: filepath.Join(dir, "cert.pem"), KeyFile: filepath.Join(dir, "key.pem")}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(files.CertFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(files.KeyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return files
}
