package certgen

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("cert PEM invalid")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

// writeTestCA generates a CA into a temp dir and returns the file paths.
func writeTestCA(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	certPEM, keyPEM, err := GenerateCA("Test CA")
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	dir := t.TempDir()
	if err := WritePair(dir, "ca", certPEM, keyPEM); err != nil {
		t.Fatalf("WritePair: %v", err)
	}
	return filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
}

func TestGenerateCA(t *testing.T) {
	certPEM, _, err := GenerateCA("GophSSO CA")
	if err != nil {
		t.Fatal(err)
	}
	ca := parseCert(t, certPEM)
	if !ca.IsCA || !ca.BasicConstraintsValid {
		t.Error("CA certificate should have IsCA and BasicConstraintsValid")
	}
	if ca.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Errorf("CA KeyUsage = %v; want CertSign", ca.KeyUsage)
	}
	if err := ca.CheckSignatureFrom(ca); err != nil {
		t.Errorf("CA is not self-signed: %v", err)
	}
}

func TestLoadCACredentials(t *testing.T) {
	certPath, keyPath := writeTestCA(t)

	ca, key, err := LoadCACredentials(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCACredentials error: %v", err)
	}
	if ca.Subject.CommonName != "Test CA" {
		t.Errorf("CommonName = %q; want %q", ca.Subject.CommonName, "Test CA")
	}
	if _, ok := key.(*ecdsa.PrivateKey); !ok {
		t.Errorf("key type = %T; want *ecdsa.PrivateKey", key)
	}
}

func TestLoadCACredentials_Errors(t *testing.T) {
	certPath, keyPath := writeTestCA(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a pem"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cert     string
		key      string
		wantText string
	}{
		{"missing cert", "/no/such/file.pem", keyPath, "read ca cert"},
		{"missing key", certPath, "/no/such/key.pem", "read ca key"},
		{"bad cert", garbage, keyPath, "invalid CA cert PEM"},
		{"bad key", certPath, garbage, "invalid CA key PEM"},
		{"key as cert", keyPath, keyPath, "invalid CA cert PEM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := LoadCACredentials(tt.cert, tt.key)
			if err == nil || !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("got %v; want error containing %q", err, tt.wantText)
			}
		})
	}
}

func TestIssuer(t *testing.T) {
	certPath, keyPath := writeTestCA(t)
	issuer, err := NewIssuer(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}

	certPEM, keyPEM, err := issuer.Issue("AID::mail")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	cert := parseCert(t, certPEM)
	if cert.Subject.CommonName != "AID::mail" {
		t.Errorf("CommonName = %q; want %q", cert.Subject.CommonName, "AID::mail")
	}
	if err := cert.CheckSignatureFrom(issuer.caCert); err != nil {
		t.Errorf("signature check failed: %v", err)
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Errorf("ExtKeyUsage = %v; want client auth only", cert.ExtKeyUsage)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		t.Fatalf("key PEM invalid")
	}
	if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
		t.Errorf("parse private key failed: %v", err)
	}

	if _, _, err := issuer.Issue(""); err == nil {
		t.Error("expected error for empty application id")
	}
}

func TestGenerateServerCertificate(t *testing.T) {
	certPath, keyPath := writeTestCA(t)
	ca, caKey, err := LoadCACredentials(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}

	certPEM, _, err := GenerateServerCertificate([]string{"localhost", "127.0.0.1"}, ca, caKey)
	if err != nil {
		t.Fatal(err)
	}
	cert := parseCert(t, certPEM)
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost: %v", err)
	}
	if err := cert.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("127.0.0.1: %v", err)
	}

	if _, _, err := GenerateServerCertificate(nil, ca, caKey); err == nil {
		t.Error("expected error without hosts")
	}
}

func TestWritePair_KeyPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	if err := WritePair(dir, "client", []byte("c"), []byte("k")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "client.key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key permissions = %v; want 0600", perm)
	}
}
