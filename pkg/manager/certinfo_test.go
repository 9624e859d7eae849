package manager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeTestCertificate(t *testing.T, dir string, domains []string, notAfter time.Time) (string, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	path := filepath.Join(dir, "test.crt")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, pemData, CertificatePermissions); err != nil {
		t.Fatal(err)
	}
	return path, der
}

func TestLoadCertificateInfo(t *testing.T) {
	notAfter := time.Now().Add(60 * 24 * time.Hour).Truncate(time.Second).UTC()
	path, der := writeTestCertificate(t, t.TempDir(), []string{"example.com", "www.example.com"}, notAfter)

	info, cert, err := LoadCertificateInfo(path)
	if err != nil {
		t.Fatalf("LoadCertificateInfo() error = %v", err)
	}
	if cert == nil {
		t.Fatal("expected parsed certificate")
	}

	sum := sha1.Sum(der)
	want := strings.ToUpper(hex.EncodeToString(sum[:]))
	if info.Thumbprint != want {
		t.Errorf("Thumbprint = %s, want %s", info.Thumbprint, want)
	}
	if info.Thumbprint != strings.ToUpper(info.Thumbprint) || len(info.Thumbprint) != 40 {
		t.Errorf("thumbprint should be 40 uppercase hex chars: %s", info.Thumbprint)
	}
	if !info.NotAfter.Equal(notAfter) {
		t.Errorf("NotAfter = %v, want %v", info.NotAfter, notAfter)
	}
	if !reflect.DeepEqual(info.DNSNames, []string{"example.com", "www.example.com"}) {
		t.Errorf("DNSNames = %v", info.DNSNames)
	}

	data, _ := os.ReadFile(path)
	parsed, err := ParseCertificateInfo(data)
	if err != nil || parsed.Thumbprint != info.Thumbprint {
		t.Errorf("ParseCertificateInfo() = %+v, %v", parsed, err)
	}
}

func TestLoadCertificateInfoErrors(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := LoadCertificateInfo(filepath.Join(dir, "missing.crt")); err == nil {
		t.Error("expected error for missing file")
	}

	garbage := filepath.Join(dir, "garbage.crt")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadCertificateInfo(garbage); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestCompareCertificateDomains(t *testing.T) {
	testCert := &x509.Certificate{
		DNSNames: []string{"example.com", "www.example.com", "api.example.com"},
	}

	tests := []struct {
		name           string
		requestDomains []string
		wantMissing    []string
		wantExtra      []string
	}{
		{"Exact Match", []string{"example.com", "www.example.com", "api.example.com"}, nil, nil},
		{"Case Insensitive", []string{"EXAMPLE.com", "www.example.com", "api.example.com"}, nil, nil},
		{"Missing Domains", []string{"example.com", "www.example.com", "api.example.com", "new.example.com"}, []string{"new.example.com"}, nil},
		{"Extra Domains", []string{"example.com", "www.example.com"}, nil, []string{"api.example.com"}},
		{"Both Missing and Extra", []string{"example.com", "new.example.com"}, []string{"new.example.com"}, []string{"www.example.com", "api.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			missing, extra := CompareCertificateDomains(testCert, tt.requestDomains)
			if !reflect.DeepEqual(missing, tt.wantMissing) {
				t.Errorf("missing = %v, want %v", missing, tt.wantMissing)
			}
			if !reflect.DeepEqual(extra, tt.wantExtra) {
				t.Errorf("extra = %v, want %v", extra, tt.wantExtra)
			}
		})
	}
}
