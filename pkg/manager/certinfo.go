package manager

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// CertificateInfo is what the managed item records about an issued certificate
type CertificateInfo struct {
	Subject    string
	DNSNames   []string
	NotBefore  time.Time
	NotAfter   time.Time
	Thumbprint string
}

// ParseCertificateInfo reads the leaf certificate of a PEM bundle.
func ParseCertificateInfo(pemData []byte) (*CertificateInfo, error) {
	cert, err := certcrypto.ParsePEMCertificate(pemData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return newCertificateInfo(cert), nil
}

// LoadCertificateInfo reads certificate details from a PEM file on disk.
func LoadCertificateInfo(certPath string) (*CertificateInfo, *x509.Certificate, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read certificate file: %w", err)
	}
	cert, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate %s: %w", certPath, err)
	}
	return newCertificateInfo(cert), cert, nil
}

func newCertificateInfo(cert *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Subject:    cert.Subject.CommonName,
		DNSNames:   cert.DNSNames,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		Thumbprint: CertificateThumbprint(cert),
	}
}

// CertificateThumbprint is the uppercase hex SHA-1 of the DER encoding.
func CertificateThumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// CompareCertificateDomains compares the domains in a certificate against a list of requested domains
// Returns two slices: domains missing from the cert, and domains in cert but not requested
func CompareCertificateDomains(cert *x509.Certificate, requestedDomains []string) (missingDomains, extraDomains []string) {
	existing := make(map[string]bool, len(cert.DNSNames))
	for _, domain := range cert.DNSNames {
		existing[strings.ToLower(domain)] = true
	}

	requested := make(map[string]bool, len(requestedDomains))
	for _, domain := range requestedDomains {
		requested[strings.ToLower(domain)] = true
	}

	for _, domain := range requestedDomains {
		if !existing[strings.ToLower(domain)] {
			missingDomains = append(missingDomains, domain)
		}
	}
	for _, domain := range cert.DNSNames {
		if !requested[strings.ToLower(domain)] {
			extraDomains = append(extraDomains, domain)
		}
	}

	return missingDomains, extraDomains
}
