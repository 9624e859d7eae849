package acmeclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

// CertificateMeta is written next to every issued certificate.
type CertificateMeta struct {
	ItemID   string    `json:"itemId"`
	Domains  []string  `json:"domains"`
	OrderURI string    `json:"orderUri,omitempty"`
	CertURL  string    `json:"certUrl,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// CertStorage writes issued certificates to <dir>/<name>.crt, .key, .issuer.crt and .json.
type CertStorage struct {
	Dir    string
	Logger common.LoggerInterface
}

// CertPath returns where the certificate of name is kept.
func (s *CertStorage) CertPath(name string) string {
	return filepath.Join(s.Dir, name+".crt")
}

// KeyPath returns where the private key of name is kept.
func (s *CertStorage) KeyPath(name string) string {
	return filepath.Join(s.Dir, name+".key")
}

// Save stores certificate, key and metadata. The issuer chain is optional and a failure
// to write it is only logged.
func (s *CertStorage) Save(name string, certPEM, keyPEM, issuerPEM []byte, meta CertificateMeta) error {
	if err := os.MkdirAll(s.Dir, manager.DirPermissions); err != nil {
		return fmt.Errorf("creating certificates directory %s: %w", s.Dir, err)
	}

	// the key goes first so a certificate never exists without it
	keyFile := s.KeyPath(name)
	if err := os.WriteFile(keyFile, keyPEM, manager.PrivateKeyPermissions); err != nil {
		return fmt.Errorf("writing private key file %s: %w", keyFile, err)
	}
	certFile := s.CertPath(name)
	if err := os.WriteFile(certFile, certPEM, manager.CertificatePermissions); err != nil {
		return fmt.Errorf("writing certificate file %s: %w", certFile, err)
	}
	s.Logger.Infof("Saved certificate to %s", certFile)

	if len(issuerPEM) > 0 {
		issuerFile := filepath.Join(s.Dir, name+".issuer.crt")
		if err := os.WriteFile(issuerFile, issuerPEM, manager.CertificatePermissions); err != nil {
			s.Logger.Warnf("Warning: writing issuer certificate file %s: %v", issuerFile, err)
		}
	}

	jsonBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling certificate metadata for %s: %w", name, err)
	}
	jsonFile := filepath.Join(s.Dir, name+".json")
	if err := os.WriteFile(jsonFile, jsonBytes, manager.PrivateKeyPermissions); err != nil {
		return fmt.Errorf("writing certificate metadata file %s: %w", jsonFile, err)
	}
	return nil
}

// pendingKeyPath holds the key of a finalize request until its certificate is saved.
func (s *CertStorage) pendingKeyPath(name string) string {
	return filepath.Join(s.Dir, name+".pending.key")
}

// SavePendingKey keeps the key a CSR was signed with, so an order finalized by the CA
// can still be completed when the certificate download happens in a later run.
func (s *CertStorage) SavePendingKey(name string, keyPEM []byte) error {
	if err := os.MkdirAll(s.Dir, manager.DirPermissions); err != nil {
		return fmt.Errorf("creating certificates directory %s: %w", s.Dir, err)
	}
	keyFile := s.pendingKeyPath(name)
	if err := os.WriteFile(keyFile, keyPEM, manager.PrivateKeyPermissions); err != nil {
		return fmt.Errorf("writing pending key file %s: %w", keyFile, err)
	}
	return nil
}

// LoadPendingKey returns the key saved by SavePendingKey, nil when there is none.
func (s *CertStorage) LoadPendingKey(name string) ([]byte, error) {
	data, err := os.ReadFile(s.pendingKeyPath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// RemovePendingKey drops the pending key once the certificate is stored.
func (s *CertStorage) RemovePendingKey(name string) {
	if err := os.Remove(s.pendingKeyPath(name)); err != nil && !os.IsNotExist(err) {
		s.Logger.Warnf("Could not remove pending key of %s: %v", name, err)
	}
}

// LoadMeta reads the metadata saved with the certificate of name.
func (s *CertStorage) LoadMeta(name string) (*CertificateMeta, error) {
	jsonFile := filepath.Join(s.Dir, name+".json")
	data, err := os.ReadFile(jsonFile)
	if err != nil {
		return nil, err
	}
	var meta CertificateMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing certificate metadata file %s: %w", jsonFile, err)
	}
	return &meta, nil
}
