package acmeclient

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

// Registration is the persisted part of an ACME account.
type Registration struct {
	URI     string   `json:"uri"`
	Status  string   `json:"status,omitempty"`
	Contact []string `json:"contact,omitempty"`
}

// AccountStore keeps the account key and registration per CA and email:
// <dir>/<ca host>/account.json and <dir>/<ca host>/<email>/keys/<email>.key
type AccountStore struct {
	Dir          string
	DirectoryURL string
	Email        string
	Logger       common.LoggerInterface
}

func (s *AccountStore) serverDir() (string, error) {
	u, err := url.Parse(s.DirectoryURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse ACME server URL: %w", err)
	}
	host := u.Host
	if host == "" {
		host = "default"
	}
	return filepath.Join(s.Dir, host), nil
}

func (s *AccountStore) email() string {
	if s.Email == "" {
		return "anonymous"
	}
	return s.Email
}

// LoadOrCreateKey returns the account key, generating and saving an EC384 key on first use.
func (s *AccountStore) LoadOrCreateKey() (crypto.Signer, error) {
	serverDir, err := s.serverDir()
	if err != nil {
		return nil, err
	}
	keysDir := filepath.Join(serverDir, s.email(), "keys")
	if err := os.MkdirAll(keysDir, manager.DirPermissions); err != nil {
		return nil, fmt.Errorf("creating keys directory %s: %w", keysDir, err)
	}
	keyFile := filepath.Join(keysDir, s.email()+".key")

	data, err := os.ReadFile(keyFile)
	if err == nil {
		s.Logger.Debugf("Loading existing ACME account key from %s", keyFile)
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing private key from %s: %w", keyFile, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key in %s cannot sign", keyFile)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading private key file %s: %w", keyFile, err)
	}

	s.Logger.Infof("Generating new private key (ec384) for ACME account")
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	if err := os.WriteFile(keyFile, certcrypto.PEMEncode(key), manager.PrivateKeyPermissions); err != nil {
		return nil, fmt.Errorf("saving private key to %s: %w", keyFile, err)
	}
	s.Logger.Infof("Saved new private key to %s", keyFile)
	return key, nil
}

// LoadRegistration returns the saved registration, or nil when there is none.
func (s *AccountStore) LoadRegistration() (*Registration, error) {
	serverDir, err := s.serverDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(serverDir, "account.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading account file %s: %w", path, err)
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing account file %s: %w", path, err)
	}
	if reg.URI == "" {
		return nil, nil
	}
	return &reg, nil
}

// SaveRegistration writes the registration next to the account key.
func (s *AccountStore) SaveRegistration(reg *Registration) error {
	if reg == nil || reg.URI == "" {
		return fmt.Errorf("cannot save account without registration URI")
	}
	serverDir, err := s.serverDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(serverDir, manager.DirPermissions); err != nil {
		return fmt.Errorf("creating account directory %s: %w", serverDir, err)
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling registration: %w", err)
	}
	path := filepath.Join(serverDir, "account.json")
	if err := os.WriteFile(path, data, manager.PrivateKeyPermissions); err != nil {
		return fmt.Errorf("writing account file %s: %w", path, err)
	}
	s.Logger.Infof("Saved ACME registration to %s", path)
	return nil
}
