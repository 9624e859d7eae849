package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// AcmeDnsAccount holds the credentials for a specific domain registered with acme-dns.
type AcmeDnsAccount struct {
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	FullDomain string   `json:"fulldomain"`
	SubDomain  string   `json:"subdomain"`
	AllowFrom  []string `json:"allowfrom"`
}

// AcmeDnsAccountStore keeps acme-dns accounts keyed by domain in a JSON file.
type AcmeDnsAccountStore struct {
	filePath string
	accounts map[string]AcmeDnsAccount
	mu       sync.RWMutex
}

// NewAcmeDnsAccountStore creates a store and loads accounts from the file if it exists.
func NewAcmeDnsAccountStore(filePath string) (*AcmeDnsAccountStore, error) {
	s := &AcmeDnsAccountStore{
		filePath: filePath,
		accounts: make(map[string]AcmeDnsAccount),
	}

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading accounts file %s: %w", filePath, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.accounts); err != nil {
		return nil, fmt.Errorf("parsing accounts file %s: %w", filePath, err)
	}
	if s.accounts == nil {
		s.accounts = make(map[string]AcmeDnsAccount)
	}
	return s, nil
}

// Save writes the accounts back to disk with private key permissions.
func (s *AcmeDnsAccountStore) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshalling accounts: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), DirPermissions); err != nil {
		return fmt.Errorf("creating directory for accounts file: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, PrivateKeyPermissions); err != nil {
		return fmt.Errorf("writing accounts file %s: %w", s.filePath, err)
	}
	return nil
}

// Get returns the account registered for domain.
func (s *AcmeDnsAccountStore) Get(domain string) (AcmeDnsAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[domain]
	return acc, ok
}

// Set records the account of domain. Call Save to persist.
func (s *AcmeDnsAccountStore) Set(domain string, account AcmeDnsAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[domain] = account
}

// Path returns the backing file.
func (s *AcmeDnsAccountStore) Path() string {
	return s.filePath
}

// AcmeDnsRegistrar finds or registers the acme-dns account serving a domain.
type AcmeDnsRegistrar struct {
	Server     string
	Store      *AcmeDnsAccountStore
	HTTPClient common.HTTPClientInterface
	Resolver   DNSResolver
	Logger     common.LoggerInterface
}

// AccountFor returns the stored account of domain or registers a new one. A wildcard and its
// base domain share one account. When a new account is registered the caller has to
// point the CNAME of _acme-challenge.<domain> at FullDomain.
func (r *AcmeDnsRegistrar) AccountFor(ctx context.Context, domain string) (*AcmeDnsAccount, bool, error) {
	baseDomain := GetBaseDomain(domain)
	wildcardDomain := "*." + baseDomain

	for _, candidate := range []string{domain, baseDomain, wildcardDomain} {
		account, ok := r.Store.Get(candidate)
		if !ok {
			continue
		}
		if candidate != domain {
			r.Store.Set(domain, account)
			r.Logger.Infof("Using existing acme-dns account from %s for %s", candidate, domain)
			if err := r.Store.Save(); err != nil {
				r.Logger.Warnf("Could not save acme-dns account association for %s: %v", domain, err)
			}
		}
		if r.Resolver != nil {
			if ok, err := VerifyCnameRecord(ctx, r.Resolver, r.Logger, domain, account.FullDomain); err == nil && !ok {
				r.Logger.Warnf("%s", FormatCNAMERecords([]RequiredCNAME{CreateRequiredCNAME(domain, account.FullDomain)}))
			}
		}
		return &account, false, nil
	}

	account, err := r.register(ctx, domain)
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

func (r *AcmeDnsRegistrar) register(ctx context.Context, domain string) (*AcmeDnsAccount, error) {
	if r.Server == "" {
		return nil, fmt.Errorf("no acme-dns account for %s and no acme_dns.server configured", domain)
	}

	registerURL, err := url.JoinPath(r.Server, "/register")
	if err != nil {
		return nil, fmt.Errorf("constructing register URL: %w", err)
	}

	r.Logger.Infof("Registering new acme-dns account for %s at %s", domain, registerURL)

	// acme-dns expects an empty JSON object
	requestBody := []byte("{}")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registerURL, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("creating registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-acme-cert-manager")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending registration request to %s: %w", registerURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.Logger.Errorf("Failed to close response body: %v", closeErr)
		}
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading registration response body: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("failed to register at %s: status %d, body: %s",
			registerURL, resp.StatusCode, string(bodyBytes))
	}

	var account AcmeDnsAccount
	if err := json.Unmarshal(bodyBytes, &account); err != nil {
		return nil, fmt.Errorf("parsing registration response JSON: %w", err)
	}

	baseDomain := GetBaseDomain(domain)
	r.Store.Set(domain, account)
	r.Store.Set(baseDomain, account)
	r.Store.Set("*."+baseDomain, account)

	if err := r.Store.Save(); err != nil {
		return nil, fmt.Errorf("saving account store after registration: %w", err)
	}

	r.Logger.Importantf("Registered acme-dns account for %s. %s", domain,
		FormatCNAMERecords([]RequiredCNAME{CreateRequiredCNAME(domain, account.FullDomain)}))
	return &account, nil
}
