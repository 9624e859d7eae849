// Package deploy installs issued certificates into a directory tree served by the local
// web server: one directory per configured site plus a flat bindings index.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

const (
	version       = "file-deploy/1.0"
	fullchainFile = "fullchain.pem"
	privkeyFile   = "privkey.pem"
	previousExt   = ".previous"
	bindingsFile  = "bindings.json"
	sniDir        = "sni"
	defaultSite   = "default"
)

// Binding maps a hostname to the deployed certificate serving it.
type Binding struct {
	Hostname        string `json:"hostname"`
	SiteID          string `json:"siteId"`
	CertificatePath string `json:"certificatePath"`
	KeyPath         string `json:"keyPath"`
}

// FileServer is a common.ServerProvider writing PEM files below DeployPath.
type FileServer struct {
	DeployPath string
	Sites      []manager.SiteConfig
	Logger     common.LoggerInterface

	mu sync.Mutex
}

var _ common.ServerProvider = (*FileServer)(nil)

// NewFileServer builds the provider from the server section of the configuration.
func NewFileServer(cfg manager.ServerConfig, logger common.LoggerInterface) *FileServer {
	return &FileServer{DeployPath: cfg.DeployPath, Sites: cfg.Sites, Logger: logger}
}

func (s *FileServer) IsAvailable(context.Context) bool {
	if s.DeployPath == "" {
		return false
	}
	return os.MkdirAll(s.DeployPath, manager.DirPermissions) == nil
}

func (s *FileServer) GetVersion(context.Context) string { return version }

// GetSites lists the configured sites, optionally without the stopped ones.
func (s *FileServer) GetSites(_ context.Context, ignoreStopped bool) ([]common.SiteInfo, error) {
	sites := make([]common.SiteInfo, 0, len(s.Sites))
	for _, site := range s.Sites {
		if ignoreStopped && site.Stopped {
			continue
		}
		sites = append(sites, siteInfo(site))
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	return sites, nil
}

func siteInfo(site manager.SiteConfig) common.SiteInfo {
	name := site.Name
	if name == "" {
		name = site.ID
	}
	return common.SiteInfo{
		ID:        site.ID,
		Name:      name,
		RootPath:  site.RootPath,
		Hostnames: append([]string(nil), site.Hostnames...),
		IsRunning: !site.Stopped,
	}
}

func (s *FileServer) site(siteID string) (manager.SiteConfig, error) {
	for _, site := range s.Sites {
		if strings.EqualFold(site.ID, siteID) {
			return site, nil
		}
	}
	return manager.SiteConfig{}, common.NewDeploymentError("site_lookup", fmt.Sprintf("unknown site %q", siteID)).
		AddSuggestion("Add the site to the server.sites section of the configuration")
}

func (s *FileServer) GetSiteRoot(_ context.Context, siteID string) (string, error) {
	site, err := s.site(siteID)
	if err != nil {
		return "", err
	}
	if site.RootPath == "" {
		return "", common.NewDeploymentError("site_root", fmt.Sprintf("site %q has no root_path", siteID))
	}
	return site.RootPath, nil
}

func (s *FileServer) IsSiteRunning(_ context.Context, siteID string) (bool, error) {
	site, err := s.site(siteID)
	if err != nil {
		return false, err
	}
	return !site.Stopped, nil
}

// InstallCertForRequest copies the certificate and its key into the site directory and binds
// every requested domain the site answers for. In preview mode only the actions are reported.
func (s *FileServer) InstallCertForRequest(_ context.Context, item *common.ManagedCertificate, certPath string, cleanupCertStore, previewOnly bool) ([]common.ActionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	siteID := item.GroupID
	if siteID == "" {
		siteID = defaultSite
	}
	targetDir := filepath.Join(s.DeployPath, siteID)
	certTarget := filepath.Join(targetDir, fullchainFile)
	keyTarget := filepath.Join(targetDir, privkeyFile)

	actions := []common.ActionStep{{
		Title:       "Deploy certificate",
		Description: fmt.Sprintf("Copy %s to %s", certPath, certTarget),
	}}
	hostnames := s.bindableHostnames(item)
	for _, h := range hostnames {
		actions = append(actions, common.ActionStep{
			Title:       "Update binding",
			Description: fmt.Sprintf("Bind https://%s to %s", h, certTarget),
		})
	}
	if previewOnly {
		return actions, nil
	}

	fail := func(i int, err error) ([]common.ActionStep, error) {
		actions[i].HasError = true
		actions[i].Description += ": " + err.Error()
		return actions, common.WrapError(err, common.ErrorTypeDeploymentFailed, "install", "installing the certificate").
			AddContext("site", siteID)
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fail(0, err)
	}
	keyPEM, err := os.ReadFile(keyPathFor(certPath))
	if err != nil {
		return fail(0, err)
	}
	if err := os.MkdirAll(targetDir, manager.DirPermissions); err != nil {
		return fail(0, err)
	}
	for _, target := range []string{certTarget, keyTarget} {
		if err := keepPrevious(target, cleanupCertStore); err != nil {
			s.Logger.Warnf("Could not rotate %s: %v", target, err)
		}
	}
	if err := os.WriteFile(keyTarget, keyPEM, manager.PrivateKeyPermissions); err != nil {
		return fail(0, err)
	}
	if err := os.WriteFile(certTarget, certPEM, manager.CertificatePermissions); err != nil {
		return fail(0, err)
	}

	if err := s.updateBindings(siteID, hostnames, certTarget, keyTarget); err != nil {
		for i := 1; i < len(actions); i++ {
			actions[i].HasError = true
		}
		return actions, common.WrapError(err, common.ErrorTypeDeploymentFailed, "install", "updating bindings")
	}
	s.Logger.Infof("Deployed certificate for %s to %s", item.Name, targetDir)
	return actions, nil
}

// bindableHostnames returns the requested domains the item's site answers for. Without a
// configured site every requested domain is bound.
func (s *FileServer) bindableHostnames(item *common.ManagedCertificate) []string {
	domains := item.RequestedDomains()
	site, err := s.site(item.GroupID)
	if err != nil || len(site.Hostnames) == 0 {
		return domains
	}
	var out []string
	for _, d := range domains {
		for _, h := range site.Hostnames {
			if hostnameMatches(d, h) {
				out = append(out, h)
			}
		}
	}
	return dedupe(out)
}

func hostnameMatches(certDomain, hostname string) bool {
	certDomain = strings.ToLower(certDomain)
	hostname = strings.ToLower(hostname)
	if certDomain == hostname {
		return true
	}
	if strings.HasPrefix(certDomain, "*.") {
		base := certDomain[2:]
		if i := strings.IndexByte(hostname, '.'); i > 0 && hostname[i+1:] == base {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func keyPathFor(certPath string) string {
	return strings.TrimSuffix(certPath, filepath.Ext(certPath)) + ".key"
}

// keepPrevious moves an existing file aside. With cleanup the old file and any earlier
// copy are removed instead.
func keepPrevious(path string, cleanup bool) error {
	if cleanup {
		for _, p := range []string{path + previousExt, path} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(path, path+previousExt)
}

func (s *FileServer) bindingsPath() string {
	return filepath.Join(s.DeployPath, bindingsFile)
}

// Bindings returns the current hostname bindings.
func (s *FileServer) Bindings() (map[string]Binding, error) {
	bindings := make(map[string]Binding)
	data, err := os.ReadFile(s.bindingsPath())
	if os.IsNotExist(err) {
		return bindings, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.bindingsPath(), err)
	}
	return bindings, nil
}

func (s *FileServer) writeBindings(bindings map[string]Binding) error {
	data, err := json.MarshalIndent(bindings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.DeployPath, manager.DirPermissions); err != nil {
		return err
	}
	tmp := s.bindingsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, manager.CertificatePermissions); err != nil {
		return err
	}
	return os.Rename(tmp, s.bindingsPath())
}

func (s *FileServer) updateBindings(siteID string, hostnames []string, certPath, keyPath string) error {
	bindings, err := s.Bindings()
	if err != nil {
		return err
	}
	for _, h := range hostnames {
		bindings[strings.ToLower(h)] = Binding{Hostname: h, SiteID: siteID, CertificatePath: certPath, KeyPath: keyPath}
	}
	return s.writeBindings(bindings)
}

// InstallHostnameBinding serves a temporary certificate for hostname, as used by TLS-SNI checks.
func (s *FileServer) InstallHostnameBinding(_ context.Context, siteID, hostname string, certPEM, keyPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if siteID == "" {
		siteID = defaultSite
	}
	dir := filepath.Join(s.DeployPath, siteID, sniDir)
	if err := os.MkdirAll(dir, manager.DirPermissions); err != nil {
		return err
	}
	certPath := filepath.Join(dir, hostname+".crt")
	keyPath := filepath.Join(dir, hostname+".key")
	if err := os.WriteFile(keyPath, keyPEM, manager.PrivateKeyPermissions); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, manager.CertificatePermissions); err != nil {
		return err
	}
	return s.updateBindings(siteID, []string{hostname}, certPath, keyPath)
}

// RemoveHostnameBinding drops a binding created by InstallHostnameBinding.
func (s *FileServer) RemoveHostnameBinding(_ context.Context, siteID, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bindings, err := s.Bindings()
	if err != nil {
		return err
	}
	b, ok := bindings[strings.ToLower(hostname)]
	if !ok {
		return nil
	}
	delete(bindings, strings.ToLower(hostname))
	for _, p := range []string{b.CertificatePath, b.KeyPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.Logger.Warnf("Could not remove %s: %v", p, err)
		}
	}
	return s.writeBindings(bindings)
}
