package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

// RenewalConfig controls the renewal sweep.
type RenewalConfig struct {
	IntervalDays              int           `yaml:"interval_days"`
	MaxRenewalRequests        int           `yaml:"max_renewal_requests"`
	PerformRequestsInParallel bool          `yaml:"perform_requests_in_parallel"`
	IgnoreStoppedSites        bool          `yaml:"ignore_stopped_sites"`
	CheckFailures             bool          `yaml:"check_failures"`
	EnableDNSValidationChecks bool          `yaml:"enable_dns_validation_checks"`
	ValidationWait            time.Duration `yaml:"validation_wait"`
	Schedule                  string        `yaml:"schedule"`
	MaintenanceSchedule       string        `yaml:"maintenance_schedule"`
}

// MetricsConfig enables the prometheus endpoint in daemon mode.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// SiteConfig describes one site of the local server.
type SiteConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name,omitempty"`
	RootPath  string   `yaml:"root_path,omitempty"`
	Hostnames []string `yaml:"hostnames"`
	Stopped   bool     `yaml:"stopped,omitempty"`
}

// ServerConfig describes the file based server certificates are deployed to.
type ServerConfig struct {
	DeployPath string       `yaml:"deploy_path"`
	Sites      []SiteConfig `yaml:"sites"`
}

// AcmeDnsConfig points at an acme-dns instance used for automatic account registration.
type AcmeDnsConfig struct {
	Server       string `yaml:"server"`
	AccountsFile string `yaml:"accounts_file"`
}

// Config holds the application configuration, loaded from YAML
type Config struct {
	Email           string        `yaml:"email"`
	AcmeServer      string        `yaml:"acme_server"`
	StoragePath     string        `yaml:"storage_path"`
	KeyType         string        `yaml:"key_type"`
	DnsResolver     string        `yaml:"dns_resolver,omitempty"`
	HTTPTimeout     time.Duration `yaml:"http_timeout,omitempty"`
	StatusReportURL string        `yaml:"status_report_url,omitempty"`

	Renewal     RenewalConfig                `yaml:"renewal"`
	Metrics     MetricsConfig                `yaml:"metrics"`
	Server      ServerConfig                 `yaml:"server"`
	Credentials map[string]map[string]string `yaml:"credentials"`
	AcmeDns     AcmeDnsConfig                `yaml:"acme_dns"`

	configPath string `yaml:"-"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		StoragePath: DefaultStoragePath,
		KeyType:     DefaultKeyType,
		HTTPTimeout: DefaultHTTPTimeout,
		Renewal: RenewalConfig{
			IntervalDays:              DefaultRenewalIntervalDays,
			MaxRenewalRequests:        DefaultMaxRenewalRequests,
			CheckFailures:             true,
			EnableDNSValidationChecks: true,
			ValidationWait:            DefaultValidationWait,
			Schedule:                  DefaultRenewalSchedule,
			MaintenanceSchedule:       DefaultMaintenanceSchedule,
		},
		AcmeDns: AcmeDnsConfig{
			AccountsFile: "acme-dns-accounts.json",
		},
	}
}

// LoadConfig reads the YAML configuration file from the given path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return ParseConfig(data, filepath.Dir(path))
}

// ParseConfig validates and decodes a YAML document. Relative paths are resolved against baseDir.
func ParseConfig(data []byte, baseDir string) (*Config, error) {
	if err := validateConfig(data); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.configPath = baseDir

	if cfg.Email == "your-email@example.com" {
		return nil, fmt.Errorf("config error: 'email' must not be the placeholder value")
	}

	cfg.StoragePath = resolvePath(baseDir, cfg.StoragePath)
	if cfg.Server.DeployPath == "" {
		cfg.Server.DeployPath = filepath.Join(cfg.StoragePath, "deploy")
	} else {
		cfg.Server.DeployPath = resolvePath(baseDir, cfg.Server.DeployPath)
	}
	for i := range cfg.Server.Sites {
		if cfg.Server.Sites[i].RootPath != "" {
			cfg.Server.Sites[i].RootPath = resolvePath(baseDir, cfg.Server.Sites[i].RootPath)
		}
	}
	cfg.AcmeDns.AccountsFile = resolvePath(cfg.StoragePath, cfg.AcmeDns.AccountsFile)

	if cfg.Renewal.ValidationWait <= 0 {
		cfg.Renewal.ValidationWait = DefaultValidationWait
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}

	if len(cfg.Server.Sites) == 0 {
		DefaultLogger.Debugf("No server sites configured, local deployment will only write certificate files")
	}

	return cfg, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// ConfigDir returns the directory the configuration was loaded from.
func (cfg *Config) ConfigDir() string {
	return cfg.configPath
}

// DatabasePath is the SQLite file holding the managed items.
func (cfg *Config) DatabasePath() string {
	return filepath.Join(cfg.StoragePath, "manageditems.db")
}

// LegacyItemsPath is the JSON file older installations kept their items in.
func (cfg *Config) LegacyItemsPath() string {
	return filepath.Join(cfg.StoragePath, "manageditems.json")
}

// LogDir holds the per-item log files.
func (cfg *Config) LogDir() string {
	return filepath.Join(cfg.StoragePath, "logs")
}

// CertificatesDir holds issued certificates and keys.
func (cfg *Config) CertificatesDir() string {
	return filepath.Join(cfg.StoragePath, "certificates")
}

// AccountsDir holds the ACME account keys.
func (cfg *Config) AccountsDir() string {
	return filepath.Join(cfg.StoragePath, "accounts")
}

// Site looks up a configured site by id.
func (cfg *Config) Site(id string) (SiteConfig, bool) {
	for _, s := range cfg.Server.Sites {
		if strings.EqualFold(s.ID, id) {
			return s, true
		}
	}
	return SiteConfig{}, false
}

// GetRenewalInterval returns the configured renewal interval.
func (cfg *Config) GetRenewalInterval() time.Duration {
	days := cfg.Renewal.IntervalDays
	if days <= 0 {
		days = DefaultRenewalIntervalDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// GenerateDefaultConfig writes a default config template to the provided writer.
func GenerateDefaultConfig(writer io.Writer) error {
	defaultContent := `# Configuration for go-acme-cert-manager

# Contact address of the ACME account
email: "your-email@example.com" # <-- EDIT THIS

# ACME directory
# Production: https://acme-v02.api.letsencrypt.org/directory
# Staging: https://acme-staging-v02.api.letsencrypt.org/directory
acme_server: "https://acme-staging-v02.api.letsencrypt.org/directory"

# Default key type (rsa2048, rsa3072, rsa4096, rsa8192, ec256, ec384)
key_type: "ec256"

# Resolver for DNS configuration checks (optional, system default if empty)
dns_resolver: ""

# Holds manageditems.db, certificates/, accounts/ and logs/.
# Relative paths are relative to the directory containing this config file.
storage_path: ".certmgr"

# Timeout for HTTP requests made to the ACME server
http_timeout: "30s"

# Failure notifications are POSTed here as JSON (optional)
#status_report_url: "https://status.example.com/report"

renewal:
  interval_days: 30              # renew certificates older than this
  max_renewal_requests: 0        # per sweep, 0 = unlimited
  perform_requests_in_parallel: false
  ignore_stopped_sites: false
  check_failures: true           # back off items that keep failing
  enable_dns_validation_checks: true
  validation_wait: "5s"
  schedule: "@every 1h"          # daemon mode renewal sweep
  maintenance_schedule: "@daily" # daemon mode store maintenance

#metrics:
#  listen: "127.0.0.1:9135"

server:
  deploy_path: "deploy"
#  sites:
#    - id: "1"
#      name: "main"
#      root_path: "/var/www/html"
#      hostnames: ["example.com", "www.example.com"]

# DNS provider credentials, referenced by ChallengeCredentialKey.
# A value of the form env:NAME is read from the environment.
#credentials:
#  route53-prod:
#    access_key_id: "env:AWS_ACCESS_KEY_ID"
#    secret_access_key: "env:AWS_SECRET_ACCESS_KEY"
#  cloudflare:
#    api_token: "env:CF_API_TOKEN"

#acme_dns:
#  server: "https://auth.acme-dns.io"
#  accounts_file: "acme-dns-accounts.json"
`
	_, err := writer.Write([]byte(defaultContent))
	if err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func configSchema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		compiledSchema, compiledSchemaErr = jsonschema.NewCompiler().Compile([]byte(ConfigSchema))
	})
	return compiledSchema, compiledSchemaErr
}

// isValidKeyType checks if a key type is valid for certificate usage
func isValidKeyType(keyType string) bool {
	switch keyType {
	case "rsa2048", "rsa3072", "rsa4096", "rsa8192", "ec256", "ec384":
		return true
	}
	return false
}

// validateConfig validates the YAML document against the JSON schema.
func validateConfig(config []byte) error {
	var yamlObj interface{}
	if err := yaml.Unmarshal(config, &yamlObj); err != nil {
		return fmt.Errorf("error parsing YAML: %w", err)
	}

	// round trip through JSON so the validator sees plain JSON types
	jsonData, err := json.Marshal(yamlObj)
	if err != nil {
		return fmt.Errorf("error converting YAML to JSON: %w", err)
	}
	var instance interface{}
	if err := json.Unmarshal(jsonData, &instance); err != nil {
		return fmt.Errorf("error parsing JSON for validation: %w", err)
	}

	schema, err := configSchema()
	if err != nil {
		return fmt.Errorf("schema compilation error: %w", err)
	}

	result := schema.Validate(instance)
	if !result.IsValid() {
		return FormatValidationError(result)
	}
	return nil
}
