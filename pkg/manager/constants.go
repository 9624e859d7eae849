package manager

import "time"

// Constants for file permissions
const (
	// DirPermissions defines permissions for directories (0750)
	DirPermissions = 0750

	// PrivateKeyPermissions defines permissions for private key files (0600)
	PrivateKeyPermissions = 0600

	// CertificatePermissions defines permissions for certificate files (0644)
	CertificatePermissions = 0644
)

// Renewal defaults
const (
	// DefaultRenewalIntervalDays is the minimum age of a certificate before it is renewed
	DefaultRenewalIntervalDays = 30

	// DefaultMaxRenewalRequests limits renewals started per sweep (0 = unlimited)
	DefaultMaxRenewalRequests = 0

	// DefaultValidationWait is the fixed delay between submitting a challenge and checking it
	DefaultValidationWait = 5 * time.Second

	// DefaultRenewalSchedule is the cron spec of the renewal sweep in daemon mode
	DefaultRenewalSchedule = "@every 1h"

	// DefaultMaintenanceSchedule is the cron spec of the daily store maintenance
	DefaultMaintenanceSchedule = "@daily"
)

// Network and key defaults
const (
	// DefaultDNSTimeout defines the timeout for DNS operations
	DefaultDNSTimeout = 15 * time.Second

	// DefaultKeyType defines the default certificate key type
	DefaultKeyType = "ec256"

	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultStoragePath is used when storage_path is not configured
	DefaultStoragePath = ".certmgr"
)
