package common

import (
	"context"
	"net/http"
)

// LoggerInterface defines the logging interface used throughout the application
// This allows for dependency injection and better testability
type LoggerInterface interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Importantf(format string, args ...interface{})
}

// HTTPClientInterface defines the interface for HTTP client operations
// This allows for mocking HTTP requests in tests and supports context cancellation
type HTTPClientInterface interface {
	Do(req *http.Request) (*http.Response, error)
}

// ACMEClient is the CA-facing collaborator. It hides the wire protocol behind the
// order / authorization / challenge steps the orchestrator drives.
type ACMEClient interface {
	// BeginOrder creates a new order for the requested domains of the item.
	BeginOrder(ctx context.Context, item *ManagedCertificate) (*Order, error)
	// ResumeOrder reloads a previously created order from its locator.
	ResumeOrder(ctx context.Context, item *ManagedCertificate, orderURI string) (*Order, error)
	// SubmitChallenge asks the CA to check the attempted challenge of an authorization.
	SubmitChallenge(ctx context.Context, auth *PendingAuthorization) error
	// CheckValidationCompleted fetches the current authorization state once.
	CheckValidationCompleted(ctx context.Context, auth *PendingAuthorization) (*PendingAuthorization, error)
	// CompleteOrder finalizes the order and stores the issued certificate.
	CompleteOrder(ctx context.Context, item *ManagedCertificate, orderURI string) (*IssuanceResult, error)
	// Revoke revokes the item's current certificate.
	Revoke(ctx context.Context, item *ManagedCertificate) (*StatusMessage, error)
}

// ServerProvider is the deployment target: the sites answering challenges and receiving certificates.
type ServerProvider interface {
	IsAvailable(ctx context.Context) bool
	GetVersion(ctx context.Context) string
	GetSites(ctx context.Context, ignoreStopped bool) ([]SiteInfo, error)
	GetSiteRoot(ctx context.Context, siteID string) (string, error)
	IsSiteRunning(ctx context.Context, siteID string) (bool, error)
	InstallCertForRequest(ctx context.Context, item *ManagedCertificate, certPath string, cleanupCertStore, previewOnly bool) ([]ActionStep, error)
	InstallHostnameBinding(ctx context.Context, siteID, hostname string, certPEM, keyPEM []byte) error
	RemoveHostnameBinding(ctx context.Context, siteID, hostname string) error
}

// CredentialStore returns decrypted credential bundles by key.
type CredentialStore interface {
	GetCredentials(ctx context.Context, key string) (map[string]string, error)
}

// StatusReporter forwards item status to an external reporting endpoint.
type StatusReporter interface {
	ReportStatus(ctx context.Context, item *ManagedCertificate) error
}

// ContextKey represents context keys used in the application
type ContextKey string

const (
	// ContextKeyRequestID is used for request tracing
	ContextKeyRequestID ContextKey = "request_id"
	// ContextKeyOperation is used to track the current operation
	ContextKeyOperation ContextKey = "operation"
	// ContextKeyCertID carries the managed certificate id
	ContextKeyCertID ContextKey = "cert_id"
)

// Verify that our concrete types implement the interfaces
var _ HTTPClientInterface = (*http.Client)(nil)
