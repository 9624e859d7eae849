package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors in the application
type ErrorType string

const (
	// ErrorTypeConfig represents configuration-related errors
	ErrorTypeConfig ErrorType = "CONFIG"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "NETWORK"
	// ErrorTypeDNS represents DNS-related errors
	ErrorTypeDNS ErrorType = "DNS"
	// ErrorTypeStorage represents file/storage-related errors
	ErrorTypeStorage ErrorType = "STORAGE"
	// ErrorTypeACME represents ACME protocol errors
	ErrorTypeACME ErrorType = "ACME"
	// ErrorTypeCertificate represents certificate processing errors
	ErrorTypeCertificate ErrorType = "CERTIFICATE"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	// ErrorTypeAuthentication represents authentication errors
	ErrorTypeAuthentication ErrorType = "AUTHENTICATION"

	// ErrorTypeUserActionRequired marks a request paused until an operator acts (manual DNS)
	ErrorTypeUserActionRequired ErrorType = "USER_ACTION_REQUIRED"
	// ErrorTypeConfigCheckFailed represents a failed pre-flight HTTP or TLS-SNI check
	ErrorTypeConfigCheckFailed ErrorType = "CONFIG_CHECK_FAILED"
	// ErrorTypeAuthorizationFailed represents a challenge proof rejected by the CA
	ErrorTypeAuthorizationFailed ErrorType = "AUTHORIZATION_FAILED"
	// ErrorTypeOrderCreationFailed represents a failure to create a certificate order
	ErrorTypeOrderCreationFailed ErrorType = "ORDER_CREATION_FAILED"
	// ErrorTypeIssuanceFailed represents a finalize error or timeout
	ErrorTypeIssuanceFailed ErrorType = "ISSUANCE_FAILED"
	// ErrorTypeDeploymentFailed represents a failed certificate install or binding update
	ErrorTypeDeploymentFailed ErrorType = "DEPLOYMENT_FAILED"
	// ErrorTypeScript represents a pre/post request script failure (never fatal)
	ErrorTypeScript ErrorType = "SCRIPT_ERROR"
	// ErrorTypeWebhook represents a webhook delivery failure (never fatal)
	ErrorTypeWebhook ErrorType = "WEBHOOK_ERROR"
	// ErrorTypeStorageConflict represents a stale version written to the store (logged only)
	ErrorTypeStorageConflict ErrorType = "STORAGE_CONFLICT"
	// ErrorTypeStorageUnavailable represents a store that failed to initialize
	ErrorTypeStorageUnavailable ErrorType = "STORAGE_UNAVAILABLE"
)

// ApplicationError is our custom error type that provides structured error information
type ApplicationError struct {
	Type        ErrorType
	Operation   string                 // What operation was being performed
	Resource    string                 // What resource was involved (e.g., file path, domain name)
	Message     string                 // Human-readable error message
	Underlying  error                  // The original error that caused this
	Context     map[string]interface{} // Additional context for debugging
	Suggestions []string               // Helpful suggestions for resolving the error
}

// Error implements the error interface
func (e *ApplicationError) Error() string {
	var parts []string

	// Add type and operation context
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("[%s] %s", e.Type, e.Operation))
	} else {
		parts = append(parts, string(e.Type))
	}

	// Add resource context if available
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}

	// Add the main message
	parts = append(parts, e.Message)

	// Join all parts
	result := strings.Join(parts, ": ")

	// Add underlying error if present
	if e.Underlying != nil {
		result += fmt.Sprintf(" (cause: %v)", e.Underlying)
	}

	return result
}

// Unwrap returns the underlying error for error chaining
func (e *ApplicationError) Unwrap() error {
	return e.Underlying
}

// IsType checks if the error is of a specific type
func (e *ApplicationError) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

// AddContext adds additional context to the error
func (e *ApplicationError) AddContext(key string, value interface{}) *ApplicationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// AddSuggestion adds a helpful suggestion for resolving the error
func (e *ApplicationError) AddSuggestion(suggestion string) *ApplicationError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message including context and suggestions
func (e *ApplicationError) GetDetailedMessage() string {
	message := e.Error()

	// Add context if available
	if len(e.Context) > 0 {
		var contextParts []string
		for key, value := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, value))
		}
		message += fmt.Sprintf("\nContext: %s", strings.Join(contextParts, ", "))
	}

	// Add suggestions if available
	if len(e.Suggestions) > 0 {
		message += "\nSuggestions:"
		for _, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  - %s", suggestion)
		}
	}

	return message
}

// NewApplicationError creates a new application error
func NewApplicationError(errorType ErrorType, operation, message string) *ApplicationError {
	return &ApplicationError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application context
func WrapError(underlying error, errorType ErrorType, operation, message string) *ApplicationError {
	return &ApplicationError{
		Type:       errorType,
		Operation:  operation,
		Message:    message,
		Underlying: underlying,
		Context:    make(map[string]interface{}),
	}
}

// IsApplicationError checks if an error is an ApplicationError
func IsApplicationError(err error) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr)
}

// GetApplicationError extracts the ApplicationError from an error chain
func GetApplicationError(err error) *ApplicationError {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsErrorType reports whether any ApplicationError in the chain has the given type
func IsErrorType(err error, errorType ErrorType) bool {
	for err != nil {
		var appErr *ApplicationError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errorType {
			return true
		}
		err = appErr.Underlying
	}
	return false
}

// Common error creation helpers for specific error types

// NewConfigError creates a configuration-related error
func NewConfigError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeConfig, operation, message).
		AddSuggestion("Check your configuration file syntax and values").
		AddSuggestion("Use -print-config-template to see a valid template")
}

// NewNetworkError creates a network-related error
func NewNetworkError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeNetwork, operation, message).
		AddSuggestion("Check your network connectivity").
		AddSuggestion("Verify firewall settings and proxy configuration")
}

// NewDNSError creates a DNS-related error
func NewDNSError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeDNS, operation, message).
		AddSuggestion("Verify DNS server configuration").
		AddSuggestion("Check CNAME record setup")
}

// NewStorageError creates a storage-related error
func NewStorageError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeStorage, operation, message).
		AddSuggestion("Check file permissions and disk space").
		AddSuggestion("Ensure parent directory exists")
}

// NewACMEError creates an ACME protocol error
func NewACMEError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeACME, operation, message).
		AddSuggestion("Check ACME server status and connectivity").
		AddSuggestion("Verify account credentials and rate limits")
}

// NewCertificateError creates a certificate processing error
func NewCertificateError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeCertificate, operation, message).
		AddSuggestion("Check certificate file format and validity").
		AddSuggestion("Verify domain names and certificate chain")
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeValidation, operation, message).
		AddSuggestion("Check input format and values").
		AddSuggestion("Refer to documentation for valid formats")
}

// NewUserActionRequiredError creates an error for a request waiting on an operator
func NewUserActionRequiredError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeUserActionRequired, operation, message).
		AddSuggestion("Complete the requested manual step, e.g. create the DNS TXT record").
		AddSuggestion("Run the request again to resume the paused order")
}

// NewConfigCheckError creates an error for a failed pre-flight challenge check
func NewConfigCheckError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeConfigCheckFailed, operation, message).
		AddSuggestion("Check that the site is publicly reachable on the challenge URL").
		AddSuggestion("Use -test to repeat the pre-flight checks without contacting the CA")
}

// NewAuthorizationError creates an error for a challenge rejected by the CA
func NewAuthorizationError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeAuthorizationFailed, operation, message).
		AddSuggestion("Verify the challenge response is served for every requested domain").
		AddSuggestion("Check DNS records point at the server answering the challenge")
}

// NewOrderCreationError creates an error for a failed order creation
func NewOrderCreationError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeOrderCreationFailed, operation, message).
		AddSuggestion("Check the ACME server status and rate limits").
		AddSuggestion("Verify the requested domains are valid public names")
}

// NewIssuanceError creates an error for a failed or timed out order finalization
func NewIssuanceError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeIssuanceFailed, operation, message).
		AddSuggestion("Retry the request later, the CA may be busy").
		AddSuggestion("Check the ACME server status page")
}

// NewDeploymentError creates an error for a failed certificate deployment
func NewDeploymentError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeDeploymentFailed, operation, message).
		AddSuggestion("Check permissions on the deployment path").
		AddSuggestion("Use -deploy with -preview to inspect the planned binding changes")
}

// NewScriptError creates an error for a failed pre/post request script
func NewScriptError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeScript, operation, message).
		AddSuggestion("Run the script manually to check its output").
		AddSuggestion("Ensure the script is executable")
}

// NewWebhookError creates an error for a failed webhook call
func NewWebhookError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeWebhook, operation, message).
		AddSuggestion("Check the webhook URL and method").
		AddSuggestion("Verify the receiving endpoint is reachable")
}

// NewStorageUnavailableError creates an error for a store that could not be initialized
func NewStorageUnavailableError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeStorageUnavailable, operation, message).
		AddSuggestion("Check that the storage path is writable").
		AddSuggestion("Restore manageditems.db from the .bak file if it is corrupt")
}
