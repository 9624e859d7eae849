package common

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Challenge types understood by the coordinator.
const (
	ChallengeTypeHTTP = "http-01"
	ChallengeTypeDNS  = "dns-01"
	ChallengeTypeSNI  = "tls-sni-01"
)

// ItemType selects how a managed certificate is deployed once issued.
type ItemType string

const (
	// ItemTypeLocalServer installs the certificate through the ServerProvider.
	ItemTypeLocalServer ItemType = "LocalServer"
	// ItemTypeManual leaves binding to the operator.
	ItemTypeManual ItemType = "Manual"
)

// RequestState is the lifecycle state of a request or renewal.
type RequestState string

const (
	RequestStateNotRunning RequestState = "NotRunning"
	RequestStateRunning    RequestState = "Running"
	RequestStatePaused     RequestState = "Paused"
	RequestStateSuccess    RequestState = "Success"
	RequestStateError      RequestState = "Error"
	RequestStateWarning    RequestState = "Warning"
)

// WebhookTrigger decides when the post-request webhook fires.
type WebhookTrigger string

const (
	WebhookTriggerNone             WebhookTrigger = "None"
	WebhookTriggerOnSuccess        WebhookTrigger = "OnSuccess"
	WebhookTriggerOnError          WebhookTrigger = "OnError"
	WebhookTriggerOnSuccessOrError WebhookTrigger = "OnSuccessOrError"
)

// Matches reports whether the trigger fires for the given outcome.
func (t WebhookTrigger) Matches(success bool) bool {
	switch t {
	case WebhookTriggerOnSuccess:
		return success
	case WebhookTriggerOnError:
		return !success
	case WebhookTriggerOnSuccessOrError:
		return true
	}
	return false
}

// Health summarizes the renewal history of an item.
type Health string

const (
	HealthUnknown Health = "Unknown"
	HealthOK      Health = "OK"
	HealthWarning Health = "Warning"
	HealthError   Health = "Error"
)

// DomainOption is one candidate domain for a managed certificate.
type DomainOption struct {
	Domain          string `json:"Domain"`
	Title           string `json:"Title,omitempty"`
	IsPrimaryDomain bool   `json:"IsPrimaryDomain"`
	IsSelected      bool   `json:"IsSelected"`
	IsManualEntry   bool   `json:"IsManualEntry,omitempty"`
}

// ProviderParameter is a free-form key/value passed to a DNS provider.
type ProviderParameter struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// ChallengeConfig selects how the domains matching DomainMatch are validated.
type ChallengeConfig struct {
	ChallengeType          string              `json:"ChallengeType"`
	DomainMatch            string              `json:"DomainMatch,omitempty"`
	ChallengeProvider      string              `json:"ChallengeProvider,omitempty"`
	ChallengeCredentialKey string              `json:"ChallengeCredentialKey,omitempty"`
	ZoneID                 string              `json:"ZoneId,omitempty"`
	Parameters             []ProviderParameter `json:"Parameters,omitempty"`
	HashIterationCount     int                 `json:"HashIterationCount,omitempty"`
}

// Parameter returns the trimmed value of a provider parameter (case-insensitive key).
func (c ChallengeConfig) Parameter(key string) string {
	for _, p := range c.Parameters {
		if strings.EqualFold(p.Key, key) {
			return strings.TrimSpace(p.Value)
		}
	}
	return ""
}

// RequestConfig holds everything needed to request and deploy one certificate.
type RequestConfig struct {
	PrimaryDomain           string            `json:"PrimaryDomain"`
	SubjectAlternativeNames []string          `json:"SubjectAlternativeNames,omitempty"`
	ChallengeType           string            `json:"ChallengeType,omitempty"`
	Challenges              []ChallengeConfig `json:"Challenges,omitempty"`
	WebsiteRootPath         string            `json:"WebsiteRootPath,omitempty"`
	KeyType                 string            `json:"KeyType,omitempty"`

	PerformChallengeFileCopy         bool `json:"PerformChallengeFileCopy"`
	PerformExtensionlessConfigChecks bool `json:"PerformExtensionlessConfigChecks"`
	PerformTlsSniBindingConfigChecks bool `json:"PerformTlsSniBindingConfigChecks"`
	PerformAutoConfig                bool `json:"PerformAutoConfig"`

	PreRequestScript  string `json:"PreRequestScript,omitempty"`
	PostRequestScript string `json:"PostRequestScript,omitempty"`

	WebhookTrigger     WebhookTrigger `json:"WebhookTrigger,omitempty"`
	WebhookURL         string         `json:"WebhookUrl,omitempty"`
	WebhookMethod      string         `json:"WebhookMethod,omitempty"`
	WebhookContentType string         `json:"WebhookContentType,omitempty"`
	WebhookContentBody string         `json:"WebhookContentBody,omitempty"`

	EnableFailureNotifications bool   `json:"EnableFailureNotifications"`
	DeploymentSiteOption       string `json:"DeploymentSiteOption,omitempty"`
}

// ManagedCertificate is one certificate kept issued and renewed by the manager.
type ManagedCertificate struct {
	ID       string `json:"Id"`
	ParentID string `json:"ParentId,omitempty"`
	GroupID  string `json:"GroupId,omitempty"`
	Name     string `json:"Name"`
	Comments string `json:"Comments,omitempty"`

	ItemType           ItemType       `json:"ItemType"`
	IncludeInAutoRenew bool           `json:"IncludeInAutoRenew"`
	DomainOptions      []DomainOption `json:"DomainOptions,omitempty"`
	RequestConfig      RequestConfig  `json:"RequestConfig"`

	DateStart              *time.Time `json:"DateStart,omitempty"`
	DateExpiry             *time.Time `json:"DateExpiry,omitempty"`
	DateRenewed            *time.Time `json:"DateRenewed,omitempty"`
	DateLastRenewalAttempt *time.Time `json:"DateLastRenewalAttempt,omitempty"`

	LastRenewalStatus     RequestState `json:"LastRenewalStatus,omitempty"`
	RenewalFailureCount   int          `json:"RenewalFailureCount"`
	RenewalFailureMessage string       `json:"RenewalFailureMessage,omitempty"`

	CertificatePath                   string `json:"CertificatePath,omitempty"`
	CertificateThumbprintHash         string `json:"CertificateThumbprintHash,omitempty"`
	CertificatePreviousThumbprintHash string `json:"CertificatePreviousThumbprintHash,omitempty"`
	CertificateRevoked                bool   `json:"CertificateRevoked"`

	CurrentOrderURI string `json:"CurrentOrderUri,omitempty"`
	Version         int64  `json:"Version"`

	// Deleted is a UI marker only, removal from the store is explicit.
	Deleted bool `json:"-"`
}

// RequestedDomains returns the primary domain followed by the SANs, without duplicates.
func (m *ManagedCertificate) RequestedDomains() []string {
	seen := make(map[string]bool)
	var domains []string
	add := func(d string) {
		d = strings.TrimSpace(d)
		key := strings.ToLower(d)
		if d == "" || seen[key] {
			return
		}
		seen[key] = true
		domains = append(domains, d)
	}
	add(m.RequestConfig.PrimaryDomain)
	for _, san := range m.RequestConfig.SubjectAlternativeNames {
		add(san)
	}
	return domains
}

// EnsureDefaultChallenge configures HTTP-01 when no challenge has been set.
func (m *ManagedCertificate) EnsureDefaultChallenge() {
	rc := &m.RequestConfig
	if len(rc.Challenges) > 0 {
		return
	}
	challengeType := rc.ChallengeType
	if challengeType == "" {
		challengeType = ChallengeTypeHTTP
	}
	rc.Challenges = []ChallengeConfig{{ChallengeType: challengeType}}
}

// GetChallengeConfig resolves the challenge config for a domain. A single config always wins,
// otherwise the longest matching DomainMatch suffix wins over the unpatterned default.
func (m *ManagedCertificate) GetChallengeConfig(domain string) ChallengeConfig {
	challenges := m.RequestConfig.Challenges
	if len(challenges) == 0 {
		challengeType := m.RequestConfig.ChallengeType
		if challengeType == "" {
			challengeType = ChallengeTypeHTTP
		}
		return ChallengeConfig{ChallengeType: challengeType}
	}
	if len(challenges) == 1 {
		return challenges[0]
	}

	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "*."))

	var (
		best       ChallengeConfig
		bestLen    = -1
		fallback   ChallengeConfig
		hasDefault bool
	)
	for _, c := range challenges {
		if strings.TrimSpace(c.DomainMatch) == "" {
			if !hasDefault {
				fallback = c
				hasDefault = true
			}
			continue
		}
		for _, pattern := range splitDomainMatch(c.DomainMatch) {
			if domain == pattern || strings.HasSuffix(domain, "."+pattern) {
				if len(pattern) > bestLen {
					best = c
					bestLen = len(pattern)
				}
			}
		}
	}
	if bestLen >= 0 {
		return best
	}
	if hasDefault {
		return fallback
	}
	return ChallengeConfig{ChallengeType: ChallengeTypeHTTP}
}

func splitDomainMatch(match string) []string {
	fields := strings.FieldsFunc(match, func(r rune) bool { return r == ',' || r == ';' })
	patterns := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "*."))
		if f != "" {
			patterns = append(patterns, f)
		}
	}
	return patterns
}

// Health classifies the item from its last renewal outcome.
func (m *ManagedCertificate) Health() Health {
	switch {
	case m.LastRenewalStatus == RequestStateError && m.RenewalFailureCount > 5:
		return HealthError
	case m.LastRenewalStatus == RequestStateError:
		return HealthWarning
	case m.LastRenewalStatus != "":
		return HealthOK
	}
	return HealthUnknown
}

// Clone returns a deep copy suitable for handing to concurrent workers.
func (m *ManagedCertificate) Clone() *ManagedCertificate {
	c := *m
	c.DomainOptions = append([]DomainOption(nil), m.DomainOptions...)
	c.RequestConfig.SubjectAlternativeNames = append([]string(nil), m.RequestConfig.SubjectAlternativeNames...)
	c.RequestConfig.Challenges = make([]ChallengeConfig, len(m.RequestConfig.Challenges))
	for i, ch := range m.RequestConfig.Challenges {
		ch.Parameters = append([]ProviderParameter(nil), ch.Parameters...)
		c.RequestConfig.Challenges[i] = ch
	}
	c.DateStart = cloneTime(m.DateStart)
	c.DateExpiry = cloneTime(m.DateExpiry)
	c.DateRenewed = cloneTime(m.DateRenewed)
	c.DateLastRenewalAttempt = cloneTime(m.DateLastRenewalAttempt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SortDomainOptions orders options primary first, then by domain.
func SortDomainOptions(options []DomainOption) {
	sort.SliceStable(options, func(i, j int) bool {
		if options[i].IsPrimaryDomain != options[j].IsPrimaryDomain {
			return options[i].IsPrimaryDomain
		}
		return options[i].Domain < options[j].Domain
	})
}

// AuthorizationChallenge is one challenge offered by the CA, plus what we did with it.
type AuthorizationChallenge struct {
	ChallengeType      string `json:"ChallengeType"`
	URI                string `json:"Uri,omitempty"`
	Token              string `json:"Token,omitempty"`
	Key                string `json:"Key,omitempty"`
	Value              string `json:"Value,omitempty"`
	ResourcePath       string `json:"ResourcePath,omitempty"`
	ResourceURI        string `json:"ResourceUri,omitempty"`
	HashIterationCount int    `json:"HashIterationCount,omitempty"`
	Status             string `json:"Status,omitempty"`

	IsValidated        bool   `json:"IsValidated"`
	IsFailure          bool   `json:"IsFailure"`
	IsAwaitingUser     bool   `json:"IsAwaitingUser"`
	ConfigCheckedOK    bool   `json:"ConfigCheckedOK"`
	PropagationSeconds int    `json:"PropagationSeconds"`
	ChallengeResultMsg string `json:"ChallengeResultMsg,omitempty"`
}

// Authorization status values, as reported by the CA.
const (
	AuthorizationStatusPending = "pending"
	AuthorizationStatusValid   = "valid"
	AuthorizationStatusInvalid = "invalid"
)

// PendingAuthorization tracks one domain's proof of control within an order.
type PendingAuthorization struct {
	Identifier         string                    `json:"Identifier"`
	AuthorizationURI   string                    `json:"AuthorizationUri,omitempty"`
	Status             string                    `json:"Status,omitempty"`
	Challenges         []*AuthorizationChallenge `json:"Challenges,omitempty"`
	AttemptedChallenge *AuthorizationChallenge   `json:"AttemptedChallenge,omitempty"`
	IsValidated        bool                      `json:"IsValidated"`
	IsFailure          bool                      `json:"IsFailure"`
	AuthorizationError string                    `json:"AuthorizationError,omitempty"`

	cleanupMu sync.Mutex
	cleanup   func()
}

// IsPending reports whether the CA still waits for a challenge response.
func (p *PendingAuthorization) IsPending() bool {
	return p.Status == AuthorizationStatusPending && !p.IsValidated && !p.IsFailure
}

// SetCleanup registers the action that removes the challenge artifact.
func (p *PendingAuthorization) SetCleanup(fn func()) {
	p.cleanupMu.Lock()
	defer p.cleanupMu.Unlock()
	p.cleanup = fn
}

// Cleanup runs the registered cleanup at most once.
func (p *PendingAuthorization) Cleanup() {
	p.cleanupMu.Lock()
	fn := p.cleanup
	p.cleanup = nil
	p.cleanupMu.Unlock()
	if fn != nil {
		fn()
	}
}

// FindChallenge returns the offered challenge of the given type, or nil.
func (p *PendingAuthorization) FindChallenge(challengeType string) *AuthorizationChallenge {
	for _, c := range p.Challenges {
		if c.ChallengeType == challengeType {
			return c
		}
	}
	return nil
}

// Order is a CA order: its locator plus one authorization per identifier.
type Order struct {
	URI            string                  `json:"Uri"`
	Status         string                  `json:"Status"`
	Authorizations []*PendingAuthorization `json:"Authorizations"`
}

// FailedAuthorization returns the first authorization reporting failure, or nil.
func (o *Order) FailedAuthorization() *PendingAuthorization {
	for _, a := range o.Authorizations {
		if a.IsFailure {
			return a
		}
	}
	return nil
}

// AuthorizationFor returns the authorization matching an ASCII domain.
func (o *Order) AuthorizationFor(asciiDomain string) *PendingAuthorization {
	for _, a := range o.Authorizations {
		if strings.EqualFold(a.Identifier, asciiDomain) {
			return a
		}
	}
	return nil
}

// IssuanceResult is returned by the CA client once an order has been finalized.
type IssuanceResult struct {
	IsSuccess       bool
	CertificatePath string
	KeyPath         string
	ErrorMessage    string
}

// ActionStep is one deployment action reported by the ServerProvider.
type ActionStep struct {
	Title       string `json:"Title"`
	Description string `json:"Description,omitempty"`
	HasError    bool   `json:"HasError"`
}

// StatusMessage is a generic ok/message result.
type StatusMessage struct {
	IsOK    bool        `json:"IsOK"`
	Message string      `json:"Message"`
	Result  interface{} `json:"Result,omitempty"`
}

// RequestResult is the outcome of one request, renewal or deployment.
type RequestResult struct {
	ManagedItem *ManagedCertificate `json:"-"`
	IsSuccess   bool                `json:"IsSuccess"`
	Abort       bool                `json:"Abort"`
	Message     string              `json:"Message"`
	Actions     []ActionStep        `json:"Actions,omitempty"`

	ChallengeResponsePropagationSeconds int `json:"ChallengeResponsePropagationSeconds,omitempty"`
}

// RequestProgressState is one progress event for a managed certificate.
type RequestProgressState struct {
	ManagedItemID string         `json:"ManagedItemId"`
	CurrentState  RequestState   `json:"CurrentState"`
	Message       string         `json:"Message"`
	Result        *RequestResult `json:"Result,omitempty"`
	Timestamp     time.Time      `json:"Timestamp"`
}

// SiteInfo describes a site known to the ServerProvider.
type SiteInfo struct {
	ID        string   `json:"Id"`
	Name      string   `json:"Name"`
	RootPath  string   `json:"RootPath"`
	Hostnames []string `json:"Hostnames"`
	IsRunning bool     `json:"IsRunning"`
}

// LogItemType classifies entries of the per-item log.
type LogItemType int

const (
	LogItemGeneralInfo                         LogItemType = 1
	LogItemGeneralWarning                      LogItemType = 10
	LogItemGeneralError                        LogItemType = 20
	LogItemCertificateRequestStarted           LogItemType = 50
	LogItemCertificateRequestSuccessful        LogItemType = 100
	LogItemCertificateRequestFailed            LogItemType = 101
	LogItemCertificateRequestAttentionRequired LogItemType = 110
)

func (t LogItemType) String() string {
	switch t {
	case LogItemGeneralInfo:
		return "GeneralInfo"
	case LogItemGeneralWarning:
		return "GeneralWarning"
	case LogItemGeneralError:
		return "GeneralError"
	case LogItemCertificateRequestStarted:
		return "CertificateRequestStarted"
	case LogItemCertificateRequestSuccessful:
		return "CertificateRequestSuccessful"
	case LogItemCertificateRequestFailed:
		return "CertificateRequestFailed"
	case LogItemCertificateRequestAttentionRequired:
		return "CertificateRequestAttentionRequired"
	}
	return "Unknown"
}

// ManagedCertificateFilter narrows GetAll results. Paging is done in the query,
// every other predicate is applied in memory after the page is loaded.
type ManagedCertificateFilter struct {
	PageSize               int
	PageIndex              int
	MaxResults             int
	ID                     string
	Name                   string
	Keyword                string
	ChallengeType          string
	ChallengeProvider      string
	ChallengeCredentialKey string
	IncludeOnlyAutoRenew   bool
}
