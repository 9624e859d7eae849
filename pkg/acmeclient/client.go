// Package acmeclient talks to the certificate authority. It splits issuance into the
// order, challenge and finalize steps the orchestrator drives, so a request can pause
// between them and resume from the stored order URI.
package acmeclient

import (
	"context"
	"crypto"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/crypto/acme"
	"golang.org/x/net/idna"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// DefaultFinalizeTimeout bounds the wait for an order to become ready and be issued.
const DefaultFinalizeTimeout = 90 * time.Second

const userAgent = "go-acme-cert-manager/1.0"

// acmeAPI is the part of *acme.Client in use here.
type acmeAPI interface {
	GetReg(ctx context.Context, url string) (*acme.Account, error)
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, id []acme.AuthzID, opt ...acme.OrderOption) (*acme.Order, error)
	GetOrder(ctx context.Context, url string) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) ([][]byte, string, error)
	FetchCert(ctx context.Context, url string, bundle bool) ([][]byte, error)
	RevokeCert(ctx context.Context, key crypto.Signer, cert []byte, reason acme.CRLReasonCode) error
	HTTP01ChallengeResponse(token string) (string, error)
	DNS01ChallengeRecord(token string) (string, error)
}

// Options configures a Client.
type Options struct {
	DirectoryURL    string
	Email           string
	KeyType         string
	HTTPClient      *http.Client
	FinalizeTimeout time.Duration

	Accounts *AccountStore
	Storage  *CertStorage
	Logger   common.LoggerInterface
}

// Client implements common.ACMEClient on top of golang.org/x/crypto/acme.
type Client struct {
	api      acmeAPI
	raw      *acme.Client
	opts     Options
	logger   common.LoggerInterface
	regMu    sync.Mutex
	regReady bool
}

var _ common.ACMEClient = (*Client)(nil)

// New loads (or creates) the account key and returns a client for the CA at opts.DirectoryURL.
// Registration happens lazily on the first order.
func New(opts Options) (*Client, error) {
	if opts.DirectoryURL == "" {
		return nil, common.NewConfigError("acme_client", "ACME server URL is not configured")
	}
	if opts.Accounts == nil {
		return nil, common.NewConfigError("acme_client", "account storage is not configured")
	}
	key, err := opts.Accounts.LoadOrCreateKey()
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeACME, "acme_client", "loading the ACME account key")
	}
	raw := &acme.Client{
		Key:          key,
		DirectoryURL: opts.DirectoryURL,
		HTTPClient:   opts.HTTPClient,
		UserAgent:    userAgent,
	}
	c := newWithAPI(raw, opts)
	c.raw = raw
	return c, nil
}

func newWithAPI(api acmeAPI, opts Options) *Client {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return &Client{api: api, opts: opts, logger: opts.Logger}
}

// ensureAccount registers the account once per process, reusing a saved registration.
func (c *Client) ensureAccount(ctx context.Context) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.regReady {
		return nil
	}

	if reg, err := c.opts.Accounts.LoadRegistration(); err != nil {
		c.logger.Warnf("Ignoring saved ACME registration: %v", err)
	} else if reg != nil {
		c.setKID(reg.URI)
		c.regReady = true
		return nil
	}

	acct, err := c.api.GetReg(ctx, "")
	switch {
	case err == nil:
		c.logger.Infof("Using existing ACME account %s", acct.URI)
	case errors.Is(err, acme.ErrNoAccount):
		newAcct := &acme.Account{}
		if c.opts.Email != "" {
			newAcct.Contact = []string{"mailto:" + c.opts.Email}
		}
		acct, err = c.api.Register(ctx, newAcct, acme.AcceptTOS)
		if errors.Is(err, acme.ErrAccountAlreadyExists) {
			acct, err = c.api.GetReg(ctx, "")
		}
		if err != nil {
			return common.WrapError(err, common.ErrorTypeACME, "register", "registering the ACME account")
		}
		c.logger.Importantf("Registered ACME account %s", acct.URI)
	default:
		return common.WrapError(err, common.ErrorTypeACME, "register", "looking up the ACME account")
	}

	if acct.Status != "" && acct.Status != acme.StatusValid {
		return common.NewACMEError("register", fmt.Sprintf("unexpected ACME account status %q", acct.Status))
	}
	if err := c.opts.Accounts.SaveRegistration(&Registration{URI: acct.URI, Status: acct.Status, Contact: acct.Contact}); err != nil {
		c.logger.Warnf("Could not save ACME registration: %v", err)
	}
	c.setKID(acct.URI)
	c.regReady = true
	return nil
}

func (c *Client) setKID(uri string) {
	if c.raw != nil && uri != "" {
		c.raw.KID = acme.KeyID(uri)
	}
}

// BeginOrder creates an order for the requested domains and loads its authorizations.
func (c *Client) BeginOrder(ctx context.Context, item *common.ManagedCertificate) (*common.Order, error) {
	if err := c.ensureAccount(ctx); err != nil {
		return nil, err
	}
	domains, err := asciiDomains(item.RequestedDomains())
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return nil, common.NewOrderCreationError("begin_order", "no domains to request")
	}

	order, err := c.api.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeOrderCreationFailed, "begin_order", "creating the certificate order").
			AddContext("domains", strings.Join(domains, ","))
	}
	c.logger.Debugf("Created order %s for %s", order.URI, strings.Join(domains, ", "))
	return c.loadOrder(ctx, order), nil
}

// ResumeOrder reloads an existing order by URI.
func (c *Client) ResumeOrder(ctx context.Context, item *common.ManagedCertificate, orderURI string) (*common.Order, error) {
	if err := c.ensureAccount(ctx); err != nil {
		return nil, err
	}
	order, err := c.api.GetOrder(ctx, orderURI)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeACME, "resume_order", "reloading the certificate order").
			AddContext("order", orderURI)
	}
	return c.loadOrder(ctx, order), nil
}

func (c *Client) loadOrder(ctx context.Context, order *acme.Order) *common.Order {
	out := &common.Order{URI: order.URI, Status: order.Status}
	for _, u := range order.AuthzURLs {
		out.Authorizations = append(out.Authorizations, c.loadAuthorization(ctx, u))
	}
	return out
}

func (c *Client) loadAuthorization(ctx context.Context, authzURL string) *common.PendingAuthorization {
	pa := &common.PendingAuthorization{AuthorizationURI: authzURL}
	authz, err := c.api.GetAuthorization(ctx, authzURL)
	if err != nil {
		pa.IsFailure = true
		pa.AuthorizationError = err.Error()
		return pa
	}

	pa.Identifier = authz.Identifier.Value
	if authz.Wildcard {
		pa.Identifier = "*." + pa.Identifier
	}
	c.applyAuthorization(pa, authz)

	for _, ch := range authz.Challenges {
		ac := &common.AuthorizationChallenge{
			ChallengeType: ch.Type,
			URI:           ch.URI,
			Token:         ch.Token,
			Status:        ch.Status,
		}
		var err error
		switch ch.Type {
		case common.ChallengeTypeDNS:
			ac.Key = "_acme-challenge." + authz.Identifier.Value
			ac.Value, err = c.api.DNS01ChallengeRecord(ch.Token)
		case common.ChallengeTypeHTTP, common.ChallengeTypeSNI:
			ac.Value, err = c.api.HTTP01ChallengeResponse(ch.Token)
		}
		if err != nil {
			c.logger.Warnf("Could not compute the %s response for %s: %v", ch.Type, pa.Identifier, err)
			continue
		}
		pa.Challenges = append(pa.Challenges, ac)
	}
	return pa
}

func (c *Client) applyAuthorization(pa *common.PendingAuthorization, authz *acme.Authorization) {
	pa.Status = authz.Status
	pa.IsValidated = authz.Status == acme.StatusValid
	switch authz.Status {
	case acme.StatusInvalid, acme.StatusDeactivated, acme.StatusRevoked, acme.StatusExpired:
		pa.IsFailure = true
		pa.AuthorizationError = authorizationError(authz)
	}
}

func authorizationError(authz *acme.Authorization) string {
	for _, ch := range authz.Challenges {
		if ch.Error != nil {
			return ch.Error.Error()
		}
	}
	return fmt.Sprintf("authorization for %s is %s", authz.Identifier.Value, authz.Status)
}

// SubmitChallenge tells the CA the attempted challenge is ready to be checked.
func (c *Client) SubmitChallenge(ctx context.Context, auth *common.PendingAuthorization) error {
	ch := auth.AttemptedChallenge
	if ch == nil || ch.URI == "" {
		return common.NewAuthorizationError("submit_challenge", fmt.Sprintf("no challenge attempted for %s", auth.Identifier))
	}
	if _, err := c.api.Accept(ctx, &acme.Challenge{URI: ch.URI, Type: ch.ChallengeType, Token: ch.Token}); err != nil {
		return common.WrapError(err, common.ErrorTypeAuthorizationFailed, "submit_challenge", "submitting the challenge response").
			AddContext("domain", auth.Identifier)
	}
	return nil
}

// CheckValidationCompleted fetches the authorization once and updates auth in place.
func (c *Client) CheckValidationCompleted(ctx context.Context, auth *common.PendingAuthorization) (*common.PendingAuthorization, error) {
	authz, err := c.api.GetAuthorization(ctx, auth.AuthorizationURI)
	if err != nil {
		return auth, common.WrapError(err, common.ErrorTypeAuthorizationFailed, "check_validation", "fetching the authorization").
			AddContext("domain", auth.Identifier)
	}
	c.applyAuthorization(auth, authz)
	if auth.AttemptedChallenge != nil {
		for _, ch := range authz.Challenges {
			if ch.URI == auth.AttemptedChallenge.URI {
				auth.AttemptedChallenge.Status = ch.Status
				auth.AttemptedChallenge.IsValidated = ch.Status == acme.StatusValid
				if ch.Error != nil {
					auth.AttemptedChallenge.IsFailure = true
					auth.AttemptedChallenge.ChallengeResultMsg = ch.Error.Error()
				}
			}
		}
	}
	return auth, nil
}

// CompleteOrder waits for the order to become ready, finalizes it with a fresh key and
// stores the issued chain under the item id. An order the CA already finalized is not
// finalized again: its certificate is downloaded and paired with the key kept from the
// earlier finalize request.
func (c *Client) CompleteOrder(ctx context.Context, item *common.ManagedCertificate, orderURI string) (*common.IssuanceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FinalizeTimeout)
	defer cancel()

	order, err := c.api.WaitOrder(ctx, orderURI)
	if err != nil {
		return &common.IssuanceResult{ErrorMessage: err.Error()},
			common.WrapError(err, common.ErrorTypeIssuanceFailed, "complete_order", "waiting for the order to become ready")
	}

	domains, err := asciiDomains(item.RequestedDomains())
	if err != nil {
		return &common.IssuanceResult{ErrorMessage: err.Error()}, err
	}

	var (
		der     [][]byte
		certURL string
		keyPEM  []byte
	)
	if order.Status == acme.StatusValid && order.CertURL != "" {
		keyPEM, err = c.opts.Storage.LoadPendingKey(item.ID)
		if err != nil || keyPEM == nil {
			msg := "the order was finalized but the key of its certificate request is missing"
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			return &common.IssuanceResult{ErrorMessage: msg}, common.NewIssuanceError("complete_order", msg).
				AddContext("order", orderURI)
		}
		c.logger.Infof("Order %s is already valid, downloading its certificate", orderURI)
		certURL = order.CertURL
		der, err = c.api.FetchCert(ctx, certURL, true)
		if err != nil {
			return &common.IssuanceResult{ErrorMessage: err.Error()},
				common.WrapError(err, common.ErrorTypeIssuanceFailed, "complete_order", "downloading the certificate")
		}
	} else {
		key, err := certcrypto.GeneratePrivateKey(keyType(firstNonEmpty(item.RequestConfig.KeyType, c.opts.KeyType)))
		if err != nil {
			return &common.IssuanceResult{ErrorMessage: err.Error()},
				common.WrapError(err, common.ErrorTypeIssuanceFailed, "complete_order", "generating the certificate key")
		}
		csr, err := certcrypto.GenerateCSR(key, domains[0], domains[1:], false)
		if err != nil {
			return &common.IssuanceResult{ErrorMessage: err.Error()},
				common.WrapError(err, common.ErrorTypeIssuanceFailed, "complete_order", "creating the certificate request")
		}
		keyPEM = certcrypto.PEMEncode(key)
		if err := c.opts.Storage.SavePendingKey(item.ID, keyPEM); err != nil {
			return &common.IssuanceResult{ErrorMessage: err.Error()},
				common.WrapError(err, common.ErrorTypeStorage, "complete_order", "saving the certificate key")
		}
		der, certURL, err = c.api.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
		if err != nil {
			return &common.IssuanceResult{ErrorMessage: err.Error()},
				common.WrapError(err, common.ErrorTypeIssuanceFailed, "complete_order", "finalizing the order")
		}
	}
	if len(der) == 0 {
		return &common.IssuanceResult{ErrorMessage: "empty certificate chain"},
			common.NewIssuanceError("complete_order", "the CA returned an empty certificate chain")
	}

	var certPEM, issuerPEM []byte
	for i, b := range der {
		block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})
		certPEM = append(certPEM, block...)
		if i > 0 {
			issuerPEM = append(issuerPEM, block...)
		}
	}

	meta := CertificateMeta{ItemID: item.ID, Domains: domains, OrderURI: orderURI, CertURL: certURL, IssuedAt: time.Now()}
	if err := c.opts.Storage.Save(item.ID, certPEM, keyPEM, issuerPEM, meta); err != nil {
		return &common.IssuanceResult{ErrorMessage: err.Error()},
			common.WrapError(err, common.ErrorTypeStorage, "complete_order", "saving the issued certificate")
	}
	c.opts.Storage.RemovePendingKey(item.ID)
	return &common.IssuanceResult{
		IsSuccess:       true,
		CertificatePath: c.opts.Storage.CertPath(item.ID),
		KeyPath:         c.opts.Storage.KeyPath(item.ID),
	}, nil
}

// Revoke revokes the item's current certificate with the account key.
func (c *Client) Revoke(ctx context.Context, item *common.ManagedCertificate) (*common.StatusMessage, error) {
	if item.CertificatePath == "" {
		return &common.StatusMessage{Message: "No certificate to revoke"}, nil
	}
	if err := c.ensureAccount(ctx); err != nil {
		return &common.StatusMessage{Message: err.Error()}, err
	}
	data, err := os.ReadFile(item.CertificatePath)
	if err != nil {
		return &common.StatusMessage{Message: err.Error()},
			common.WrapError(err, common.ErrorTypeCertificate, "revoke", "reading the certificate")
	}
	certs, err := certcrypto.ParsePEMBundle(data)
	if err != nil {
		return &common.StatusMessage{Message: err.Error()},
			common.WrapError(err, common.ErrorTypeCertificate, "revoke", "parsing the certificate")
	}
	if err := c.api.RevokeCert(ctx, nil, certs[0].Raw, acme.CRLReasonUnspecified); err != nil {
		return &common.StatusMessage{Message: err.Error()},
			common.WrapError(err, common.ErrorTypeACME, "revoke", "revoking the certificate")
	}
	return &common.StatusMessage{IsOK: true, Message: "Certificate revoked"}, nil
}

func asciiDomains(domains []string) ([]string, error) {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		wildcard := strings.HasPrefix(d, "*.")
		ascii, err := idna.Lookup.ToASCII(strings.TrimPrefix(d, "*."))
		if err != nil {
			return nil, common.WrapError(err, common.ErrorTypeValidation, "idn", fmt.Sprintf("invalid domain %s", d))
		}
		if wildcard {
			ascii = "*." + ascii
		}
		out = append(out, ascii)
	}
	return out, nil
}

func keyType(name string) certcrypto.KeyType {
	switch strings.ToLower(name) {
	case "rsa2048":
		return certcrypto.RSA2048
	case "rsa3072":
		return certcrypto.RSA3072
	case "rsa4096":
		return certcrypto.RSA4096
	case "rsa8192":
		return certcrypto.RSA8192
	case "ec384":
		return certcrypto.EC384
	}
	return certcrypto.EC256
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
