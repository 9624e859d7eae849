package dnsprovider

import (
	"context"
	"strings"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/hooks"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

const (
	msgCredentialsUnavailable = "DNS Challenge API Credentials could not be decrypted or no longer exists. The Credential may need to be re-entered."
	msgUnknownProvider        = "DNS Challenge API Provider not set or not recognised. Select an API to proceed."
)

// Resolver builds providers from challenge configurations.
type Resolver struct {
	Credentials common.CredentialStore
	HTTPClient  common.HTTPClientInterface
	Scripts     *hooks.Runner
	AcmeDns     *manager.AcmeDnsRegistrar
	Logger      common.LoggerInterface

	// replaced in tests
	route53Client func(p params) (route53API, error)
	acmeDnsClient func(server string) (acmeDnsUpdater, error)
}

// Resolve returns the provider named by cfg.ChallengeProvider, constructed with the
// credentials stored under cfg.ChallengeCredentialKey.
func (r *Resolver) Resolve(ctx context.Context, cfg common.ChallengeConfig) (Provider, error) {
	p := make(params)
	for _, kv := range cfg.Parameters {
		p[strings.ToLower(strings.TrimSpace(kv.Key))] = kv.Value
	}

	if key := strings.TrimSpace(cfg.ChallengeCredentialKey); key != "" {
		if r.Credentials == nil {
			return nil, credentialError(key, nil)
		}
		creds, err := r.Credentials.GetCredentials(ctx, key)
		if err != nil {
			return nil, credentialError(key, err)
		}
		for k, v := range creds {
			p[strings.ToLower(k)] = v
		}
	}

	switch strings.TrimSpace(cfg.ChallengeProvider) {
	case ProviderRoute53:
		newClient := r.route53Client
		if newClient == nil {
			newClient = newRoute53Client
		}
		client, err := newClient(p)
		if err != nil {
			return nil, common.WrapError(err, common.ErrorTypeDNS, "resolve", "creating Route 53 client")
		}
		return &route53Provider{client: client}, nil

	case ProviderCloudflare:
		provider, err := newCloudflareProvider(newCloudflareConfig(p, r.HTTPClient))
		if err != nil {
			return nil, common.WrapError(err, common.ErrorTypeDNS, "resolve", "creating Cloudflare client")
		}
		return provider, nil

	case ProviderAcmeDns:
		if r.AcmeDns == nil {
			return nil, common.NewConfigError("resolve", "acme-dns provider selected but acme_dns is not configured")
		}
		server := p.get("server")
		if server == "" {
			server = r.AcmeDns.Server
		}
		newClient := r.acmeDnsClient
		if newClient == nil {
			newClient = newAcmeDnsClient
		}
		client, err := newClient(server)
		if err != nil {
			return nil, common.WrapError(err, common.ErrorTypeDNS, "resolve", "creating acme-dns client").
				AddContext("server", server)
		}
		return &acmeDnsProvider{registrar: r.AcmeDns, client: client}, nil

	case ProviderScripting:
		return &scriptProvider{
			createScript: p.get("createscriptpath"),
			deleteScript: p.get("deletescriptpath"),
			propagation:  p.intOr("propagationdelay", defaultScriptPropagation),
			runner:       r.Scripts,
			logger:       r.Logger,
		}, nil

	case ProviderManual:
		return manualProvider{}, nil
	}

	return nil, common.NewApplicationError(common.ErrorTypeDNS, "resolve", msgUnknownProvider).
		AddContext("provider", cfg.ChallengeProvider)
}

func credentialError(key string, err error) *common.ApplicationError {
	appErr := common.NewApplicationError(common.ErrorTypeAuthentication, "resolve", msgCredentialsUnavailable).
		AddContext("credential", key).
		AddSuggestion("Add the credential under the credentials section of the configuration")
	appErr.Underlying = err
	return appErr
}

// zoneIDFor picks the zoneid parameter over the configured ZoneId.
func zoneIDFor(cfg common.ChallengeConfig) string {
	if z := strings.TrimSpace(cfg.Parameter("zoneid")); z != "" {
		return z
	}
	return strings.TrimSpace(cfg.ZoneID)
}
