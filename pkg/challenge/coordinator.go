// Package challenge prepares the responses to ACME challenges and checks locally that the
// CA will be able to validate them.
package challenge

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/dnsprovider"
)

// DNSPublisher creates and removes the TXT records of DNS-01 challenges.
// *dnsprovider.ChallengeHelper is the production implementation.
type DNSPublisher interface {
	CompleteDNSChallenge(ctx context.Context, cert *common.ManagedCertificate, domain, txtValue string) *dnsprovider.DNSChallengeResult
	ResumeDNSChallenge(ctx context.Context, cert *common.ManagedCertificate, domain, txtValue string) *dnsprovider.DNSChallengeResult
	Cleanup(ctx context.Context, res *dnsprovider.DNSChallengeResult) dnsprovider.Result
}

// Coordinator prepares challenge responses. The check functions can be replaced in tests.
type Coordinator struct {
	DNS    DNSPublisher
	Logger common.LoggerInterface

	// HTTPCheck reports whether url serves exactly expected.
	HTTPCheck func(ctx context.Context, url, expected string) bool
	// TLSCheck reports whether domain presents a certificate for sniHost.
	TLSCheck func(ctx context.Context, domain, sniHost string) bool
	// DomainCheck returns an error when domain does not resolve.
	DomainCheck func(ctx context.Context, domain string) error
}

// NewCoordinator wires the network checks: HTTP through client, DNS through the resolver
// at dnsResolver (host or host:port, empty for the system configuration).
func NewCoordinator(dns DNSPublisher, client common.HTTPClientInterface, dnsResolver string, logger common.LoggerInterface) *Coordinator {
	if client == nil {
		client = http.DefaultClient
	}
	checker := &DomainChecker{Resolver: dnsResolver}
	return &Coordinator{
		DNS:         dns,
		Logger:      logger,
		HTTPCheck:   httpCheck(client),
		TLSCheck:    tlsCheck,
		DomainCheck: checker.Check,
	}
}

// PrepareAndVerify picks the configured challenge type among the offered ones, publishes
// the response, checks it when the matching check is enabled and registers the cleanup.
func (c *Coordinator) PrepareAndVerify(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, auth *common.PendingAuthorization) *common.PendingAuthorization {
	cfg := cert.GetChallengeConfig(auth.Identifier)

	challenge := auth.FindChallenge(cfg.ChallengeType)
	if challenge == nil {
		auth.IsFailure = true
		auth.AuthorizationError = fmt.Sprintf("The CA did not offer a %s challenge for %s", cfg.ChallengeType, auth.Identifier)
		return auth
	}
	auth.AttemptedChallenge = challenge

	switch cfg.ChallengeType {
	case common.ChallengeTypeHTTP:
		c.prepareHTTP(ctx, server, cert, auth, challenge)
	case common.ChallengeTypeSNI:
		if challenge.HashIterationCount <= 0 {
			challenge.HashIterationCount = cfg.HashIterationCount
		}
		c.prepareTLSSNI(ctx, server, cert, auth, challenge)
	case common.ChallengeTypeDNS:
		c.prepareDNS(ctx, cert, auth, challenge)
	default:
		challenge.IsFailure = true
		challenge.ChallengeResultMsg = fmt.Sprintf("Unsupported challenge type %s", cfg.ChallengeType)
	}
	return auth
}

// Reattach points auth at its configured challenge after the request was reloaded from
// a paused order, and registers the cleanup of the response published before the pause.
// Nothing is published again.
func (c *Coordinator) Reattach(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, auth *common.PendingAuthorization) *common.PendingAuthorization {
	cfg := cert.GetChallengeConfig(auth.Identifier)
	ch := auth.AttemptedChallenge
	if ch == nil {
		ch = auth.FindChallenge(cfg.ChallengeType)
	}
	if ch == nil {
		return auth
	}
	auth.AttemptedChallenge = ch

	switch cfg.ChallengeType {
	case common.ChallengeTypeHTTP:
		if !cert.RequestConfig.PerformChallengeFileCopy || ch.Token == ConfigCheckToken {
			return auth
		}
		webroot, err := resolveWebroot(ctx, server, cert)
		if err != nil || webroot == "" {
			c.Logger.Warnf("Could not determine the website root for %s, challenge file %s stays in place", auth.Identifier, ch.Token)
			return auth
		}
		path := filepath.Join(webroot, filepath.FromSlash(challengeDir), ch.Token)
		auth.SetCleanup(func() { c.removeTokenFile(path) })
	case common.ChallengeTypeSNI:
		if server == nil {
			return auth
		}
		if ch.HashIterationCount <= 0 {
			ch.HashIterationCount = cfg.HashIterationCount
		}
		hosts := SNIHostnames(ch.Value, ch.HashIterationCount)
		auth.SetCleanup(func() { c.removeBindings(server, cert, hosts) })
	case common.ChallengeTypeDNS:
		res := c.DNS.ResumeDNSChallenge(ctx, cert, dnsDomain(auth, ch), ch.Value)
		if !res.Result.IsSuccess {
			c.Logger.Warnf("TXT record for %s cannot be removed automatically: %s", auth.Identifier, res.Result.Message)
			return auth
		}
		auth.SetCleanup(func() { c.DNS.Cleanup(context.Background(), res) })
	}
	return auth
}
