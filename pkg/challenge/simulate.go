package challenge

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// maxConcurrentDomainChecks bounds the DNS pre-check of Simulate.
const maxConcurrentDomainChecks = 8

// Simulate runs the challenge preparation against synthetic authorizations to find
// configuration problems before the CA is involved. In preview mode with DNS checks
// enabled every domain must resolve first. HTTP-01 stops at the first failing domain,
// DNS-01 and TLS-SNI-01 check all domains and combine the results.
func (c *Coordinator) Simulate(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, previewMode, dnsChecksEnabled bool) common.StatusMessage {
	domains := cert.RequestedDomains()

	if previewMode && dnsChecksEnabled {
		if err := c.checkDomains(ctx, domains); err != nil {
			msg := err.Error()
			if appErr := common.GetApplicationError(err); appErr != nil {
				msg = appErr.Message
			}
			return common.StatusMessage{IsOK: false, Message: msg}
		}
	}

	var auths []*common.PendingAuthorization
	defer func() {
		for _, a := range auths {
			a.Cleanup()
		}
	}()

	ok := true
	var failures []string
	for _, domain := range domains {
		cfg := cert.GetChallengeConfig(domain)
		auth, err := simulatedAuthorization(domain, cfg)
		if err != nil {
			return common.StatusMessage{IsOK: false, Message: err.Error()}
		}
		auths = append(auths, auth)

		c.PrepareAndVerify(ctx, server, cert, auth)
		ch := auth.AttemptedChallenge
		passed := !auth.IsFailure && ch != nil && !ch.IsFailure && ch.ConfigCheckedOK

		if cfg.ChallengeType == common.ChallengeTypeHTTP {
			if !passed {
				return common.StatusMessage{
					IsOK: false,
					Message: fmt.Sprintf("Config checks failed to verify http://%s is both publicly accessible and can serve extensionless files e.g. %s",
						domain, resourceURI(ch)),
				}
			}
			continue
		}

		ok = ok && passed
		if !passed {
			failures = append(failures, failureMessage(auth))
		}
	}

	if !ok {
		return common.StatusMessage{IsOK: false, Message: strings.Join(failures, "\n")}
	}
	return common.StatusMessage{IsOK: true, Message: "All configuration checks completed successfully"}
}

func (c *Coordinator) checkDomains(ctx context.Context, domains []string) error {
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDomainChecks)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(d, "*."))
		if seen[d] {
			continue
		}
		seen[d] = true
		g.Go(func() error {
			return c.DomainCheck(gctx, d)
		})
	}
	return g.Wait()
}

func simulatedAuthorization(domain string, cfg common.ChallengeConfig) (*common.PendingAuthorization, error) {
	ch := &common.AuthorizationChallenge{
		ChallengeType: cfg.ChallengeType,
		Status:        common.AuthorizationStatusPending,
	}
	bare := strings.TrimPrefix(domain, "*.")

	switch cfg.ChallengeType {
	case common.ChallengeTypeHTTP:
		ch.Token = ConfigCheckToken
		ch.Value = ConfigCheckValue
	case common.ChallengeTypeDNS:
		keyAuth, err := GenerateSimulatedKeyAuth()
		if err != nil {
			return nil, err
		}
		ch.Key = dnsChallengePrefix + "test." + bare
		ch.Value = keyAuth
	case common.ChallengeTypeSNI:
		keyAuth, err := GenerateSimulatedKeyAuth()
		if err != nil {
			return nil, err
		}
		ch.Value = keyAuth
		ch.HashIterationCount = cfg.HashIterationCount
		if ch.HashIterationCount < 1 {
			ch.HashIterationCount = 1
		}
	}

	return &common.PendingAuthorization{
		Identifier: domain,
		Status:     common.AuthorizationStatusPending,
		Challenges: []*common.AuthorizationChallenge{ch},
	}, nil
}

func resourceURI(ch *common.AuthorizationChallenge) string {
	if ch == nil {
		return ""
	}
	return ch.ResourceURI
}

func failureMessage(auth *common.PendingAuthorization) string {
	if auth.AuthorizationError != "" {
		return auth.AuthorizationError
	}
	if auth.AttemptedChallenge != nil && auth.AttemptedChallenge.ChallengeResultMsg != "" {
		return auth.AttemptedChallenge.ChallengeResultMsg
	}
	return fmt.Sprintf("Config checks failed for %s", auth.Identifier)
}
