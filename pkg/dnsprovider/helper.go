package dnsprovider

import (
	"context"
	"strings"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// DNSChallengeResult is the outcome of publishing one DNS-01 response.
type DNSChallengeResult struct {
	Result             Result
	Provider           Provider
	Request            RecordRequest
	IsAwaitingUser     bool
	PropagationSeconds int
}

// ChallengeHelper publishes DNS-01 challenge responses through the configured provider.
type ChallengeHelper struct {
	Resolver *Resolver
	Logger   common.LoggerInterface
}

// CompleteDNSChallenge creates the _acme-challenge TXT record for domain. Failures are
// reported in the returned Result, never as an error.
func (h *ChallengeHelper) CompleteDNSChallenge(ctx context.Context, cert *common.ManagedCertificate, domain, txtValue string) *DNSChallengeResult {
	res := h.locate(ctx, cert, domain, txtValue)
	if res.Provider == nil {
		return res
	}
	h.Logger.Debugf("Creating TXT record %s via %s", res.Request.RecordName, res.Provider.ID())
	res.Result = res.Provider.CreateRecord(ctx, res.Request)
	return res
}

// ResumeDNSChallenge rebuilds the result of a record published by an earlier run, so the
// record can be cleaned up once the paused request completes. Nothing is created.
func (h *ChallengeHelper) ResumeDNSChallenge(ctx context.Context, cert *common.ManagedCertificate, domain, txtValue string) *DNSChallengeResult {
	res := h.locate(ctx, cert, domain, txtValue)
	if res.Provider != nil {
		res.Result = success("TXT record " + res.Request.RecordName + " was published before the request paused")
	}
	return res
}

// locate resolves the provider and zone for the record of domain. On failure Provider
// is nil and Result carries the reason.
func (h *ChallengeHelper) locate(ctx context.Context, cert *common.ManagedCertificate, domain, txtValue string) *DNSChallengeResult {
	domain = strings.TrimPrefix(strings.TrimSpace(domain), "*.")
	cfg := cert.GetChallengeConfig(domain)

	res := &DNSChallengeResult{
		Request: RecordRequest{
			TargetDomain: domain,
			RecordName:   "_acme-challenge." + domain,
			RecordValue:  txtValue,
			RecordType:   "TXT",
		},
	}

	provider, err := h.Resolver.Resolve(ctx, cfg)
	if err != nil {
		res.Result = failure(messageOf(err))
		return res
	}
	res.Provider = provider
	res.IsAwaitingUser = provider.IsManual()
	res.PropagationSeconds = provider.PropagationDelaySeconds()

	zoneID, err := ResolveZoneID(ctx, provider, domain, zoneIDFor(cfg))
	if err != nil {
		res.Provider = nil
		res.Result = failure(err.Error())
		return res
	}
	res.Request.ZoneID = zoneID
	return res
}

// Cleanup deletes the record a previous CompleteDNSChallenge created. For the manual
// provider the deletion is an instruction to the operator, which is logged as important.
func (h *ChallengeHelper) Cleanup(ctx context.Context, res *DNSChallengeResult) Result {
	if res == nil || res.Provider == nil {
		return success("nothing to clean up")
	}
	out := res.Provider.DeleteRecord(ctx, res.Request)
	switch {
	case !out.IsSuccess:
		h.Logger.Warnf("Removing TXT record %s failed: %s", res.Request.RecordName, out.Message)
	case res.Provider.IsManual():
		h.Logger.Importantf("%s", out.Message)
	}
	return out
}

func messageOf(err error) string {
	if appErr := common.GetApplicationError(err); appErr != nil {
		return appErr.Message
	}
	return err.Error()
}
