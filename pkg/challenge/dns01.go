package challenge

import (
	"context"
	"strings"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const dnsChallengePrefix = "_acme-challenge."

func (c *Coordinator) prepareDNS(ctx context.Context, cert *common.ManagedCertificate, auth *common.PendingAuthorization, ch *common.AuthorizationChallenge) {
	res := c.DNS.CompleteDNSChallenge(ctx, cert, dnsDomain(auth, ch), ch.Value)
	ch.IsAwaitingUser = res.IsAwaitingUser
	ch.PropagationSeconds = res.PropagationSeconds
	ch.ConfigCheckedOK = res.Result.IsSuccess
	ch.ChallengeResultMsg = res.Result.Message
	if !res.Result.IsSuccess {
		ch.IsFailure = true
		return
	}

	auth.SetCleanup(func() {
		c.DNS.Cleanup(context.Background(), res)
	})
}

// dnsDomain is the domain the TXT record is created for. The record name may differ
// from the identifier, as for simulated checks.
func dnsDomain(auth *common.PendingAuthorization, ch *common.AuthorizationChallenge) string {
	if strings.HasPrefix(ch.Key, dnsChallengePrefix) {
		return strings.TrimPrefix(ch.Key, dnsChallengePrefix)
	}
	return auth.Identifier
}
