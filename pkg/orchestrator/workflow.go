package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

// dnsPropagationSeconds is the propagation wait used for DNS-01 when the provider names none.
const dnsPropagationSeconds = 60

const (
	msgAwaitingUser     = "Awaiting user input. See Managed Certificate details for more information."
	msgHTTPConfigFailed = "Automated configuration checks failed. Authorizations will not be able to complete. " +
		"Check that http://%s/.well-known/acme-challenge/ is publicly accessible and serves extensionless files."
	msgSNIConfigFailed = "Automated configuration checks failed for TLS-SNI bindings. Authorizations will not be able to complete."
)

// domainAuth pairs a requested domain with its authorization in the order.
type domainAuth struct {
	domain string
	auth   *common.PendingAuthorization
}

// ProcessRequest runs the request workflow for item and fills result. Expected failures are
// reported through result and the item status; the returned error is for anything else.
func (o *Orchestrator) ProcessRequest(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult) error {
	item.EnsureDefaultChallenge()
	domains := item.RequestedDomains()
	if len(domains) == 0 {
		o.fail(ctx, item, result, "No domains selected for certificate request")
		return nil
	}
	o.Reporter.Report(item, common.RequestStateRunning, "Beginning certificate request process: "+strings.Join(domains, ", "), true, nil)

	step, order := o.resume(ctx, item)
	if step == StepBeginOrder {
		var err error
		order, err = o.ACME.BeginOrder(ctx, item)
		if err == nil {
			if failed := order.FailedAuthorization(); failed != nil {
				err = fmt.Errorf("%s", failed.AuthorizationError)
			}
		}
		if err != nil {
			item.CurrentOrderURI = ""
			o.fail(ctx, item, result, fmt.Sprintf("Failed to create certificate order: %v", err))
			return nil
		}
		item.CurrentOrderURI = order.URI
		o.persist(ctx, item)
	}
	o.Logger.Debugf("%s: continuing at %s for order %s", item.Name, step, order.URI)

	if step != StepFinalize {
		auths, ok := o.matchAuthorizations(ctx, item, result, order, domains)
		if !ok {
			return nil
		}

		paused := false
		defer func() {
			if !paused {
				for _, da := range auths {
					da.auth.Cleanup()
				}
			}
		}()

		if step == StepResumeValidation {
			o.reattachChallenges(ctx, item, auths)
		} else {
			if !o.prepareChallenges(ctx, item, result, auths) {
				return nil
			}
			if awaitingUser(auths) {
				paused = true
				for _, da := range auths {
					if ch := da.auth.AttemptedChallenge; ch != nil && ch.IsAwaitingUser && ch.ChallengeResultMsg != "" {
						o.Reporter.Log(item.ID, common.LogItemCertificateRequestAttentionRequired, ch.ChallengeResultMsg)
					}
				}
				result.Message = msgAwaitingUser
				o.updateStatus(ctx, item, result, common.RequestStatePaused, msgAwaitingUser)
				return nil
			}
			if err := o.propagationWait(ctx, item, result, auths); err != nil {
				return err
			}
		}

		if !o.validate(ctx, item, result, auths) {
			return nil
		}
	}

	return o.finalize(ctx, item, result)
}

// resume reloads the stored order, if any, and decides where to continue.
func (o *Orchestrator) resume(ctx context.Context, item *common.ManagedCertificate) (Step, *common.Order) {
	cont := ContinuationFor(item)
	if cont.OrderURI == "" {
		return StepBeginOrder, nil
	}
	order, err := o.ACME.ResumeOrder(ctx, item, cont.OrderURI)
	status := ""
	if err != nil {
		o.Logger.Infof("%s: stored order could not be resumed, starting a new one: %v", item.Name, err)
	} else if order != nil {
		status = order.Status
	}
	step := NextStep(cont, status)
	if step == StepBeginOrder {
		return step, nil
	}
	if !coversDomains(order, item.RequestedDomains()) {
		o.Logger.Infof("%s: domains changed since order %s was created, starting a new one", item.Name, cont.OrderURI)
		return StepBeginOrder, nil
	}
	return step, order
}

// coversDomains reports whether order authorizes exactly the requested domains.
func coversDomains(order *common.Order, domains []string) bool {
	if order == nil || len(order.Authorizations) != len(domains) {
		return false
	}
	for _, d := range domains {
		ascii, err := toASCII(d)
		if err != nil || order.AuthorizationFor(ascii) == nil {
			return false
		}
	}
	return true
}

func (o *Orchestrator) matchAuthorizations(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult, order *common.Order, domains []string) ([]domainAuth, bool) {
	auths := make([]domainAuth, 0, len(domains))
	for _, domain := range domains {
		ascii, err := toASCII(domain)
		if err != nil {
			o.failOrder(ctx, item, result, fmt.Sprintf("Failed to create certificate order: invalid domain %s: %v", domain, err))
			return nil, false
		}
		auth := order.AuthorizationFor(ascii)
		if auth == nil {
			o.failOrder(ctx, item, result, fmt.Sprintf("Validation of the required challenges did not complete successfully. No authorization returned for %s", domain))
			return nil, false
		}
		auths = append(auths, domainAuth{domain: domain, auth: auth})
	}
	return auths, true
}

// prepareChallenges publishes the challenge responses of the pending authorizations.
func (o *Orchestrator) prepareChallenges(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult, auths []domainAuth) bool {
	rc := item.RequestConfig
	for _, da := range auths {
		cfg := item.GetChallengeConfig(da.domain)
		if cfg.ChallengeType == common.ChallengeTypeDNS && result.ChallengeResponsePropagationSeconds < dnsPropagationSeconds {
			result.ChallengeResponsePropagationSeconds = dnsPropagationSeconds
		}

		auth := da.auth
		if !auth.IsPending() {
			if auth.IsValidated {
				o.Reporter.Log(item.ID, common.LogItemGeneralInfo, "Domain already validated: "+da.domain)
			}
			continue
		}

		o.Reporter.Report(item, common.RequestStateRunning, "Preparing challenge response for "+da.domain, false, nil)
		o.Challenges.PrepareAndVerify(ctx, o.Server, item, auth)

		if auth.IsFailure {
			o.fail(ctx, item, result, "Validation of the required challenges did not complete successfully. "+auth.AuthorizationError)
			return false
		}
		ch := auth.AttemptedChallenge
		if ch == nil {
			continue
		}
		if !ch.ConfigCheckedOK {
			switch {
			case ch.ChallengeType == common.ChallengeTypeHTTP && rc.PerformExtensionlessConfigChecks:
				o.fail(ctx, item, result, fmt.Sprintf(msgHTTPConfigFailed, da.domain))
				return false
			case ch.ChallengeType == common.ChallengeTypeSNI && rc.PerformTlsSniBindingConfigChecks:
				o.fail(ctx, item, result, msgSNIConfigFailed)
				return false
			}
		}
		if ch.IsFailure {
			o.fail(ctx, item, result, "Validation of the required challenges did not complete successfully. "+ch.ChallengeResultMsg)
			return false
		}
		if ch.ChallengeType == common.ChallengeTypeDNS && ch.PropagationSeconds > 0 {
			result.ChallengeResponsePropagationSeconds = ch.PropagationSeconds
		}
	}
	return true
}

// reattachChallenges points each pending authorization at its configured challenge after
// a reload, and restores the cleanup of the response published before the pause.
func (o *Orchestrator) reattachChallenges(ctx context.Context, item *common.ManagedCertificate, auths []domainAuth) {
	for _, da := range auths {
		if da.auth.IsPending() {
			o.Challenges.Reattach(ctx, o.Server, item, da.auth)
		}
	}
}

func awaitingUser(auths []domainAuth) bool {
	for _, da := range auths {
		if ch := da.auth.AttemptedChallenge; ch != nil && ch.IsAwaitingUser {
			return true
		}
	}
	return false
}

// propagationWait counts down the propagation seconds, one progress event per second.
func (o *Orchestrator) propagationWait(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult, auths []domainAuth) error {
	pending := false
	for _, da := range auths {
		if da.auth.IsPending() {
			pending = true
		}
	}
	if !pending {
		return nil
	}
	for n := result.ChallengeResponsePropagationSeconds; n > 0; n-- {
		o.Reporter.Report(item, common.RequestStatePaused,
			fmt.Sprintf("Pausing for %d seconds to allow for challenge response propagation.", n), false, nil)
		if err := o.wait(ctx, time.Second); err != nil {
			return err
		}
	}
	return nil
}

// validate submits each pending challenge and checks it once after the validation wait.
func (o *Orchestrator) validate(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult, auths []domainAuth) bool {
	for _, da := range auths {
		auth := da.auth
		switch {
		case auth.IsValidated:
			o.Reporter.Log(item.ID, common.LogItemGeneralInfo, "Domain already validated: "+da.domain)
			continue
		case auth.IsFailure || auth.Status == common.AuthorizationStatusInvalid:
			o.failOrder(ctx, item, result, fmt.Sprintf("Domain validation failed: %s \n%s", da.domain, auth.AuthorizationError))
			return false
		case auth.AttemptedChallenge == nil:
			o.failOrder(ctx, item, result, "Validation of the required challenges did not complete successfully. No challenge attempted for "+da.domain)
			return false
		}

		ok, msg := o.validateOne(ctx, item, auth)
		auth.Cleanup()
		if !ok {
			o.failOrder(ctx, item, result, fmt.Sprintf("Domain validation failed: %s \n%s", da.domain, msg))
			return false
		}
		o.Reporter.Report(item, common.RequestStateRunning, "Domain validation completed: "+da.domain, true, nil)
	}
	return true
}

func (o *Orchestrator) validateOne(ctx context.Context, item *common.ManagedCertificate, auth *common.PendingAuthorization) (bool, string) {
	o.Reporter.Report(item, common.RequestStateRunning, "Submitting challenge response for "+auth.Identifier, false, nil)
	if err := o.ACME.SubmitChallenge(ctx, auth); err != nil {
		return false, err.Error()
	}
	if err := o.wait(ctx, o.validationWait()); err != nil {
		return false, err.Error()
	}
	checked, err := o.ACME.CheckValidationCompleted(ctx, auth)
	if err != nil {
		return false, err.Error()
	}
	if checked == nil || !checked.IsValidated {
		msg := "authorization is still pending"
		if checked != nil {
			if checked.AuthorizationError != "" {
				msg = checked.AuthorizationError
			} else if ch := checked.AttemptedChallenge; ch != nil && ch.ChallengeResultMsg != "" {
				msg = ch.ChallengeResultMsg
			}
		}
		return false, msg
	}
	return true, ""
}

// finalize completes the order, records the new certificate and deploys it.
func (o *Orchestrator) finalize(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult) error {
	o.Reporter.Report(item, common.RequestStateRunning, "Requesting certificate", false, nil)
	issued, err := o.ACME.CompleteOrder(ctx, item, item.CurrentOrderURI)
	if err == nil && (issued == nil || !issued.IsSuccess) {
		msg := "no certificate returned"
		if issued != nil && issued.ErrorMessage != "" {
			msg = issued.ErrorMessage
		}
		err = common.NewIssuanceError("complete_order", msg)
	}
	if err != nil {
		msg := fmt.Sprintf("The Let's Encrypt service did not issue a valid certificate in the time allowed. %v", errorText(err))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// the CA may still be processing the order, the next attempt picks it up
			o.fail(ctx, item, result, msg)
		} else {
			o.failOrder(ctx, item, result, msg)
		}
		return nil
	}

	if err := o.applyCertificate(item, issued.CertificatePath); err != nil {
		return err
	}
	o.persist(ctx, item)

	if item.ItemType != common.ItemTypeLocalServer || o.Server == nil {
		msg := "Certificate created and ready for manual binding: " + item.CertificatePath
		result.IsSuccess = true
		result.Message = msg
		o.updateStatus(ctx, item, result, common.RequestStateSuccess, msg)
		return nil
	}

	actions, err := o.Server.InstallCertForRequest(ctx, item, item.CertificatePath, true, false)
	result.Actions = actions
	if err != nil || hasActionError(actions) {
		if err != nil {
			o.Logger.Errorf("Deployment of %s failed: %v", item.Name, err)
		}
		o.fail(ctx, item, result, fmt.Sprintf("Failed to install certificate (%s) or update bindings", item.CertificatePath))
		return nil
	}
	result.IsSuccess = true
	result.Message = "Request completed"
	o.updateStatus(ctx, item, result, common.RequestStateSuccess, result.Message)
	return nil
}

// applyCertificate records the validity window and thumbprint of the issued certificate.
func (o *Orchestrator) applyCertificate(item *common.ManagedCertificate, certPath string) error {
	info, cert, err := manager.LoadCertificateInfo(certPath)
	if err != nil {
		return fmt.Errorf("failed to read issued certificate %s: %w", certPath, err)
	}
	now := o.clock()
	notBefore, notAfter := info.NotBefore, info.NotAfter
	item.DateStart = &notBefore
	item.DateExpiry = &notAfter
	item.DateRenewed = &now
	item.CertificatePath = certPath
	if thumb := manager.CertificateThumbprint(cert); thumb != item.CertificateThumbprintHash {
		item.CertificatePreviousThumbprintHash = item.CertificateThumbprintHash
		item.CertificateThumbprintHash = thumb
	}
	item.CertificateRevoked = false
	item.CurrentOrderURI = ""
	return nil
}

// failOrder fails the request and forgets its order, so the next attempt starts a new one.
func (o *Orchestrator) failOrder(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult, msg string) {
	item.CurrentOrderURI = ""
	o.fail(ctx, item, result, msg)
}

// fail marks the request as failed with msg.
func (o *Orchestrator) fail(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult, msg string) {
	result.IsSuccess = false
	result.Message = msg
	o.Logger.Warnf("%s: %s", item.Name, msg)
	o.updateStatus(ctx, item, result, common.RequestStateError, msg)
}

func hasActionError(actions []common.ActionStep) bool {
	for _, a := range actions {
		if a.HasError {
			return true
		}
	}
	return false
}

// errorText prefers the plain message of an ApplicationError.
func errorText(err error) string {
	if appErr := common.GetApplicationError(err); appErr != nil && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

// toASCII converts an internationalized domain to its ASCII form, keeping a wildcard label.
func toASCII(domain string) (string, error) {
	prefix := ""
	if strings.HasPrefix(domain, "*.") {
		prefix = "*."
		domain = domain[2:]
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", err
	}
	return prefix + ascii, nil
}
