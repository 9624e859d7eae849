// Package orchestrator drives a managed certificate through order creation, challenge
// preparation, validation, issuance and deployment, and records the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/hooks"
	"github.com/oetiker/go-acme-cert-manager/pkg/metrics"
	"github.com/oetiker/go-acme-cert-manager/pkg/progress"
	"github.com/oetiker/go-acme-cert-manager/pkg/scheduler"
)

// DefaultValidationWait is the pause between submitting a challenge and checking its outcome.
const DefaultValidationWait = 5 * time.Second

// ItemStore persists managed certificates.
type ItemStore interface {
	GetByID(ctx context.Context, id string) (*common.ManagedCertificate, error)
	GetAll(ctx context.Context, filter common.ManagedCertificateFilter) ([]*common.ManagedCertificate, error)
	Update(ctx context.Context, item *common.ManagedCertificate) (*common.ManagedCertificate, error)
	PerformMaintenance(ctx context.Context) error
}

// ChallengePreparer publishes challenge responses and simulates them for configuration tests.
type ChallengePreparer interface {
	PrepareAndVerify(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, auth *common.PendingAuthorization) *common.PendingAuthorization
	Reattach(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, auth *common.PendingAuthorization) *common.PendingAuthorization
	Simulate(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, previewMode, dnsChecksEnabled bool) common.StatusMessage
}

// ScriptRunner runs the pre and post request scripts of an item.
type ScriptRunner interface {
	RunPreRequest(ctx context.Context, item *common.ManagedCertificate) (bool, error)
	RunPostRequest(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult) error
}

// WebhookSender fires the webhook of an item.
type WebhookSender interface {
	Send(ctx context.Context, item *common.ManagedCertificate, success bool) (*hooks.WebhookResult, error)
}

// Orchestrator runs certificate requests. Collaborators left nil are skipped, except
// Store, ACME, Challenges and Reporter.
type Orchestrator struct {
	Store          ItemStore
	ACME           common.ACMEClient
	Server         common.ServerProvider
	Challenges     ChallengePreparer
	Scripts        ScriptRunner
	Webhooks       WebhookSender
	StatusReporter common.StatusReporter
	Reporter       *progress.Reporter
	Metrics        *metrics.Metrics
	Scheduler      *scheduler.Scheduler
	Logger         common.LoggerInterface

	// ValidationWait overrides DefaultValidationWait when positive.
	ValidationWait time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var _ scheduler.Requester = (*Orchestrator)(nil)

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if o.sleep != nil {
		return o.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) validationWait() time.Duration {
	if o.ValidationWait > 0 {
		return o.ValidationWait
	}
	return DefaultValidationWait
}

// RequestOrRenew requests a certificate for item, or renews it, and deploys the result.
// Script and webhook failures never change the outcome.
func (o *Orchestrator) RequestOrRenew(ctx context.Context, item *common.ManagedCertificate) common.RequestResult {
	ctx = common.CreateCertOperationContext(ctx, "request", item.ID)
	start := o.clock()
	result := &common.RequestResult{ManagedItem: item}

	abort, err := o.runPreRequest(ctx, item)
	if err != nil {
		o.Logger.Warnf("Pre-request script for %s failed: %v", item.Name, err)
		o.Reporter.Log(item.ID, common.LogItemGeneralWarning, fmt.Sprintf("Pre-request script failed: %v", err))
	}
	if abort {
		result.Abort = true
		result.Message = "Certificate Request was aborted by PreRequest script"
		o.Logger.Warnf("%s: %s", item.Name, result.Message)
		o.Reporter.Report(item, common.RequestStateWarning, result.Message, true, result)
		o.Metrics.ObserveRequest("aborted", o.clock().Sub(start))
		return *result
	}

	if err := o.processSafely(ctx, item, result); err != nil {
		msg := fmt.Sprintf("Certificate request failed: %s :: %v", item.Name, err)
		o.Logger.Errorf("%s", msg)
		result.IsSuccess = false
		result.Message = msg
		o.updateStatus(ctx, item, result, common.RequestStateError, msg)
	}

	o.runPostActions(ctx, item, result)
	o.Metrics.ObserveRequest(resultLabel(item, result), o.clock().Sub(start))

	if result.IsSuccess {
		o.runChildren(ctx, item)
	}
	return *result
}

func (o *Orchestrator) runPreRequest(ctx context.Context, item *common.ManagedCertificate) (bool, error) {
	if o.Scripts == nil {
		return false, nil
	}
	return o.Scripts.RunPreRequest(ctx, item)
}

// processSafely runs ProcessRequest and turns a panic into an error.
func (o *Orchestrator) processSafely(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return o.ProcessRequest(ctx, item, result)
}

func (o *Orchestrator) runPostActions(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult) {
	if o.Scripts != nil {
		if err := o.Scripts.RunPostRequest(ctx, item, result); err != nil {
			o.Logger.Warnf("Post-request script for %s failed: %v", item.Name, err)
			o.Reporter.Log(item.ID, common.LogItemGeneralWarning, fmt.Sprintf("Post-request script failed: %v", err))
		}
	}

	rc := item.RequestConfig
	if o.Webhooks == nil || rc.WebhookURL == "" || !rc.WebhookTrigger.Matches(result.IsSuccess) {
		return
	}
	res, err := o.Webhooks.Send(ctx, item, result.IsSuccess)
	if err != nil {
		o.Logger.Warnf("Webhook for %s failed: %v", item.Name, err)
	}
	if res == nil {
		res = &hooks.WebhookResult{}
	}
	o.Reporter.Log(item.ID, common.LogItemGeneralInfo,
		fmt.Sprintf("Webhook invoked: Url: %s, Success: %t, StatusCode: %d", rc.WebhookURL, res.Success, res.StatusCode))
}

// runChildren requests the items whose ParentID is item.
func (o *Orchestrator) runChildren(ctx context.Context, item *common.ManagedCertificate) {
	all, err := o.Store.GetAll(ctx, common.ManagedCertificateFilter{})
	if err != nil {
		o.Logger.Warnf("Could not load dependent items of %s: %v", item.Name, err)
		return
	}
	for _, child := range all {
		if child.ParentID != item.ID || child.ID == item.ID {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		o.Logger.Infof("Requesting %s after its parent %s", child.Name, item.Name)
		o.RequestOrRenew(ctx, child)
	}
}

// updateStatus records the outcome of an attempt on item, persists it and publishes it.
func (o *Orchestrator) updateStatus(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult, state common.RequestState, msg string) {
	now := o.clock()
	item.DateLastRenewalAttempt = &now
	item.LastRenewalStatus = state
	switch state {
	case common.RequestStateSuccess:
		item.RenewalFailureCount = 0
		item.RenewalFailureMessage = ""
	case common.RequestStateError:
		item.RenewalFailureCount++
		item.RenewalFailureMessage = msg
	case common.RequestStatePaused:
		item.RenewalFailureMessage = msg
	}

	o.persist(ctx, item)
	o.Reporter.Report(item, state, msg, true, result)

	if item.RequestConfig.EnableFailureNotifications && o.StatusReporter != nil {
		if err := o.StatusReporter.ReportStatus(ctx, item); err != nil {
			o.Logger.Warnf("Status report for %s failed: %v", item.Name, err)
		}
	}
}

// persist stores item and adopts the stored version.
func (o *Orchestrator) persist(ctx context.Context, item *common.ManagedCertificate) {
	saved, err := o.Store.Update(ctx, item)
	if err != nil {
		o.Logger.Errorf("Failed to save %s: %v", item.Name, err)
		return
	}
	if saved != nil && saved != item {
		item.ID = saved.ID
		item.Version = saved.Version
	}
	o.Reporter.ItemUpdated(item)
}

func resultLabel(item *common.ManagedCertificate, result *common.RequestResult) string {
	switch {
	case result.IsSuccess:
		return "success"
	case item.LastRenewalStatus == common.RequestStatePaused:
		return "paused"
	}
	return "error"
}
