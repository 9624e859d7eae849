package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const (
	previewPrefix = "[Preview Mode] "
	dummySteps    = 6
)

// DeployOnly installs the current certificate of a LocalServer item again. In preview mode
// nothing changes: the server provider only reports what it would do.
func (o *Orchestrator) DeployOnly(ctx context.Context, item *common.ManagedCertificate, preview bool) common.RequestResult {
	prefix := ""
	if preview {
		prefix = previewPrefix
	}
	result := common.RequestResult{ManagedItem: item}

	switch {
	case item.ItemType != common.ItemTypeLocalServer || o.Server == nil:
		result.Message = prefix + "Only certificates deployed to the local server can be deployed"
		return result
	case item.CertificatePath == "":
		result.Message = prefix + "No certificate has been issued yet"
		return result
	}

	actions, err := o.Server.InstallCertForRequest(ctx, item, item.CertificatePath, false, preview)
	result.Actions = actions
	if err != nil || hasActionError(actions) {
		if err != nil {
			o.Logger.Errorf("Deployment of %s failed: %v", item.Name, err)
		}
		result.Message = fmt.Sprintf("%sFailed to install certificate (%s) or update bindings", prefix, item.CertificatePath)
		if !preview {
			o.updateStatus(ctx, item, &result, common.RequestStateError, result.Message)
		}
		return result
	}

	result.IsSuccess = true
	result.Message = prefix + "Deployment completed"
	if !preview {
		o.updateStatus(ctx, item, &result, common.RequestStateSuccess, result.Message)
	}
	return result
}

// Revoke revokes the current certificate of item and marks it revoked.
func (o *Orchestrator) Revoke(ctx context.Context, item *common.ManagedCertificate) (common.StatusMessage, error) {
	status, err := o.ACME.Revoke(ctx, item)
	if err != nil {
		o.Reporter.Log(item.ID, common.LogItemGeneralError, fmt.Sprintf("Certificate revoke failed: %v", err))
		return common.StatusMessage{Message: errorText(err)}, err
	}
	if status == nil || !status.IsOK {
		if status == nil {
			return common.StatusMessage{Message: "Certificate revoke failed"}, nil
		}
		return *status, nil
	}
	item.CertificateRevoked = true
	o.persist(ctx, item)
	o.Reporter.Log(item.ID, common.LogItemGeneralWarning, "Certificate revoked")
	return *status, nil
}

// TestChallengeConfiguration simulates the configured challenges of item without contacting the CA.
func (o *Orchestrator) TestChallengeConfiguration(ctx context.Context, item *common.ManagedCertificate, dnsChecksEnabled bool) common.StatusMessage {
	item.EnsureDefaultChallenge()
	return o.Challenges.Simulate(ctx, o.Server, item, true, dnsChecksEnabled)
}

// PerformDummyRequest walks item through a fake request with random delays, without
// contacting the CA or changing the item.
func (o *Orchestrator) PerformDummyRequest(ctx context.Context, item *common.ManagedCertificate) common.RequestResult {
	result := common.RequestResult{ManagedItem: item}
	for step := 1; step <= dummySteps; step++ {
		o.Reporter.Report(item, common.RequestStateRunning, fmt.Sprintf("Step %d of %d", step, dummySteps), false, nil)
		delay := time.Duration(rand.Int64N(int64(2 * time.Second)))
		if err := o.wait(ctx, delay); err != nil {
			result.Message = err.Error()
			o.Reporter.Report(item, common.RequestStateError, result.Message, false, &result)
			return result
		}
	}
	result.IsSuccess = true
	result.Message = "Finish"
	o.Reporter.Report(item, common.RequestStateSuccess, result.Message, false, &result)
	return result
}

// PerformPeriodicTasks runs a renewal sweep over the auto-renewed items.
func (o *Orchestrator) PerformPeriodicTasks(ctx context.Context) []common.RequestResult {
	if o.Scheduler == nil {
		return nil
	}
	return o.Scheduler.RunSweep(ctx, true)
}

// PerformDailyTasks runs store maintenance.
func (o *Orchestrator) PerformDailyTasks(ctx context.Context) error {
	o.Logger.Infof("Performing daily maintenance")
	return o.Store.PerformMaintenance(ctx)
}

// ImportFromServer creates a managed certificate for each site of the server provider that
// has hostnames and is not managed yet.
func (o *Orchestrator) ImportFromServer(ctx context.Context) ([]*common.ManagedCertificate, error) {
	if o.Server == nil {
		return nil, common.NewConfigError("import", "no server sites configured")
	}
	sites, err := o.Server.GetSites(ctx, false)
	if err != nil {
		return nil, err
	}
	existing, err := o.Store.GetAll(ctx, common.ManagedCertificateFilter{})
	if err != nil {
		return nil, err
	}
	managed := make(map[string]bool)
	for _, item := range existing {
		if item.GroupID != "" {
			managed[item.GroupID] = true
		}
	}

	var created []*common.ManagedCertificate
	for _, site := range sites {
		if managed[site.ID] || len(site.Hostnames) == 0 {
			continue
		}
		item := itemForSite(site)
		saved, err := o.Store.Update(ctx, item)
		if err != nil {
			return created, err
		}
		o.Logger.Infof("Imported site %s as %s", site.Name, strings.Join(saved.RequestedDomains(), ", "))
		created = append(created, saved)
	}
	return created, nil
}

func itemForSite(site common.SiteInfo) *common.ManagedCertificate {
	options := make([]common.DomainOption, 0, len(site.Hostnames))
	for i, host := range site.Hostnames {
		options = append(options, common.DomainOption{
			Domain:          strings.ToLower(host),
			IsPrimaryDomain: i == 0,
			IsSelected:      true,
		})
	}
	common.SortDomainOptions(options)

	item := &common.ManagedCertificate{
		Name:               site.Name,
		GroupID:            site.ID,
		ItemType:           common.ItemTypeLocalServer,
		IncludeInAutoRenew: true,
		DomainOptions:      options,
		RequestConfig: common.RequestConfig{
			PrimaryDomain:                    options[0].Domain,
			WebsiteRootPath:                  site.RootPath,
			PerformChallengeFileCopy:         true,
			PerformExtensionlessConfigChecks: true,
			PerformAutoConfig:                true,
		},
	}
	for _, opt := range options[1:] {
		item.RequestConfig.SubjectAlternativeNames = append(item.RequestConfig.SubjectAlternativeNames, opt.Domain)
	}
	item.EnsureDefaultChallenge()
	return item
}
