package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

// Mode is the operation selected on the command line.
type Mode string

const (
	ModeRenewAll    Mode = "renew-all"
	ModeRequest     Mode = "request"
	ModeTest        Mode = "test"
	ModeDeploy      Mode = "deploy"
	ModeRevoke      Mode = "revoke"
	ModeList        Mode = "list"
	ModeShow        Mode = "show"
	ModeAdd         Mode = "add"
	ModeDelete      Mode = "delete"
	ModeImportSites Mode = "import-sites"
	ModeMaintenance Mode = "maintenance"
	ModeDaemon      Mode = "daemon"
)

// runMode executes one command line mode against the wired services.
func (app *Application) runMode(ctx context.Context, svc *Services) error {
	switch app.config.Mode {
	case ModeRenewAll:
		return app.renewAll(ctx, svc)
	case ModeRequest:
		return app.request(ctx, svc, app.config.Target)
	case ModeTest:
		return app.test(ctx, svc, app.config.Target)
	case ModeDeploy:
		return app.deploy(ctx, svc, app.config.Target, app.config.Preview)
	case ModeRevoke:
		return app.revoke(ctx, svc, app.config.Target)
	case ModeList:
		return listItems(ctx, svc, app.out)
	case ModeShow:
		return showItem(ctx, svc, app.config.Target, app.out)
	case ModeAdd:
		return app.add(ctx, svc, app.config.Args)
	case ModeDelete:
		return app.delete(ctx, svc, app.config.Target)
	case ModeImportSites:
		return app.importSites(ctx, svc)
	case ModeMaintenance:
		return svc.Orchestrator.PerformDailyTasks(ctx)
	case ModeDaemon:
		return app.runDaemon(ctx, svc)
	}
	return common.NewValidationError("validate operation mode", fmt.Sprintf("Unknown mode %q", app.config.Mode))
}

func (app *Application) renewAll(ctx context.Context, svc *Services) error {
	svc.Scheduler.Options.TestModeOnly = app.config.TestModeOnly
	results := svc.Scheduler.RunSweep(ctx, true)
	requested := make(map[string]bool, len(results))
	failed := 0
	for _, r := range results {
		name := ""
		if r.ManagedItem != nil {
			name = r.ManagedItem.Name
			requested[r.ManagedItem.ID] = true
		}
		if r.IsSuccess {
			app.logger.Infof("%s: %s", name, r.Message)
		} else {
			failed++
			app.logger.Errorf("%s: %s", name, r.Message)
		}
	}
	app.reportSkipped(ctx, svc, requested)
	app.logger.Infof("Renewal finished: %d requested, %d failed", len(results), failed)
	if failed > 0 {
		return common.NewIssuanceError("renew all", fmt.Sprintf("%d of %d certificate requests failed", failed, len(results)))
	}
	return nil
}

func (app *Application) request(ctx context.Context, svc *Services, ref string) error {
	item, err := svc.FindItem(ctx, ref)
	if err != nil {
		return err
	}
	stop := followProgress(ctx, svc.Reporter, item.ID, app.logger.Infof)
	res := svc.Orchestrator.RequestOrRenew(ctx, item)
	stop()
	return app.reportResult(svc, item, res)
}

// reportSkipped logs why the auto-renewed items the sweep did not request were skipped.
func (app *Application) reportSkipped(ctx context.Context, svc *Services, requested map[string]bool) {
	items, err := svc.Store.GetAll(ctx, common.ManagedCertificateFilter{IncludeOnlyAutoRenew: true})
	if err != nil {
		app.logger.Warnf("Could not list managed certificates: %v", err)
		return
	}
	for _, item := range items {
		if requested[item.ID] {
			continue
		}
		if st, ok := svc.Reporter.GetRequestProgressState(item.ID); ok {
			app.logger.Debugf("%s: %s", item.Name, st.Message)
		}
	}
}

func (app *Application) reportResult(svc *Services, item *common.ManagedCertificate, res common.RequestResult) error {
	for _, a := range res.Actions {
		app.logger.Infof("  %s %s", a.Title, a.Description)
	}
	switch {
	case res.IsSuccess:
		app.logger.Infof("%s: %s", item.Name, res.Message)
		return nil
	case item.LastRenewalStatus == common.RequestStatePaused:
		app.logger.Warnf("%s: %s", item.Name, res.Message)
		app.logger.Warnf("See %s for the required steps", svc.ItemLog.LogPath(item.ID))
		return nil
	case res.Abort:
		app.logger.Warnf("%s: %s", item.Name, res.Message)
		return nil
	}
	if svc.ActionLog != nil {
		if summary := svc.ActionLog.Summary(); summary != "" {
			app.logger.Errorf("Commands run during the request:\n%s", summary)
		}
	}
	return common.NewIssuanceError("request", res.Message).
		AddContext("item", item.Name).
		AddContext("item_log", svc.ItemLog.LogPath(item.ID)).
		AddSuggestion("Run -show " + item.ID + " for the log of this certificate")
}

func (app *Application) test(ctx context.Context, svc *Services, ref string) error {
	item, err := svc.FindItem(ctx, ref)
	if err != nil {
		return err
	}
	status := svc.Orchestrator.TestChallengeConfiguration(ctx, item, svc.Config.Renewal.EnableDNSValidationChecks)
	if !status.IsOK {
		return common.NewConfigCheckError("test", status.Message).AddContext("item", item.Name)
	}
	app.logger.Infof("%s: %s", item.Name, status.Message)
	return nil
}

func (app *Application) deploy(ctx context.Context, svc *Services, ref string, preview bool) error {
	item, err := svc.FindItem(ctx, ref)
	if err != nil {
		return err
	}
	res := svc.Orchestrator.DeployOnly(ctx, item, preview)
	for _, a := range res.Actions {
		if a.HasError {
			app.logger.Errorf("  %s %s", a.Title, a.Description)
		} else {
			app.logger.Infof("  %s %s", a.Title, a.Description)
		}
	}
	if !res.IsSuccess {
		return common.NewDeploymentError("deploy", res.Message).AddContext("item", item.Name)
	}
	app.logger.Infof("%s: %s", item.Name, res.Message)
	return nil
}

func (app *Application) revoke(ctx context.Context, svc *Services, ref string) error {
	item, err := svc.FindItem(ctx, ref)
	if err != nil {
		return err
	}
	status, err := svc.Orchestrator.Revoke(ctx, item)
	if err != nil {
		return err
	}
	if !status.IsOK {
		return common.NewACMEError("revoke", status.Message).AddContext("item", item.Name)
	}
	app.logger.Infof("%s: %s", item.Name, status.Message)
	return nil
}

func (app *Application) add(ctx context.Context, svc *Services, args []string) error {
	if len(args) == 0 {
		return common.NewValidationError("add managed certificate", "No certificate definition given").
			AddSuggestion("Example: -add web@example.com,www.example.com/site=web")
	}
	for _, arg := range args {
		req, err := manager.ParseItemArg(arg)
		if err != nil {
			return common.WrapError(err, common.ErrorTypeValidation, "add managed certificate",
				"Invalid certificate definition").AddContext("argument", arg)
		}
		if req.SiteID != "" {
			if _, ok := svc.Config.Site(req.SiteID); !ok {
				return common.NewValidationError("add managed certificate",
					fmt.Sprintf("Unknown site %q", req.SiteID)).
					AddSuggestion("Add the site to the server.sites section of the configuration")
			}
		}
		item, err := svc.Store.Update(ctx, req.ToManagedCertificate())
		if err != nil {
			return err
		}
		app.logger.Infof("Added %s (%s): %s", item.Name, item.ID, strings.Join(item.RequestedDomains(), ", "))
	}
	return nil
}

func (app *Application) delete(ctx context.Context, svc *Services, ref string) error {
	item, err := svc.FindItem(ctx, ref)
	if err != nil {
		return err
	}
	if err := svc.Store.Delete(ctx, item.ID); err != nil {
		return err
	}
	app.logger.Infof("Deleted %s (%s)", item.Name, item.ID)
	return nil
}

func (app *Application) importSites(ctx context.Context, svc *Services) error {
	created, err := svc.Orchestrator.ImportFromServer(ctx)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		app.logger.Info("All configured sites are already managed. Nothing to import.")
	}
	return nil
}

// listItems prints one line per managed certificate.
func listItems(ctx context.Context, svc *Services, out io.Writer) error {
	items, err := svc.Store.GetAll(ctx, common.ManagedCertificateFilter{})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDOMAINS\tEXPIRES\tSTATUS\tHEALTH")
	for _, item := range items {
		expires := "-"
		if item.DateExpiry != nil {
			expires = item.DateExpiry.Format(time.DateOnly)
		}
		status := string(item.LastRenewalStatus)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ID, item.Name, strings.Join(item.RequestedDomains(), ","), expires, status, item.Health())
	}
	return tw.Flush()
}

// showItem prints the details of one managed certificate followed by its log.
func showItem(ctx context.Context, svc *Services, ref string, out io.Writer) error {
	item, err := svc.FindItem(ctx, ref)
	if err != nil {
		return err
	}
	date := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Format(time.RFC3339)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", item.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", item.Name)
	fmt.Fprintf(tw, "Domains:\t%s\n", strings.Join(item.RequestedDomains(), ", "))
	fmt.Fprintf(tw, "Auto renew:\t%v\n", item.IncludeInAutoRenew)
	fmt.Fprintf(tw, "Health:\t%s\n", item.Health())
	fmt.Fprintf(tw, "Renewed:\t%s\n", date(item.DateRenewed))
	fmt.Fprintf(tw, "Expires:\t%s\n", date(item.DateExpiry))
	fmt.Fprintf(tw, "Last attempt:\t%s %s\n", date(item.DateLastRenewalAttempt), item.LastRenewalStatus)
	if item.RenewalFailureMessage != "" {
		fmt.Fprintf(tw, "Failures:\t%d: %s\n", item.RenewalFailureCount, item.RenewalFailureMessage)
	}
	if item.CurrentOrderURI != "" {
		fmt.Fprintf(tw, "Pending order:\t%s\n", item.CurrentOrderURI)
	}
	if item.CertificatePath != "" {
		fmt.Fprintf(tw, "Certificate:\t%s\n", item.CertificatePath)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	log, err := svc.ItemLog.Read(item.ID)
	if err != nil {
		return common.WrapError(err, common.ErrorTypeStorage, "show managed certificate", "Failed to read the item log").
			AddContext("path", svc.ItemLog.LogPath(item.ID))
	}
	if log == "" {
		fmt.Fprintln(out, "\nNo log entries.")
		return nil
	}
	fmt.Fprintf(out, "\nLog (%s):\n%s", svc.ItemLog.LogPath(item.ID), log)
	return nil
}
