package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/oetiker/go-acme-cert-manager/pkg/acmeclient"
	"github.com/oetiker/go-acme-cert-manager/pkg/challenge"
	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/deploy"
	"github.com/oetiker/go-acme-cert-manager/pkg/dnsprovider"
	"github.com/oetiker/go-acme-cert-manager/pkg/hooks"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
	"github.com/oetiker/go-acme-cert-manager/pkg/metrics"
	"github.com/oetiker/go-acme-cert-manager/pkg/orchestrator"
	"github.com/oetiker/go-acme-cert-manager/pkg/progress"
	"github.com/oetiker/go-acme-cert-manager/pkg/scheduler"
	"github.com/oetiker/go-acme-cert-manager/pkg/store"
)

// Services holds the wired components of a running manager.
type Services struct {
	Config       *manager.Config
	Store        *store.Store
	ItemLog      *manager.ItemLog
	Reporter     *progress.Reporter
	Metrics      *metrics.Metrics
	Server       *deploy.FileServer
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	ActionLog    *common.ActionLogCollector
}

// NewServices opens the store and wires every component from cfg.
func NewServices(ctx context.Context, cfg *manager.Config, logger common.LoggerInterface) (*Services, error) {
	if err := os.MkdirAll(cfg.StoragePath, manager.DirPermissions); err != nil {
		return nil, common.WrapError(err, common.ErrorTypeStorage, "create storage directory",
			"Failed to create the storage directory").
			AddContext("storage_path", cfg.StoragePath)
	}

	st := store.Open(ctx, cfg.StoragePath, store.Options{Logger: logger})
	if !st.IsInitialized() {
		return nil, common.WrapError(st.InitError(), common.ErrorTypeStorageUnavailable, "open store",
			"Failed to open the managed certificate store").
			AddContext("path", st.Path()).
			AddSuggestion("Check the permissions of the storage directory")
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	actionLog := common.NewActionLogCollector(common.DefaultActionLogCapacity)
	runner := &hooks.Runner{Logger: logger, ActionLog: actionLog}

	var registrar *manager.AcmeDnsRegistrar
	if cfg.AcmeDns.Server != "" {
		accounts, err := manager.NewAcmeDnsAccountStore(cfg.AcmeDns.AccountsFile)
		if err != nil {
			_ = st.Close()
			return nil, common.WrapError(err, common.ErrorTypeStorage, "load acme-dns accounts",
				"Failed to load the acme-dns account file").
				AddContext("path", cfg.AcmeDns.AccountsFile)
		}
		registrar = &manager.AcmeDnsRegistrar{
			Server:     cfg.AcmeDns.Server,
			Store:      accounts,
			HTTPClient: httpClient,
			Resolver:   manager.NewDNSResolver(cfg.DnsResolver),
			Logger:     logger,
		}
	}

	resolver := &dnsprovider.Resolver{
		Credentials: manager.NewConfigCredentialStore(cfg),
		HTTPClient:  httpClient,
		Scripts:     runner,
		AcmeDns:     registrar,
		Logger:      logger,
	}
	coordinator := challenge.NewCoordinator(
		&dnsprovider.ChallengeHelper{Resolver: resolver, Logger: logger},
		httpClient, cfg.DnsResolver, logger)

	acme, err := acmeclient.New(acmeclient.Options{
		DirectoryURL: cfg.AcmeServer,
		Email:        cfg.Email,
		KeyType:      cfg.KeyType,
		HTTPClient:   httpClient,
		Accounts: &acmeclient.AccountStore{
			Dir:          cfg.AccountsDir(),
			DirectoryURL: cfg.AcmeServer,
			Email:        cfg.Email,
			Logger:       logger,
		},
		Storage: &acmeclient.CertStorage{Dir: cfg.CertificatesDir(), Logger: logger},
		Logger:  logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	itemLog := manager.NewItemLog(cfg.LogDir())
	reporter := progress.NewReporter(itemLog, logger)
	m := metrics.New()
	server := deploy.NewFileServer(cfg.Server, logger)

	var statusReporter common.StatusReporter
	if cfg.StatusReportURL != "" {
		statusReporter = &hooks.HTTPStatusReporter{URL: cfg.StatusReportURL, HTTPClient: httpClient}
	}

	orch := &orchestrator.Orchestrator{
		Store:          st,
		ACME:           acme,
		Server:         server,
		Challenges:     coordinator,
		Scripts:        runner,
		Webhooks:       &hooks.WebhookSender{HTTPClient: httpClient},
		StatusReporter: statusReporter,
		Reporter:       reporter,
		Metrics:        m,
		Logger:         logger,
		ValidationWait: cfg.Renewal.ValidationWait,
	}
	sched := &scheduler.Scheduler{
		Items:     st,
		Server:    server,
		Requester: orch,
		Reporter:  reporter,
		Metrics:   m,
		Logger:    logger,
		Options: scheduler.Options{
			IntervalDays:              cfg.Renewal.IntervalDays,
			MaxRenewalTasks:           cfg.Renewal.MaxRenewalRequests,
			PerformRequestsInParallel: cfg.Renewal.PerformRequestsInParallel,
			IgnoreStoppedSites:        cfg.Renewal.IgnoreStoppedSites,
			CheckFailures:             cfg.Renewal.CheckFailures,
		},
	}
	orch.Scheduler = sched

	return &Services{
		Config:       cfg,
		Store:        st,
		ItemLog:      itemLog,
		Reporter:     reporter,
		Metrics:      m,
		Server:       server,
		Scheduler:    sched,
		Orchestrator: orch,
		ActionLog:    actionLog,
	}, nil
}

// Close ends the progress subscriptions and releases the store.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Reporter != nil {
		errs = append(errs, s.Reporter.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}

// FindItem resolves ref as an item id first, then as an exact (case-insensitive) name.
func (s *Services) FindItem(ctx context.Context, ref string) (*common.ManagedCertificate, error) {
	return findItem(ctx, s.Store, ref)
}

type itemFinder interface {
	GetByID(ctx context.Context, id string) (*common.ManagedCertificate, error)
	GetAll(ctx context.Context, filter common.ManagedCertificateFilter) ([]*common.ManagedCertificate, error)
}

func findItem(ctx context.Context, items itemFinder, ref string) (*common.ManagedCertificate, error) {
	item, err := items.GetByID(ctx, ref)
	if err != nil {
		return nil, err
	}
	if item != nil {
		return item, nil
	}
	matches, err := items.GetAll(ctx, common.ManagedCertificateFilter{Name: ref})
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, common.NewValidationError("find managed certificate",
			fmt.Sprintf("No managed certificate with id or name %q", ref)).
			AddSuggestion("Use -list to see the managed certificates")
	case 1:
		return matches[0], nil
	}
	return nil, common.NewValidationError("find managed certificate",
		fmt.Sprintf("%d managed certificates are named %q", len(matches), ref)).
		AddSuggestion("Use the id shown by -list instead of the name")
}
