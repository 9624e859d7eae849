package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/metrics"
	"github.com/oetiker/go-acme-cert-manager/pkg/progress"
)

// newCron schedules the periodic and daily tasks of svc.
func newCron(ctx context.Context, svc *Services, logger common.LoggerInterface) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.DiscardLogger),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	renewal := svc.Config.Renewal
	if _, err := c.AddFunc(renewal.Schedule, func() {
		results := svc.Orchestrator.PerformPeriodicTasks(ctx)
		logger.Debugf("Periodic renewal finished with %d requests", len(results))
	}); err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "schedule renewal",
			"Invalid renewal schedule").
			AddContext("schedule", renewal.Schedule).
			AddSuggestion("Use a cron expression or a descriptor like @every 1h")
	}
	if _, err := c.AddFunc(renewal.MaintenanceSchedule, func() {
		if err := svc.Orchestrator.PerformDailyTasks(ctx); err != nil {
			logger.Errorf("Store maintenance failed: %v", err)
		}
	}); err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "schedule maintenance",
			"Invalid maintenance schedule").
			AddContext("schedule", renewal.MaintenanceSchedule)
	}
	return c, nil
}

// runDaemon runs the scheduled tasks, and the metrics endpoint when configured, until ctx ends.
func (app *Application) runDaemon(ctx context.Context, svc *Services) error {
	c, err := newCron(ctx, svc, app.logger)
	if err != nil {
		return err
	}

	var srv *http.Server
	if addr := svc.Config.Metrics.Listen; addr != "" {
		srv = metrics.NewServer(addr, svc.Metrics.Registry)
		go func() {
			app.logger.Infof("Serving metrics on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	app.logger.Infof("Daemon started: renewal %s, maintenance %s",
		svc.Config.Renewal.Schedule, svc.Config.Renewal.MaintenanceSchedule)
	stopProgress := followProgress(ctx, svc.Reporter, progress.AllKeys, app.logger.Debugf)
	defer stopProgress()
	c.Start()
	go svc.Orchestrator.PerformPeriodicTasks(ctx)

	<-ctx.Done()
	app.logger.Info("Stopping daemon...")
	<-c.Stop().Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping metrics server: %w", err)
		}
	}
	return nil
}
