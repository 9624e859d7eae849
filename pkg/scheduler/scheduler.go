// Package scheduler decides which managed certificates are due and runs the renewal sweep.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/metrics"
	"github.com/oetiker/go-acme-cert-manager/pkg/progress"
)

const (
	// neverRenewedAge is how old a certificate without DateRenewed is taken to be.
	neverRenewedAge = 30 * 24 * time.Hour
	// maxFailureHold caps the wait after repeated failures.
	maxFailureHold = 48 * time.Hour
)

// IsDue reports whether item should be renewed at now, that is whether more than
// intervalDays have passed since the last renewal. A never renewed item counts as
// renewed 30 days ago. With checkFailures an item whose last attempt failed is held back
// one hour per failure, at most 48 hours.
func IsDue(item *common.ManagedCertificate, intervalDays int, checkFailures bool, now time.Time) bool {
	last := now.Add(-neverRenewedAge)
	if item.DateRenewed != nil {
		last = *item.DateRenewed
	}
	elapsed := now.Sub(last)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if elapsed <= time.Duration(intervalDays)*24*time.Hour {
		return false
	}

	if checkFailures && item.LastRenewalStatus == common.RequestStateError &&
		item.DateLastRenewalAttempt != nil && item.RenewalFailureCount > 0 {
		wait := maxFailureHold
		if item.RenewalFailureCount < 48 {
			wait = time.Duration(item.RenewalFailureCount) * time.Hour
		}
		if now.Before(item.DateLastRenewalAttempt.Add(wait)) {
			return false
		}
	}
	return true
}

// ItemLister loads managed certificates.
type ItemLister interface {
	GetAll(ctx context.Context, filter common.ManagedCertificateFilter) ([]*common.ManagedCertificate, error)
}

// Requester performs the request for one item.
type Requester interface {
	RequestOrRenew(ctx context.Context, item *common.ManagedCertificate) common.RequestResult
	PerformDummyRequest(ctx context.Context, item *common.ManagedCertificate) common.RequestResult
}

// Options are the renewal settings of a sweep.
type Options struct {
	IntervalDays              int
	MaxRenewalTasks           int
	PerformRequestsInParallel bool
	IgnoreStoppedSites        bool
	CheckFailures             bool
	TestModeOnly              bool
}

// Scheduler runs renewal sweeps. Only one sweep runs at a time.
type Scheduler struct {
	Items     ItemLister
	Server    common.ServerProvider
	Requester Requester
	Reporter  *progress.Reporter
	Metrics   *metrics.Metrics
	Logger    common.LoggerInterface
	Options   Options

	running atomic.Bool
	now     func() time.Time
}

func (s *Scheduler) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// RunSweep renews every due item. A call made while another sweep runs returns nil at once.
func (s *Scheduler) RunSweep(ctx context.Context, autoRenewOnly bool) []common.RequestResult {
	if !s.running.CompareAndSwap(false, true) {
		s.Logger.Infof("Renewal sweep already in progress, skipping")
		return nil
	}
	defer s.running.Store(false)
	s.Metrics.SweepStarted()

	items, err := s.Items.GetAll(ctx, common.ManagedCertificateFilter{IncludeOnlyAutoRenew: autoRenewOnly})
	if err != nil {
		s.Logger.Errorf("Renewal sweep could not load managed certificates: %v", err)
		return nil
	}
	s.Metrics.SetManagedItems(len(items))
	sortByRenewal(items)

	now := s.clock()
	var (
		toRun           []*common.ManagedCertificate
		numRenewalTasks int
	)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		s.Reporter.Report(item, common.RequestStateRunning, "Starting..", false, nil)

		if !IsDue(item, s.Options.IntervalDays, false, now) {
			s.skip(item, "not_due", "Renewal not required", false)
			continue
		}
		if !IsDue(item, s.Options.IntervalDays, s.Options.CheckFailures, now) {
			s.skip(item, "on_hold", fmt.Sprintf("Renewal on hold, %d previous failures", item.RenewalFailureCount), true)
			continue
		}
		if !s.Options.IgnoreStoppedSites && item.ItemType == common.ItemTypeLocalServer && item.GroupID != "" && s.Server != nil {
			if running, err := s.Server.IsSiteRunning(ctx, item.GroupID); err == nil && !running {
				s.skip(item, "site_stopped", "Site stopped, renewal skipped", false)
				continue
			}
		}

		if s.Options.MaxRenewalTasks == 0 || numRenewalTasks < s.Options.MaxRenewalTasks {
			toRun = append(toRun, item)
		} else {
			s.Logger.Debugf("Renewal task limit reached, %s deferred to the next sweep", item.Name)
			s.Metrics.SweepSkipped("task_limit")
		}
		numRenewalTasks++
	}

	s.Logger.Infof("Renewal sweep: %d of %d managed certificates due", len(toRun), len(items))
	return s.perform(ctx, toRun)
}

func (s *Scheduler) skip(item *common.ManagedCertificate, reason, msg string, logThis bool) {
	s.Metrics.SweepSkipped(reason)
	s.Reporter.Report(item, common.RequestStateSuccess, msg, logThis, &common.RequestResult{
		ManagedItem: item,
		IsSuccess:   true,
		Message:     msg,
	})
}

func (s *Scheduler) perform(ctx context.Context, items []*common.ManagedCertificate) []common.RequestResult {
	run := s.Requester.RequestOrRenew
	if s.Options.TestModeOnly {
		run = s.Requester.PerformDummyRequest
	}

	results := make([]common.RequestResult, len(items))
	if !s.Options.PerformRequestsInParallel {
		for i, item := range items {
			if ctx.Err() != nil {
				return results[:i]
			}
			results[i] = run(ctx, item)
		}
		return results
	}

	var mu sync.Mutex
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			res := run(ctx, item)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// sortByRenewal orders items by DateRenewed, never renewed first.
func sortByRenewal(items []*common.ManagedCertificate) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].DateRenewed, items[j].DateRenewed
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
}
