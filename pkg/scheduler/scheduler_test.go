package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/progress"
)

type mockLogger struct{}

func (mockLogger) Debug(string, ...interface{})      {}
func (mockLogger) Info(string, ...interface{})       {}
func (mockLogger) Warn(string, ...interface{})       {}
func (mockLogger) Error(string, ...interface{})      {}
func (mockLogger) Debugf(string, ...interface{})     {}
func (mockLogger) Infof(string, ...interface{})      {}
func (mockLogger) Warnf(string, ...interface{})      {}
func (mockLogger) Errorf(string, ...interface{})     {}
func (mockLogger) Importantf(string, ...interface{}) {}

type fakeLister struct {
	items  []*common.ManagedCertificate
	filter common.ManagedCertificateFilter
}

func (f *fakeLister) GetAll(_ context.Context, filter common.ManagedCertificateFilter) ([]*common.ManagedCertificate, error) {
	f.filter = filter
	return f.items, nil
}

type fakeRequester struct {
	mu      sync.Mutex
	real    []string
	dummy   []string
	block   chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeRequester) record(list *[]string, item *common.ManagedCertificate) common.RequestResult {
	n := f.active.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.active.Add(-1)
	f.mu.Lock()
	*list = append(*list, item.ID)
	f.mu.Unlock()
	return common.RequestResult{ManagedItem: item, IsSuccess: true}
}

func (f *fakeRequester) RequestOrRenew(_ context.Context, item *common.ManagedCertificate) common.RequestResult {
	return f.record(&f.real, item)
}

func (f *fakeRequester) PerformDummyRequest(_ context.Context, item *common.ManagedCertificate) common.RequestResult {
	return f.record(&f.dummy, item)
}

type fakeServer struct {
	common.ServerProvider
	stopped map[string]bool
}

func (f *fakeServer) IsSiteRunning(_ context.Context, id string) (bool, error) {
	return !f.stopped[id], nil
}

func ptr(t time.Time) *time.Time { return &t }

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestIsDue(t *testing.T) {
	tests := []struct {
		name          string
		item          common.ManagedCertificate
		interval      int
		checkFailures bool
		want          bool
	}{
		{"never renewed", common.ManagedCertificate{}, 30, false, false},
		{"never renewed, shorter interval", common.ManagedCertificate{}, 29, false, true},
		{"renewed exactly one interval ago", common.ManagedCertificate{DateRenewed: ptr(now.AddDate(0, 0, -14))}, 14, false, false},
		{"renewed just over one interval ago", common.ManagedCertificate{DateRenewed: ptr(now.AddDate(0, 0, -14).Add(-time.Second))}, 14, false, true},
		{"never renewed, long interval", common.ManagedCertificate{}, 60, false, false},
		{"recent", common.ManagedCertificate{DateRenewed: ptr(now.AddDate(0, 0, -10))}, 30, false, false},
		{"old", common.ManagedCertificate{DateRenewed: ptr(now.AddDate(0, 0, -31))}, 30, false, true},
		{"future date counts by magnitude", common.ManagedCertificate{DateRenewed: ptr(now.AddDate(0, 0, 40))}, 30, false, true},
		{"failed recently, held", common.ManagedCertificate{
			DateRenewed: ptr(now.AddDate(0, 0, -60)), LastRenewalStatus: common.RequestStateError,
			RenewalFailureCount: 3, DateLastRenewalAttempt: ptr(now.Add(-2 * time.Hour)),
		}, 30, true, false},
		{"failed long ago, due", common.ManagedCertificate{
			DateRenewed: ptr(now.AddDate(0, 0, -60)), LastRenewalStatus: common.RequestStateError,
			RenewalFailureCount: 3, DateLastRenewalAttempt: ptr(now.Add(-4 * time.Hour)),
		}, 30, true, true},
		{"many failures capped at 48h", common.ManagedCertificate{
			DateRenewed: ptr(now.AddDate(0, 0, -60)), LastRenewalStatus: common.RequestStateError,
			RenewalFailureCount: 100, DateLastRenewalAttempt: ptr(now.Add(-49 * time.Hour)),
		}, 30, true, true},
		{"failure hold ignored without check", common.ManagedCertificate{
			DateRenewed: ptr(now.AddDate(0, 0, -60)), LastRenewalStatus: common.RequestStateError,
			RenewalFailureCount: 3, DateLastRenewalAttempt: ptr(now.Add(-time.Hour)),
		}, 30, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(&tt.item, tt.interval, tt.checkFailures, now); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestScheduler(items []*common.ManagedCertificate, req *fakeRequester, opts Options) (*Scheduler, *progress.Reporter) {
	reporter := progress.NewReporter(nil, mockLogger{})
	return &Scheduler{
		Items:     &fakeLister{items: items},
		Server:    &fakeServer{stopped: map[string]bool{"stopped-site": true}},
		Requester: req,
		Reporter:  reporter,
		Logger:    mockLogger{},
		Options:   opts,
		now:       func() time.Time { return now },
	}, reporter
}

func TestRunSweep(t *testing.T) {
	items := []*common.ManagedCertificate{
		{ID: "recent", DateRenewed: ptr(now.AddDate(0, 0, -1))},
		{ID: "old", DateRenewed: ptr(now.AddDate(0, 0, -40))},
		{ID: "new"},
		{ID: "held", DateRenewed: ptr(now.AddDate(0, 0, -60)), LastRenewalStatus: common.RequestStateError,
			RenewalFailureCount: 5, DateLastRenewalAttempt: ptr(now.Add(-time.Hour))},
		{ID: "stopped", ItemType: common.ItemTypeLocalServer, GroupID: "stopped-site"},
	}
	req := &fakeRequester{}
	s, reporter := newTestScheduler(items, req, Options{IntervalDays: 14, CheckFailures: true})

	results := s.RunSweep(context.Background(), true)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if len(req.real) != 2 || req.real[0] != "new" || req.real[1] != "old" {
		t.Errorf("renewed = %v, want never renewed first", req.real)
	}
	if !s.Items.(*fakeLister).filter.IncludeOnlyAutoRenew {
		t.Error("auto renew filter not applied")
	}

	wantMessages := map[string]string{
		"recent":  "Renewal not required",
		"held":    "Renewal on hold, 5 previous failures",
		"stopped": "Site stopped, renewal skipped",
	}
	for id, want := range wantMessages {
		st, ok := reporter.GetRequestProgressState(id)
		if !ok || st.Message != want || st.CurrentState != common.RequestStateSuccess {
			t.Errorf("%s progress = %+v", id, st)
		}
	}
	if st, _ := reporter.GetRequestProgressState("old"); st.Message != "Starting.." {
		t.Errorf("due item progress = %+v", st)
	}
}

func TestRunSweepTaskLimitAndTestMode(t *testing.T) {
	items := []*common.ManagedCertificate{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	req := &fakeRequester{}
	s, _ := newTestScheduler(items, req, Options{IntervalDays: 14, MaxRenewalTasks: 2, TestModeOnly: true})

	results := s.RunSweep(context.Background(), false)
	if len(results) != 2 || len(req.dummy) != 2 || len(req.real) != 0 {
		t.Errorf("results=%d dummy=%v real=%v", len(results), req.dummy, req.real)
	}
}

func TestRunSweepParallel(t *testing.T) {
	items := []*common.ManagedCertificate{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	req := &fakeRequester{block: make(chan struct{})}
	s, _ := newTestScheduler(items, req, Options{IntervalDays: 14, PerformRequestsInParallel: true})

	done := make(chan []common.RequestResult)
	go func() { done <- s.RunSweep(context.Background(), false) }()

	deadline := time.After(2 * time.Second)
	for req.active.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d requests running concurrently", req.active.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(req.block)
	results := <-done
	if len(results) != 3 {
		t.Errorf("results = %d", len(results))
	}
	for _, r := range results {
		if r.ManagedItem == nil {
			t.Error("missing result")
		}
	}
}

func TestRunSweepSingleFlight(t *testing.T) {
	items := []*common.ManagedCertificate{{ID: "a"}}
	req := &fakeRequester{block: make(chan struct{})}
	s, _ := newTestScheduler(items, req, Options{IntervalDays: 14})

	done := make(chan struct{})
	go func() {
		s.RunSweep(context.Background(), false)
		close(done)
	}()
	for req.active.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	if res := s.RunSweep(context.Background(), false); res != nil {
		t.Errorf("concurrent sweep returned %v", res)
	}
	close(req.block)
	<-done

	req.block = nil
	if res := s.RunSweep(context.Background(), false); len(res) != 1 {
		t.Errorf("guard not released, results = %v", res)
	}
}
