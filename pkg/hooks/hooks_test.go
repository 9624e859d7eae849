package hooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
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

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRunner() *Runner {
	return &Runner{Logger: mockLogger{}, ActionLog: common.NewActionLogCollector(10)}
}

func TestRunCapturesOutput(t *testing.T) {
	script := writeScript(t, "echo \"created $1\"\necho warn >&2")
	r := newRunner()

	out, err := r.Run(context.Background(), 10*time.Second, nil, script, "example.com")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.ExitCode != 0 || strings.TrimSpace(out.Stdout) != "created example.com" {
		t.Errorf("unexpected output %+v", out)
	}

	last, ok := r.ActionLog.Last()
	if !ok {
		t.Fatal("run not recorded in action log")
	}
	if !strings.HasSuffix(last.Command, "hook.sh example.com") {
		t.Errorf("command = %q", last.Command)
	}
	if last.Result != "created example.com\nError: warn" {
		t.Errorf("result = %q", last.Result)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		timeout     time.Duration
		wantCode    int
		wantTimeout bool
	}{
		{"non-zero exit", "exit 3", 10 * time.Second, 3, false},
		{"timeout", "exec sleep 5", 100 * time.Millisecond, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeScript(t, tt.body)
			out, err := newRunner().Run(context.Background(), tt.timeout, nil, script)
			if !common.IsErrorType(err, common.ErrorTypeScript) {
				t.Fatalf("expected script error, got %v", err)
			}
			if out.TimedOut != tt.wantTimeout {
				t.Errorf("TimedOut = %v", out.TimedOut)
			}
			if !tt.wantTimeout && out.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", out.ExitCode, tt.wantCode)
			}
		})
	}
}

func TestRunMissingScript(t *testing.T) {
	out, err := newRunner().Run(context.Background(), time.Second, nil, filepath.Join(t.TempDir(), "missing.sh"))
	if !common.IsErrorType(err, common.ErrorTypeScript) || out == nil {
		t.Fatalf("Run() = %v, %v", out, err)
	}
}

func TestPreRequestScript(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantAbort bool
		wantErr   bool
	}{
		{"continue", "exit 0", false, false},
		{"abort", "exit 2", true, false},
		{"failure", "exit 1", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &common.ManagedCertificate{Name: "shop"}
			item.RequestConfig.PreRequestScript = writeScript(t, tt.body)

			abort, err := newRunner().RunPreRequest(context.Background(), item)
			if abort != tt.wantAbort || (err != nil) != tt.wantErr {
				t.Errorf("RunPreRequest() = %v, %v", abort, err)
			}
		})
	}

	abort, err := newRunner().RunPreRequest(context.Background(), &common.ManagedCertificate{})
	if abort || err != nil {
		t.Errorf("no script configured: %v, %v", abort, err)
	}
}

func TestPostRequestScriptEnvironment(t *testing.T) {
	item := &common.ManagedCertificate{ID: "abc", Name: "shop"}
	item.RequestConfig.PrimaryDomain = "shop.example.com"
	item.RequestConfig.SubjectAlternativeNames = []string{"www.shop.example.com"}
	item.RequestConfig.PostRequestScript = writeScript(t,
		`echo "$CERTMGR_ITEM_ID $CERTMGR_DOMAINS $CERTMGR_IS_SUCCESS $CERTMGR_MESSAGE"`)

	r := newRunner()
	err := r.RunPostRequest(context.Background(), item, &common.RequestResult{IsSuccess: true, Message: "done"})
	if err != nil {
		t.Fatal(err)
	}
	last, _ := r.ActionLog.Last()
	if last.Result != "abc shop.example.com,www.shop.example.com true done" {
		t.Errorf("script saw %q", last.Result)
	}
}

func TestWebhookSend(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.RequestURI()
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	item := &common.ManagedCertificate{ID: "abc", Name: "shop"}
	item.RequestConfig.PrimaryDomain = "shop.example.com"
	item.RequestConfig.WebhookURL = server.URL + "/hook?d=$domain&s=$status"

	sender := &WebhookSender{HTTPClient: server.Client()}
	res, err := sender.Send(context.Background(), item, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.StatusCode != http.StatusAccepted {
		t.Errorf("result = %+v", res)
	}
	if gotMethod != http.MethodPost || gotPath != "/hook?d=shop.example.com&s=error" || gotType != "application/json" {
		t.Errorf("request = %s %s %s", gotMethod, gotPath, gotType)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(gotBody), &payload); err != nil || payload["Success"] != false || payload["Subject"] != "shop" {
		t.Errorf("body = %s", gotBody)
	}

	item.RequestConfig.WebhookMethod = "get"
	if _, err := sender.Send(context.Background(), item, true); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodGet || gotBody != "" {
		t.Errorf("GET webhook sent %s with body %q", gotMethod, gotBody)
	}

	item.RequestConfig.WebhookURL = ""
	if _, err := sender.Send(context.Background(), item, true); !common.IsErrorType(err, common.ErrorTypeWebhook) {
		t.Errorf("missing URL error = %v", err)
	}
}

func TestStatusReporterRetriesServerErrors(t *testing.T) {
	var calls int32
	var report StatusReport
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&report)
	}))
	defer server.Close()

	item := &common.ManagedCertificate{ID: "abc", Name: "shop", LastRenewalStatus: common.RequestStateError, RenewalFailureCount: 7}
	reporter := &HTTPStatusReporter{URL: server.URL, HTTPClient: server.Client(), RetryDelay: time.Millisecond}
	if err := reporter.ReportStatus(context.Background(), item); err != nil {
		t.Fatalf("ReportStatus() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected one retry, got %d calls", calls)
	}
	if report.ManagedItemID != "abc" || report.Health != common.HealthError {
		t.Errorf("report = %+v", report)
	}
}

func TestStatusReporterDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	reporter := &HTTPStatusReporter{URL: server.URL, HTTPClient: server.Client(), RetryDelay: time.Millisecond}
	if err := reporter.ReportStatus(context.Background(), &common.ManagedCertificate{}); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("client errors must not be retried, got %d calls", calls)
	}
}
