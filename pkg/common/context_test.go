package common

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background())
	id := GetRequestID(ctx)
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("request id should start with req_, got %s", id)
	}
	if GetRequestID(context.Background()) != "unknown" {
		t.Error("missing request id should be reported as unknown")
	}
}

func TestCertOperationContext(t *testing.T) {
	ctx := CreateCertOperationContext(context.Background(), "renew", "abc-123")

	if GetCertID(ctx) != "abc-123" {
		t.Errorf("cert id = %q", GetCertID(ctx))
	}
	if op, _ := ctx.Value(ContextKeyOperation).(string); op != "renew" {
		t.Errorf("operation = %q", op)
	}
	if GetRequestID(ctx) == "unknown" {
		t.Error("request id should be set")
	}
	if _, ok := ctx.Deadline(); ok {
		t.Error("cert operation contexts carry no deadline")
	}
}

func TestGetContextError(t *testing.T) {
	if GetContextError(context.Background(), "noop") != nil {
		t.Error("live context should yield no error")
	}

	ctx, cancel := context.WithCancel(CreateCertOperationContext(context.Background(), "sweep", "id1"))
	cancel()
	appErr := GetContextError(ctx, "")
	if appErr == nil {
		t.Fatal("expected error for canceled context")
	}
	if appErr.Message != "Operation was canceled" || appErr.Operation != "sweep" {
		t.Errorf("error = %q / %q", appErr.Operation, appErr.Message)
	}
	if appErr.Context["cert_id"] != "id1" {
		t.Errorf("context not propagated: %v", appErr.Context)
	}

	tctx, tcancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer tcancel()
	<-tctx.Done()
	appErr = GetContextError(tctx, "check")
	if appErr == nil || appErr.Type != ErrorTypeNetwork {
		t.Errorf("deadline should map to a network error, got %v", appErr)
	}
}

func TestIsContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if IsContextCanceled(ctx) {
		t.Error("fresh context reported canceled")
	}
	cancel()
	if !IsContextCanceled(ctx) {
		t.Error("canceled context not detected")
	}
}
