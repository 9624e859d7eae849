package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

func TestApplication_LoadConfigurationTimeout(t *testing.T) {
	app := NewApplication("test-version")
	app.config.ConfigPath = "/nonexistent/config.yaml"

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err := app.LoadConfigurationWithContext(ctx)
	appErr := common.GetApplicationError(err)
	if appErr == nil {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
	if appErr.Type != common.ErrorTypeNetwork {
		t.Errorf("Type = %v, want %v", appErr.Type, common.ErrorTypeNetwork)
	}
	if !strings.Contains(appErr.Message, "timed out") {
		t.Errorf("unexpected message %q", appErr.Message)
	}
}

func TestApplication_LoadConfigurationCanceled(t *testing.T) {
	app := NewApplication("test-version")
	app.config.ConfigPath = "/tmp/config.yaml"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := app.LoadConfigurationWithContext(ctx)
	appErr := common.GetApplicationError(err)
	if appErr == nil {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
	if !strings.Contains(appErr.Message, "canceled") {
		t.Errorf("unexpected message %q", appErr.Message)
	}
}

func TestApplication_LoadConfigurationCarriesRequestID(t *testing.T) {
	app := NewApplication("test-version")
	app.config.ConfigPath = "/nonexistent/config.yaml"

	ctx := common.WithRequestID(context.Background())
	_, err := app.LoadConfigurationWithContext(ctx)
	appErr := common.GetApplicationError(err)
	if appErr == nil {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
	if appErr.Context["request_id"] != common.GetRequestID(ctx) {
		t.Errorf("request_id = %v, want %v", appErr.Context["request_id"], common.GetRequestID(ctx))
	}
}

func TestApplication_GracefulShutdownOnParentCancel(t *testing.T) {
	app := NewApplication("test-version")
	parent, cancel := context.WithCancel(context.Background())
	ctx := app.setupGracefulShutdown(parent)

	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context not canceled")
	}
	select {
	case <-app.done:
	case <-time.After(time.Second):
		t.Fatal("application not shut down after parent cancel")
	}
}
