package main

import (
	"context"
	"fmt"
	"os"

	"github.com/oetiker/go-acme-cert-manager/pkg/app"
	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// Version information (this will be replaced during build)
var version = "local-version"

func main() {
	application := app.NewApplication(version)
	application.SetupFlags()
	application.ParseFlags()

	ctx := context.Background()
	// The daemon runs until it receives a signal; one-shot modes get an upper bound.
	if !application.IsDaemon() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, app.DefaultRunTimeout)
		defer cancel()
	}

	if err := application.Run(ctx); err != nil {
		handleApplicationError(err)
		os.Exit(1)
	}

	application.WaitForShutdown()
}

// handleApplicationError provides user-friendly error messages and debugging information
func handleApplicationError(err error) {
	appErr := common.GetApplicationError(err)
	if appErr == nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		fmt.Fprintf(os.Stderr, "\n💡 For more help, use -h flag or check the documentation.\n")
		return
	}

	fmt.Fprintf(os.Stderr, "❌ Application Error:\n")
	fmt.Fprintf(os.Stderr, "%s\n", appErr.GetDetailedMessage())

	switch appErr.Type {
	case common.ErrorTypeConfig:
		fmt.Fprintf(os.Stderr, "\n🔧 Configuration Help:\n")
		fmt.Fprintf(os.Stderr, "   Use -print-config-template to see a valid template\n")
		fmt.Fprintf(os.Stderr, "   Check file syntax with YAML validators\n")
	case common.ErrorTypeNetwork:
		fmt.Fprintf(os.Stderr, "\n🌐 Network Help:\n")
		fmt.Fprintf(os.Stderr, "   Check firewall settings and proxy configuration\n")
		fmt.Fprintf(os.Stderr, "   Verify the ACME directory URL is accessible\n")
	case common.ErrorTypeValidation:
		fmt.Fprintf(os.Stderr, "\n✅ Validation Help:\n")
		fmt.Fprintf(os.Stderr, "   Check command line arguments and flags\n")
		fmt.Fprintf(os.Stderr, "   Use -list to see the managed certificates\n")
	case common.ErrorTypeConfigCheckFailed:
		fmt.Fprintf(os.Stderr, "\n🔍 Challenge Help:\n")
		fmt.Fprintf(os.Stderr, "   Make sure /.well-known/acme-challenge/ is publicly reachable over plain HTTP\n")
		fmt.Fprintf(os.Stderr, "   Use 'dig' to verify the _acme-challenge records of DNS validated domains\n")
	case common.ErrorTypeIssuanceFailed, common.ErrorTypeACME:
		fmt.Fprintf(os.Stderr, "\n📜 Certificate Help:\n")
		fmt.Fprintf(os.Stderr, "   The per-certificate log in the storage logs directory has the full history\n")
		fmt.Fprintf(os.Stderr, "   Try the staging directory first to avoid rate limits\n")
	case common.ErrorTypeDeploymentFailed:
		fmt.Fprintf(os.Stderr, "\n📦 Deployment Help:\n")
		fmt.Fprintf(os.Stderr, "   Check that the deploy path is writable\n")
		fmt.Fprintf(os.Stderr, "   Use -deploy <name> -preview to see the planned changes\n")
	case common.ErrorTypeStorageUnavailable:
		fmt.Fprintf(os.Stderr, "\n💾 Storage Help:\n")
		fmt.Fprintf(os.Stderr, "   Check that storage_path exists and is writable\n")
		fmt.Fprintf(os.Stderr, "   Another instance may hold the database lock\n")
	}

	fmt.Fprintf(os.Stderr, "\n💡 For more help, use -h flag or check the documentation.\n")
}
