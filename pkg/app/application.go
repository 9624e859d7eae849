package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

// Config holds application configuration
type Config struct {
	ConfigPath          string
	QuietMode           bool
	PrintConfigTemplate bool
	DebugMode           bool
	LogLevel            string
	LogFormat           string
	ShowVersion         bool
	Version             string

	Mode         Mode
	Target       string
	Preview      bool
	TestModeOnly bool
	Args         []string
}

// Application represents the main application with dependency injection
type Application struct {
	config       *Config
	logger       common.LoggerInterface
	flags        *Flags
	out          io.Writer
	cancelFunc   context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
}

// Flags encapsulates command line flag parsing
type Flags struct {
	set *flag.FlagSet

	configPath          *string
	quietMode           *bool
	printConfigTemplate *bool
	debugMode           *bool
	logLevel            *string
	logFormat           *string
	showVersion         *bool

	renewAll    *bool
	request     *string
	test        *string
	deploy      *string
	preview     *bool
	revoke      *string
	list        *bool
	show        *string
	add         *bool
	remove      *string
	importSites *bool
	maintenance *bool
	daemon      *bool
	testMode    *bool
}

// NewApplication creates a new application instance
func NewApplication(version string) *Application {
	return &Application{
		config: &Config{Version: version},
		flags:  &Flags{},
		out:    os.Stdout,
		done:   make(chan struct{}),
	}
}

// SetupFlags configures command line flags on the process flag set
func (app *Application) SetupFlags() {
	app.SetupFlagsOn(flag.CommandLine)
}

// SetupFlagsOn configures command line flags on fs
func (app *Application) SetupFlagsOn(fs *flag.FlagSet) {
	f := app.flags
	f.set = fs
	f.configPath = fs.String("config", "config.yaml", "Path to the configuration file")
	f.quietMode = fs.Bool("quiet", false, "Only log warnings and errors (useful for cron jobs)")
	f.printConfigTemplate = fs.Bool("print-config-template", false, "Print a default configuration template to stdout and exit")
	f.debugMode = fs.Bool("debug", false, "Enable debug logging")
	f.logLevel = fs.String("log-level", "", "Set logging level (debug|info|warn|error|quiet), overrides -debug and -quiet")
	f.logFormat = fs.String("log-format", "", "Set logging format (go|emoji|color|ascii)")
	f.showVersion = fs.Bool("version", false, "Show version information and exit")

	f.renewAll = fs.Bool("renew-all", false, "Renew every auto-renewed certificate that is due")
	f.request = fs.String("request", "", "Request or renew the certificate with this id or name now")
	f.test = fs.String("test", "", "Check the challenge configuration of the certificate with this id or name")
	f.deploy = fs.String("deploy", "", "Deploy the current certificate with this id or name again")
	f.preview = fs.Bool("preview", false, "With -deploy: only show what would be done")
	f.revoke = fs.String("revoke", "", "Revoke the certificate with this id or name")
	f.list = fs.Bool("list", false, "List the managed certificates")
	f.show = fs.String("show", "", "Show the details and the log of the managed certificate with this id or name")
	f.add = fs.Bool("add", false, "Add the managed certificates given as arguments")
	f.remove = fs.String("delete", "", "Delete the managed certificate with this id or name")
	f.importSites = fs.Bool("import-sites", false, "Create a managed certificate for every configured site not managed yet")
	f.maintenance = fs.Bool("maintenance", false, "Back up and compact the certificate store")
	f.daemon = fs.Bool("daemon", false, "Run renewals and maintenance on their schedules until stopped")
	f.testMode = fs.Bool("test-mode", false, "With -renew-all: simulate the requests without contacting the CA")

	fs.Usage = app.printUsage
}

// ParseFlags parses the process command line and populates config
func (app *Application) ParseFlags() {
	_ = app.ParseArgs(os.Args[1:])
}

// ParseArgs parses args and populates config
func (app *Application) ParseArgs(args []string) error {
	f := app.flags
	if err := f.set.Parse(args); err != nil {
		return err
	}

	app.config.ConfigPath = *f.configPath
	app.config.QuietMode = *f.quietMode
	app.config.PrintConfigTemplate = *f.printConfigTemplate
	app.config.DebugMode = *f.debugMode
	app.config.LogLevel = *f.logLevel
	app.config.LogFormat = *f.logFormat
	app.config.ShowVersion = *f.showVersion
	app.config.Preview = *f.preview
	app.config.TestModeOnly = *f.testMode
	app.config.Args = f.set.Args()
	return nil
}

// printUsage prints application usage information
func (app *Application) printUsage() {
	w := app.flags.set.Output()
	fmt.Fprintf(w, "Usage: %s [flags] <mode> [arguments]\n", os.Args[0])
	fmt.Fprintf(w, "  Keeps a fleet of ACME certificates issued, renewed and deployed.\n\n")
	fmt.Fprintf(w, "Modes:\n")
	fmt.Fprintf(w, "  -renew-all [-test-mode]      renew every due certificate\n")
	fmt.Fprintf(w, "  -request <id|name>           request or renew one certificate now\n")
	fmt.Fprintf(w, "  -test <id|name>              check the challenge configuration\n")
	fmt.Fprintf(w, "  -deploy <id|name> [-preview] deploy the current certificate again\n")
	fmt.Fprintf(w, "  -revoke <id|name>            revoke the current certificate\n")
	fmt.Fprintf(w, "  -list                        list the managed certificates\n")
	fmt.Fprintf(w, "  -show <id|name>              show one certificate and its log\n")
	fmt.Fprintf(w, "  -add <definition>...         add managed certificates\n")
	fmt.Fprintf(w, "  -delete <id|name>            delete a managed certificate\n")
	fmt.Fprintf(w, "  -import-sites                manage every configured site\n")
	fmt.Fprintf(w, "  -maintenance                 back up and compact the store\n")
	fmt.Fprintf(w, "  -daemon                      run on the configured schedules\n\n")
	fmt.Fprintf(w, "  Definition: name@domain1,domain2/key=value...\n")
	fmt.Fprintf(w, "             Example: %s -add shop@example.com,www.example.com/site=1/key_type=ec384\n", os.Args[0])
	fmt.Fprintf(w, "             Keys: key_type, challenge, provider, credential, zoneid, site, webroot, auto_renew\n")
	fmt.Fprintf(w, "  Key Types: rsa2048, rsa3072, rsa4096, rsa8192, ec256, ec384\n\n")
	fmt.Fprintf(w, "Flags:\n")
	app.flags.set.PrintDefaults()
}

// HandleVersionFlag handles the version display flag
func (app *Application) HandleVersionFlag() bool {
	if app.config.ShowVersion {
		fmt.Fprintf(app.out, "go-acme-cert-manager %s\n", app.config.Version)
		fmt.Fprintf(app.out, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(app.out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return true
	}
	return false
}

// SetupLogger configures the application logger
func (app *Application) SetupLogger() error {
	loggerLevel := manager.LogLevelInfo
	if app.config.LogLevel != "" {
		level, ok := manager.ParseLogLevel(app.config.LogLevel)
		if !ok {
			fmt.Fprintf(os.Stderr, "Invalid log level: %s. Using default (info).\n", app.config.LogLevel)
		}
		loggerLevel = level
	} else if app.config.QuietMode {
		loggerLevel = manager.LogLevelQuiet
	} else if app.config.DebugMode {
		loggerLevel = manager.LogLevelDebug
	}

	loggerFormat := manager.LogFormatDefault
	if app.config.LogFormat != "" {
		format, ok := manager.ParseLogFormat(app.config.LogFormat)
		if !ok {
			fmt.Fprintf(os.Stderr, "Invalid log format: %s. Using default.\n", app.config.LogFormat)
		}
		loggerFormat = format
	}

	manager.SetupDefaultLogger(loggerLevel, loggerFormat)
	app.logger = manager.GetDefaultLogger()
	return nil
}

// HandleConfigTemplate handles the config template printing
func (app *Application) HandleConfigTemplate() bool {
	if !app.config.PrintConfigTemplate {
		return false
	}
	fmt.Fprintln(app.out, "# Default configuration template:")
	if err := manager.GenerateDefaultConfig(app.out); err != nil && app.logger != nil {
		app.logger.Errorf("Error printing config template: %v", err)
	}
	return true
}

// LoadConfigurationWithContext loads and validates the configuration file with context support
func (app *Application) LoadConfigurationWithContext(ctx context.Context) (*manager.Config, error) {
	if common.IsContextCanceled(ctx) {
		return nil, common.GetContextError(ctx, "load configuration")
	}

	absConfigPath, err := filepath.Abs(app.config.ConfigPath)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "resolve config path",
			"Failed to resolve absolute path for configuration file").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx)).
			AddSuggestion("Check that the config path is valid and accessible")
	}
	app.config.ConfigPath = absConfigPath

	if _, err := os.Stat(app.config.ConfigPath); os.IsNotExist(err) {
		return nil, common.NewConfigError("locate config file",
			"Configuration file not found").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx)).
			AddSuggestion("Use -print-config-template to generate a template").
			AddSuggestion("Ensure the file path is correct")
	} else if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeStorage, "access config file",
			"Failed to access configuration file").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx))
	}

	if common.IsContextCanceled(ctx) {
		return nil, common.GetContextError(ctx, "load configuration")
	}

	app.logger.Infof("Loading configuration from %s... (request: %s)",
		app.config.ConfigPath, common.GetRequestID(ctx))

	cfg, err := manager.LoadConfig(app.config.ConfigPath)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "parse config file",
			"Failed to parse configuration file").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx))
	}
	if strings.Contains(cfg.Email, "your-email@example.com") {
		return nil, common.NewConfigError("validate config content",
			"Configuration file contains placeholder email address").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx)).
			AddSuggestion("Replace 'your-email@example.com' with your actual email address").
			AddSuggestion("Edit the configuration file before running the application")
	}

	app.logger.Debugf("Configuration loaded successfully. (request: %s)", common.GetRequestID(ctx))
	return cfg, nil
}

// ValidateMode picks the operation mode from the parsed flags
func (app *Application) ValidateMode() error {
	f := app.flags
	var modes []Mode
	pick := func(on bool, mode Mode, target string) {
		if on {
			modes = append(modes, mode)
			if target != "" {
				app.config.Target = target
			}
		}
	}
	pick(*f.renewAll, ModeRenewAll, "")
	pick(*f.request != "", ModeRequest, *f.request)
	pick(*f.test != "", ModeTest, *f.test)
	pick(*f.deploy != "", ModeDeploy, *f.deploy)
	pick(*f.revoke != "", ModeRevoke, *f.revoke)
	pick(*f.list, ModeList, "")
	pick(*f.show != "", ModeShow, *f.show)
	pick(*f.add, ModeAdd, "")
	pick(*f.remove != "", ModeDelete, *f.remove)
	pick(*f.importSites, ModeImportSites, "")
	pick(*f.maintenance, ModeMaintenance, "")
	pick(*f.daemon, ModeDaemon, "")
	return app.ValidateModes(modes)
}

// ValidateModes checks that exactly one mode was selected and that arguments fit it
func (app *Application) ValidateModes(modes []Mode) error {
	switch len(modes) {
	case 0:
		return common.NewValidationError("validate operation mode",
			"No operation specified").
			AddSuggestion("Use -renew-all to renew every due certificate").
			AddSuggestion("Use -h for the list of modes")
	case 1:
	default:
		return common.NewValidationError("validate operation mode",
			fmt.Sprintf("Only one operation can run at a time, got %d", len(modes))).
			AddContext("modes", modes).
			AddSuggestion("Run the operations one after the other")
	}

	mode := modes[0]
	args := app.config.Args
	if mode == ModeAdd && len(args) == 0 {
		return common.NewValidationError("validate operation mode",
			"No certificate definition given").
			AddSuggestion("Example: -add cert-name@domain1,domain2")
	}
	if mode != ModeAdd && len(args) > 0 {
		return common.NewValidationError("validate operation mode",
			"Unexpected arguments").
			AddContext("args", args).
			AddSuggestion("Put flags before arguments, only -add takes arguments")
	}
	if app.config.Preview && mode != ModeDeploy {
		return common.NewValidationError("validate operation mode", "-preview requires -deploy")
	}
	if app.config.TestModeOnly && mode != ModeRenewAll {
		return common.NewValidationError("validate operation mode", "-test-mode requires -renew-all")
	}
	app.config.Mode = mode
	return nil
}

// IsDaemon reports whether the parsed command line selects daemon mode
func (app *Application) IsDaemon() bool {
	return app.flags.daemon != nil && *app.flags.daemon
}

// setupGracefulShutdown sets up signal handling for graceful shutdown
func (app *Application) setupGracefulShutdown(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	app.cancelFunc = cancel

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			if app.logger != nil {
				app.logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
			}
			app.Shutdown()
		case <-ctx.Done():
			app.Shutdown()
		}
	}()

	return ctx
}

// Shutdown gracefully shuts down the application
// This method is safe to call multiple times
func (app *Application) Shutdown() {
	app.shutdownOnce.Do(func() {
		if app.logger != nil {
			app.logger.Debug("Shutting down application...")
		}
		if app.cancelFunc != nil {
			app.cancelFunc()
		}
		close(app.done)
	})
}

// WaitForShutdown waits for the application to shutdown
func (app *Application) WaitForShutdown() {
	<-app.done
}

// Run executes the main application logic with context support
func (app *Application) Run(ctx context.Context) error {
	ctx = app.setupGracefulShutdown(ctx)
	defer app.Shutdown()

	ctx = common.WithRequestID(ctx)
	ctx = common.WithOperation(ctx, "application_startup")

	if app.HandleVersionFlag() {
		return nil
	}
	if err := app.SetupLogger(); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	if app.HandleConfigTemplate() {
		return nil
	}

	app.logger.Debugf("go-acme-cert-manager %s, request %s", app.config.Version, common.GetRequestID(ctx))

	if err := app.ValidateMode(); err != nil {
		return err
	}

	configCtx, configCancel := common.WithOperationTimeout(ctx)
	cfg, err := app.LoadConfigurationWithContext(configCtx)
	configCancel()
	if err != nil {
		return err
	}

	svc, err := NewServices(ctx, cfg, app.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			app.logger.Warnf("Closing the store failed: %v", err)
		}
	}()

	ctx = common.WithOperation(ctx, string(app.config.Mode))
	if err := app.runMode(ctx, svc); err != nil {
		return err
	}

	if app.config.Mode != ModeDaemon && common.IsContextCanceled(ctx) {
		return common.GetContextError(ctx, string(app.config.Mode))
	}
	return nil
}

// DefaultRunTimeout bounds one-shot modes; daemon mode runs until stopped.
const DefaultRunTimeout = 2 * time.Hour
