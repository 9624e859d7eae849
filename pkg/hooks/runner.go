// Package hooks runs the external actions attached to a managed certificate: scripts,
// webhooks and the failure status report. None of them can change a request outcome.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// time allowed for output pipes to drain after the process was killed
const killGrace = 2 * time.Second

// Output is what a finished (or killed) script produced.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Combined returns stdout followed by stderr, each stderr line prefixed with "Error: ".
func (o *Output) Combined() string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(o.Stdout, "\n"))
	for _, line := range strings.Split(strings.TrimRight(o.Stderr, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Error: ")
		b.WriteString(line)
	}
	return b.String()
}

// Runner executes scripts with a hard timeout and records every run in the action log.
type Runner struct {
	Logger    common.LoggerInterface
	ActionLog *common.ActionLogCollector
}

// Run executes script with args. Environment variables in the script path are expanded
// and env is added to the inherited environment. The process is killed when timeout
// expires or ctx is canceled. The returned Output is never nil; the error is a
// ScriptError for start failures, timeouts and non-zero exits.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, env []string, script string, args ...string) (*Output, error) {
	out := &Output{ExitCode: -1}
	script = os.ExpandEnv(strings.TrimSpace(script))
	command := strings.TrimSpace(script + " " + strings.Join(args, " "))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, script, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = killGrace

	r.Logger.Debugf("Running script: %s", command)
	err := cmd.Run()

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	out.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)

	if r.ActionLog != nil {
		result := out.Combined()
		if out.TimedOut {
			result = strings.TrimSpace(result + "\nScript timed out after " + timeout.String())
		}
		r.ActionLog.Add(command, result)
	}

	var appErr *common.ApplicationError
	var exitErr *exec.ExitError
	switch {
	case out.TimedOut:
		appErr = common.NewScriptError("run", fmt.Sprintf("script did not finish within %v", timeout))
	case errors.As(err, &exitErr):
		appErr = common.NewScriptError("run", fmt.Sprintf("script exited with code %d", out.ExitCode))
	case err != nil:
		appErr = common.NewScriptError("run", "script could not be started")
		appErr.Underlying = err
	default:
		return out, nil
	}
	appErr.Resource = script
	return out, appErr
}
