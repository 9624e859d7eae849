package hooks

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const (
	// AbortExitCode is the exit code a pre-request script uses to cancel the request.
	AbortExitCode = 2

	// DefaultScriptTimeout bounds pre and post request scripts.
	DefaultScriptTimeout = 5 * time.Minute
)

// RunPreRequest runs the item's pre-request script, if any. It reports abort when the
// script exits with AbortExitCode; every other failure is returned for logging only.
func (r *Runner) RunPreRequest(ctx context.Context, item *common.ManagedCertificate) (bool, error) {
	script := strings.TrimSpace(item.RequestConfig.PreRequestScript)
	if script == "" {
		return false, nil
	}
	out, err := r.Run(ctx, DefaultScriptTimeout, scriptEnv(item, nil), script)
	if err != nil && !out.TimedOut && out.ExitCode == AbortExitCode {
		return true, nil
	}
	return false, err
}

// RunPostRequest runs the item's post-request script, if any, with the outcome in its environment.
func (r *Runner) RunPostRequest(ctx context.Context, item *common.ManagedCertificate, result *common.RequestResult) error {
	script := strings.TrimSpace(item.RequestConfig.PostRequestScript)
	if script == "" {
		return nil
	}
	_, err := r.Run(ctx, DefaultScriptTimeout, scriptEnv(item, result), script)
	return err
}

func scriptEnv(item *common.ManagedCertificate, result *common.RequestResult) []string {
	env := []string{
		"CERTMGR_ITEM_ID=" + item.ID,
		"CERTMGR_ITEM_NAME=" + item.Name,
		"CERTMGR_PRIMARY_DOMAIN=" + item.RequestConfig.PrimaryDomain,
		"CERTMGR_DOMAINS=" + strings.Join(item.RequestedDomains(), ","),
		"CERTMGR_CERTIFICATE_PATH=" + item.CertificatePath,
	}
	if result != nil {
		env = append(env,
			"CERTMGR_IS_SUCCESS="+strconv.FormatBool(result.IsSuccess),
			"CERTMGR_MESSAGE="+result.Message,
		)
	}
	return env
}
