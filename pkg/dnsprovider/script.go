package dnsprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/hooks"
)

const (
	defaultScriptPropagation = 60
	scriptBaseTimeout        = 60 * time.Second
)

// scriptProvider calls operator supplied executables with
// <domain> <recordName> <recordValue> <zoneId>.
type scriptProvider struct {
	createScript string
	deleteScript string
	propagation  int
	runner       *hooks.Runner
	logger       common.LoggerInterface
}

func (p *scriptProvider) ID() string                   { return ProviderScripting }
func (p *scriptProvider) Title() string                { return "(Use Custom Script)" }
func (p *scriptProvider) PropagationDelaySeconds() int { return p.propagation }
func (p *scriptProvider) IsManual() bool               { return false }

func (p *scriptProvider) ListZones(context.Context) ([]Zone, error) {
	return nil, nil
}

func (p *scriptProvider) CreateRecord(ctx context.Context, req RecordRequest) Result {
	if p.createScript == "" {
		return failure("Dns Script: No Create Script Path provided.")
	}
	return p.run(ctx, p.createScript, req)
}

func (p *scriptProvider) DeleteRecord(ctx context.Context, req RecordRequest) Result {
	if p.deleteScript == "" {
		return success("Dns Script: No Delete Script Path provided.")
	}
	return p.run(ctx, p.deleteScript, req)
}

func (p *scriptProvider) Test(context.Context) Result {
	if p.createScript == "" {
		return failure("Dns Script: No Create Script Path provided.")
	}
	return success("Dns Script: " + p.createScript)
}

// run never fails the challenge: a failing or hanging script is only a warning.
func (p *scriptProvider) run(ctx context.Context, script string, req RecordRequest) Result {
	timeout := scriptBaseTimeout + time.Duration(p.propagation)*time.Second
	out, err := p.runner.Run(ctx, timeout, nil, script, req.TargetDomain, req.RecordName, req.RecordValue, req.ZoneID)

	msg := fmt.Sprintf("Dns Script: %s", script)
	if output := out.Combined(); output != "" {
		msg += "\n" + output
	}
	if err != nil {
		p.logger.Warnf("DNS script %s for %s: %v", script, req.RecordName, err)
		msg += "\n" + err.Error()
	}
	return success(msg)
}
