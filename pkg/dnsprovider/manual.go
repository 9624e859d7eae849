package dnsprovider

import (
	"context"
	"fmt"
)

// manualProvider asks the operator to edit the zone and pauses the request until resumed.
type manualProvider struct{}

func (manualProvider) ID() string                   { return ProviderManual }
func (manualProvider) Title() string                { return "(Update DNS Manually)" }
func (manualProvider) PropagationDelaySeconds() int { return -1 }
func (manualProvider) IsManual() bool               { return true }

func (manualProvider) ListZones(context.Context) ([]Zone, error) { return nil, nil }

func (manualProvider) CreateRecord(_ context.Context, req RecordRequest) Result {
	return success(fmt.Sprintf("User Action Required: Please login to your DNS control panel for the domain '%s' "+
		"and create a new TXT record named '%s' with the value '%s' (not including quotes). "+
		"Once completed you can resume the certificate request.",
		req.TargetDomain, req.RecordName, req.RecordValue))
}

func (manualProvider) DeleteRecord(_ context.Context, req RecordRequest) Result {
	return success(fmt.Sprintf("User Action Required: Please login to your DNS control panel for the domain '%s' "+
		"and delete the TXT record named '%s'.", req.TargetDomain, req.RecordName))
}

func (manualProvider) Test(context.Context) Result {
	return success("Manual DNS provider needs no connection")
}
