package dnsprovider

import (
	"context"
	"fmt"

	"github.com/nrdcg/goacmedns"

	"github.com/oetiker/go-acme-cert-manager/pkg/manager"
)

const acmeDnsPropagation = 10

type acmeDnsUpdater interface {
	UpdateTXTRecord(ctx context.Context, account goacmedns.Account, value string) error
}

func newAcmeDnsClient(server string) (acmeDnsUpdater, error) {
	if server == "" {
		return nil, fmt.Errorf("no acme-dns server configured")
	}
	client, err := goacmedns.NewClient(server)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// acmeDnsProvider updates the TXT record of the acme-dns account the domain's
// _acme-challenge CNAME points to, registering an account on first use.
type acmeDnsProvider struct {
	registrar *manager.AcmeDnsRegistrar
	client    acmeDnsUpdater
}

func (p *acmeDnsProvider) ID() string                   { return ProviderAcmeDns }
func (p *acmeDnsProvider) Title() string                { return "acme-dns DNS API" }
func (p *acmeDnsProvider) PropagationDelaySeconds() int { return acmeDnsPropagation }
func (p *acmeDnsProvider) IsManual() bool               { return false }

func (p *acmeDnsProvider) ListZones(context.Context) ([]Zone, error) {
	return nil, nil
}

func (p *acmeDnsProvider) CreateRecord(ctx context.Context, req RecordRequest) Result {
	account, created, err := p.registrar.AccountFor(ctx, req.TargetDomain)
	if err != nil {
		return failure(fmt.Sprintf("acme-dns: %v", err))
	}

	err = p.client.UpdateTXTRecord(ctx, goacmedns.Account{
		FullDomain: account.FullDomain,
		SubDomain:  account.SubDomain,
		Username:   account.Username,
		Password:   account.Password,
	}, req.RecordValue)
	if err != nil {
		return failure(fmt.Sprintf("acme-dns: updating TXT record of %s: %v", account.FullDomain, err))
	}

	msg := fmt.Sprintf("acme-dns: updated %s for %s", account.FullDomain, req.TargetDomain)
	if created {
		msg += fmt.Sprintf(". New account registered, %s must be a CNAME to %s", req.RecordName, account.FullDomain)
	}
	return success(msg)
}

// DeleteRecord is a no-op, acme-dns rotates its two TXT values on every update.
func (p *acmeDnsProvider) DeleteRecord(_ context.Context, req RecordRequest) Result {
	return success(fmt.Sprintf("acme-dns: nothing to delete for %s", req.RecordName))
}

func (p *acmeDnsProvider) Test(context.Context) Result {
	if p.registrar.Server == "" {
		return failure("acme-dns: no server configured")
	}
	return success("acme-dns: server " + p.registrar.Server)
}
