package dnsprovider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cloudflare/cloudflare-go"
	"github.com/go-acme/lego/v4/challenge/dns01"
	legocf "github.com/go-acme/lego/v4/providers/dns/cloudflare"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const cloudflarePropagation = 30

// cloudflareAPI is the part of the Cloudflare SDK the provider uses.
type cloudflareAPI interface {
	ListZones(ctx context.Context, z ...string) ([]cloudflare.Zone, error)
	CreateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.CreateDNSRecordParams) (cloudflare.DNSRecord, error)
	ListDNSRecords(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, *cloudflare.ResultInfo, error)
	DeleteDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, recordID string) error
	VerifyAPIToken(ctx context.Context) (cloudflare.APITokenVerifyBody, error)
}

// cloudflareProvider edits records with an "apitoken" (DNS:Edit) and reads zones with
// "zonetoken" (Zone:Read) when that is set. Global API keys ("email", "apikey") work too.
type cloudflareProvider struct {
	edit     cloudflareAPI
	read     cloudflareAPI
	ttl      int
	useToken bool
}

// newCloudflareConfig fills the lego Cloudflare configuration, whose defaults come from
// the CLOUDFLARE_* environment, with the parameters of a challenge configuration.
func newCloudflareConfig(p params, client common.HTTPClientInterface) *legocf.Config {
	cfg := legocf.NewDefaultConfig()
	cfg.AuthToken = p.get("apitoken")
	cfg.ZoneToken = p.get("zonetoken")
	cfg.AuthEmail = p.get("email")
	cfg.AuthKey = p.get("apikey")
	cfg.BaseURL = p.get("baseurl")
	cfg.TTL = p.intOr("ttl", cfg.TTL)
	if hc, ok := client.(*http.Client); ok && hc != nil {
		cfg.HTTPClient = hc
	}
	return cfg
}

func newCloudflareProvider(cfg *legocf.Config) (*cloudflareProvider, error) {
	// rejects short TTLs and incomplete credentials before anything is sent
	if _, err := legocf.NewDNSProviderConfig(cfg); err != nil {
		return nil, err
	}

	options := []cloudflare.Option{cloudflare.HTTPClient(cfg.HTTPClient)}
	if cfg.BaseURL != "" {
		options = append(options, cloudflare.BaseURL(cfg.BaseURL))
	}

	if cfg.AuthToken == "" {
		api, err := cloudflare.New(cfg.AuthKey, cfg.AuthEmail, options...)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: %w", err)
		}
		return &cloudflareProvider{edit: api, read: api, ttl: cfg.TTL}, nil
	}

	edit, err := cloudflare.NewWithAPIToken(cfg.AuthToken, options...)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %w", err)
	}
	p := &cloudflareProvider{edit: edit, read: edit, ttl: cfg.TTL, useToken: true}
	if cfg.ZoneToken != "" && cfg.ZoneToken != cfg.AuthToken {
		if p.read, err = cloudflare.NewWithAPIToken(cfg.ZoneToken, options...); err != nil {
			return nil, fmt.Errorf("cloudflare: %w", err)
		}
	}
	return p, nil
}

func (p *cloudflareProvider) ID() string                   { return ProviderCloudflare }
func (p *cloudflareProvider) Title() string                { return "Cloudflare DNS API" }
func (p *cloudflareProvider) PropagationDelaySeconds() int { return cloudflarePropagation }
func (p *cloudflareProvider) IsManual() bool               { return false }

func (p *cloudflareProvider) ListZones(ctx context.Context) ([]Zone, error) {
	found, err := p.read.ListZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: listing zones: %w", err)
	}
	zones := make([]Zone, 0, len(found))
	for _, z := range found {
		zones = append(zones, Zone{ID: z.ID, Name: z.Name})
	}
	return zones, nil
}

func (p *cloudflareProvider) zone(ctx context.Context, req RecordRequest) (*cloudflare.ResourceContainer, error) {
	zoneID, err := ResolveZoneID(ctx, p, req.TargetDomain, req.ZoneID)
	if err != nil {
		return nil, err
	}
	if zoneID == "" {
		return nil, fmt.Errorf("cloudflare: no zone found for %s", req.TargetDomain)
	}
	return cloudflare.ZoneIdentifier(zoneID), nil
}

func (p *cloudflareProvider) CreateRecord(ctx context.Context, req RecordRequest) Result {
	rc, err := p.zone(ctx, req)
	if err != nil {
		return failure(err.Error())
	}
	record, err := p.edit.CreateDNSRecord(ctx, rc, cloudflare.CreateDNSRecordParams{
		Type:    recordTypeOrTXT(req.RecordType),
		Name:    dns01.UnFqdn(req.RecordName),
		Content: req.RecordValue,
		TTL:     p.ttl,
	})
	if err != nil {
		return failure(fmt.Sprintf("cloudflare: creating %s: %v", req.RecordName, err))
	}
	return success(fmt.Sprintf("Cloudflare: created %s (record %s) in zone %s", dns01.UnFqdn(req.RecordName), record.ID, rc.Identifier))
}

// DeleteRecord looks the record up by name and value, so records published before a
// restart are found as well.
func (p *cloudflareProvider) DeleteRecord(ctx context.Context, req RecordRequest) Result {
	rc, err := p.zone(ctx, req)
	if err != nil {
		return failure(err.Error())
	}
	records, _, err := p.edit.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{
		Type:    recordTypeOrTXT(req.RecordType),
		Name:    dns01.UnFqdn(req.RecordName),
		Content: req.RecordValue,
	})
	if err != nil {
		return failure(fmt.Sprintf("cloudflare: looking up %s: %v", req.RecordName, err))
	}
	for _, rec := range records {
		if err := p.edit.DeleteDNSRecord(ctx, rc, rec.ID); err != nil {
			return failure(fmt.Sprintf("cloudflare: deleting record %s: %v", rec.ID, err))
		}
	}
	return success(fmt.Sprintf("Cloudflare: deleted %d record(s) named %s", len(records), req.RecordName))
}

func (p *cloudflareProvider) Test(ctx context.Context) Result {
	if !p.useToken {
		if _, err := p.read.ListZones(ctx); err != nil {
			return failure(fmt.Sprintf("cloudflare: %v", err))
		}
		return success("Cloudflare: API key is valid")
	}
	token, err := p.edit.VerifyAPIToken(ctx)
	if err != nil {
		return failure(fmt.Sprintf("cloudflare: %v", err))
	}
	if token.Status != "active" {
		return failure(fmt.Sprintf("cloudflare: API token is %s", token.Status))
	}
	return success("Cloudflare: API token is valid")
}

func recordTypeOrTXT(t string) string {
	if t == "" {
		return "TXT"
	}
	return t
}
