// Package dnsprovider turns a challenge configuration into a capability for creating and
// deleting the TXT records of DNS-01 challenges.
package dnsprovider

import (
	"context"
	"strconv"
	"strings"
)

// Stable provider identifiers, as stored in ChallengeConfig.ChallengeProvider.
const (
	ProviderRoute53    = "DNS01.API.Route53"
	ProviderCloudflare = "DNS01.API.Cloudflare"
	ProviderAcmeDns    = "DNS01.API.AcmeDns"
	ProviderScripting  = "DNS01.Scripting"
	ProviderManual     = "DNS01.Manual"
)

// Result reports the outcome of a provider action.
type Result struct {
	IsSuccess bool
	Message   string
}

func success(msg string) Result { return Result{IsSuccess: true, Message: msg} }
func failure(msg string) Result { return Result{IsSuccess: false, Message: msg} }

// RecordRequest describes one TXT record.
type RecordRequest struct {
	TargetDomain string
	RecordName   string
	RecordValue  string
	RecordType   string
	ZoneID       string
}

// Zone is a DNS zone managed by a provider.
type Zone struct {
	ID   string
	Name string
}

// Provider mutates DNS records for one vendor or mechanism.
type Provider interface {
	ID() string
	Title() string
	// PropagationDelaySeconds is how long to wait after creating a record, -1 when a human acts.
	PropagationDelaySeconds() int
	IsManual() bool
	CreateRecord(ctx context.Context, req RecordRequest) Result
	DeleteRecord(ctx context.Context, req RecordRequest) Result
	Test(ctx context.Context) Result
	ListZones(ctx context.Context) ([]Zone, error)
}

// Definition describes a provider for listings.
type Definition struct {
	ID                 string
	Title              string
	Description        string
	PropagationSeconds int
	Parameters         []string
}

// Definitions returns every known provider.
func Definitions() []Definition {
	return []Definition{
		{ProviderRoute53, "Amazon Route 53 DNS API", "Validates via Route 53 APIs using IAM service credentials", route53Propagation, []string{"accesskey", "secretkey", "region", "zoneid"}},
		{ProviderCloudflare, "Cloudflare DNS API", "Validates via the Cloudflare v4 API using an API token", cloudflarePropagation, []string{"apitoken", "zonetoken", "email", "apikey", "ttl", "zoneid"}},
		{ProviderAcmeDns, "acme-dns DNS API", "Validates via an acme-dns server the _acme-challenge CNAME points to", acmeDnsPropagation, []string{"server"}},
		{ProviderScripting, "(Use Custom Script)", "Validates DNS challenges via a user provided custom script", defaultScriptPropagation, []string{"createscriptpath", "deletescriptpath", "propagationdelay", "zoneid"}},
		{ProviderManual, "(Update DNS Manually)", "When you request a certificate you will have to manually create the TXT record", -1, nil},
	}
}

// params flattens provider parameters and credentials into one lowercase-keyed map.
type params map[string]string

func (p params) get(key string) string {
	return strings.TrimSpace(p[strings.ToLower(key)])
}

func (p params) intOr(key string, def int) int {
	v := p.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
