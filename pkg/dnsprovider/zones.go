package dnsprovider

import (
	"context"
	"strings"

	"github.com/go-acme/lego/v4/challenge/dns01"
)

// ResolveZoneID returns explicitID when set, otherwise the id of the provider zone that is
// the longest suffix of domain. An empty id with a nil error means no zone matched.
func ResolveZoneID(ctx context.Context, p Provider, domain, explicitID string) (string, error) {
	if id := strings.TrimSpace(explicitID); id != "" {
		return id, nil
	}

	zones, err := p.ListZones(ctx)
	if err != nil {
		return "", err
	}
	return matchZone(zones, domain), nil
}

func matchZone(zones []Zone, domain string) string {
	domain = strings.ToLower(dns01.UnFqdn(strings.TrimPrefix(domain, "*.")))

	bestID, bestLen := "", -1
	for _, z := range zones {
		name := strings.ToLower(dns01.UnFqdn(z.Name))
		if name == "" {
			continue
		}
		if domain != name && !strings.HasSuffix(domain, "."+name) {
			continue
		}
		if len(name) > bestLen {
			bestID, bestLen = z.ID, len(name)
		}
	}
	return bestID
}
