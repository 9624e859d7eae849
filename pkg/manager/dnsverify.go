package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// DNSResolver defines the interface for DNS resolution
type DNSResolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// DefaultDNSResolver uses the system's default resolver
type DefaultDNSResolver struct {
	Resolver *net.Resolver
}

// LookupCNAME implements the DNSResolver interface using the system resolver
func (r *DefaultDNSResolver) LookupCNAME(ctx context.Context, host string) (string, error) {
	return r.Resolver.LookupCNAME(ctx, host)
}

const acmeChallengePrefix = "_acme-challenge"

var dnsLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// IsValidDNSName reports whether domain is a host name with at least two labels
// (RFC 1035 letters, digits and inner hyphens, 63 bytes per label, 253 in total).
// A wildcard is accepted as the whole leftmost label only.
func IsValidDNSName(domain string) bool {
	domain = GetBaseDomain(domain)
	if len(domain) > 253 {
		return false
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !dnsLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// GetBaseDomain strips the wildcard label from domain
func GetBaseDomain(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}

// GetChallengeSubdomain returns the name the dns-01 TXT record of domain lives at
func GetChallengeSubdomain(domain string) string {
	return acmeChallengePrefix + "." + domain
}

// NewDNSResolver returns a resolver that queries addr (host or host:port), or the
// system resolver when addr is empty.
func NewDNSResolver(addr string) DNSResolver {
	if addr == "" {
		return &DefaultDNSResolver{Resolver: net.DefaultResolver}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	return &DefaultDNSResolver{Resolver: &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}}
}

// VerifyCnameRecord checks that _acme-challenge.<domain> is a CNAME to expectedTarget,
// the fulldomain of an acme-dns account.
func VerifyCnameRecord(ctx context.Context, resolver DNSResolver, logger common.LoggerInterface, domain string, expectedTarget string) (bool, error) {
	challengeDomain := GetChallengeSubdomain(GetBaseDomain(domain))
	expectedTarget = strings.TrimSuffix(expectedTarget, ".")

	logger.Debugf("Verifying CNAME record for %s -> %s", challengeDomain, expectedTarget)

	ctx, cancel := context.WithTimeout(ctx, DefaultDNSTimeout)
	defer cancel()

	cname, err := resolver.LookupCNAME(ctx, challengeDomain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			logger.Warnf("CNAME record for %s not found.", challengeDomain)
			return false, nil
		}
		return false, fmt.Errorf("DNS lookup error for %s: %w", challengeDomain, err)
	}

	cname = strings.TrimSuffix(cname, ".")
	if !strings.EqualFold(cname, expectedTarget) {
		logger.Warnf("CNAME record for %s is INVALID (Expected: %s, Found: %s)", challengeDomain, expectedTarget, cname)
		return false, nil
	}
	logger.Debugf("CNAME record for %s is valid.", challengeDomain)
	return true, nil
}
