package challenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const (
	checkTimeout    = 10 * time.Second
	maxCheckBody    = 64 * 1024
	defaultResolver = "8.8.8.8:53"
)

// GenerateSimulatedKeyAuth returns a key authorization shaped like a real one: 24 random
// bytes base64 encoded, a dot, and the hex SHA-256 of that base64 string.
func GenerateSimulatedKeyAuth() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.StdEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(token))
	return token + "." + hex.EncodeToString(sum[:]), nil
}

func httpCheck(client common.HTTPClientInterface) func(ctx context.Context, url, expected string) bool {
	return func(ctx context.Context, url, expected string) bool {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCheckBody))
		if err != nil {
			return false
		}
		return strings.TrimSpace(string(body)) == strings.TrimSpace(expected)
	}
}

// tlsCheck connects to domain:443 asking for sniHost and checks the presented leaf names it.
func tlsCheck(ctx context.Context, domain, sniHost string) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	dialer := &tls.Dialer{Config: &tls.Config{
		ServerName:         sniHost,
		InsecureSkipVerify: true, // the check only inspects the presented names
	}}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(strings.TrimPrefix(domain, "*."), "443"))
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	return presentsName(conn.(*tls.Conn).ConnectionState(), sniHost)
}

func presentsName(state tls.ConnectionState, name string) bool {
	if len(state.PeerCertificates) == 0 {
		return false
	}
	return state.PeerCertificates[0].VerifyHostname(name) == nil
}

// DomainChecker verifies that domains resolve before a request is attempted.
type DomainChecker struct {
	// Resolver is host or host:port; empty uses /etc/resolv.conf, then a public resolver.
	Resolver string
	Timeout  time.Duration
}

// Check queries A, then AAAA, then CNAME. NXDOMAIN or no answer at all is an error.
func (d *DomainChecker) Check(ctx context.Context, domain string) error {
	domain = strings.TrimPrefix(strings.TrimSpace(domain), "*.")
	server := d.server()
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = common.DefaultDNSLookupTimeout
	}
	client := &dns.Client{Timeout: timeout}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeCNAME} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(domain), qtype)
		msg.RecursionDesired = true

		in, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return common.WrapError(err, common.ErrorTypeDNS, "check", fmt.Sprintf("DNS lookup for %s failed", domain)).
				AddContext("resolver", server)
		}
		if in.Rcode == dns.RcodeNameError {
			return common.NewDNSError("check", fmt.Sprintf("%s does not exist (NXDOMAIN)", domain)).
				AddContext("resolver", server)
		}
		if len(in.Answer) > 0 {
			return nil
		}
	}
	return common.NewDNSError("check", fmt.Sprintf("%s has no A, AAAA or CNAME record", domain)).
		AddContext("resolver", server)
}

func (d *DomainChecker) server() string {
	if d.Resolver != "" {
		if _, _, err := net.SplitHostPort(d.Resolver); err == nil {
			return d.Resolver
		}
		return net.JoinHostPort(d.Resolver, "53")
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		return net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}
	return defaultResolver
}
