package challenge

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const sniSuffix = ".acme.invalid"

// SNIHostnames derives the tls-sni-01 hostnames: z(0) is the hex SHA-256 of keyAuth,
// z(i) the hex SHA-256 of z(i-1), and hostname i is z[0:32].z[32:64].acme.invalid.
func SNIHostnames(keyAuth string, iterations int) []string {
	if iterations < 1 {
		iterations = 1
	}
	hosts := make([]string, 0, iterations)
	z := keyAuth
	for i := 0; i < iterations; i++ {
		sum := sha256.Sum256([]byte(z))
		z = hex.EncodeToString(sum[:])
		hosts = append(hosts, z[:32]+"."+z[32:64]+sniSuffix)
	}
	return hosts
}

// selfSignedCertificate returns PEM encoded certificate and key naming only hostname.
func selfSignedCertificate(hostname string) ([]byte, []byte, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		DNSNames:              []string{hostname},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("generated key cannot sign")
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), key)
	if err != nil {
		return nil, nil, err
	}
	return certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der)), certcrypto.PEMEncode(key), nil
}

func (c *Coordinator) prepareTLSSNI(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, auth *common.PendingAuthorization, ch *common.AuthorizationChallenge) {
	if server == nil {
		ch.IsFailure = true
		ch.ChallengeResultMsg = "TLS-SNI bindings need a server provider, none is available"
		return
	}
	hosts := SNIHostnames(ch.Value, ch.HashIterationCount)
	domain := auth.Identifier

	var installed []string
	auth.SetCleanup(func() { c.removeBindings(server, cert, installed) })

	for _, host := range hosts {
		certPEM, keyPEM, err := selfSignedCertificate(host)
		if err != nil {
			ch.IsFailure = true
			ch.ChallengeResultMsg = fmt.Sprintf("Failed to create TLS-SNI certificate for %s: %v", host, err)
			return
		}
		if err := server.InstallHostnameBinding(ctx, cert.GroupID, host, certPEM, keyPEM); err != nil {
			ch.IsFailure = true
			ch.ChallengeResultMsg = fmt.Sprintf("Failed to install TLS-SNI binding %s: %v", host, err)
			return
		}
		installed = append(installed, host)
	}

	ch.ConfigCheckedOK = true
	if !cert.RequestConfig.PerformTlsSniBindingConfigChecks {
		return
	}
	for _, host := range hosts {
		if !c.TLSCheck(ctx, domain, host) {
			ch.ConfigCheckedOK = false
			ch.ChallengeResultMsg = fmt.Sprintf("%s did not present the TLS-SNI certificate for %s", domain, host)
		}
	}
}

func (c *Coordinator) removeBindings(server common.ServerProvider, cert *common.ManagedCertificate, hosts []string) {
	for _, host := range hosts {
		if err := server.RemoveHostnameBinding(context.Background(), cert.GroupID, host); err != nil {
			c.Logger.Warnf("Could not remove TLS-SNI binding %s: %v", host, err)
		}
	}
}
