package manager

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

type mockResolver struct {
	cname string
	err   error
	asked []string
}

func (m *mockResolver) LookupCNAME(_ context.Context, host string) (string, error) {
	m.asked = append(m.asked, host)
	return m.cname, m.err
}

func TestVerifyCnameRecord(t *testing.T) {
	tests := []struct {
		name      string
		domain    string
		cname     string
		err       error
		wantValid bool
		wantErr   bool
	}{
		{"matching cname", "example.com", "abc.auth.acme-dns.io.", nil, true, false},
		{"case insensitive", "example.com", "ABC.auth.acme-dns.io", nil, true, false},
		{"wildcard uses base domain", "*.example.com", "abc.auth.acme-dns.io.", nil, true, false},
		{"wrong target", "example.com", "other.auth.acme-dns.io.", nil, false, false},
		{"not found is not an error", "example.com", "", &net.DNSError{Err: "no such host", IsNotFound: true}, false, false},
		{"lookup failure", "example.com", "", errors.New("server misbehaving"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockResolver{cname: tt.cname, err: tt.err}
			valid, err := VerifyCnameRecord(context.Background(), r, &mockLogger{}, tt.domain, "abc.auth.acme-dns.io")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", valid, tt.wantValid)
			}
			if len(r.asked) != 1 || r.asked[0] != "_acme-challenge.example.com" {
				t.Errorf("looked up %v", r.asked)
			}
		})
	}
}

func TestNewDNSResolver(t *testing.T) {
	if r, ok := NewDNSResolver("").(*DefaultDNSResolver); !ok || r.Resolver != net.DefaultResolver {
		t.Error("empty address should use the system resolver")
	}
	if r, ok := NewDNSResolver("127.0.0.1").(*DefaultDNSResolver); !ok || r.Resolver == net.DefaultResolver || !r.Resolver.PreferGo {
		t.Error("custom address should get its own Go resolver")
	}
}

func TestGetBaseDomain(t *testing.T) {
	tests := []struct{ in, want string }{
		{"example.com", "example.com"},
		{"sub.example.com", "sub.example.com"},
		{"*.example.com", "example.com"},
		{"*.sub.example.com", "sub.example.com"},
		{"test.sub.example.com", "test.sub.example.com"},
	}
	for _, tt := range tests {
		if got := GetBaseDomain(tt.in); got != tt.want {
			t.Errorf("GetBaseDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidDNSName(t *testing.T) {
	tests := []struct {
		domain  string
		isValid bool
	}{
		{"example.com", true},
		{"sub.example.com", true},
		{"*.example.com", true},
		{"*.sub.example.com", true},
		{"example123.com", true},
		{"my-example-domain.com", true},
		{strings.Repeat("a", 60) + "." + strings.Repeat("b", 60) + "." + strings.Repeat("c", 60) + "." + strings.Repeat("d", 63) + ".com", true},

		{"", false},
		{"localhost", false},
		{"example_domain.com", false},
		{"*.*.example.com", false},
		{"sub.*.example.com", false},
		{"*", false},
		{"-example.com", false},
		{"example-.com", false},
		{".example.com", false},
		{"example.com.", false},
		{"example domain.com", false},
		{"example!.com", false},
		{strings.Repeat("a", 64) + ".com", false},
		{strings.Repeat("a", 60) + "." + strings.Repeat("b", 60) + "." + strings.Repeat("c", 60) + "." + strings.Repeat("d", 70) + ".com", false},
	}

	for _, tc := range tests {
		if got := IsValidDNSName(tc.domain); got != tc.isValid {
			t.Errorf("IsValidDNSName(%q) = %v, want %v", tc.domain, got, tc.isValid)
		}
	}
}
