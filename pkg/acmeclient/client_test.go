package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

type mockLogger struct {
	warnings []string
}

func (m *mockLogger) Debug(string, ...interface{})      {}
func (m *mockLogger) Info(string, ...interface{})       {}
func (m *mockLogger) Warn(string, ...interface{})       {}
func (m *mockLogger) Error(string, ...interface{})      {}
func (m *mockLogger) Debugf(string, ...interface{})     {}
func (m *mockLogger) Infof(string, ...interface{})      {}
func (m *mockLogger) Errorf(string, ...interface{})     {}
func (m *mockLogger) Importantf(string, ...interface{}) {}
func (m *mockLogger) Warnf(format string, args ...interface{}) {
	m.warnings = append(m.warnings, format)
}

type fakeCA struct {
	getRegCalls   int
	registered    *acme.Account
	orderIDs      []acme.AuthzID
	orders        map[string]*acme.Order
	authz         map[string]*acme.Authorization
	authzErr      map[string]error
	accepted      []string
	chain         [][]byte
	finalizeURL   string
	revoked       []byte
	createCertErr error
	orderStatus   string
	certURL       string
	finalized     int
	fetched       []string
}

func (f *fakeCA) GetReg(context.Context, string) (*acme.Account, error) {
	f.getRegCalls++
	if f.registered == nil {
		return nil, acme.ErrNoAccount
	}
	return f.registered, nil
}

func (f *fakeCA) Register(_ context.Context, acct *acme.Account, _ func(string) bool) (*acme.Account, error) {
	f.registered = &acme.Account{URI: "https://ca.test/acct/1", Status: acme.StatusValid, Contact: acct.Contact}
	return f.registered, nil
}

func (f *fakeCA) AuthorizeOrder(_ context.Context, ids []acme.AuthzID, _ ...acme.OrderOption) (*acme.Order, error) {
	f.orderIDs = ids
	return f.orders["new"], nil
}

func (f *fakeCA) GetOrder(_ context.Context, url string) (*acme.Order, error) {
	o, ok := f.orders[url]
	if !ok {
		return nil, errors.New("order not found")
	}
	return o, nil
}

func (f *fakeCA) GetAuthorization(_ context.Context, url string) (*acme.Authorization, error) {
	if err := f.authzErr[url]; err != nil {
		return nil, err
	}
	return f.authz[url], nil
}

func (f *fakeCA) Accept(_ context.Context, chal *acme.Challenge) (*acme.Challenge, error) {
	f.accepted = append(f.accepted, chal.URI)
	return chal, nil
}

func (f *fakeCA) WaitOrder(_ context.Context, url string) (*acme.Order, error) {
	status := f.orderStatus
	if status == "" {
		status = acme.StatusReady
	}
	return &acme.Order{URI: url, Status: status, FinalizeURL: f.finalizeURL, CertURL: f.certURL}, nil
}

func (f *fakeCA) FetchCert(_ context.Context, url string, _ bool) ([][]byte, error) {
	f.fetched = append(f.fetched, url)
	return f.chain, nil
}

func (f *fakeCA) CreateOrderCert(_ context.Context, _ string, _ []byte, _ bool) ([][]byte, string, error) {
	f.finalized++
	if f.createCertErr != nil {
		return nil, "", f.createCertErr
	}
	return f.chain, "https://ca.test/cert/1", nil
}

func (f *fakeCA) RevokeCert(_ context.Context, _ crypto.Signer, cert []byte, _ acme.CRLReasonCode) error {
	f.revoked = cert
	return nil
}

func (f *fakeCA) HTTP01ChallengeResponse(token string) (string, error) {
	return token + ".thumb", nil
}

func (f *fakeCA) DNS01ChallengeRecord(token string) (string, error) {
	return "dns-" + token, nil
}

func selfSigned(t *testing.T, names ...string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

func newTestClient(t *testing.T, ca *fakeCA) (*Client, *mockLogger, string) {
	t.Helper()
	dir := t.TempDir()
	logger := &mockLogger{}
	c := newWithAPI(ca, Options{
		DirectoryURL: "https://ca.test/directory",
		Email:        "ops@example.com",
		KeyType:      "ec256",
		Accounts:     &AccountStore{Dir: filepath.Join(dir, "accounts"), DirectoryURL: "https://ca.test/directory", Email: "ops@example.com", Logger: logger},
		Storage:      &CertStorage{Dir: filepath.Join(dir, "certificates"), Logger: logger},
		Logger:       logger,
	})
	return c, logger, dir
}

func testItem(domains ...string) *common.ManagedCertificate {
	item := &common.ManagedCertificate{ID: "item-1", Name: "test"}
	item.RequestConfig.PrimaryDomain = domains[0]
	item.RequestConfig.SubjectAlternativeNames = domains[1:]
	return item
}

func TestAccountStore(t *testing.T) {
	store := &AccountStore{Dir: t.TempDir(), DirectoryURL: "https://ca.test/dir", Email: "a@example.com", Logger: &mockLogger{}}

	key1, err := store.LoadOrCreateKey()
	if err != nil {
		t.Fatal(err)
	}
	key2, err := store.LoadOrCreateKey()
	if err != nil {
		t.Fatal(err)
	}
	if !key1.Public().(*ecdsa.PublicKey).Equal(key2.Public()) {
		t.Error("second load should return the saved key")
	}
	if _, err := os.Stat(filepath.Join(store.Dir, "ca.test", "a@example.com", "keys", "a@example.com.key")); err != nil {
		t.Errorf("key file missing: %v", err)
	}

	reg, err := store.LoadRegistration()
	if err != nil || reg != nil {
		t.Fatalf("LoadRegistration() = %v, %v before save", reg, err)
	}
	if err := store.SaveRegistration(&Registration{URI: "https://ca.test/acct/7"}); err != nil {
		t.Fatal(err)
	}
	reg, err = store.LoadRegistration()
	if err != nil || reg == nil || reg.URI != "https://ca.test/acct/7" {
		t.Errorf("LoadRegistration() = %+v, %v", reg, err)
	}
	if err := store.SaveRegistration(&Registration{}); err == nil {
		t.Error("saving an empty registration should fail")
	}
}

func TestBeginOrderRegistersOnce(t *testing.T) {
	ca := &fakeCA{orders: map[string]*acme.Order{"new": {URI: "https://ca.test/order/1", Status: acme.StatusPending}}}
	c, _, _ := newTestClient(t, ca)

	for i := 0; i < 2; i++ {
		if _, err := c.BeginOrder(context.Background(), testItem("example.com")); err != nil {
			t.Fatal(err)
		}
	}
	if ca.getRegCalls != 1 {
		t.Errorf("GetReg calls = %d, want 1", ca.getRegCalls)
	}
	if ca.registered == nil || len(ca.registered.Contact) != 1 || ca.registered.Contact[0] != "mailto:ops@example.com" {
		t.Errorf("registered = %+v", ca.registered)
	}
	reg, _ := c.opts.Accounts.LoadRegistration()
	if reg == nil || reg.URI != "https://ca.test/acct/1" {
		t.Errorf("saved registration = %+v", reg)
	}

	// a fresh client reuses the saved registration
	c2 := newWithAPI(ca, c.opts)
	if _, err := c2.BeginOrder(context.Background(), testItem("example.com")); err != nil {
		t.Fatal(err)
	}
	if ca.getRegCalls != 1 {
		t.Errorf("saved registration not reused, GetReg calls = %d", ca.getRegCalls)
	}
}

func TestBeginOrderLoadsAuthorizations(t *testing.T) {
	ca := &fakeCA{
		registered: &acme.Account{URI: "https://ca.test/acct/1", Status: acme.StatusValid},
		orders: map[string]*acme.Order{"new": {
			URI:       "https://ca.test/order/1",
			Status:    acme.StatusPending,
			AuthzURLs: []string{"az1", "az2", "az3"},
		}},
		authz: map[string]*acme.Authorization{
			"az1": {
				Status:     acme.StatusPending,
				Identifier: acme.AuthzID{Type: "dns", Value: "example.com"},
				Challenges: []*acme.Challenge{
					{Type: "http-01", URI: "ch1", Token: "t1"},
					{Type: "dns-01", URI: "ch2", Token: "t2"},
				},
			},
			"az2": {
				Status:     acme.StatusValid,
				Wildcard:   true,
				Identifier: acme.AuthzID{Type: "dns", Value: "example.com"},
			},
		},
		authzErr: map[string]error{"az3": errors.New("boom")},
	}
	c, _, _ := newTestClient(t, ca)

	order, err := c.BeginOrder(context.Background(), testItem("example.com", "*.example.com", "bücher.example"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ca.orderIDs) != 3 || ca.orderIDs[2].Value != "xn--bcher-kva.example" {
		t.Errorf("order identifiers = %+v", ca.orderIDs)
	}
	if order.URI != "https://ca.test/order/1" || len(order.Authorizations) != 3 {
		t.Fatalf("order = %+v", order)
	}

	a1 := order.AuthorizationFor("example.com")
	if a1 == nil || !a1.IsPending() {
		t.Fatalf("example.com authorization = %+v", a1)
	}
	if http := a1.FindChallenge(common.ChallengeTypeHTTP); http == nil || http.Value != "t1.thumb" {
		t.Errorf("http challenge = %+v", http)
	}
	if dns := a1.FindChallenge(common.ChallengeTypeDNS); dns == nil || dns.Value != "dns-t2" || dns.Key != "_acme-challenge.example.com" {
		t.Errorf("dns challenge = %+v", dns)
	}

	a2 := order.AuthorizationFor("*.example.com")
	if a2 == nil || !a2.IsValidated {
		t.Errorf("wildcard authorization = %+v", a2)
	}
	if f := order.FailedAuthorization(); f == nil || f.AuthorizationError != "boom" {
		t.Errorf("failed authorization = %+v", f)
	}
}

func TestResumeOrderUnknown(t *testing.T) {
	ca := &fakeCA{registered: &acme.Account{URI: "u", Status: acme.StatusValid}}
	c, _, _ := newTestClient(t, ca)
	if _, err := c.ResumeOrder(context.Background(), testItem("example.com"), "https://ca.test/order/x"); err == nil {
		t.Error("unknown order should fail")
	}
}

func TestSubmitAndCheckValidation(t *testing.T) {
	ca := &fakeCA{authz: map[string]*acme.Authorization{
		"az1": {
			Status:     acme.StatusInvalid,
			Identifier: acme.AuthzID{Type: "dns", Value: "example.com"},
			Challenges: []*acme.Challenge{{Type: "http-01", URI: "ch1", Status: acme.StatusInvalid, Error: errors.New("404 for token")}},
		},
	}}
	c, _, _ := newTestClient(t, ca)

	auth := &common.PendingAuthorization{Identifier: "example.com", AuthorizationURI: "az1", Status: acme.StatusPending}
	if err := c.SubmitChallenge(context.Background(), auth); err == nil {
		t.Error("submitting without an attempted challenge should fail")
	}

	auth.AttemptedChallenge = &common.AuthorizationChallenge{ChallengeType: "http-01", URI: "ch1"}
	if err := c.SubmitChallenge(context.Background(), auth); err != nil {
		t.Fatal(err)
	}
	if len(ca.accepted) != 1 || ca.accepted[0] != "ch1" {
		t.Errorf("accepted = %v", ca.accepted)
	}

	got, err := c.CheckValidationCompleted(context.Background(), auth)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsFailure || got.AuthorizationError != "404 for token" {
		t.Errorf("authorization = %+v", got)
	}
	if !got.AttemptedChallenge.IsFailure || got.AttemptedChallenge.ChallengeResultMsg != "404 for token" {
		t.Errorf("challenge = %+v", got.AttemptedChallenge)
	}
}

func TestCompleteOrderStoresChain(t *testing.T) {
	leaf := selfSigned(t, "example.com", "www.example.com")
	issuer := selfSigned(t, "Test CA")
	ca := &fakeCA{chain: [][]byte{leaf, issuer}, finalizeURL: "https://ca.test/finalize/1"}
	c, _, dir := newTestClient(t, ca)
	item := testItem("example.com", "www.example.com")

	res, err := c.CompleteOrder(context.Background(), item, "https://ca.test/order/1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSuccess || res.CertificatePath != filepath.Join(dir, "certificates", "item-1.crt") {
		t.Errorf("result = %+v", res)
	}

	data, err := os.ReadFile(res.CertificatePath)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "BEGIN CERTIFICATE"); n != 2 {
		t.Errorf("certificate file holds %d certificates, want 2", n)
	}
	block, _ := pem.Decode(data)
	if block == nil || string(block.Bytes) != string(leaf) {
		t.Error("leaf must come first")
	}
	if _, err := os.Stat(res.KeyPath); err != nil {
		t.Errorf("key missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "certificates", "item-1.issuer.crt")); err != nil {
		t.Errorf("issuer missing: %v", err)
	}
	meta, err := c.opts.Storage.LoadMeta("item-1")
	if err != nil || meta.CertURL != "https://ca.test/cert/1" || len(meta.Domains) != 2 {
		t.Errorf("meta = %+v, %v", meta, err)
	}
}

func TestCompleteOrderFailure(t *testing.T) {
	ca := &fakeCA{createCertErr: errors.New("rate limited")}
	c, _, _ := newTestClient(t, ca)

	res, err := c.CompleteOrder(context.Background(), testItem("example.com"), "o")
	if err == nil || res.IsSuccess || res.ErrorMessage != "rate limited" {
		t.Errorf("CompleteOrder() = %+v, %v", res, err)
	}
	if !common.IsErrorType(err, common.ErrorTypeIssuanceFailed) {
		t.Errorf("error type = %v", err)
	}
}

func TestCompleteOrderKeepsKeyOfFailedFinalize(t *testing.T) {
	ca := &fakeCA{createCertErr: errors.New("connection reset")}
	c, _, _ := newTestClient(t, ca)

	if _, err := c.CompleteOrder(context.Background(), testItem("example.com"), "o"); err == nil {
		t.Fatal("expected an error")
	}
	key, err := c.opts.Storage.LoadPendingKey("item-1")
	if err != nil || len(key) == 0 {
		t.Fatalf("pending key = %d bytes, %v", len(key), err)
	}
}

func TestCompleteOrderDownloadsValidOrder(t *testing.T) {
	leaf := selfSigned(t, "example.com")
	ca := &fakeCA{chain: [][]byte{leaf}, createCertErr: errors.New("connection reset")}
	c, _, _ := newTestClient(t, ca)
	item := testItem("example.com")

	// The first finalize reaches the CA but the response is lost.
	if _, err := c.CompleteOrder(context.Background(), item, "https://ca.test/order/1"); err == nil {
		t.Fatal("expected an error")
	}
	pending, _ := c.opts.Storage.LoadPendingKey("item-1")

	ca.orderStatus = acme.StatusValid
	ca.certURL = "https://ca.test/cert/7"
	ca.createCertErr = nil
	res, err := c.CompleteOrder(context.Background(), item, "https://ca.test/order/1")
	if err != nil || !res.IsSuccess {
		t.Fatalf("CompleteOrder() = %+v, %v", res, err)
	}
	if ca.finalized != 1 {
		t.Errorf("order finalized %d times, want 1", ca.finalized)
	}
	if len(ca.fetched) != 1 || ca.fetched[0] != "https://ca.test/cert/7" {
		t.Errorf("fetched = %v", ca.fetched)
	}
	key, err := os.ReadFile(res.KeyPath)
	if err != nil || string(key) != string(pending) {
		t.Errorf("stored key differs from the key of the certificate request: %v", err)
	}
	if left, _ := c.opts.Storage.LoadPendingKey("item-1"); left != nil {
		t.Error("pending key not removed after the certificate was stored")
	}
	meta, err := c.opts.Storage.LoadMeta("item-1")
	if err != nil || meta.CertURL != "https://ca.test/cert/7" {
		t.Errorf("meta = %+v, %v", meta, err)
	}
}

func TestCompleteOrderValidWithoutPendingKey(t *testing.T) {
	ca := &fakeCA{orderStatus: acme.StatusValid, certURL: "https://ca.test/cert/7"}
	c, _, _ := newTestClient(t, ca)

	res, err := c.CompleteOrder(context.Background(), testItem("example.com"), "https://ca.test/order/1")
	if err == nil || res.IsSuccess {
		t.Fatalf("CompleteOrder() = %+v, %v", res, err)
	}
	if !common.IsErrorType(err, common.ErrorTypeIssuanceFailed) {
		t.Errorf("error type = %v", err)
	}
	if ca.finalized != 0 || len(ca.fetched) != 0 {
		t.Errorf("finalized %d, fetched %v", ca.finalized, ca.fetched)
	}
}

func TestRevoke(t *testing.T) {
	leaf := selfSigned(t, "example.com")
	ca := &fakeCA{registered: &acme.Account{URI: "u", Status: acme.StatusValid}}
	c, _, dir := newTestClient(t, ca)

	item := testItem("example.com")
	msg, err := c.Revoke(context.Background(), item)
	if err != nil || msg.IsOK {
		t.Errorf("revoking without certificate = %+v, %v", msg, err)
	}

	item.CertificatePath = filepath.Join(dir, "leaf.crt")
	if err := os.WriteFile(item.CertificatePath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf}), 0644); err != nil {
		t.Fatal(err)
	}
	msg, err = c.Revoke(context.Background(), item)
	if err != nil || !msg.IsOK {
		t.Fatalf("Revoke() = %+v, %v", msg, err)
	}
	if string(ca.revoked) != string(leaf) {
		t.Error("revoked certificate does not match")
	}
}

func TestKeyType(t *testing.T) {
	tests := map[string]string{
		"":        "P256",
		"ec256":   "P256",
		"EC384":   "P384",
		"rsa2048": "2048",
		"rsa4096": "4096",
	}
	for in, want := range tests {
		if got := string(keyType(in)); got != want {
			t.Errorf("keyType(%q) = %s, want %s", in, got, want)
		}
	}
}
