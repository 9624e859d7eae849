package manager

import (
	"context"
	"testing"
)

func TestConfigCredentialStore(t *testing.T) {
	t.Setenv("CERTMGR_TEST_TOKEN", "from-env")

	store := NewConfigCredentialStore(&Config{Credentials: map[string]map[string]string{
		"cf":      {"API_Token": "env:CERTMGR_TEST_TOKEN", "zone": "z1"},
		"missing": {"secret": "env:CERTMGR_TEST_UNSET_VARIABLE"},
	}})

	creds, err := store.GetCredentials(context.Background(), "cf")
	if err != nil {
		t.Fatalf("GetCredentials() error = %v", err)
	}
	if creds["api_token"] != "from-env" || creds["zone"] != "z1" {
		t.Errorf("unexpected credentials: %v", creds)
	}

	if _, err := store.GetCredentials(context.Background(), "missing"); err == nil {
		t.Error("unset environment variable should fail")
	}
	if _, err := store.GetCredentials(context.Background(), "nope"); err == nil {
		t.Error("unknown key should fail")
	}
}
