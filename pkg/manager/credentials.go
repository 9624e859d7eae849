package manager

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ConfigCredentialStore serves DNS provider credentials from the credentials section
// of the configuration. Values written as env:NAME are read from the environment.
type ConfigCredentialStore struct {
	credentials map[string]map[string]string
}

// NewConfigCredentialStore wraps the credentials section of cfg.
func NewConfigCredentialStore(cfg *Config) *ConfigCredentialStore {
	return &ConfigCredentialStore{credentials: cfg.Credentials}
}

// GetCredentials returns a copy of the credential set stored under key.
func (s *ConfigCredentialStore) GetCredentials(_ context.Context, key string) (map[string]string, error) {
	set, ok := s.credentials[key]
	if !ok {
		return nil, fmt.Errorf("credential '%s' not found", key)
	}

	out := make(map[string]string, len(set))
	for k, v := range set {
		if name, isEnv := strings.CutPrefix(v, "env:"); isEnv {
			value, present := os.LookupEnv(name)
			if !present {
				return nil, fmt.Errorf("credential '%s': environment variable %s is not set", key, name)
			}
			v = value
		}
		out[strings.ToLower(k)] = v
	}
	return out, nil
}
