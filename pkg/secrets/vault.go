// Package secrets resolves sensitive configuration (Redis address, peer
// service URLs, analytics-sink project) from HashiCorp Vault. Non-sensitive
// values come from the environment; see internal/config.
package secrets

import (
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// Manager wraps the Vault API client for reading secrets.
type Manager struct {
	client *api.Client
}

// NewManager creates a Vault client pointed at the given address and
// authenticated with the provided token.
func NewManager(address, token string) (*Manager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &Manager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (m *Manager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := m.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// GetString reads a single string key from a KV v2 secret. Leading and
// trailing whitespace is stripped: secrets pasted into Vault by hand
// routinely carry a trailing newline.
func (m *Manager) GetString(path, key string) (string, error) {
	data, err := m.GetKV2(path)
	if err != nil {
		return "", err
	}
	raw, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string value for %q", path, key)
	}
	return strings.TrimSpace(raw), nil
}
