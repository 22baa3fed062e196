// keyring.go provides secure API key storage using the operating system's
// native keyring (Linux: Secret Service, macOS: Keychain, Windows:
// Credential Manager).
//
// Priority for resolving the LLM API key:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (HOMIE_API_KEY, then the provider's standard name)
//  3. config.toml value (least secure — plaintext on disk)
package config

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "homie"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// providerKeyNames maps provider kinds to their conventional env var names.
var providerKeyNames = map[string]string{
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai-compatible": "OPENAI_API_KEY",
	"mpp":               "MPP_API_KEY",
}

// StoreAPIKey saves the API key to the OS keyring.
func StoreAPIKey(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// DeleteAPIKey removes the API key from the OS keyring.
func DeleteAPIKey() error {
	return keyring.Delete(keyringService, keyringAPIKey)
}

// ResolveAPIKey returns the API key for the configured provider following
// the keyring → env → config priority chain. Empty when nothing is set
// (CLI-wrapped providers need no key).
func (c *Config) ResolveAPIKey() string {
	if val, err := keyring.Get(keyringService, keyringAPIKey); err == nil && val != "" {
		return val
	}
	if val := os.Getenv("HOMIE_API_KEY"); val != "" {
		return val
	}
	if name, ok := providerKeyNames[strings.ToLower(c.Model.Provider.Kind)]; ok {
		if val := os.Getenv(name); val != "" {
			return val
		}
	}
	return c.Model.Provider.APIKey
}

// KeyringAvailable checks if the OS keyring is accessible by performing a
// write+delete cycle with a probe key.
func KeyringAvailable() bool {
	const probe = "availability_probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}
