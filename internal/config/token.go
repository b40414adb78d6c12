package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// GetAPIToken returns the bearer token guarding the local HTTP API. The
// token comes from CARDPILOT_API_TOKEN or the keychain; on first use a
// random token is generated and stored.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv(envPrefix + "API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// StoreVaultIdentity saves an age identity in the platform secret store.
func StoreVaultIdentity(kc Keychain, identity string) error {
	return kc.Set(keychainService, "vault_identity", identity)
}
