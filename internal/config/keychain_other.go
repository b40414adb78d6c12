//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Without a system keychain, the API token and the vault identity live in a
// 0600 JSON file next to the job database: {"cardpilot": {"api_token": ...}}.

var errNoSecret = errors.New("secret not stored")

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

type secretsFile map[string]map[string]string

func readSecrets(p string) (secretsFile, error) {
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return secretsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var sf secretsFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("secrets file %s is corrupt: %w", p, err)
	}
	if sf == nil {
		sf = secretsFile{}
	}
	return sf, nil
}

func keychainGet(service, account string) ([]byte, error) {
	p := secretsFilePath()
	sf, err := readSecrets(p)
	if err != nil {
		return nil, err
	}
	val, ok := sf[service][account]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s in %s", errNoSecret, service, account, p)
	}
	return []byte(val), nil
}

// keychainSet refuses to rewrite a corrupt file so a parse error never
// wipes the vault identity.
func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	sf, err := readSecrets(p)
	if err != nil {
		return err
	}
	if sf[service] == nil {
		sf[service] = make(map[string]string)
	}
	sf[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return os.Rename(tmp, p)
}
