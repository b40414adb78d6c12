//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// On macOS settings live in the user defaults database under this domain,
// so `defaults write com.cardpilot.app worker.concurrency -int 4` works too.
const defaultsDomain = "com.cardpilot.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "cardpilot")
	}
	return "cardpilot-data"
}

func secretHint(account string) string {
	return " or store it in the login keychain: security add-generic-password -s " + keychainService + " -a " + account + " -w"
}

type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

// read reports false for keys never written; `defaults` exits 1 for those.
func (b *defaultsBackend) read(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s %s: %w (%s)", b.domain, key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) write(key string, args ...string) error {
	cmdArgs := append([]string{"write", b.domain, key}, args...)
	if out, err := exec.Command("defaults", cmdArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s %s: %w (%s)", b.domain, key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s in %s is not an integer: %w", key, b.domain, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *defaultsBackend) Delete(key string) error {
	if out, err := exec.Command("defaults", "delete", b.domain, key).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults delete %s %s: %w (%s)", b.domain, key, err, strings.TrimSpace(string(out)))
	}
	return nil
}
