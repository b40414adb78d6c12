package config

import (
	"fmt"
	"strings"
	"time"
)

const keychainService = "cardpilot"

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Ollama   OllamaConfig
	Log      LogConfig
	Browser  BrowserConfig
	Session  SessionConfig
	Timeouts TimeoutConfig
	Media    MediaConfig
	Recovery RecoveryConfig
	Adapters AdaptersConfig
	Worker   WorkerConfig
	Vault    VaultConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// OllamaConfig points at the completion service used to propose recovery
// actions for error types the knowledge base has no answer for.
type OllamaConfig struct {
	BaseURL string
	Model   string
}

type LogConfig struct {
	Level string
}

type BrowserConfig struct {
	Headless    bool
	RemoteURL   string // DevTools websocket URL; empty launches a local Chrome
	UserDataDir string
}

type SessionConfig struct {
	TTL time.Duration
}

// TimeoutConfig holds the per-step deadlines applied to every adapter call.
type TimeoutConfig struct {
	Login      time.Duration
	Navigation time.Duration
	Form       time.Duration
	Upload     time.Duration
	Submit     time.Duration
}

type MediaConfig struct {
	TempDir     string
	WaitPerFile time.Duration
}

type RecoveryConfig struct {
	Wait time.Duration
}

type AdaptersConfig struct {
	Dir string
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

type VaultConfig struct {
	Identity string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "phi3.5",
		},
		Log: LogConfig{
			Level: "info",
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Session: SessionConfig{
			TTL: 2 * time.Hour,
		},
		Timeouts: TimeoutConfig{
			Login:      60 * time.Second,
			Navigation: 30 * time.Second,
			Form:       45 * time.Second,
			Upload:     120 * time.Second,
			Submit:     45 * time.Second,
		},
		Media: MediaConfig{
			WaitPerFile: 2 * time.Second,
		},
		Recovery: RecoveryConfig{
			Wait: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.cardpilot.app) and
// secrets fall back to macOS Keychain.
// Elsewhere the backend is a JSON file (comments allowed) at
// $XDG_CONFIG_HOME/cardpilot/config.json and secrets fall back to
// $XDG_DATA_HOME/cardpilot/secrets.json.
//
// Environment variables (CARDPILOT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Vault.Identity == "" {
		if id, err := kc.Get(keychainService, "vault_identity"); err == nil && id != "" {
			cfg.Vault.Identity = id
		}
	}

	return cfg, nil
}

// RequireVaultIdentity returns the age identity used to open credential
// bundles, or an error explaining where to configure it.
func (c Config) RequireVaultIdentity() (string, error) {
	if c.Vault.Identity == "" {
		return "", fmt.Errorf("missing required config: vault identity. "+
			"Run `cardpilot credentials keygen` or set environment variable %s%s",
			envPrefix+"VAULT_IDENTITY", secretHint("vault_identity"))
	}
	return c.Vault.Identity, nil
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainStore{}
}

type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
