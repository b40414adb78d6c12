package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "CARDPILOT_"

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CARDPILOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CARDPILOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CARDPILOT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "CARDPILOT_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "log.level", typ: kString, env: "CARDPILOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "browser.headless", typ: kBool, env: "CARDPILOT_BROWSER_HEADLESS",
		apply:   func(cfg *Config, v any) { cfg.Browser.Headless = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.Headless },
	},
	{
		key: "browser.remote_url", typ: kString, env: "CARDPILOT_BROWSER_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Browser.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.RemoteURL },
	},
	{
		key: "browser.user_data_dir", typ: kString, env: "CARDPILOT_BROWSER_USER_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Browser.UserDataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.UserDataDir },
	},
	{
		key: "session.ttl", typ: kDuration, env: "CARDPILOT_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "timeouts.login", typ: kDuration, env: "CARDPILOT_TIMEOUTS_LOGIN",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Login = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Login },
	},
	{
		key: "timeouts.navigation", typ: kDuration, env: "CARDPILOT_TIMEOUTS_NAVIGATION",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Navigation = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Navigation },
	},
	{
		key: "timeouts.form", typ: kDuration, env: "CARDPILOT_TIMEOUTS_FORM",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Form = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Form },
	},
	{
		key: "timeouts.upload", typ: kDuration, env: "CARDPILOT_TIMEOUTS_UPLOAD",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Upload = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Upload },
	},
	{
		key: "timeouts.submit", typ: kDuration, env: "CARDPILOT_TIMEOUTS_SUBMIT",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Submit = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Submit },
	},
	{
		key: "media.temp_dir", typ: kString, env: "CARDPILOT_MEDIA_TEMP_DIR",
		apply:   func(cfg *Config, v any) { cfg.Media.TempDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.TempDir },
	},
	{
		key: "media.wait_per_file", typ: kDuration, env: "CARDPILOT_MEDIA_WAIT_PER_FILE",
		apply:   func(cfg *Config, v any) { cfg.Media.WaitPerFile = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Media.WaitPerFile },
	},
	{
		key: "recovery.wait", typ: kDuration, env: "CARDPILOT_RECOVERY_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Recovery.Wait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Recovery.Wait },
	},
	{
		key: "adapters.dir", typ: kString, env: "CARDPILOT_ADAPTERS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Adapters.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Adapters.Dir },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "CARDPILOT_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "CARDPILOT_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "vault.identity", typ: kString, env: "CARDPILOT_VAULT_IDENTITY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vault.Identity = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.Identity },
	},
}

// parseValue converts a raw string into the Go value for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", raw)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
