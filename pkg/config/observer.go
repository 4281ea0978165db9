package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ObserverConfig drives the example observer. Same precedence as the
// collector: defaults, JSON file, env.
type ObserverConfig struct {
	ServerURL       string   `json:"server_url"`
	Token           string   `json:"token"`
	DNSServers      []string `json:"dns_servers"`
	RetryTimeoutSec int      `json:"retry_timeout_sec"`
}

func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{RetryTimeoutSec: 30}
}

// DefaultObserverConfigPath is where the observer looks when no -config
// flag is given.
func DefaultObserverConfigPath() string {
	return filepath.Join("config", "observer.json")
}

// LoadObserverConfig reads JSON from path (default config/observer.json)
// and applies env overrides.
func LoadObserverConfig(path string) (ObserverConfig, error) {
	if path == "" {
		path = DefaultObserverConfigPath()
	}
	cfg := DefaultObserverConfig()
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &cfg)
	}
	if v := os.Getenv("AGENTWIRE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("AGENTWIRE_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("AGENTWIRE_DNS_SERVERS"); v != "" {
		if out := splitCSV(v); len(out) > 0 {
			cfg.DNSServers = out
		}
	}
	if v := os.Getenv("AGENTWIRE_RETRY_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetryTimeoutSec = n
		}
	}
	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	cfg.Token = strings.TrimSpace(cfg.Token)
	return cfg, nil
}
