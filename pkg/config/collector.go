package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"agentwire/telemetry/pkg/server"
)

// CollectorConfig drives the telemetry collector daemon. Precedence:
// defaults, then the JSON file (optional), then AGENTWIRE_* env overrides.
type CollectorConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Path            string `json:"path"`
	Token           string `json:"token"`
	AwaitFirstPeer  bool   `json:"await_first_peer"`
	AwaitTimeoutSec int    `json:"await_timeout_sec"`

	SinkPath       string `json:"sink_path"`
	SinkMaxSizeMB  int    `json:"sink_max_size_mb"`
	SinkMaxBackups int    `json:"sink_max_backups"`
	SinkMaxAgeDays int    `json:"sink_max_age_days"`

	StatsIntervalSec int `json:"stats_interval_sec"`
}

func defaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Host:            "127.0.0.1",
		Port:            server.DefaultPort,
		Path:            "/ws",
		AwaitTimeoutSec: 300,
		SinkPath:        "data/events.jsonl",
		SinkMaxSizeMB:   20,
		SinkMaxBackups:  5,
		SinkMaxAgeDays:  7,
	}
}

// LoadCollectorConfig reads JSON from path (file optional) and applies env
// overrides.
func LoadCollectorConfig(path string) (CollectorConfig, error) {
	cfg := defaultCollectorConfig()
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse json: %w", err)
			}
		}
	}

	if v := os.Getenv("AGENTWIRE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AGENTWIRE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AGENTWIRE_PATH"); v != "" {
		cfg.Path = v
	}
	if v := os.Getenv("AGENTWIRE_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("AGENTWIRE_AWAIT_FIRST_PEER"); v != "" {
		cfg.AwaitFirstPeer = isTrue(v)
	}
	if v := os.Getenv("AGENTWIRE_AWAIT_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AwaitTimeoutSec = n
		}
	}
	if v := os.Getenv("AGENTWIRE_SINK_PATH"); v != "" {
		cfg.SinkPath = v
	}
	if v := os.Getenv("AGENTWIRE_STATS_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.StatsIntervalSec = n
		}
	}

	return cfg, nil
}

// Descriptor builds the server endpoint from the config.
func (c CollectorConfig) Descriptor() server.Descriptor {
	d := server.DefaultDescriptor()
	if c.Host != "" {
		d.Host = c.Host
	}
	if c.Port != 0 {
		d.Port = c.Port
	}
	if c.Path != "" {
		d.Path = c.Path
	}
	d.Token = c.Token
	d.AwaitFirstPeer = c.AwaitFirstPeer
	if c.AwaitTimeoutSec > 0 {
		d.AwaitTimeout = time.Duration(c.AwaitTimeoutSec) * time.Second
	}
	return d
}

func isTrue(v string) bool {
	return v == "1" || strings.ToLower(v) == "true"
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
