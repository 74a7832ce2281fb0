// Package config implements the read_conf(path, out conf) collaborator
// spec.md §6 names, using gopkg.in/yaml.v3 the way
// sad-emu-salmon-cannon/config parses its own YAML configuration
// (including the optional log-rotation block, mirrored here as LogConfig).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxServers bounds the number of upstream (client) or listener (server)
// entries a single config file may declare — the MAX_SERVER of spec.md §3.
const MaxServers = 32

// ServerEntry is one upstream server (client config) or one listen
// endpoint (server config), each with its own PSK.
type ServerEntry struct {
	Address string `yaml:"address,omitempty"`
	Port    string `yaml:"port,omitempty"`
	Key     string `yaml:"key,omitempty"`
}

// LocalEntry is the local bind address/port of isocks's SOCKS5 ingress.
// osocks does not read it.
type LocalEntry struct {
	Address string `yaml:"address,omitempty"`
	Port    string `yaml:"port,omitempty"`
}

// LogConfig configures lumberjack-backed log rotation. Omitted entirely,
// logging goes to stderr.
type LogConfig struct {
	Filename   string `yaml:"filename,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// Config is the parsed contents of a config file, shared between isocks
// and osocks (osocks ignores Local and instead treats each Servers entry
// as a listen endpoint).
type Config struct {
	Servers      []ServerEntry `yaml:"servers,omitempty"`
	Local        LocalEntry    `yaml:"local,omitempty"`
	Log          LogConfig     `yaml:"log,omitempty"`
	PoolCapacity int           `yaml:"pool_capacity,omitempty"`
	// DNSServer is the recursive resolver osocks queries for asynchronous
	// host resolution (spec.md §4.6's SUPPLEMENTED getaddrinfo_a
	// replacement); isocks ignores this field entirely.
	DNSServer string `yaml:"dns_server,omitempty"`
}

// Load reads and parses a YAML config file. It returns an error rather
// than applying defaults — defaults (address 127.0.0.1/0.0.0.0, port
// 1080/1205) are the CLI layer's job per spec.md §6, matching isocks.c and
// osocks.c applying them after config load, not inside it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Servers) > MaxServers {
		return nil, fmt.Errorf("config: %d servers exceeds the %d-entry maximum", len(cfg.Servers), MaxServers)
	}
	return &cfg, nil
}
