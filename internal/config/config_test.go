package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "iosocks.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesServersAndLocal(t *testing.T) {
	path := writeTemp(t, `
servers:
  - address: 203.0.113.10
    port: "1205"
    key: hunter2
local:
  address: 127.0.0.1
  port: "1080"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Address != "203.0.113.10" || cfg.Servers[0].Key != "hunter2" {
		t.Fatalf("unexpected servers: %+v", cfg.Servers)
	}
	if cfg.Local.Address != "127.0.0.1" || cfg.Local.Port != "1080" {
		t.Fatalf("unexpected local: %+v", cfg.Local)
	}
}

func TestLoadParsesLogRotation(t *testing.T) {
	path := writeTemp(t, `
servers:
  - address: 1.2.3.4
    key: k
log:
  filename: /var/log/iosocks.log
  max_size_mb: 50
  max_backups: 3
  max_age_days: 14
  compress: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Filename != "/var/log/iosocks.log" || cfg.Log.MaxSizeMB != 50 || !cfg.Log.Compress {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoadRejectsTooManyServers(t *testing.T) {
	contents := "servers:\n"
	for i := 0; i < MaxServers+1; i++ {
		contents += "  - address: 1.2.3.4\n    key: k\n"
	}
	path := writeTemp(t, contents)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for too many servers")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
