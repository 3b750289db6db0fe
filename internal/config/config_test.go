package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.DBPath != "agent-relay.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.InactivityTimeout != 30*time.Second {
		t.Fatalf("expected 30s inactivity timeout, got %v", cfg.InactivityTimeout)
	}
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":              "x",
		"PORT":                       "1234",
		"DB_PATH":                    "/tmp/relay.db",
		"INACTIVITY_TIMEOUT_SECONDS": "60",
		"RPC_TIMEOUT_SECONDS":        "5",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 || cfg.DBPath != "/tmp/relay.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.InactivityTimeout != time.Minute || cfg.RPCTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_InvalidValues(t *testing.T) {
	cases := []mapEnv{
		{"MASTER_SECRET": "x", "PORT": "0"},
		{"MASTER_SECRET": "x", "PORT": "notanumber"},
		{"MASTER_SECRET": "x", "TOKEN_EXPIRY_SECONDS": "-5"},
		{"MASTER_SECRET": "x", "RPC_TIMEOUT_SECONDS": "abc"},
	}
	for _, env := range cases {
		if _, err := LoadConfigFromEnv(env); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}

func TestLoadConfigFromEnv_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := []byte("port: 4000\nmaster_secret: from-file\ndb_path: file.db\nrpc_timeout_seconds: 10\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigFromEnv(mapEnv{"CONFIG_FILE": path})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 4000 || cfg.MasterSecret != "from-file" || cfg.DBPath != "file.db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RPCTimeout != 10*time.Second {
		t.Fatalf("expected 10s rpc timeout, got %v", cfg.RPCTimeout)
	}
}

func TestLoadConfigFromEnv_EnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("port: 4000\nmaster_secret: from-file\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigFromEnv(mapEnv{"CONFIG_FILE": path, "PORT": "5000", "MASTER_SECRET": "from-env"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 5000 || cfg.MasterSecret != "from-env" {
		t.Fatalf("env must win over file: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_MissingFile(t *testing.T) {
	if _, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "CONFIG_FILE": "/does/not/exist.yaml"}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
