package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gmail.TargetMsgPerSec != 47 {
		t.Errorf("target = %d, want 47", cfg.Gmail.TargetMsgPerSec)
	}
	if cfg.Gmail.BatchSize != 100 || cfg.Gmail.MutationBatchSize != 1000 {
		t.Errorf("batch sizes = %d/%d", cfg.Gmail.BatchSize, cfg.Gmail.MutationBatchSize)
	}
	if cfg.Sync.PageSize != 500 {
		t.Errorf("page size = %d, want 500", cfg.Sync.PageSize)
	}
	if cfg.DeltaInterval() != 5*time.Minute {
		t.Errorf("delta interval = %s, want 5m", cfg.DeltaInterval())
	}
	if cfg.Server.APIPort != 8080 || cfg.Server.BindAddr != "127.0.0.1" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[gmail]
target_msg_per_sec = 30

[sync]
delta_interval = "30m"

[server]
api_port = 9999
api_key = "hunter2"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gmail.TargetMsgPerSec != 30 {
		t.Errorf("target = %d, want 30", cfg.Gmail.TargetMsgPerSec)
	}
	if cfg.DeltaInterval() != 30*time.Minute {
		t.Errorf("delta interval = %s, want 30m", cfg.DeltaInterval())
	}
	if cfg.Server.APIPort != 9999 || cfg.Server.APIKey != "hunter2" {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
api_key = "from-file"
`)
	t.Setenv("INBOXORCIST_API_KEY", "from-env")
	t.Setenv("INBOXORCIST_TARGET_MSG_PER_SEC", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.APIKey != "from-env" {
		t.Errorf("api key = %q, want env value", cfg.Server.APIKey)
	}
	if cfg.Gmail.TargetMsgPerSec != 25 {
		t.Errorf("target = %d, want 25", cfg.Gmail.TargetMsgPerSec)
	}
}

func TestValidateRejectsOverCapTunables(t *testing.T) {
	cases := []string{
		"[gmail]\ntarget_msg_per_sec = 51\n",
		"[gmail]\nbatch_size = 101\n",
		"[gmail]\nmutation_batch_size = 1001\n",
		"[sync]\npage_size = 501\n",
	}
	for _, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("config %q should be rejected", content)
		}
	}
}

func TestDatabaseURLDefaultsToSQLiteFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(cfg.Data.DataDir, "inboxorcist.db")
	if cfg.DatabaseURL() != want {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL(), want)
	}

	cfg.DB.URL = "postgres://localhost/inboxorcist"
	if cfg.DatabaseURL() != cfg.DB.URL {
		t.Errorf("explicit URL not honored: %q", cfg.DatabaseURL())
	}
}
